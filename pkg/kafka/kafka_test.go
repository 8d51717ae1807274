package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickreply/quickreply/pkg/config"
)

func TestDecodeJSON(t *testing.T) {
	type event struct {
		Type  string `json:"type"`
		Count int    `json:"count"`
	}
	got, err := DecodeJSON[event]([]byte(`{"type":"search","count":3}`))
	require.NoError(t, err)
	assert.Equal(t, event{Type: "search", Count: 3}, got)

	_, err = DecodeJSON[event]([]byte(`{`))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestProducerPingWithoutBrokers(t *testing.T) {
	p := NewProducer(config.KafkaConfig{}, "quickreply.analytics")
	defer p.Close()
	assert.ErrorContains(t, p.Ping(context.Background()), "no brokers configured")
}

type fakeReader struct {
	mu        sync.Mutex
	msgs      chan kafka.Message
	committed []int64
	closed    bool
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{msgs: make(chan kafka.Message, len(msgs))}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) offsets() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestConsumer_CommitsHandledAndMalformed(t *testing.T) {
	r := newFakeReader(
		kafka.Message{Offset: 1, Value: []byte(`{"type":"change"}`)},
		kafka.Message{Offset: 2, Value: []byte(`{`)},
		kafka.Message{Offset: 3, Value: []byte(`{"type":"retry"}`)},
		kafka.Message{Offset: 4, Value: []byte(`{"type":"change"}`)},
	)
	c := newConsumer(r, Subscription{Feed: "changes", Topic: "quickreply.changes", Group: "qr-desk-1-changes"},
		func(ctx context.Context, key, value []byte) error {
			type event struct {
				Type string `json:"type"`
			}
			e, err := DecodeJSON[event](value)
			if err != nil {
				return fmt.Errorf("change event: %w", err)
			}
			if e.Type == "retry" {
				return errors.New("store unavailable")
			}
			return nil
		})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	assert.Eventually(t, func() bool { return len(r.offsets()) == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 4}, r.offsets(), "failed messages stay uncommitted")
	assert.True(t, r.closed)
}
