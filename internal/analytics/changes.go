package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quickreply/quickreply/internal/store"
	"github.com/quickreply/quickreply/pkg/kafka"
	"github.com/quickreply/quickreply/pkg/resilience"
)

// EventPublisher writes a single event. *kafka.Producer satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, event kafka.Event) error
}

// Reloader re-reads templates from the shared backing store.
type Reloader interface {
	Reload(ctx context.Context) (bool, error)
}

// ChangeFeed announces local template mutations on the change topic and
// reloads the store when another instance announces one.
type ChangeFeed struct {
	publisher EventPublisher
	reloader  Reloader
	instance  string
	timeout   time.Duration
	logger    *slog.Logger
}

func NewChangeFeed(publisher EventPublisher, reloader Reloader, instance string) *ChangeFeed {
	return &ChangeFeed{
		publisher: publisher,
		reloader:  reloader,
		instance:  instance,
		timeout:   5 * time.Second,
		logger:    slog.Default().With("component", "change-feed"),
	}
}

// OnMutation is a store.Listener. Reloads are not announced: they are the
// consequence of someone else's change. Usage increments are not announced
// either; they reach other instances through the analytics topic.
func (f *ChangeFeed) OnMutation(m store.Mutation) {
	if m.Kind == store.Reloaded || m.Kind == store.UsageIncremented {
		return
	}
	event := ChangeEvent{
		Type:         EventChange,
		Instance:     f.instance,
		CategoryType: m.CategoryType,
		Kind:         string(m.Kind),
		Category:     m.Category,
		OldName:      m.OldName,
		Timestamp:    m.At.UTC(),
	}
	resilience.SafeGo(context.Background(), f.timeout, "announce-change", func(ctx context.Context) error {
		if err := f.publisher.Publish(ctx, kafka.Event{Key: m.CategoryType, Value: event}); err != nil {
			return fmt.Errorf("announcing %s: %w", m.Kind, err)
		}
		return nil
	})
}

// Handler returns the consumer handler for the change topic.
func (f *ChangeFeed) Handler() kafka.MessageHandler {
	return func(ctx context.Context, key []byte, value []byte) error {
		event, err := kafka.DecodeJSON[ChangeEvent](value)
		if err != nil {
			return fmt.Errorf("change event: %w", err)
		}
		if event.Instance == f.instance || event.Type != EventChange {
			return nil
		}
		changed, err := f.reloader.Reload(ctx)
		if err != nil {
			return err
		}
		f.logger.Info("remote template change applied",
			"from", event.Instance,
			"kind", event.Kind,
			"category_type", event.CategoryType,
			"reloaded", changed,
		)
		return nil
	}
}
