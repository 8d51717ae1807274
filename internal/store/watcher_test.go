package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickreply/quickreply/internal/template"
)

func TestWatcher_ReloadsExternalEdit(t *testing.T) {
	p := newFilePersister(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Open(ctx, p, Options{SaveDelay: time.Hour})
	require.NoError(t, err)

	w := NewWatcher(p.Dir(), s, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	external := template.Snapshot{Categories: []template.Category{
		{Name: "From editor", Templates: []template.Template{{Title: "t", Text: "x"}}},
	}}
	data, err := external.MarshalJSON()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p.Path("clients"), data, 0o644))

	assert.Eventually(t, func() bool {
		return len(s.Categories()) == 1 && s.Categories()[0] == "From editor"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcher_OwnSaveIsNoop(t *testing.T) {
	p := newFilePersister(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Open(ctx, p, Options{SaveDelay: time.Hour})
	require.NoError(t, err)
	var reloads int
	s.Subscribe(func(m Mutation) {
		if m.Kind == Reloaded {
			reloads++
		}
	})

	w := NewWatcher(p.Dir(), s, 20*time.Millisecond)
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, s.AddCategory("Mine"))
	require.NoError(t, s.Flush(ctx))

	select {
	case <-w.Reloads():
	case <-time.After(2 * time.Second):
		t.Fatal("no reload attempt after save")
	}
	assert.Zero(t, reloads)
	assert.Contains(t, s.Categories(), "Mine")
}
