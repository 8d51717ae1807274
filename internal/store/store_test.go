package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickreply/quickreply/internal/template"
	apperrors "github.com/quickreply/quickreply/pkg/errors"
	"github.com/quickreply/quickreply/pkg/metrics"
)

type memPersister struct {
	mu    sync.Mutex
	docs  map[string]template.Snapshot
	saves int
	fail  error
}

func newMemPersister() *memPersister {
	return &memPersister{docs: make(map[string]template.Snapshot)}
}

func (m *memPersister) Load(ctx context.Context, categoryType string) (template.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.docs[categoryType]
	if !ok {
		return template.Snapshot{}, ErrNoDocument
	}
	return s.Clone(), nil
}

func (m *memPersister) Save(ctx context.Context, categoryType string, s template.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.saves++
	m.docs[categoryType] = s.Clone()
	return nil
}

func (m *memPersister) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *memPersister) doc(categoryType string) template.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[categoryType].Clone()
}

func greetings() template.Snapshot {
	return template.Snapshot{Categories: []template.Category{
		{Name: "Greetings", Templates: []template.Template{
			{Title: "Hello", Text: "Hi there"},
			{Title: "Hi All", Text: "Welcome", Pinned: true},
		}},
		{Name: "Farewells", Templates: []template.Template{
			{Title: "Bye", Text: "See you"},
		}},
	}}
}

func openStore(t *testing.T, p *memPersister, delay time.Duration) *Store {
	t.Helper()
	s, err := Open(context.Background(), p, Options{SaveDelay: delay, Metrics: metrics.NewUnregistered()})
	require.NoError(t, err)
	return s
}

func titles(list []template.Template) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Title
	}
	return out
}

func TestOpen_SeedsDefaults(t *testing.T) {
	p := newMemPersister()
	s := openStore(t, p, time.Hour)

	assert.Equal(t, "clients", s.CategoryType())
	assert.Equal(t, []string{"Greetings", "Farewells"}, s.Categories())
	assert.Equal(t, 1, p.saveCount())
	assert.Equal(t, Defaults("clients").Fingerprint(), p.doc("clients").Fingerprint())
}

func TestOpen_UnknownDefaultType(t *testing.T) {
	_, err := Open(context.Background(), newMemPersister(), Options{DefaultType: "vendors"})
	assert.ErrorIs(t, err, apperrors.ErrUnknownCategoryType)
}

func TestOpen_LoadError(t *testing.T) {
	_, err := Open(context.Background(), &failingLoad{}, Options{})
	assert.Error(t, err)
}

type failingLoad struct{ memPersister }

func (f *failingLoad) Load(context.Context, string) (template.Snapshot, error) {
	return template.Snapshot{}, errors.New("permission denied")
}

func TestTemplates_PinnedFirst(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	list, err := s.Templates("Greetings")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hi All", "Hello"}, titles(list))

	_, err = s.Templates("Nope")
	assert.ErrorIs(t, err, apperrors.ErrCategoryNotFound)
}

func TestTemplates_ReturnsCopies(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	list, _ := s.Templates("Greetings")
	list[0].Title = "mutated"
	again, _ := s.Templates("Greetings")
	assert.Equal(t, "Hi All", again[0].Title)
}

func TestCategoryMutations(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	require.NoError(t, s.AddCategory("  Support  "))
	assert.Equal(t, []string{"Greetings", "Farewells", "Support"}, s.Categories())
	assert.ErrorIs(t, s.AddCategory("Support"), apperrors.ErrCategoryExists)
	assert.ErrorIs(t, s.AddCategory(" "), apperrors.ErrInvalidInput)

	require.NoError(t, s.RenameCategory("Greetings", "Hellos"))
	assert.Equal(t, []string{"Hellos", "Farewells", "Support"}, s.Categories())
	assert.ErrorIs(t, s.RenameCategory("Greetings", "X"), apperrors.ErrCategoryNotFound)
	assert.ErrorIs(t, s.RenameCategory("Hellos", "Support"), apperrors.ErrCategoryExists)
	assert.NoError(t, s.RenameCategory("Hellos", "Hellos"))

	require.NoError(t, s.DeleteCategory("Farewells"))
	assert.Equal(t, []string{"Hellos", "Support"}, s.Categories())
	assert.ErrorIs(t, s.DeleteCategory("Farewells"), apperrors.ErrCategoryNotFound)
}

func TestTemplateMutationsUseDisplayPositions(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	pos, err := s.AddTemplate("Greetings", template.Template{Title: "Howdy", Text: "Howdy partner", Pinned: true})
	require.NoError(t, err)
	assert.Equal(t, 2, pos, "new templates are unpinned and go last")

	require.NoError(t, s.EditTemplate("Greetings", 1, template.Template{Title: "Hello!", Text: "Hi there!", Tags: []string{"warm"}}))
	list, _ := s.Templates("Greetings")
	assert.Equal(t, []string{"Hi All", "Hello!", "Howdy"}, titles(list))
	assert.Equal(t, []string{"warm"}, list[1].Tags)

	pinned, err := s.TogglePin("Greetings", 2)
	require.NoError(t, err)
	assert.True(t, pinned)
	list, _ = s.Templates("Greetings")
	assert.Equal(t, []string{"Hi All", "Howdy", "Hello!"}, titles(list))

	require.NoError(t, s.DeleteTemplate("Greetings", 0))
	list, _ = s.Templates("Greetings")
	assert.Equal(t, []string{"Howdy", "Hello!"}, titles(list))

	assert.ErrorIs(t, s.DeleteTemplate("Greetings", 5), apperrors.ErrTemplateNotFound)
	assert.ErrorIs(t, s.DeleteTemplate("Greetings", -1), apperrors.ErrTemplateNotFound)
	_, err = s.AddTemplate("Nope", template.Template{Title: "a", Text: "b"})
	assert.ErrorIs(t, err, apperrors.ErrCategoryNotFound)
	_, err = s.AddTemplate("Greetings", template.Template{Title: "", Text: "b"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestEditKeepsPinAndStats(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	_, err := s.IncrementUsage("Greetings", 0)
	require.NoError(t, err)
	require.NoError(t, s.EditTemplate("Greetings", 0, template.Template{Title: "Hi everyone", Text: "Welcome"}))

	list, _ := s.Templates("Greetings")
	assert.Equal(t, "Hi everyone", list[0].Title)
	assert.True(t, list[0].Pinned)
	assert.Equal(t, 1, list[0].Stats.UsageCount)
}

func TestUsageStats(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	for i := 0; i < 3; i++ {
		_, err := s.IncrementUsage("Greetings", 1)
		require.NoError(t, err)
	}
	tpl, err := s.IncrementUsage("Greetings", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, tpl.Stats.UsageCount)
	require.NotNil(t, tpl.Stats.LastUsed)
	assert.True(t, tpl.Stats.LastUsed.Equal(fixed))

	top, err := s.TopUsed("Greetings", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", "Hi All"}, titles(top))

	top, _ = s.TopUsed("Greetings", 1)
	assert.Equal(t, []string{"Hello"}, titles(top))

	top, _ = s.TopUsed("Farewells", 3)
	assert.Empty(t, top)

	require.NoError(t, s.ResetStats("Greetings"))
	top, _ = s.TopUsed("Greetings", 3)
	assert.Empty(t, top)
}

func TestResetStatsAllCategories(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)
	_, _ = s.IncrementUsage("Greetings", 0)
	_, _ = s.IncrementUsage("Farewells", 0)

	require.NoError(t, s.ResetStats(""))
	for _, c := range s.Categories() {
		top, _ := s.TopUsed(c, 10)
		assert.Empty(t, top, c)
	}
	assert.ErrorIs(t, s.ResetStats("Nope"), apperrors.ErrCategoryNotFound)
}

func TestListenersRunAfterMutation(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	var got []Mutation
	unsubscribe := s.Subscribe(func(m Mutation) {
		// Reading from a listener must not deadlock.
		_, _ = s.Templates(m.Category)
		got = append(got, m)
	})

	require.NoError(t, s.RenameCategory("Greetings", "Hellos"))
	_, err := s.TogglePin("Hellos", 1)
	require.NoError(t, err)
	require.Error(t, s.DeleteCategory("Missing"))

	require.Len(t, got, 2)
	assert.Equal(t, CategoryRenamed, got[0].Kind)
	assert.Equal(t, "Greetings", got[0].OldName)
	assert.Equal(t, []string{"Greetings", "Hellos"}, got[0].Categories())
	assert.Equal(t, PinToggled, got[1].Kind)
	assert.Equal(t, "clients", got[1].CategoryType)
	assert.Equal(t, 1, got[1].Position)

	unsubscribe()
	require.NoError(t, s.AddCategory("More"))
	assert.Len(t, got, 2)
}

func TestDeferredSaveBatchesMutations(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, 40*time.Millisecond)

	for _, name := range []string{"A", "B", "C"} {
		require.NoError(t, s.AddCategory(name))
	}
	assert.True(t, s.Dirty())
	assert.Zero(t, p.saveCount())

	assert.Eventually(t, func() bool { return p.saveCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Dirty())
	assert.Equal(t, s.Fingerprint(), p.doc("clients").Fingerprint())
}

func TestFlushWritesSynchronouslyAndCancelsTimer(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, 50*time.Millisecond)

	require.NoError(t, s.AddCategory("A"))
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, p.saveCount())
	assert.Equal(t, []string{"Greetings", "Farewells", "A"}, p.doc("clients").Names())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, p.saveCount(), "the cancelled deferred save must not write again")

	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, p.saveCount(), "flush with nothing dirty is a no-op")
}

func TestSaveFailureKeepsDirty(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	p.fail = errors.New("disk full")
	require.NoError(t, s.AddCategory("A"))
	assert.Error(t, s.Flush(context.Background()))
	assert.True(t, s.Dirty())

	p.fail = nil
	require.NoError(t, s.Flush(context.Background()))
	assert.False(t, s.Dirty())
}

func TestSwitchType(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	var kinds []MutationKind
	s.Subscribe(func(m Mutation) { kinds = append(kinds, m.Kind) })

	require.NoError(t, s.AddCategory("Unsaved"))
	require.NoError(t, s.SwitchType(context.Background(), "colleagues"))

	assert.Equal(t, "colleagues", s.CategoryType())
	assert.Equal(t, []string{"Chat"}, s.Categories())
	assert.Contains(t, p.doc("clients").Names(), "Unsaved", "the old type is flushed first")
	assert.Equal(t, []MutationKind{CategoryAdded, TypeSwitched}, kinds)

	assert.ErrorIs(t, s.SwitchType(context.Background(), "vendors"), apperrors.ErrUnknownCategoryType)
	require.NoError(t, s.SwitchType(context.Background(), "colleagues"))
	assert.Len(t, kinds, 2, "switching to the active type is a no-op")

	require.NoError(t, s.SwitchType(context.Background(), "clients"))
	assert.Contains(t, s.Categories(), "Unsaved")
}

func TestReload(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	changed, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed, "unchanged content is not reloaded")

	external := greetings()
	external.Categories = append(external.Categories, template.Category{Name: "Edited elsewhere"})
	p.docs["clients"] = external

	var kinds []MutationKind
	s.Subscribe(func(m Mutation) { kinds = append(kinds, m.Kind) })
	changed, err = s.Reload(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Contains(t, s.Categories(), "Edited elsewhere")
	assert.Equal(t, []MutationKind{Reloaded}, kinds)
}

func TestReloadSkippedWhileDirty(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	require.NoError(t, s.AddCategory("Local"))
	p.docs["clients"] = template.Snapshot{}
	changed, err := s.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Contains(t, s.Categories(), "Local")
}

type gatedPersister struct {
	*memPersister
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPersister) Save(ctx context.Context, categoryType string, s template.Snapshot) error {
	g.entered <- struct{}{}
	<-g.release
	return g.memPersister.Save(ctx, categoryType, s)
}

func TestReloadWaitsForSaveInFlight(t *testing.T) {
	mem := newMemPersister()
	mem.docs["clients"] = greetings()
	p := &gatedPersister{memPersister: mem, entered: make(chan struct{}, 1), release: make(chan struct{})}
	s, err := Open(context.Background(), p, Options{SaveDelay: time.Hour, Metrics: metrics.NewUnregistered()})
	require.NoError(t, err)

	require.NoError(t, s.AddCategory("Fresh"))
	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush(context.Background()) }()
	<-p.entered
	assert.False(t, s.Dirty())

	type reloadResult struct {
		changed bool
		err     error
	}
	reloaded := make(chan reloadResult, 1)
	go func() {
		changed, err := s.Reload(context.Background())
		reloaded <- reloadResult{changed, err}
	}()

	select {
	case <-reloaded:
		t.Fatal("reload must wait for the save in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(p.release)
	require.NoError(t, <-flushed)
	r := <-reloaded
	require.NoError(t, r.err)
	assert.False(t, r.changed)
	assert.Contains(t, s.Categories(), "Fresh")

	require.NoError(t, s.AddCategory("Second"))
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, []string{"Greetings", "Farewells", "Fresh", "Second"}, mem.doc("clients").Names())
}

func TestCloseFlushesAndRejectsMutations(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Hour)

	require.NoError(t, s.AddCategory("A"))
	require.NoError(t, s.Close(context.Background()))
	assert.Contains(t, p.doc("clients").Names(), "A")
	assert.Error(t, s.AddCategory("B"))
}

func TestConcurrentMutationsAndReads(t *testing.T) {
	p := newMemPersister()
	p.docs["clients"] = greetings()
	s := openStore(t, p, time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.IncrementUsage("Greetings", j%2)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.Templates("Greetings")
				_, _ = s.Snapshot()
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Flush(context.Background()))

	total := 0
	list, _ := s.Templates("Greetings")
	for _, tpl := range list {
		total += tpl.Stats.UsageCount
	}
	assert.Equal(t, 400, total)
	assert.Equal(t, s.Fingerprint(), p.doc("clients").Fingerprint())
}
