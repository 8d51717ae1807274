// Package store owns the template set: category types, categories and their
// templates, usage statistics, change notification and persistence.
package store

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/quickreply/quickreply/internal/template"
	apperrors "github.com/quickreply/quickreply/pkg/errors"
	"github.com/quickreply/quickreply/pkg/metrics"
)

// Options configures a Store.
type Options struct {
	Types       []string
	DefaultType string
	// SaveDelay is how long mutations are batched before being written.
	// Zero writes on the next timer tick.
	SaveDelay time.Duration
	Metrics   *metrics.Metrics
}

// Store holds the active category type in memory. Templates are kept in
// insertion order; every read returns the pinned-first display order, and
// positions passed to mutations refer to that order.
type Store struct {
	persister Persister
	types     []string
	saveDelay time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	mu        sync.RWMutex
	active    string
	snapshot  template.Snapshot
	dirty     bool
	saveTimer *time.Timer
	closed    bool

	saveMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   map[int]Listener
	nextID      int
}

// Open loads the default category type, seeding it if it has never been
// saved.
func Open(ctx context.Context, p Persister, opts Options) (*Store, error) {
	types := opts.Types
	if len(types) == 0 {
		types = DefaultTypes
	}
	active := opts.DefaultType
	if active == "" {
		active = types[0]
	}
	if !slices.Contains(types, active) {
		return nil, fmt.Errorf("default category type %q: %w", active, apperrors.ErrUnknownCategoryType)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	s := &Store{
		persister: p,
		types:     slices.Clone(types),
		saveDelay: opts.SaveDelay,
		metrics:   m,
		logger:    slog.Default().With("component", "template-store"),
		now:       time.Now,
		listeners: make(map[int]Listener),
	}
	snapshot, err := s.load(ctx, active)
	if err != nil {
		return nil, err
	}
	s.active = active
	s.snapshot = snapshot
	s.logger.Info("template store opened",
		"category_type", active,
		"categories", len(snapshot.Categories),
		"templates", snapshot.TemplateCount(),
	)
	return s, nil
}

// load reads a category type, seeding and saving defaults when there is no
// usable document.
func (s *Store) load(ctx context.Context, categoryType string) (template.Snapshot, error) {
	snapshot, err := s.persister.Load(ctx, categoryType)
	switch {
	case err == nil:
		return snapshot, nil
	case errors.Is(err, ErrCorrupt):
		q, ok := s.persister.(Quarantiner)
		if !ok {
			return template.Snapshot{}, fmt.Errorf("loading %s templates: %w", categoryType, err)
		}
		aside, qerr := q.Quarantine(ctx, categoryType)
		if qerr != nil {
			return template.Snapshot{}, fmt.Errorf("loading %s templates: %w (quarantine: %v)", categoryType, err, qerr)
		}
		s.logger.Warn("corrupt template document moved aside",
			"category_type", categoryType,
			"moved_to", aside,
			"error", err,
		)
	case !errors.Is(err, ErrNoDocument):
		return template.Snapshot{}, fmt.Errorf("loading %s templates: %w", categoryType, err)
	}
	snapshot = Defaults(categoryType)
	s.logger.Info("seeding default templates", "category_type", categoryType)
	if err := s.persister.Save(ctx, categoryType, snapshot); err != nil {
		s.metrics.StoreSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error("saving default templates failed", "category_type", categoryType, "error", err)
	} else {
		s.metrics.StoreSavesTotal.WithLabelValues("ok").Inc()
	}
	return snapshot, nil
}

// Subscribe registers l for mutation notifications and returns a function
// that removes it.
func (s *Store) Subscribe(l Listener) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.listenersMu.Lock()
		defer s.listenersMu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify(m Mutation) {
	s.listenersMu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, s.listeners[id])
	}
	s.listenersMu.RUnlock()
	for _, l := range ls {
		l(m)
	}
}

// CategoryType returns the active category type.
func (s *Store) CategoryType() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// CategoryTypes returns the configured category types.
func (s *Store) CategoryTypes() []string {
	return slices.Clone(s.types)
}

// Categories returns the category names of the active type in order.
func (s *Store) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Names()
}

// Templates returns a copy of a category's templates, pinned first.
func (s *Store) Templates(category string) ([]template.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.categoryIndex(category)
	if idx < 0 {
		return nil, fmt.Errorf("category %q: %w", category, apperrors.ErrCategoryNotFound)
	}
	return template.PinnedFirst(s.snapshot.Categories[idx].Templates), nil
}

// Snapshot returns the active category type and a deep copy of its content
// in insertion order.
func (s *Store) Snapshot() (string, template.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.snapshot.Clone()
}

// Fingerprint returns the content hash of the active category type.
func (s *Store) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.Fingerprint()
}

// TopUsed returns up to n templates of a category with a non-zero usage
// count, most used first. Ties keep display order.
func (s *Store) TopUsed(category string, n int) ([]template.Template, error) {
	list, err := s.Templates(category)
	if err != nil {
		return nil, err
	}
	used := slices.DeleteFunc(list, func(t template.Template) bool { return t.Stats.UsageCount == 0 })
	slices.SortStableFunc(used, func(a, b template.Template) int {
		return cmp.Compare(b.Stats.UsageCount, a.Stats.UsageCount)
	})
	if n >= 0 && len(used) > n {
		used = used[:n]
	}
	return used, nil
}

// AddCategory appends an empty category.
func (s *Store) AddCategory(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return apperrors.Invalid("category name must not be empty")
	}
	return s.mutate(func() (Mutation, error) {
		if s.categoryIndex(name) >= 0 {
			return Mutation{}, fmt.Errorf("category %q: %w", name, apperrors.ErrCategoryExists)
		}
		s.snapshot.Categories = append(s.snapshot.Categories, template.Category{
			Name:      name,
			Templates: []template.Template{},
		})
		return Mutation{Kind: CategoryAdded, Category: name, Position: -1}, nil
	})
}

// RenameCategory renames a category in place.
func (s *Store) RenameCategory(oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return apperrors.Invalid("category name must not be empty")
	}
	return s.mutate(func() (Mutation, error) {
		idx := s.categoryIndex(oldName)
		if idx < 0 {
			return Mutation{}, fmt.Errorf("category %q: %w", oldName, apperrors.ErrCategoryNotFound)
		}
		if oldName == newName {
			return Mutation{}, errNoChange
		}
		if s.categoryIndex(newName) >= 0 {
			return Mutation{}, fmt.Errorf("category %q: %w", newName, apperrors.ErrCategoryExists)
		}
		s.snapshot.Categories[idx].Name = newName
		return Mutation{Kind: CategoryRenamed, Category: newName, OldName: oldName, Position: -1}, nil
	})
}

// DeleteCategory removes a category and its templates.
func (s *Store) DeleteCategory(name string) error {
	return s.mutate(func() (Mutation, error) {
		idx := s.categoryIndex(name)
		if idx < 0 {
			return Mutation{}, fmt.Errorf("category %q: %w", name, apperrors.ErrCategoryNotFound)
		}
		s.snapshot.Categories = slices.Delete(s.snapshot.Categories, idx, idx+1)
		return Mutation{Kind: CategoryDeleted, Category: name, Position: -1}, nil
	})
}

// AddTemplate appends a template to a category and returns its display
// position. Pin state and statistics of t are ignored.
func (s *Store) AddTemplate(category string, t template.Template) (int, error) {
	if err := validate(t); err != nil {
		return 0, err
	}
	var pos int
	err := s.mutate(func() (Mutation, error) {
		list, err := s.categoryList(category)
		if err != nil {
			return Mutation{}, err
		}
		*list = append(*list, template.Template{
			Title: t.Title,
			Text:  t.Text,
			Tags:  slices.Clone(t.Tags),
		})
		pos = slices.Index(template.PinnedFirstOrder(*list), len(*list)-1)
		return Mutation{Kind: TemplateAdded, Category: category, Position: pos}, nil
	})
	return pos, err
}

// EditTemplate replaces the title, text and tags of the template at a
// display position. Pin state and statistics are kept.
func (s *Store) EditTemplate(category string, pos int, t template.Template) error {
	if err := validate(t); err != nil {
		return err
	}
	return s.mutate(func() (Mutation, error) {
		list, idx, err := s.locate(category, pos)
		if err != nil {
			return Mutation{}, err
		}
		cur := &(*list)[idx]
		cur.Title = t.Title
		cur.Text = t.Text
		cur.Tags = slices.Clone(t.Tags)
		return Mutation{Kind: TemplateEdited, Category: category, Position: pos}, nil
	})
}

// DeleteTemplate removes the template at a display position.
func (s *Store) DeleteTemplate(category string, pos int) error {
	return s.mutate(func() (Mutation, error) {
		list, idx, err := s.locate(category, pos)
		if err != nil {
			return Mutation{}, err
		}
		*list = slices.Delete(*list, idx, idx+1)
		return Mutation{Kind: TemplateDeleted, Category: category, Position: pos}, nil
	})
}

// TogglePin flips the pin state of the template at a display position and
// returns the new state.
func (s *Store) TogglePin(category string, pos int) (bool, error) {
	var pinned bool
	err := s.mutate(func() (Mutation, error) {
		list, idx, err := s.locate(category, pos)
		if err != nil {
			return Mutation{}, err
		}
		(*list)[idx].Pinned = !(*list)[idx].Pinned
		pinned = (*list)[idx].Pinned
		return Mutation{Kind: PinToggled, Category: category, Position: pos}, nil
	})
	return pinned, err
}

// IncrementUsage records one use of the template at a display position and
// returns the updated template.
func (s *Store) IncrementUsage(category string, pos int) (template.Template, error) {
	var out template.Template
	err := s.mutate(func() (Mutation, error) {
		list, idx, err := s.locate(category, pos)
		if err != nil {
			return Mutation{}, err
		}
		now := s.now().UTC()
		cur := &(*list)[idx]
		cur.Stats.UsageCount++
		cur.Stats.LastUsed = &now
		out = cur.Clone()
		return Mutation{Kind: UsageIncremented, Category: category, Position: pos}, nil
	})
	return out, err
}

// ResetStats clears usage statistics of one category, or of every category
// when category is empty.
func (s *Store) ResetStats(category string) error {
	return s.mutate(func() (Mutation, error) {
		if category != "" {
			list, err := s.categoryList(category)
			if err != nil {
				return Mutation{}, err
			}
			resetStats(*list)
		} else {
			for i := range s.snapshot.Categories {
				resetStats(s.snapshot.Categories[i].Templates)
			}
		}
		return Mutation{Kind: StatsReset, Category: category, Position: -1}, nil
	})
}

func resetStats(list []template.Template) {
	for i := range list {
		list[i].Stats = template.Stats{}
	}
}

// SwitchType flushes the active category type and makes another one active.
func (s *Store) SwitchType(ctx context.Context, categoryType string) error {
	if !slices.Contains(s.types, categoryType) {
		return fmt.Errorf("category type %q: %w", categoryType, apperrors.ErrUnknownCategoryType)
	}
	if s.CategoryType() == categoryType {
		return nil
	}
	if err := s.Flush(ctx); err != nil {
		return fmt.Errorf("saving before switching category type: %w", err)
	}
	snapshot, err := s.load(ctx, categoryType)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	s.active = categoryType
	s.snapshot = snapshot
	s.dirty = false
	s.mu.Unlock()

	s.logger.Info("category type switched", "category_type", categoryType)
	s.notify(Mutation{Kind: TypeSwitched, CategoryType: categoryType, Position: -1, At: s.now()})
	return nil
}

// Reload re-reads the active category type from the persister. It reports
// whether the content changed. Unsaved local changes take precedence: the
// reload is skipped while a save is pending and waits for a save in
// flight. A missing or undecodable document is left alone and the
// in-memory content kept.
func (s *Store) Reload(ctx context.Context) (bool, error) {
	snapshot, active, err := s.reloadSnapshot(ctx)
	if err != nil || snapshot == nil {
		return false, err
	}

	s.logger.Info("templates reloaded", "category_type", active, "templates", snapshot.TemplateCount())
	s.notify(Mutation{Kind: Reloaded, CategoryType: active, Position: -1, At: s.now()})
	return true, nil
}

// reloadSnapshot loads and swaps in the persisted content under saveMu, so
// a save that has cleared dirty but not yet reached the persister is never
// overwritten by the document it is replacing. It returns nil when nothing
// was swapped.
func (s *Store) reloadSnapshot(ctx context.Context) (*template.Snapshot, string, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	active, dirty := s.active, s.dirty
	s.mu.RUnlock()
	if dirty {
		s.logger.Debug("reload skipped, unsaved changes pending", "category_type", active)
		return nil, active, nil
	}
	snapshot, err := s.persister.Load(ctx, active)
	if err != nil {
		if errors.Is(err, ErrNoDocument) || errors.Is(err, ErrCorrupt) {
			s.logger.Warn("reload skipped", "category_type", active, "error", err)
			return nil, active, nil
		}
		return nil, active, fmt.Errorf("reloading %s templates: %w", active, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.active != active || s.dirty ||
		s.snapshot.Fingerprint() == snapshot.Fingerprint() {
		return nil, active, nil
	}
	s.snapshot = snapshot
	return &snapshot, active, nil
}

// Flush cancels a pending deferred save and writes synchronously if there
// are unsaved changes.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.mu.Unlock()
	return s.save(ctx)
}

// Dirty reports whether there are unsaved changes.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Close flushes pending changes. Later mutations fail.
func (s *Store) Close(ctx context.Context) error {
	err := s.Flush(ctx)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

// mutate applies fn under the write lock, schedules a deferred save and
// notifies listeners once the lock is released.
func (s *Store) mutate(fn func() (Mutation, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	m, err := fn()
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, errNoChange) {
			return nil
		}
		return err
	}
	m.CategoryType = s.active
	m.At = s.now()
	s.scheduleSaveLocked()
	s.mu.Unlock()

	s.logger.Debug("templates mutated",
		"kind", m.Kind,
		"category_type", m.CategoryType,
		"category", m.Category,
	)
	s.notify(m)
	return nil
}

func (s *Store) scheduleSaveLocked() {
	s.dirty = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.saveTimer = time.AfterFunc(max(s.saveDelay, 0), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Errors are logged and counted by save; the next mutation re-arms.
		_ = s.save(ctx)
	})
}

// save writes the current content if it is dirty. Saves are serialised and
// each takes its snapshot after acquiring saveMu, so the newest content is
// always written last.
func (s *Store) save(ctx context.Context) error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return nil
	}
	active := s.active
	snapshot := s.snapshot.Clone()
	s.dirty = false
	s.mu.Unlock()

	start := time.Now()
	if err := s.persister.Save(ctx, active, snapshot); err != nil {
		s.mu.Lock()
		if s.active == active {
			s.dirty = true
		}
		s.mu.Unlock()
		s.metrics.StoreSavesTotal.WithLabelValues("error").Inc()
		s.logger.Error("saving templates failed", "category_type", active, "error", err)
		return fmt.Errorf("saving %s templates: %w", active, err)
	}
	s.metrics.StoreSavesTotal.WithLabelValues("ok").Inc()
	s.logger.Debug("templates saved",
		"category_type", active,
		"templates", snapshot.TemplateCount(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

func (s *Store) categoryIndex(name string) int {
	for i, c := range s.snapshot.Categories {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s *Store) categoryList(category string) (*[]template.Template, error) {
	idx := s.categoryIndex(category)
	if idx < 0 {
		return nil, fmt.Errorf("category %q: %w", category, apperrors.ErrCategoryNotFound)
	}
	return &s.snapshot.Categories[idx].Templates, nil
}

// locate maps a display position to the storage index.
func (s *Store) locate(category string, pos int) (*[]template.Template, int, error) {
	list, err := s.categoryList(category)
	if err != nil {
		return nil, 0, err
	}
	order := template.PinnedFirstOrder(*list)
	if pos < 0 || pos >= len(order) {
		return nil, 0, fmt.Errorf("category %q position %d: %w", category, pos, apperrors.ErrTemplateNotFound)
	}
	return list, order[pos], nil
}

func validate(t template.Template) error {
	if strings.TrimSpace(t.Title) == "" {
		return apperrors.Invalid("template title must not be empty")
	}
	if strings.TrimSpace(t.Text) == "" {
		return apperrors.Invalid("template text must not be empty")
	}
	return nil
}

var (
	errClosed   = errors.New("template store closed")
	errNoChange = errors.New("no change")
)
