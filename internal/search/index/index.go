// Package index implements the in-memory inverted index over templates.
// The index is rebuilt wholesale from a store snapshot; it never tracks
// store mutations on its own.
package index

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/quickreply/quickreply/internal/search/tokenizer"
	"github.com/quickreply/quickreply/internal/template"
)

// InvertedIndex maps tokens to the templates containing them, scoped by
// category. All reads and writes go through a single lock.
type InvertedIndex struct {
	mu           sync.RWMutex
	built        bool
	categoryType string
	fingerprint  string
	postings     map[string]idSet
	categories   map[string][]ID
	entries      map[ID]entry
	stats        BuildStats
	logger       *slog.Logger
}

// New returns an empty, unbuilt index.
func New() *InvertedIndex {
	return &InvertedIndex{
		postings:   make(map[string]idSet),
		categories: make(map[string][]ID),
		entries:    make(map[ID]entry),
		logger:     slog.Default().With("component", "inverted-index"),
	}
}

// Build replaces the index contents with snapshot. Templates of each
// category are indexed in pinned-first order, which is also the order
// Search returns them in.
func (ix *InvertedIndex) Build(categoryType string, snapshot template.Snapshot) BuildStats {
	start := time.Now()

	postings := make(map[string]idSet)
	categories := make(map[string][]ID, len(snapshot.Categories))
	entries := make(map[ID]entry, snapshot.TemplateCount())

	var next ID
	for _, cat := range snapshot.Categories {
		ids := make([]ID, 0, len(cat.Templates))
		for _, pos := range template.PinnedFirstOrder(cat.Templates) {
			tmpl := cat.Templates[pos]
			id := next
			next++
			ids = append(ids, id)
			entries[id] = entry{category: cat.Name, template: tmpl.Clone()}
			for tok := range tokenizer.Tokenize(indexText(tmpl)) {
				set, ok := postings[tok]
				if !ok {
					set = make(idSet)
					postings[tok] = set
				}
				set[id] = struct{}{}
			}
		}
		categories[cat.Name] = ids
	}

	stats := BuildStats{
		CategoryType: categoryType,
		Categories:   len(categories),
		Templates:    len(entries),
		Tokens:       len(postings),
		BuiltAt:      time.Now(),
	}
	fingerprint := snapshot.Fingerprint()

	ix.mu.Lock()
	ix.postings = postings
	ix.categories = categories
	ix.entries = entries
	ix.categoryType = categoryType
	ix.fingerprint = fingerprint
	ix.built = true
	stats.Duration = time.Since(start)
	ix.stats = stats
	ix.mu.Unlock()

	ix.logger.Debug("index built",
		"category_type", categoryType,
		"categories", stats.Categories,
		"templates", stats.Templates,
		"tokens", stats.Tokens,
		"duration", stats.Duration,
	)
	return stats
}

// Search returns the templates of category matching every word of query.
// An empty or separator-only query returns the whole category. An unbuilt
// index or unknown category yields an empty result. If ctx is cancelled
// between query words, Search gives up and returns nil.
func (ix *InvertedIndex) Search(ctx context.Context, query, category string) []template.Template {
	results, _ := ix.SearchAt(ctx, query, category)
	return results
}

// SearchAt is Search that also returns the version of the content the
// results were computed from, read under the same lock.
func (ix *InvertedIndex) SearchAt(ctx context.Context, query, category string) ([]template.Template, Version) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.search(ctx, query, category), Version{CategoryType: ix.categoryType, Fingerprint: ix.fingerprint}
}

func (ix *InvertedIndex) search(ctx context.Context, query, category string) []template.Template {
	if !ix.built {
		return []template.Template{}
	}
	ids, ok := ix.categories[category]
	if !ok || len(ids) == 0 {
		return []template.Template{}
	}

	words := tokenizer.Words(query)
	if len(words) == 0 {
		return ix.hydrate(ids, nil)
	}

	candidates := make(idSet, len(ids))
	for _, id := range ids {
		candidates[id] = struct{}{}
	}
	for _, word := range words {
		if ctx.Err() != nil {
			return nil
		}
		matching := ix.matching(word)
		for id := range candidates {
			if _, ok := matching[id]; !ok {
				delete(candidates, id)
			}
		}
		if len(candidates) == 0 {
			return []template.Template{}
		}
	}
	return ix.hydrate(ids, candidates)
}

// matching returns the ids of every template with an indexed token that
// contains word. Every substring of at least MinSubstringLen runes of an
// indexed word is itself a token, so for such words the posting list of the
// word is exactly that union. Shorter words need a scan.
func (ix *InvertedIndex) matching(word string) idSet {
	if utf8.RuneCountInString(word) >= tokenizer.MinSubstringLen {
		return ix.postings[word]
	}
	union := make(idSet)
	for tok, set := range ix.postings {
		if !strings.Contains(tok, word) {
			continue
		}
		for id := range set {
			union[id] = struct{}{}
		}
	}
	return union
}

func (ix *InvertedIndex) hydrate(ids []ID, keep idSet) []template.Template {
	out := make([]template.Template, 0, len(ids))
	for _, id := range ids {
		if keep != nil {
			if _, ok := keep[id]; !ok {
				continue
			}
		}
		if e, ok := ix.entries[id]; ok {
			out = append(out, e.template.Clone())
		}
	}
	return out
}

// Ready reports whether Build has run since creation or the last Reset.
func (ix *InvertedIndex) Ready() bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.built
}

// CategoryType returns the category type the index was built for.
func (ix *InvertedIndex) CategoryType() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.categoryType
}

// Fingerprint returns the content hash of the snapshot last built from.
func (ix *InvertedIndex) Fingerprint() string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.fingerprint
}

// Version returns the category type and fingerprint of the last build.
func (ix *InvertedIndex) Version() Version {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return Version{CategoryType: ix.categoryType, Fingerprint: ix.fingerprint}
}

// Stats returns statistics of the last build.
func (ix *InvertedIndex) Stats() BuildStats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.stats
}

// Reset discards all index state.
func (ix *InvertedIndex) Reset() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.postings = make(map[string]idSet)
	ix.categories = make(map[string][]ID)
	ix.entries = make(map[ID]entry)
	ix.categoryType = ""
	ix.fingerprint = ""
	ix.built = false
	ix.stats = BuildStats{}
}

func indexText(t template.Template) string {
	parts := make([]string, 0, 2+len(t.Tags))
	parts = append(parts, t.Title, t.Text)
	parts = append(parts, t.Tags...)
	return strings.Join(parts, " ")
}
