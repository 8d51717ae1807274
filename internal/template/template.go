// Package template defines the template, category and snapshot records shared
// by the store, the search index and the HTTP API.
package template

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// Stats holds per-template usage counters.
type Stats struct {
	UsageCount int        `json:"usage_count"`
	LastUsed   *time.Time `json:"last_used,omitempty"`
}

// Template is a reusable text snippet.
type Template struct {
	Title  string   `json:"title"`
	Text   string   `json:"text"`
	Pinned bool     `json:"pinned,omitempty"`
	Tags   []string `json:"tags,omitempty"`
	Stats  Stats    `json:"stats"`
}

// Clone returns a deep copy of t.
func (t Template) Clone() Template {
	c := t
	if t.Tags != nil {
		c.Tags = slices.Clone(t.Tags)
	}
	if t.Stats.LastUsed != nil {
		last := *t.Stats.LastUsed
		c.Stats.LastUsed = &last
	}
	return c
}

// CloneAll deep-copies a template list. A nil input yields an empty,
// non-nil slice.
func CloneAll(list []Template) []Template {
	out := make([]Template, len(list))
	for i, t := range list {
		out[i] = t.Clone()
	}
	return out
}

// PinnedFirstOrder returns the positions of list in display order: pinned
// templates first, each group in insertion order.
func PinnedFirstOrder(list []Template) []int {
	order := make([]int, 0, len(list))
	for i, t := range list {
		if t.Pinned {
			order = append(order, i)
		}
	}
	for i, t := range list {
		if !t.Pinned {
			order = append(order, i)
		}
	}
	return order
}

// PinnedFirst returns a copy of list in display order.
func PinnedFirst(list []Template) []Template {
	out := make([]Template, 0, len(list))
	for _, i := range PinnedFirstOrder(list) {
		out = append(out, list[i].Clone())
	}
	return out
}

// Category is a named, ordered group of templates.
type Category struct {
	Name      string
	Templates []Template
}

// Snapshot is the full content of one category type. Categories keep their
// order; JSON encoding is an object keyed by category name in that order.
type Snapshot struct {
	Categories []Category
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{Categories: make([]Category, len(s.Categories))}
	for i, c := range s.Categories {
		out.Categories[i] = Category{Name: c.Name, Templates: CloneAll(c.Templates)}
	}
	return out
}

// Lookup returns the category with the given name.
func (s Snapshot) Lookup(name string) (Category, bool) {
	for _, c := range s.Categories {
		if c.Name == name {
			return c, true
		}
	}
	return Category{}, false
}

// Names returns category names in order.
func (s Snapshot) Names() []string {
	names := make([]string, len(s.Categories))
	for i, c := range s.Categories {
		names[i] = c.Name
	}
	return names
}

// TemplateCount returns the number of templates across all categories.
func (s Snapshot) TemplateCount() int {
	n := 0
	for _, c := range s.Categories {
		n += len(c.Templates)
	}
	return n
}

// Fingerprint is a content hash of the snapshot. Equal snapshots have equal
// fingerprints regardless of how they were loaded.
func (s Snapshot) Fingerprint() string {
	data, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MarshalJSON encodes the snapshot as an ordered JSON object.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range s.Categories {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(c.Name)
		if err != nil {
			return nil, err
		}
		templates := c.Templates
		if templates == nil {
			templates = []Template{}
		}
		val, err := json.Marshal(templates)
		if err != nil {
			return nil, fmt.Errorf("encoding category %q: %w", c.Name, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object keyed by category name, preserving key
// order. Duplicate keys keep the last value at the first key's position.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("snapshot: expected object, got %v", tok)
	}
	categories := make([]Category, 0)
	seen := make(map[string]int)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		name, ok := tok.(string)
		if !ok {
			return fmt.Errorf("snapshot: expected category name, got %v", tok)
		}
		var templates []Template
		if err := dec.Decode(&templates); err != nil {
			return fmt.Errorf("snapshot: decoding category %q: %w", name, err)
		}
		if templates == nil {
			templates = []Template{}
		}
		if idx, dup := seen[name]; dup {
			categories[idx].Templates = templates
			continue
		}
		seen[name] = len(categories)
		categories = append(categories, Category{Name: name, Templates: templates})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	s.Categories = categories
	return nil
}
