package store

import "time"

// MutationKind names a change to the active template set.
type MutationKind string

const (
	CategoryAdded    MutationKind = "category_added"
	CategoryRenamed  MutationKind = "category_renamed"
	CategoryDeleted  MutationKind = "category_deleted"
	TemplateAdded    MutationKind = "template_added"
	TemplateEdited   MutationKind = "template_edited"
	TemplateDeleted  MutationKind = "template_deleted"
	PinToggled       MutationKind = "pin_toggled"
	UsageIncremented MutationKind = "usage_incremented"
	StatsReset       MutationKind = "stats_reset"
	Reloaded         MutationKind = "reloaded"
	TypeSwitched     MutationKind = "type_switched"
)

// Mutation describes one applied change. Category is empty for changes that
// span the whole category type. OldName is set for renames; Position is the
// display position of the affected template, or -1.
type Mutation struct {
	Kind         MutationKind `json:"kind"`
	CategoryType string       `json:"category_type"`
	Category     string       `json:"category,omitempty"`
	OldName      string       `json:"old_name,omitempty"`
	Position     int          `json:"position"`
	At           time.Time    `json:"at"`
}

// Categories returns the category names whose cached lists the mutation
// invalidates. An empty result means every category.
func (m Mutation) Categories() []string {
	switch m.Kind {
	case Reloaded, TypeSwitched:
		return nil
	case StatsReset:
		if m.Category == "" {
			return nil
		}
	case CategoryRenamed:
		return []string{m.OldName, m.Category}
	}
	return []string{m.Category}
}

// Listener is called after a mutation has been applied, outside the store
// lock, on the mutating goroutine.
type Listener func(Mutation)
