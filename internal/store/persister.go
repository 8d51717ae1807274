package store

import (
	"context"
	"errors"

	"github.com/quickreply/quickreply/internal/template"
)

var (
	// ErrNoDocument is returned by a Persister when a category type has
	// never been saved.
	ErrNoDocument = errors.New("template document not found")
	// ErrCorrupt is returned when a stored document cannot be decoded.
	ErrCorrupt = errors.New("template document corrupt")
)

// Persister loads and saves the document of one category type.
type Persister interface {
	Load(ctx context.Context, categoryType string) (template.Snapshot, error)
	Save(ctx context.Context, categoryType string, snapshot template.Snapshot) error
}

// Quarantiner is implemented by persisters that can set a corrupt document
// aside so that defaults can be written in its place.
type Quarantiner interface {
	Quarantine(ctx context.Context, categoryType string) (string, error)
}
