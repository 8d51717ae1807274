package index

import (
	"time"

	"github.com/quickreply/quickreply/internal/template"
)

// ID identifies a template within one build of the index. IDs are assigned
// sequentially in category order and are meaningless across rebuilds.
type ID uint32

type idSet map[ID]struct{}

type entry struct {
	category string
	template template.Template
}

// BuildStats describes the most recent build.
type BuildStats struct {
	CategoryType string        `json:"category_type"`
	Categories   int           `json:"categories"`
	Templates    int           `json:"templates"`
	Tokens       int           `json:"tokens"`
	Duration     time.Duration `json:"duration"`
	BuiltAt      time.Time     `json:"built_at"`
}

// Version identifies the content an index build was made from.
type Version struct {
	CategoryType string
	Fingerprint  string
}
