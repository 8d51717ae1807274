package analytics

import "time"

type EventType string

const (
	EventSearch       EventType = "search"
	EventZeroResult   EventType = "zero_result"
	EventTemplateUsed EventType = "template_used"
	EventChange       EventType = "templates_changed"
)

type SearchEvent struct {
	Type         EventType `json:"type"`
	Query        string    `json:"query"`
	Category     string    `json:"category"`
	CategoryType string    `json:"category_type"`
	Returned     int       `json:"returned"`
	LatencyMs    int64     `json:"latency_ms"`
	CacheHit     bool      `json:"cache_hit"`
	Path         string    `json:"path"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id,omitempty"`
	Instance     string    `json:"instance,omitempty"`
}

type UsageEvent struct {
	Type         EventType `json:"type"`
	CategoryType string    `json:"category_type"`
	Category     string    `json:"category"`
	Title        string    `json:"title"`
	UsageCount   int       `json:"usage_count"`
	Timestamp    time.Time `json:"timestamp"`
	Instance     string    `json:"instance,omitempty"`
}

// ChangeEvent announces a template mutation to other instances sharing the
// same backing store.
type ChangeEvent struct {
	Type         EventType `json:"type"`
	Instance     string    `json:"instance"`
	CategoryType string    `json:"category_type"`
	Kind         string    `json:"kind"`
	Category     string    `json:"category,omitempty"`
	OldName      string    `json:"old_name,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// envelope peeks at the type of an encoded event.
type envelope struct {
	Type EventType `json:"type"`
}
