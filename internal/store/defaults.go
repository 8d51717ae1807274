package store

import "github.com/quickreply/quickreply/internal/template"

// DefaultTypes are the category types used when none are configured.
var DefaultTypes = []string{"clients", "colleagues"}

// Defaults returns the seed content for a category type that has no stored
// document yet.
func Defaults(categoryType string) template.Snapshot {
	switch categoryType {
	case "clients":
		return template.Snapshot{Categories: []template.Category{
			{Name: "Greetings", Templates: []template.Template{
				{Title: "Standard greeting", Text: "Hello! How can I help you?"},
			}},
			{Name: "Farewells", Templates: []template.Template{
				{Title: "Standard farewell", Text: "All the best! Feel free to reach out again!"},
			}},
		}}
	case "colleagues":
		return template.Snapshot{Categories: []template.Category{
			{Name: "Chat", Templates: []template.Template{
				{Title: "Hi", Text: "Hi! How are things?"},
			}},
		}}
	default:
		return template.Snapshot{Categories: []template.Category{
			{Name: "General", Templates: []template.Template{}},
		}}
	}
}
