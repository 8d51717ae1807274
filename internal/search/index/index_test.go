package index

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickreply/quickreply/internal/search/tokenizer"
	"github.com/quickreply/quickreply/internal/template"
)

func greetingsSnapshot() template.Snapshot {
	return template.Snapshot{Categories: []template.Category{
		{Name: "Greetings", Templates: []template.Template{
			{Title: "Hello", Text: "Hi there"},
			{Title: "Hi All", Text: "Welcome", Pinned: true},
		}},
		{Name: "Farewells", Templates: []template.Template{
			{Title: "Bye", Text: "Have a nice day", Tags: []string{"closing"}},
			{Title: "Later", Text: "Talk to you soon, hi to the team"},
		}},
	}}
}

func titles(list []template.Template) []string {
	out := make([]string, len(list))
	for i, t := range list {
		out[i] = t.Title
	}
	return out
}

func built(t *testing.T) *InvertedIndex {
	t.Helper()
	ix := New()
	ix.Build("clients", greetingsSnapshot())
	require.True(t, ix.Ready())
	return ix
}

func TestSearch_Scenario(t *testing.T) {
	ix := built(t)
	ctx := context.Background()

	assert.ElementsMatch(t, []string{"Hello", "Hi All"}, titles(ix.Search(ctx, "hi", "Greetings")))
	assert.Empty(t, ix.Search(ctx, "xyz", "Greetings"))
	assert.Equal(t, []string{"Hi All", "Hello"}, titles(ix.Search(ctx, "", "Greetings")))
}

func TestSearch_EmptyQueryWhitespace(t *testing.T) {
	ix := built(t)
	assert.Equal(t, []string{"Hi All", "Hello"}, titles(ix.Search(context.Background(), "   \t", "Greetings")))
}

func TestSearch_ScopedToCategory(t *testing.T) {
	ix := built(t)
	got := ix.Search(context.Background(), "hi", "Farewells")
	assert.Equal(t, []string{"Later"}, titles(got))
}

func TestSearch_Tags(t *testing.T) {
	ix := built(t)
	assert.Equal(t, []string{"Bye"}, titles(ix.Search(context.Background(), "clos", "Farewells")))
}

func TestSearch_MultiWordIsIntersection(t *testing.T) {
	ix := built(t)
	ctx := context.Background()
	cat := "Farewells"

	foo := ix.Search(ctx, "to", cat)
	bar := ix.Search(ctx, "team", cat)
	both := ix.Search(ctx, "to team", cat)

	want := make([]string, 0)
	for _, a := range titles(foo) {
		for _, b := range titles(bar) {
			if a == b {
				want = append(want, a)
			}
		}
	}
	assert.ElementsMatch(t, want, titles(both))
	assert.Equal(t, []string{"Later"}, titles(both))
	assert.Empty(t, ix.Search(ctx, "nice team", cat))
}

func TestSearch_SingleRuneWordScansTokens(t *testing.T) {
	ix := New()
	ix.Build("clients", template.Snapshot{Categories: []template.Category{
		{Name: "c", Templates: []template.Template{
			{Title: "x", Text: "alpha"},
			{Title: "y", Text: "beta"},
			{Title: "z", Text: "q"},
		}},
	}})
	ctx := context.Background()
	assert.Equal(t, []string{"x", "y"}, titles(ix.Search(ctx, "a", "c")))
	assert.Equal(t, []string{"z"}, titles(ix.Search(ctx, "q", "c")))
}

func TestSearch_SubstringCompleteness(t *testing.T) {
	ix := built(t)
	ctx := context.Background()
	snap := greetingsSnapshot()
	for _, cat := range snap.Categories {
		for _, tmpl := range cat.Templates {
			for _, word := range tokenizer.Words(tmpl.Title + " " + tmpl.Text) {
				runes := []rune(word)
				for i := 0; i < len(runes); i++ {
					for j := i + tokenizer.MinSubstringLen; j <= len(runes); j++ {
						sub := string(runes[i:j])
						assert.Contains(t, titles(ix.Search(ctx, sub, cat.Name)), tmpl.Title,
							"searching %q in %s", sub, cat.Name)
					}
				}
			}
		}
	}
}

func TestSearch_CaseInsensitive(t *testing.T) {
	ix := built(t)
	ctx := context.Background()
	assert.Equal(t, titles(ix.Search(ctx, "WELCOME", "Greetings")), titles(ix.Search(ctx, "welcome", "Greetings")))
}

func TestSearch_Cyrillic(t *testing.T) {
	ix := New()
	ix.Build("clients", template.Snapshot{Categories: []template.Category{
		{Name: "Приветствие", Templates: []template.Template{
			{Title: "Стандартное приветствие", Text: "Здравствуйте! Чем могу помочь?"},
		}},
	}})
	got := ix.Search(context.Background(), "ЗДРАВ", "Приветствие")
	assert.Len(t, got, 1)
}

func TestSearch_UnbuiltIndexIsEmpty(t *testing.T) {
	ix := New()
	assert.False(t, ix.Ready())
	got := ix.Search(context.Background(), "hi", "Greetings")
	assert.NotNil(t, got)
	assert.Empty(t, got)
	assert.Empty(t, ix.Search(context.Background(), "", "Greetings"))
}

func TestSearch_UnknownCategory(t *testing.T) {
	ix := built(t)
	assert.Empty(t, ix.Search(context.Background(), "", "Missing"))
}

func TestSearch_CancelledContext(t *testing.T) {
	ix := built(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Nil(t, ix.Search(ctx, "hi", "Greetings"))
}

func TestSearch_ReturnsCopies(t *testing.T) {
	ix := built(t)
	ctx := context.Background()
	got := ix.Search(ctx, "bye", "Farewells")
	require.Len(t, got, 1)
	got[0].Title = "mutated"
	got[0].Tags[0] = "mutated"
	again := ix.Search(ctx, "bye", "Farewells")
	assert.Equal(t, "Bye", again[0].Title)
	assert.Equal(t, "closing", again[0].Tags[0])
}

func TestSearchAt_ReturnsBuildVersion(t *testing.T) {
	ix := built(t)
	results, v := ix.SearchAt(context.Background(), "hello", "Greetings")
	assert.NotEmpty(t, results)
	assert.Equal(t, ix.Version(), v)
	assert.Equal(t, ix.Fingerprint(), v.Fingerprint)
	assert.Equal(t, ix.CategoryType(), v.CategoryType)
}

func TestBuild_ReplacesPreviousState(t *testing.T) {
	ix := built(t)
	ix.Build("colleagues", template.Snapshot{Categories: []template.Category{
		{Name: "Chat", Templates: []template.Template{{Title: "Yo", Text: "How is it going"}}},
	}})
	ctx := context.Background()
	assert.Empty(t, ix.Search(ctx, "", "Greetings"))
	assert.Equal(t, []string{"Yo"}, titles(ix.Search(ctx, "go", "Chat")))
	assert.Equal(t, "colleagues", ix.CategoryType())
}

func TestBuild_Stats(t *testing.T) {
	ix := New()
	stats := ix.Build("clients", greetingsSnapshot())
	assert.Equal(t, "clients", stats.CategoryType)
	assert.Equal(t, 2, stats.Categories)
	assert.Equal(t, 4, stats.Templates)
	assert.Positive(t, stats.Tokens)
	assert.Equal(t, stats, ix.Stats())
	assert.Equal(t, greetingsSnapshot().Fingerprint(), ix.Fingerprint())
}

func TestReset(t *testing.T) {
	ix := built(t)
	ix.Reset()
	assert.False(t, ix.Ready())
	assert.Empty(t, ix.Search(context.Background(), "", "Greetings"))
	assert.Empty(t, ix.Fingerprint())
}

func TestConcurrentBuildAndSearch(t *testing.T) {
	ix := built(t)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			ix.Build("clients", greetingsSnapshot())
		}
	}()
	for i := 0; i < 200; i++ {
		got := ix.Search(ctx, "", "Greetings")
		assert.Len(t, got, 2)
	}
	<-done
}

func largeSnapshot(n int) template.Snapshot {
	list := make([]template.Template, n)
	for i := range list {
		list[i] = template.Template{
			Title: fmt.Sprintf("Template %d: Test Template", i),
			Text:  fmt.Sprintf("Content of template number %d with searchable text", i),
		}
	}
	return template.Snapshot{Categories: []template.Category{{Name: "Test", Templates: list}}}
}

func BenchmarkBuild(b *testing.B) {
	for _, n := range []int{100, 1000} {
		snap := largeSnapshot(n)
		b.Run(fmt.Sprintf("templates_%d", n), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				New().Build("clients", snap)
			}
		})
	}
}

func BenchmarkSearch(b *testing.B) {
	ix := New()
	ix.Build("clients", largeSnapshot(1000))
	ctx := context.Background()
	for _, q := range []string{"", "template", "500", "template 75", "xyz123", "t"} {
		b.Run(fmt.Sprintf("%q", q), func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = ix.Search(ctx, q, "Test")
			}
		})
	}
}
