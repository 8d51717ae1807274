package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quickreply/quickreply/internal/app"
	"github.com/quickreply/quickreply/internal/engine"
	"github.com/quickreply/quickreply/internal/search/pipeline"
	"github.com/quickreply/quickreply/internal/store"
	"github.com/quickreply/quickreply/internal/template"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive search: every line you type replaces the search box",
	Args:  cobra.NoArgs,
	RunE:  runREPL,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

const replHelp = `type to search; commands:
  :cat NAME   switch category (:cat alone lists them)
  :type NAME  switch category type (:type alone lists them)
  :copy N     print result N and count a use
  :pin N      toggle the pin of result N
  :quit       exit`

func runREPL(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	a, err := app.New(ctx, cfg, app.Options{Services: true})
	if err != nil {
		return err
	}
	defer a.Close()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := a.Run(ctx); err != nil {
			slog.Error("background workers stopped", "error", err)
		}
	}()
	defer func() {
		stop()
		<-runDone
	}()

	r := newREPL(a.Engine, a.Store, cmd.OutOrStdout())
	defer r.close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(r.out, replHelp)
	r.start()

	tick := time.NewTicker(cfg.Search.PollInterval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok || !r.handle(ctx, line) {
				return nil
			}
		case <-tick.C:
			r.poll()
		}
	}
}

// repl is the terminal front end state: the active category, the search
// box contents and the last results shown.
type repl struct {
	engine   *engine.Engine
	store    *store.Store
	pipeline *pipeline.Pipeline
	out      io.Writer

	category string
	query    string
	results  []template.Template
}

func newREPL(e *engine.Engine, st *store.Store, out io.Writer) *repl {
	r := &repl{engine: e, store: st, pipeline: e.NewPipeline(), out: out}
	if cats := st.Categories(); len(cats) > 0 {
		r.category = cats[0]
	}
	return r
}

// start shows the whole active category.
func (r *repl) start() {
	fmt.Fprintf(r.out, "[%s / %s]\n", r.store.CategoryType(), r.category)
	r.pipeline.StartSearch(r.query, r.category)
}

// handle processes one input line and reports whether to continue.
func (r *repl) handle(ctx context.Context, line string) bool {
	if !strings.HasPrefix(line, ":") {
		r.query = line
		r.pipeline.Submit(r.query, r.category)
		return true
	}

	name, arg, _ := strings.Cut(strings.TrimPrefix(line, ":"), " ")
	arg = strings.TrimSpace(arg)
	switch name {
	case "quit", "q":
		return false
	case "cat":
		if arg == "" {
			fmt.Fprintln(r.out, strings.Join(r.store.Categories(), ", "))
			return true
		}
		r.category = arg
		r.start()
	case "type":
		if arg == "" {
			fmt.Fprintln(r.out, strings.Join(r.store.CategoryTypes(), ", "))
			return true
		}
		if err := r.engine.SwitchCategoryType(ctx, arg); err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return true
		}
		r.category = ""
		if cats := r.store.Categories(); len(cats) > 0 {
			r.category = cats[0]
		}
		r.start()
	case "copy", "pin":
		t, pos, err := r.selected(arg)
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return true
		}
		if name == "copy" {
			used, err := r.store.IncrementUsage(r.category, pos)
			if err != nil {
				fmt.Fprintln(r.out, "error:", err)
				return true
			}
			fmt.Fprintln(r.out, used.Text)
			return true
		}
		pinned, err := r.store.TogglePin(r.category, pos)
		if err != nil {
			fmt.Fprintln(r.out, "error:", err)
			return true
		}
		fmt.Fprintf(r.out, "%s pinned=%t\n", t.Title, pinned)
		r.pipeline.StartSearch(r.query, r.category)
	default:
		fmt.Fprintln(r.out, replHelp)
	}
	return true
}

// selected maps a result number to the template's position in the
// category's display order.
func (r *repl) selected(arg string) (template.Template, int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 || n >= len(r.results) {
		return template.Template{}, 0, fmt.Errorf("no result %q", arg)
	}
	want := r.results[n]
	list, err := r.store.Templates(r.category)
	if err != nil {
		return template.Template{}, 0, err
	}
	for pos, t := range list {
		if t.Title == want.Title && t.Text == want.Text {
			return t, pos, nil
		}
	}
	return template.Template{}, 0, fmt.Errorf("result %d no longer exists", n)
}

// poll prints a freshly delivered result, if any.
func (r *repl) poll() bool {
	result, ok := r.pipeline.Poll()
	if !ok {
		return false
	}
	r.results = result.Templates
	if result.Failed {
		fmt.Fprintln(r.out, "search failed")
		return true
	}
	if len(r.results) == 0 {
		fmt.Fprintln(r.out, "(no matches)")
		return true
	}
	for i, t := range r.results {
		pin := " "
		if t.Pinned {
			pin = "*"
		}
		fmt.Fprintf(r.out, "%2d %s %s: %s\n", i, pin, t.Title, preview(t.Text, 60))
	}
	return true
}

func (r *repl) close() {
	r.pipeline.Close()
}
