package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quickreply/quickreply/internal/app"
)

var (
	flagSearchCategory string
	flagSearchType     string
)

var searchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Search one category once and print the matching templates",
	Args:  cobra.ArbitraryArgs,
	RunE:  runSearch,
}

func init() {
	searchCmd.Flags().StringVarP(&flagSearchCategory, "category", "c", "", "category to search (required)")
	searchCmd.Flags().StringVarP(&flagSearchType, "type", "t", "", "category type to search (defaults to the configured one)")
	searchCmd.MarkFlagRequired("category")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	if flagSearchType != "" {
		cfg.Store.DefaultCategoryType = flagSearchType
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Engine.Search(ctx, strings.Join(args, " "), flagSearchCategory)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no matching templates")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tPIN\tUSED\tTITLE\tTEXT")
	for i, t := range results {
		pin := ""
		if t.Pinned {
			pin = "*"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", i, pin, t.Stats.UsageCount, t.Title, preview(t.Text, 60))
	}
	return w.Flush()
}

func preview(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= n {
		return text
	}
	return string(r[:n-1]) + "…"
}
