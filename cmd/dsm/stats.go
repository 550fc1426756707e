package main

import (
	"fmt"

	"dsmessenger/cmd/dsm/ui"
	"dsmessenger/internal/usage"

	"github.com/spf13/cobra"
)

var statsTop int

// statsCmd shows traffic statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show traffic and message statistics",
	Long: `Shows request counts, bytes on the wire and per-contact message counts
recorded in usage.json, plus how many messages the local cache holds.`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	tracker, err := usage.NewTracker(cfg.UsagePath())
	if err != nil {
		return err
	}
	defer tracker.Close()

	out := cmd.OutOrStdout()
	styles := ui.NewStyles(ui.ThemeFor(cfg.UI.Theme))
	fmt.Fprintln(out, ui.RenderUsage(styles, tracker, statsTop))

	if cfg.Account.Username == "" {
		return nil
	}
	cache, err := openCache(cfg)
	if err != nil || cache == nil {
		return nil
	}
	defer cache.Close()

	n, err := cache.Count(cfg.Account.Username)
	if err != nil {
		return err
	}
	contacts, err := cache.Contacts(cfg.Account.Username)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Cached: %d messages with %d contacts (%s)\n", n, len(contacts), cache.Path())
	return nil
}
