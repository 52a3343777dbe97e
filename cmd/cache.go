package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/grc-extract/internal/cache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the response cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache backend and entry counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := cache.New(ctx, cfg.Cache)
		defer func() { _ = c.Close() }()

		st := c.Stats(ctx)
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"backend":  st.Backend,
			"entries":  st.Entries,
			"hits":     st.Hits,
			"misses":   st.Misses,
			"sets":     st.Sets,
			"hit_rate": st.HitRate(),
		})
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [pattern]",
	Short: "Remove cached responses matching a glob pattern (default: all)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := cache.New(ctx, cfg.Cache)
		defer func() { _ = c.Close() }()

		pattern := "*"
		if len(args) == 1 {
			pattern = args[0]
		}
		n, err := c.Clear(ctx, pattern)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d cached responses\n", n)
		return err
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
