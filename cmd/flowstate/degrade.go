package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDegradeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "degrade <feature>",
		Short: "Mark a feature as degraded in the state document",
		Long: `Degrade records that a non-essential feature failed and the pipeline
is continuing without it. The flag persists in the state document so
later hooks and status output can surface it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("degrade")
			if err != nil {
				return err
			}
			defer func() { e.finish("degrade", err, started) }()

			ctx, cancel := e.ctx(cmd, e.cfg.Lock.Timeout)
			defer cancel()

			if err = e.checks.Degrade(ctx, args[0]); err != nil {
				return err
			}
			e.log.Warn("feature degraded", "feature", args[0])
			if jsonOutput {
				return printJSON(map[string]any{"feature": args[0], "degraded": true})
			}
			fmt.Printf("Marked %q degraded\n", args[0])
			return nil
		},
	}
}
