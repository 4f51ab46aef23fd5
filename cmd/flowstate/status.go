package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pipeline state, locks, backups, and checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("status")
			if err != nil {
				return err
			}
			defer func() { e.finish("status", err, started) }()

			ctx, cancel := e.ctx(cmd, e.cfg.Lock.Timeout)
			defer cancel()

			doc, err := e.checks.ReadOrRecover(ctx)
			if err != nil {
				return err
			}
			held, err := e.locks.Held()
			if err != nil {
				return err
			}
			backups, err := e.store.Backups()
			if err != nil {
				return err
			}
			e.metrics.SetBackupCount(len(backups))
			manifests, err := e.checks.List()
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(map[string]any{
					"phase":         doc.Phase,
					"schemaVersion": doc.SchemaVersion,
					"lastAction":    doc.LastActivation,
					"completed":     len(doc.CompletedTasks),
					"degraded":      doc.Degraded,
					"locks":         held,
					"backups":       len(backups),
					"checkpoints":   len(manifests),
				})
			}

			fmt.Printf("Phase:        %s (schema %d)\n", doc.Phase, doc.SchemaVersion)
			fmt.Printf("Last action:  %s\n", orDash(doc.LastActivation))
			fmt.Printf("Completed:    %d tasks\n", len(doc.CompletedTasks))
			fmt.Printf("Backups:      %d\n", len(backups))
			fmt.Printf("Checkpoints:  %d\n", len(manifests))

			if len(doc.Degraded) > 0 {
				features := make([]string, 0, len(doc.Degraded))
				for f := range doc.Degraded {
					features = append(features, f)
				}
				sort.Strings(features)
				fmt.Printf("Degraded:     %s\n", strings.Join(features, ", "))
			}

			if len(held) > 0 {
				fmt.Println()
				fmt.Printf("%-20s %-8s %-20s %s\n", "LOCK", "PID", "HOST", "ACQUIRED")
				fmt.Println(strings.Repeat("-", 70))
				for _, rec := range held {
					name := rec.Resource
					if rec.Shared {
						name += " (shared)"
					}
					fmt.Printf("%-20s %-8d %-20s %s\n",
						name, rec.PID, rec.Hostname,
						rec.AcquiredAt.Format(time.RFC3339))
				}
			}
			return nil
		},
	}
}
