package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

func newBackupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "List, prune, or recover from state backups",
	}

	cmd.AddCommand(newBackupListCmd())
	cmd.AddCommand(newBackupPruneCmd())
	cmd.AddCommand(newBackupRecoverCmd())

	return cmd
}

func newBackupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rotated backups, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("backup.list")
			if err != nil {
				return err
			}
			defer func() { e.finish("backup.list", err, started) }()

			backups, err := e.store.Backups()
			if err != nil {
				return err
			}
			e.metrics.SetBackupCount(len(backups))
			if jsonOutput {
				return printJSON(backups)
			}
			if len(backups) == 0 {
				fmt.Println("No backups found.")
				return nil
			}
			fmt.Printf("%-28s %10s  %s\n", "CREATED", "SIZE", "PATH")
			fmt.Println(strings.Repeat("-", 70))
			for _, b := range backups {
				fmt.Printf("%-28s %10d  %s\n",
					b.CreatedAt.Format(time.RFC3339), b.Size, b.Path)
			}
			return nil
		},
	}
}

func newBackupPruneCmd() *cobra.Command {
	var due bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Prune backups beyond the retention count",
		Long: `Prune removes backups beyond the configured retention, oldest first.

With --due, pruning only runs when the configured cron schedule says a
run is owed since the last recorded prune; otherwise the command exits
without touching anything. This lets frequent hooks call prune cheaply.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("backup.prune")
			if err != nil {
				return err
			}
			defer func() { e.finish("backup.prune", err, started) }()

			if due {
				owed, derr := pruneOwed(e)
				if derr != nil {
					return derr
				}
				if !owed {
					if jsonOutput {
						return printJSON(map[string]any{"pruned": false, "reason": "not due"})
					}
					fmt.Println("Prune not due.")
					return nil
				}
			}

			if err = e.store.Prune(); err != nil {
				return err
			}
			if err = recordPrune(e); err != nil {
				return err
			}

			backups, berr := e.store.Backups()
			if berr == nil {
				e.metrics.SetBackupCount(len(backups))
			}
			e.log.Info("backups pruned", "remaining", len(backups))
			if jsonOutput {
				return printJSON(map[string]any{"pruned": true, "remaining": len(backups)})
			}
			fmt.Printf("Pruned backups, %d remaining\n", len(backups))
			return nil
		},
	}

	cmd.Flags().BoolVar(&due, "due", false, "Only prune when the configured schedule is owed")

	return cmd
}

// pruneOwed reports whether the cron schedule has fired since the last
// recorded prune. An empty schedule means always owed.
func pruneOwed(e *env) (bool, error) {
	spec := e.cfg.Backup.PruneSchedule
	if spec == "" {
		return true, nil
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return false, fmt.Errorf("parse prune schedule %q: %w", spec, err)
	}

	last := time.Time{}
	if data, err := os.ReadFile(e.cfg.PruneStatePath()); err == nil {
		if t, perr := time.Parse(time.RFC3339, strings.TrimSpace(string(data))); perr == nil {
			last = t
		}
	}
	if last.IsZero() {
		return true, nil
	}
	return !sched.Next(last).After(time.Now()), nil
}

func recordPrune(e *env) error {
	stamp := time.Now().UTC().Format(time.RFC3339) + "\n"
	return os.WriteFile(e.cfg.PruneStatePath(), []byte(stamp), 0o644)
}

func newBackupRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replace a corrupt state document with the newest valid backup",
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("backup.recover")
			if err != nil {
				return err
			}
			defer func() { e.finish("backup.recover", err, started) }()

			ctx, cancel := e.ctx(cmd, e.cfg.Lock.Timeout)
			defer cancel()

			doc, err := e.checks.Recover(ctx)
			if err != nil {
				return err
			}
			e.log.Info("state recovered", "phase", doc.Phase)
			if jsonOutput {
				return printJSON(doc)
			}
			fmt.Printf("Recovered state document (phase %s, schema %d)\n",
				doc.Phase, doc.SchemaVersion)
			return nil
		},
	}
}
