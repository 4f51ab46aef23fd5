package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Create, list, restore, or prune checkpoints",
	}

	cmd.AddCommand(newCheckpointCreateCmd())
	cmd.AddCommand(newCheckpointListCmd())
	cmd.AddCommand(newCheckpointRestoreCmd())
	cmd.AddCommand(newCheckpointPruneCmd())

	return cmd
}

func newCheckpointCreateCmd() *cobra.Command {
	var phase string

	cmd := &cobra.Command{
		Use:   "create <label>",
		Short: "Snapshot the state document and tracked files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("checkpoint.create")
			if err != nil {
				return err
			}
			defer func() { e.finish("checkpoint.create", err, started) }()

			ctx, cancel := e.ctx(cmd, e.cfg.Lock.Timeout)
			defer cancel()

			id, err := e.checks.Checkpoint(ctx, args[0], phase)
			if err != nil {
				return err
			}
			e.log.Info("checkpoint created", "id", id, "label", args[0])
			if jsonOutput {
				return printJSON(map[string]any{"id": id})
			}
			fmt.Printf("Created checkpoint %s\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&phase, "phase", "", "Phase tag recorded in the manifest")

	return cmd
}

func newCheckpointListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpoints, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("checkpoint.list")
			if err != nil {
				return err
			}
			defer func() { e.finish("checkpoint.list", err, started) }()

			manifests, err := e.checks.List()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(manifests)
			}
			if len(manifests) == 0 {
				fmt.Println("No checkpoints found.")
				return nil
			}
			fmt.Printf("%-40s %-16s %-12s %s\n", "ID", "LABEL", "PHASE", "CREATED")
			fmt.Println(strings.Repeat("-", 96))
			for _, m := range manifests {
				fmt.Printf("%-40s %-16s %-12s %s\n",
					m.ID, m.Label, orDash(m.Phase), m.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func newCheckpointRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <id-or-label>",
		Short: "Restore the state document and tracked files from a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("checkpoint.restore")
			if err != nil {
				return err
			}
			defer func() { e.finish("checkpoint.restore", err, started) }()

			ctx, cancel := e.ctx(cmd, e.cfg.Lock.Timeout)
			defer cancel()

			manifest, err := e.checks.Find(args[0])
			if err != nil {
				return err
			}
			doc, err := e.checks.Restore(ctx, manifest.ID)
			if err != nil {
				return err
			}
			e.log.Info("checkpoint restored", "id", manifest.ID, "phase", doc.Phase)
			if jsonOutput {
				return printJSON(map[string]any{"id": manifest.ID, "phase": doc.Phase})
			}
			fmt.Printf("Restored %s (phase %s)\n", manifest.ID, doc.Phase)
			return nil
		},
	}
}

func newCheckpointPruneCmd() *cobra.Command {
	var keep int

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old checkpoints beyond the keep count",
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("checkpoint.prune")
			if err != nil {
				return err
			}
			defer func() { e.finish("checkpoint.prune", err, started) }()

			if keep == 0 {
				keep = e.cfg.Checkpoint.Retention
			}
			removed, err := e.checks.Prune(keep)
			if err != nil {
				return err
			}
			e.log.Info("checkpoints pruned", "removed", len(removed), "keep", keep)
			if jsonOutput {
				return printJSON(map[string]any{"removed": removed, "keep": keep})
			}
			fmt.Printf("Removed %d checkpoints (keeping %d)\n", len(removed), keep)
			return nil
		},
	}

	cmd.Flags().IntVar(&keep, "keep", 0, "Checkpoints to keep (default from config)")

	return cmd
}
