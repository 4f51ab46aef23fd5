package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstate-io/flowstate/internal/archive"
)

func newArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy checkpoints to an object store bucket",
	}

	cmd.AddCommand(newArchivePushCmd())

	return cmd
}

func newArchivePushCmd() *cobra.Command {
	var (
		bucket string
		prefix string
	)

	cmd := &cobra.Command{
		Use:   "push <checkpoint-id>",
		Short: "Upload a checkpoint's files to the configured bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("archive.push")
			if err != nil {
				return err
			}
			defer func() { e.finish("archive.push", err, started) }()

			cfg := e.cfg.Archive
			if bucket != "" {
				cfg.Bucket = bucket
			}
			if prefix != "" {
				cfg.Prefix = prefix
			}
			if cfg.Bucket == "" {
				return fmt.Errorf("no bucket configured (set archive.bucket or pass --bucket)")
			}

			manifest, err := e.checks.Find(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := e.ctx(cmd, 0)
			defer cancel()

			up, err := archive.New(ctx, cfg, e.log)
			if err != nil {
				return err
			}
			n, err := up.PushCheckpoint(ctx, e.checks.Dir(), manifest.ID)
			if err != nil {
				return err
			}
			e.log.Info("checkpoint archived", "id", manifest.ID, "objects", n, "bucket", cfg.Bucket)
			if jsonOutput {
				return printJSON(map[string]any{
					"id":      manifest.ID,
					"bucket":  cfg.Bucket,
					"objects": n,
				})
			}
			fmt.Printf("Pushed %s (%d objects) to s3://%s/%s\n",
				manifest.ID, n, cfg.Bucket, cfg.Prefix)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "Destination bucket (overrides config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "Object key prefix (overrides config)")

	return cmd
}
