package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstate-io/flowstate/internal/config"
)

// defaultConfig is the scaffolded config.yaml. Every value shown matches
// the built-in default, so deleting the file changes nothing.
const defaultConfig = `# flowstate pipeline configuration

lock:
  ttl: 2m          # stale threshold for crashed lock holders
  timeout: 10s     # max wait for acquisition before giving up
  base_delay: 25ms # initial contention backoff
  max_delay: 1s
  multiplier: 2.0

backup:
  retention: 5
  # prune_schedule: "0 3 * * *"  # gate for 'backup prune --due'

checkpoint:
  retention: 10
  # track:        # extra files snapshotted with each checkpoint
  #   - deploy.yaml

# archive:
#   bucket: my-pipeline-archives
#   prefix: flowstate
#   region: us-east-1
`

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the pipeline directory and state document",
		Long: `Initialize creates the pipeline directory layout, writes a default
config.yaml if none exists, and seeds the state document in the pre-init
phase. Running it against an already initialized directory is an error
unless --force is given, which reseeds the state document.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()

			for _, sub := range []string{"", "locks", "backups", "checkpoints", "signals"} {
				if err := os.MkdirAll(filepath.Join(pipelineDir, sub), 0o755); err != nil {
					return fmt.Errorf("create pipeline directory: %w", err)
				}
			}

			cfgPath := filepath.Join(pipelineDir, config.FileName)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(defaultConfig), 0o644); err != nil {
					return fmt.Errorf("write default config: %w", err)
				}
			}

			e, err := newEnv("init")
			if err != nil {
				return err
			}
			defer func() { e.finish("init", err, started) }()

			if force {
				if err := os.Remove(e.cfg.StatePath()); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove state document: %w", err)
				}
			}

			doc, err := e.store.Init()
			if err != nil {
				return err
			}

			e.log.Info("pipeline initialized", "dir", pipelineDir, "phase", doc.Phase)
			if jsonOutput {
				return printJSON(map[string]any{
					"dir":           pipelineDir,
					"phase":         doc.Phase,
					"schemaVersion": doc.SchemaVersion,
				})
			}
			fmt.Printf("Initialized pipeline in %s (phase %s, schema %d)\n",
				pipelineDir, doc.Phase, doc.SchemaVersion)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Reseed the state document if it exists")

	return cmd
}
