// Package main is the entry point for the flowstate CLI tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstate-io/flowstate/internal/checkpoint"
	"github.com/flowstate-io/flowstate/internal/config"
	"github.com/flowstate-io/flowstate/internal/fault"
	"github.com/flowstate-io/flowstate/internal/lock"
	"github.com/flowstate-io/flowstate/internal/signal"
	"github.com/flowstate-io/flowstate/internal/state"
	"github.com/flowstate-io/flowstate/internal/telemetry"
)

// Version information set at build time.
var (
	version       = "0.2.0"
	schemaVersion = state.CurrentSchemaVersion
)

// Global flags.
var (
	pipelineDir   string
	verbose       bool
	jsonOutput    bool
	correlationID string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "flowstate",
		Short: "Coordination layer for pipeline hooks sharing state on disk",
		Long: `Flowstate coordinates short-lived hook processes that share workflow
state through a single JSON document. It provides filesystem locks with
stale-holder reclamation, atomic state commits with rotating backups,
labeled checkpoints with restore, and an append-only signal log.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&pipelineDir, "dir", config.DefaultDir, "Pipeline directory")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose output")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Emit machine-readable JSON output")
	root.PersistentFlags().StringVar(&correlationID, "correlation-id", "", "Set explicit correlation ID")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newStateCmd())
	root.AddCommand(newBackupCmd())
	root.AddCommand(newLockCmd())
	root.AddCommand(newCheckpointCmd())
	root.AddCommand(newDegradeCmd())
	root.AddCommand(newSignalCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newWatchCmd())
	root.AddCommand(newArchiveCmd())

	return root
}

// env bundles the wired components every command needs.
type env struct {
	cfg     *config.Config
	locks   *lock.Manager
	store   *state.Store
	checks  *checkpoint.Manager
	signals *signal.Bus
	metrics *telemetry.Metrics
	log     *slog.Logger
	cid     string

	closeLog func() error
}

// newEnv wires the pipeline components from configuration for one named
// operation. Commands that only need a subset still go through here so
// construction stays uniform; every log line the command emits carries
// the operation name and correlation ID.
func newEnv(op string) (*env, error) {
	cfg, err := config.Load(pipelineDir)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	log, closeLog := telemetry.NewPipelineLogger(os.Stderr, cfg.LogPath(), level)
	baseCtx := telemetry.WithCorrelationID(context.Background(), correlationID)
	log = telemetry.OperationLogger(log, baseCtx, op)

	metrics := telemetry.NewMetrics()

	locks, err := lock.NewManager(cfg.LockDir(), lock.Config{
		TTL:        cfg.Lock.TTL,
		BaseDelay:  cfg.Lock.BaseDelay,
		MaxDelay:   cfg.Lock.MaxDelay,
		Multiplier: cfg.Lock.Multiplier,
		OnReclaim: func(resource string) {
			metrics.LockReclaimed()
			log.Info("stale lock reclaimed", "resource", resource)
		},
	})
	if err != nil {
		closeLog()
		return nil, err
	}

	store := state.NewStore(cfg.StatePath(), cfg.BackupDir(), locks,
		state.WithBackupRetention(cfg.Backup.Retention),
		state.WithLogger(log))

	checks := checkpoint.NewManager(cfg.CheckpointDir(), store, log)
	checks.Track(cfg.Checkpoint.Track...)

	return &env{
		cfg:      cfg,
		locks:    locks,
		store:    store,
		checks:   checks,
		signals:  signal.NewBus(cfg.SignalDir(), store, log),
		metrics:  metrics,
		log:      log,
		cid:      telemetry.CorrelationID(baseCtx),
		closeLog: closeLog,
	}, nil
}

// ctx returns the command context tagged with the environment's
// correlation ID and, when timeout is positive, bounded by a deadline.
func (e *env) ctx(cmd *cobra.Command, timeout time.Duration) (context.Context, context.CancelFunc) {
	ctx := telemetry.WithCorrelationID(cmd.Context(), e.cid)
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// finish records the operation outcome and flushes the metrics textfile.
func (e *env) finish(op string, err error, started time.Time) {
	e.metrics.ObserveOp(op, err, time.Since(started))
	if werr := e.metrics.WriteTextfile(e.cfg.MetricsPath()); werr != nil {
		e.log.Debug("metrics textfile write failed", "error", werr)
	}
	if cerr := e.closeLog(); cerr != nil {
		e.log.Debug("journal close failed", "error", cerr)
	}
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if kind := fault.KindOf(err); kind != "" && fault.ClassOf(kind) == fault.Fatal {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
