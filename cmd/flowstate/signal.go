package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstate-io/flowstate/internal/signal"
)

func newSignalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signal",
		Short: "Emit or query pipeline signals",
	}

	cmd.AddCommand(newSignalEmitCmd())
	cmd.AddCommand(newSignalLatestCmd())
	cmd.AddCommand(newSignalHistoryCmd())

	return cmd
}

func newSignalEmitCmd() *cobra.Command {
	var (
		payload     string
		triggeredBy string
	)

	cmd := &cobra.Command{
		Use:   "emit <name>",
		Short: "Append a signal to the log and update the projection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("signal.emit")
			if err != nil {
				return err
			}
			defer func() { e.finish("signal.emit", err, started) }()

			ctx, cancel := e.ctx(cmd, e.cfg.Lock.Timeout)
			defer cancel()

			var raw json.RawMessage
			if payload != "" {
				raw = json.RawMessage(payload)
			}
			sig, err := e.signals.Emit(ctx, args[0], raw, triggeredBy)
			if err != nil {
				return err
			}
			e.metrics.SignalEmitted(sig.Name)
			e.log.Info("signal emitted", "name", sig.Name, "id", sig.ID)
			if jsonOutput {
				return printJSON(sig)
			}
			fmt.Printf("Emitted %s (%s)\n", sig.Name, sig.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload attached to the signal")
	cmd.Flags().StringVar(&triggeredBy, "triggered-by", "", "Correlation ID of the triggering event")

	return cmd
}

func newSignalLatestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "latest <name>",
		Short: "Print the most recent signal with the given name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("signal.latest")
			if err != nil {
				return err
			}
			defer func() { e.finish("signal.latest", err, started) }()

			sig, err := e.signals.Latest(args[0])
			if err != nil {
				return err
			}
			if sig == nil {
				if jsonOutput {
					return printJSON(map[string]any{"name": args[0], "found": false})
				}
				fmt.Printf("No signal %q recorded.\n", args[0])
				return nil
			}
			if jsonOutput {
				return printJSON(sig)
			}
			printSignal(sig)
			return nil
		},
	}
}

func newSignalHistoryCmd() *cobra.Command {
	var (
		filterExpr string
		since      string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Replay the signal log in order",
		Long: `History walks the append-only signal log oldest first. --since resumes
after a previously seen signal ID, and --filter keeps only entries
matching an expression over name, id, timestamp, triggered_by, and
payload, for example: name == "deploy" && payload.env == "prod".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("signal.history")
			if err != nil {
				return err
			}
			defer func() { e.finish("signal.history", err, started) }()

			var filter *signal.Filter
			if filterExpr != "" {
				filter, err = signal.CompileFilter(filterExpr)
				if err != nil {
					return err
				}
			}

			it, err := e.signals.History(since)
			if err != nil {
				return err
			}

			count := 0
			for {
				sig, err := it.Next()
				if err != nil {
					return err
				}
				if sig == nil {
					break
				}
				if filter != nil {
					ok, merr := filter.Match(sig)
					if merr != nil {
						return merr
					}
					if !ok {
						continue
					}
				}
				count++
				if jsonOutput {
					if err := printJSON(sig); err != nil {
						return err
					}
					continue
				}
				printSignal(sig)
			}
			if !jsonOutput && count == 0 {
				fmt.Println("No signals found.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&filterExpr, "filter", "", "Expression filtering replayed signals")
	cmd.Flags().StringVar(&since, "since", "", "Resume after this signal ID")

	return cmd
}

func printSignal(sig *signal.Signal) {
	fmt.Printf("%s  %-20s", sig.Timestamp.Format(time.RFC3339), sig.Name)
	if sig.TriggeredBy != "" {
		fmt.Printf("  by=%s", sig.TriggeredBy)
	}
	if len(sig.Payload) > 0 {
		fmt.Printf("  %s", sig.Payload)
	}
	fmt.Printf("  [%s]\n", sig.ID)
}
