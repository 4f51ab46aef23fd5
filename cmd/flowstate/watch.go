package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowstate-io/flowstate/internal/watch"
)

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream signal and state changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			started := time.Now()
			e, err := newEnv("watch")
			if err != nil {
				return err
			}
			defer func() { e.finish("watch", err, started) }()

			ctx, cancel := e.ctx(cmd, 0)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			w := watch.New(e.cfg.SignalDir(), e.cfg.StatePath(), e.signals, e.store, e.log)
			err = w.Run(ctx, func(ev watch.Event) {
				if jsonOutput {
					_ = printJSON(ev)
					return
				}
				switch ev.Kind {
				case watch.KindSignal:
					printSignal(ev.Signal)
				case watch.KindState:
					fmt.Printf("%s  state committed (phase %s)\n",
						time.Now().Format(time.RFC3339), ev.Phase)
				}
			})
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return err
		},
	}
}
