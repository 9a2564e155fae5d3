package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"batchcast/internal/app"
	"batchcast/internal/storage"
	logx "batchcast/pkg/logx"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type cli struct {
	cfgPath string
	now     func() time.Time
}

func newRootCmd() *cobra.Command {
	return newRoot(time.Now)
}

func newRoot(now func() time.Time) *cobra.Command {
	c := &cli{now: now}
	root := &cobra.Command{
		Use:   "batchcast",
		Short: "Recurring broadcast scheduler for Telegram audiences",
		Long: `batchcast delivers recurring messages to groups of registered recipients.

Examples:
  batchcast serve                              # run the bot, scheduler and delivery pool
  batchcast group add "1st Year"               # create a group
  batchcast job add -m "Lab at 9" -t weekly -g "1st Year" --at 2025-01-06T09:00:00Z
  batchcast job next 3 -n 5                    # preview upcoming runs`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&c.cfgPath, "config", "c", "./config.yaml", "path to config (json or yaml)")

	root.AddCommand(c.serveCmd(), c.groupCmd(), c.recipientCmd(), c.jobCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot, the scheduler loop and the delivery pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.NewApp(c.cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				stopCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
				defer stop()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				if ctx.Err() == nil {
					reason = app.StopFatalError
				}
			}
			stopCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
			defer stop()
			if err := a.Stop(stopCtx, reason); err != nil {
				return err
			}
			if reason == app.StopFatalError {
				return errors.Wrap(a.Err(), "fatal")
			}
			return nil
		},
	}
}

// withStore opens the configured store for one command.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, st storage.Store) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := app.OpenStore(ctx, c.cfgPath, logx.NewWriter(cmd.ErrOrStderr(), "warn"))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}
