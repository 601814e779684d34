// Command escalator runs the reminder escalation worker.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"escalator/internal/app"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	once    bool
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "escalator",
	Short: "Escalating reminder worker",
	Long: `escalator polls due tasks and reminds their owners, escalating from a
Telegram push to a message and then a phone call until the reminder is
acknowledged or every channel is exhausted.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runWorker,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := app.CheckConfig(cfgPath); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfgPath)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config (yaml or json)")
	rootCmd.Flags().BoolVar(&once, "once", false, "run one recovery/poll cycle and exit")
	rootCmd.AddCommand(checkCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.New(ctx, cfgPath)
	if err != nil {
		return err
	}

	if once {
		onceCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-onceCtx.Done():
			}
		}()
		_, err := a.RunOnce(onceCtx)
		return err
	}

	if err := a.Start(ctx); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case s := <-sigCh:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		if err := a.Err(); err != nil {
			return err
		}
	}
	return nil
}
