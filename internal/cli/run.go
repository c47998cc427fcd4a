package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oanda-gateway/internal/notify"
	"oanda-gateway/internal/trading"
)

func newRunCmd(app *App) *cobra.Command {
	var level string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until interrupted",
		Long: `Starts the price stream and all background loops (order sweep, trailing
stops, expiry checks, position monitoring) and runs until SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			gateway, err := trading.New(*app.Config, app.Logger)
			if err != nil {
				return err
			}

			notifier := notify.NewMulti(notify.Level(level))
			notifier.Add(notify.NewTerminal(cmd.OutOrStdout()))
			notifier.Add(notify.NewLog(app.Logger))
			gateway.OnAlert(notifier.NotifyAlert)
			gateway.OnExpiryNotification(notifier.NotifyExpiry)
			gateway.OnBreakerEvent(notifier.NotifyBreaker)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := gateway.Start(ctx); err != nil {
				return err
			}
			output.Success("gateway running on %s (%v)", app.Config.Broker.Environment, app.Config.Broker.Instruments)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			output.Println()
			output.Info("received %s, shutting down", sig)

			if err := gateway.Stop(10 * time.Second); err != nil {
				output.Error("shutdown incomplete: %v", err)
				return err
			}
			output.Success("gateway stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&level, "alerts", "all", "alert level to display (all, warnings, critical)")
	return cmd
}
