package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"oanda-gateway/internal/trading"
	"oanda-gateway/pkg/utils"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account orders, positions and pricing",
		Long:  "Performs one-shot broker queries and prints a snapshot of the account.",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			gateway, err := trading.New(*app.Config, app.Logger)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			positions, err := gateway.GetOpenPositions(ctx)
			if err != nil {
				return err
			}
			if err := gateway.Orders.Refresh(ctx); err != nil {
				return err
			}
			orders := gateway.GetPendingOrders(ctx, trading.OrderFilter{})

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"environment": app.Config.Broker.Environment,
					"positions":   positions,
					"orders":      orders,
				})
			}

			output.Bold("Environment: %s", app.Config.Broker.Environment)
			output.Println()

			output.Bold("Open positions (%d)", len(positions))
			for _, p := range positions {
				output.Printf("  %-16s %-5s %10.0f units  entry %s  P&L %.2f\n",
					p.Instrument, p.Side, p.Units,
					utils.FormatPrice(p.Instrument, p.EntryPrice), p.UnrealizedPL)
			}
			if len(positions) == 0 {
				output.Dim("  none")
			}
			output.Println()

			output.Bold("Pending orders (%d)", len(orders))
			for _, o := range orders {
				output.Printf("  %-10s %-18s %-4s %10.0f @ %s  (%.1f pips away)\n",
					o.ID, o.Type, o.Side, o.Units,
					utils.FormatPrice(o.Instrument, o.Price), o.CurrentDistance)
			}
			if len(orders) == 0 {
				output.Dim("  none")
			}
			return nil
		},
	}
}
