package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"oanda-gateway/internal/config"
)

// Version information
const (
	Version = "0.1.0"
)

// App holds the dependencies shared by all commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	rootCmd := &cobra.Command{
		Use:   "oanda-gateway",
		Short: "OANDA broker execution gateway",
		Long: `oanda-gateway is the execution core of a forex trading platform: it keeps
a live price stream, manages pending orders and open positions, ratchets
trailing stops, and sweeps expiring orders against the OANDA v3 API.

Credentials come from OANDA_API_TOKEN and OANDA_ACCOUNT_ID; everything
else lives in config.toml.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/oanda-gateway)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"version": Version})
			} else {
				output.Printf("oanda-gateway v%s\n", Version)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Broker")
	output.Printf("  Environment:      %s\n", cfg.Broker.Environment)
	output.Printf("  Account:          %s\n", cfg.Broker.AccountID)
	output.Printf("  Instruments:      %v\n", cfg.Broker.Instruments)
	output.Printf("  Requests/sec:     %.1f\n", cfg.Broker.RequestsPerSec)
	output.Println()

	output.Bold("Resilience")
	output.Printf("  Failure thresh:   %d\n", cfg.Resilience.FailureThreshold)
	output.Printf("  Recovery timeout: %s\n", cfg.Resilience.RecoveryTimeout)
	output.Println()

	output.Bold("Orders")
	output.Printf("  Refresh:          %s\n", cfg.Orders.RefreshInterval)
	output.Printf("  Expiry check:     %s\n", cfg.Orders.ExpiryCheckInterval)
	output.Printf("  Expiry windows:   %v min\n", cfg.Orders.ExpiryWindows)
	output.Println()

	output.Bold("Monitor")
	output.Printf("  Scan interval:    %s\n", cfg.Monitor.ScanInterval)
	output.Printf("  Alert cooldown:   %s\n", cfg.Monitor.AlertCooldown)
	output.Println()

	output.Bold("Compliance")
	output.Printf("  FIFO required:    %v\n", cfg.Compliance.FIFORequired)
}
