// Package cli provides the command-line interface for the terminal.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"kite-terminal/internal/config"
	"kite-terminal/internal/logging"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2024-03-01"
)

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	return newRootCmd(&App{Config: cfg, Logger: logger})
}

func newRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "terminal",
		Short: "Kite Terminal - live market data and position management",
		Long: `Kite Terminal streams live market data for Indian exchanges and manages
positions held at the execution backend.

Quotes come from a Kite ticker or a websocket feed gateway and are seeded
from a REST snapshot. Every order mutation is validated locally, sent once
and recorded to the journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			paper, _ := cmd.Flags().GetBool("paper")
			app.Paper = app.Paper || paper
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/kite-terminal)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("paper", false, "use the in-memory paper backend for orders and funds")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addMarketCommands(rootCmd, app)
	addOrderCommands(rootCmd, app)
	addJournalCommands(rootCmd, app)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("Kite Terminal v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
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
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			if output.IsJSON() {
				output.JSON(map[string]string{"path": dir})
			} else {
				output.Println(dir)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("✓ Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Feed")
	output.Printf("  Transport:       %s\n", cfg.Feed.Transport)
	if cfg.Feed.Transport == "gateway" {
		output.Printf("  Gateway URL:     %s\n", cfg.Feed.GatewayURL)
	}
	output.Printf("  Reconnect:       %s .. %s (x%.1f)\n", cfg.Feed.ReconnectInitialDelay, cfg.Feed.ReconnectMaxDelay, cfg.Feed.ReconnectFactor)
	output.Printf("  Snapshot:        %s (timeout %s)\n", cfg.Snapshot.Source, cfg.Snapshot.Timeout)
	output.Println()

	output.Bold("Display")
	output.Printf("  Cadences:        %s / %s / %s\n", cfg.Display.CriticalInterval, cfg.Display.StandardInterval, cfg.Display.BackgroundInterval)
	output.Printf("  Stale after:     %s\n", cfg.Display.StaleAfter)
	output.Println()

	output.Bold("Pricing")
	output.Printf("  Brokerage:       %.4f%% per side\n", cfg.Pricing.BrokerageRatePercent)
	output.Printf("  P&L mode:        %s\n", cfg.Pricing.Mode)
	output.Printf("  Jobbing:         %.2f%%\n", cfg.Pricing.JobbingPercent)
	output.Println()

	output.Bold("Backend")
	output.Printf("  Base URL:        %s\n", cfg.Backend.BaseURL)
	output.Printf("  Timeout:         %s\n", cfg.Backend.RequestTimeout)
	output.Printf("  Funds source:    %s\n", cfg.Backend.FundsSource)
	output.Printf("  Token set:       %v\n", cfg.Credentials.BackendToken != "")
	output.Println()

	output.Bold("Journal")
	output.Printf("  Enabled:         %v\n", cfg.Journal.Enabled)
	output.Printf("  Path:            %s\n", cfg.Journal.Path)
	output.Printf("  Holidays:        %d\n", len(cfg.Market.Holidays))
	if cfg.Metrics.Enabled {
		output.Printf("  Metrics:         %s\n", cfg.Metrics.ListenAddr)
	}
}
