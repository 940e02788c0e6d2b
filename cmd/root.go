package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wisprnet/relay/internal/config"
	"github.com/wisprnet/relay/internal/identity"
	"github.com/wisprnet/relay/internal/logger"
	"github.com/wisprnet/relay/internal/metrics"
	"github.com/wisprnet/relay/internal/relay"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Global reference to loaded configuration
)

// rootCmd defines the main CLI command for wispr relay
var rootCmd = &cobra.Command{
	Use:   "wispr-relay",
	Short: "Wispr relay is a minimal single-process Nostr relay",
	Long:  `Minimal single-process Nostr relay with an in-memory event store and live subscription routing.`,
	Example: `
  wispr-relay start
  wispr-relay start --ws-addr :7447 --log-level debug
  wispr-relay start --config /path/to/config.yaml`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %v", err)
		}

		// Override config with command line flags if specified
		flags := cmd.Flags()
		if flags.Changed("relay-name") {
			cfg.Relay.Name, _ = flags.GetString("relay-name")
		}
		if flags.Changed("ws-addr") {
			cfg.Relay.WSAddr, _ = flags.GetString("ws-addr")
		}
		if flags.Changed("log-level") {
			lvl, _ := flags.GetString("log-level")
			if err := logger.UpdateLevel(lvl); err != nil {
				return fmt.Errorf("invalid log level: %v", err)
			}
		}
		if flags.Changed("metrics-port") {
			cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
		}
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			fmt.Fprintf(os.Stderr, "Error displaying help: %v\n", err)
		}
	},
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("relay-name", "", "Name of the relay (max 30 chars)")
	rootCmd.PersistentFlags().String("ws-addr", ":8080", "Listen address for the WebSocket server")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().Int("metrics-port", 8181, "Port for Prometheus metrics server")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of wispr relay",
		Run: func(cmd *cobra.Command, args []string) {
			if detailed, _ := cmd.Flags().GetBool("detailed"); detailed {
				fmt.Println(GetFullVersionInfo())
			} else {
				fmt.Println(GetVersionWithPrefix())
			}
		},
	}
	versionCmd.Flags().BoolP("detailed", "d", false, "Show detailed version information")
	rootCmd.AddCommand(versionCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the wispr relay server",
		Long:  "Start the wispr relay server with the specified configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				absPath, err := filepath.Abs(cfgFile)
				if err != nil {
					return fmt.Errorf("resolve config path: %w", err)
				}
				cfgFile = absPath
				logger.Info("Using config file", zap.String("config_file", cfgFile))
			}

			ctx := cmd.Context()

			metrics.RegisterMetrics()
			if cfg.Metrics.Enabled {
				metrics.StartServer(ctx, cfg.Metrics.Port)
			}

			ident, err := identity.GetOrCreateRelayIdentity()
			if err != nil {
				logger.Warn("Failed to load relay identity, continuing without one", zap.Error(err))
			} else {
				logger.Info("Relay identity loaded", zap.String("relay_id", ident.RelayID))
			}

			r := relay.New(cfg, ident)
			srv := relay.NewServer(cfg, r)

			logger.Info("Starting relay...",
				zap.String("name", cfg.Relay.Name),
				zap.String("ws_addr", cfg.Relay.WSAddr))
			if err := srv.ListenAndServe(ctx, cfg.Relay.WSAddr); err != nil {
				return fmt.Errorf("relay server failed: %w", err)
			}
			logger.Info("Relay shut down cleanly")
			return nil
		},
	}
	rootCmd.AddCommand(startCmd)
}
