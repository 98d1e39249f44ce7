// Command caterva2-broker runs the root registry and change-notification
// bus that publishers register with and subscribers query to locate a
// dataset root.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"caterva2/internal/broker"
	"caterva2/internal/config"
	"caterva2/internal/logging"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds and executes the root command, translating failures into the
// process exit codes this command documents: 0 success, 2 when the command
// line cannot be parsed, 1 for any error after that (including an unreadable
// or invalid --config file).
func run(args []string) int {
	baseHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	var ranServe bool
	rootCmd := &cobra.Command{
		Use:   "caterva2-broker",
		Short: "Run the Caterva2 broker: root registry and change-notification bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ranServe = true
			cmd.SilenceUsage = true
			if err := applyLogLevelOverrides(cmd, filterHandler); err != nil {
				return err
			}
			return serve(cmd, logger)
		},
	}
	rootCmd.SetArgs(args)
	rootCmd.Flags().String("config", "", "path to a JSON config file")
	rootCmd.Flags().String("addr", ":8000", "listen address (host:port)")
	rootCmd.Flags().String("registration-secret", "", "HMAC secret verifying publisher registration tokens")
	rootCmd.Flags().Duration("heartbeat-timeout", 90*time.Second, "drop a root not re-registered within this long")
	rootCmd.Flags().StringArray("log-level", nil, "component=level override, e.g. broker=debug (repeatable)")

	if err := rootCmd.Execute(); err != nil {
		if !ranServe {
			return 2
		}
		logger.Error("caterva2-broker exiting", "error", err)
		return 1
	}
	return 0
}

// applyLogLevelOverrides parses every --log-level flag and raises or lowers
// that component's minimum level on the running filter.
func applyLogLevelOverrides(cmd *cobra.Command, filter *logging.ComponentFilterHandler) error {
	overrides, _ := cmd.Flags().GetStringArray("log-level")
	for _, o := range overrides {
		component, level, err := logging.ParseLevelOverride(o)
		if err != nil {
			return err
		}
		filter.SetLevel(component, level)
	}
	return nil
}

func serve(cmd *cobra.Command, logger *slog.Logger) error {
	var cfg config.Broker
	configPath, _ := cmd.Flags().GetString("config")
	if err := config.LoadJSON(configPath, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyBrokerFlagOverrides(cmd, &cfg)

	heartbeatTimeout, err := time.ParseDuration(cfg.HeartbeatTimeout)
	if err != nil {
		heartbeatTimeout, _ = cmd.Flags().GetDuration("heartbeat-timeout")
	}

	srv := broker.New(broker.Config{
		Addr:               cfg.Addr,
		RegistrationSecret: cfg.RegistrationSecret,
		HeartbeatTimeout:   heartbeatTimeout,
		Logger:             logger,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	logger.Info("caterva2-broker started", "addr", srv.Addr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	<-ctx.Done()

	logger.Info("caterva2-broker stopping")
	return srv.Stop()
}

// applyBrokerFlagOverrides layers explicitly-set command-line flags over the
// loaded config file, the way the teacher's server command resolves flags
// alongside its config store.
func applyBrokerFlagOverrides(cmd *cobra.Command, cfg *config.Broker) {
	if cmd.Flags().Changed("addr") || cfg.Addr == "" {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("registration-secret") {
		cfg.RegistrationSecret, _ = cmd.Flags().GetString("registration-secret")
	}
	if cmd.Flags().Changed("heartbeat-timeout") || cfg.HeartbeatTimeout == "" {
		d, _ := cmd.Flags().GetDuration("heartbeat-timeout")
		cfg.HeartbeatTimeout = d.String()
	}
}
