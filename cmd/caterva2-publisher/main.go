// Command caterva2-publisher serves one local directory tree as a Caterva2
// dataset root: it answers list/info/chunk requests, streams filesystem
// change notifications, and keeps itself registered with a broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"caterva2/internal/config"
	"caterva2/internal/logging"
	"caterva2/internal/publisher"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	baseHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	filterHandler := logging.NewComponentFilterHandler(baseHandler, slog.LevelInfo)
	logger := slog.New(filterHandler)

	var ranServe bool
	rootCmd := &cobra.Command{
		Use:   "caterva2-publisher",
		Short: "Serve a local directory tree as a Caterva2 dataset root",
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
	rootCmd.Flags().String("name", "", "root name this publisher registers under")
	rootCmd.Flags().String("root-dir", "", "local directory tree to serve")
	rootCmd.Flags().String("addr", ":8001", "listen address advertised to the broker")
	rootCmd.Flags().String("broker", "", "broker base URL, e.g. http://localhost:8000 (empty disables registration)")
	rootCmd.Flags().String("registration-secret", "", "HMAC secret used to sign the registration token")
	rootCmd.Flags().StringSlice("ignore", nil, "doublestar glob(s), root-relative, excluded from listing and watching")
	rootCmd.Flags().Duration("debounce", 50*time.Millisecond, "filesystem-change coalescing window")
	rootCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "how often to re-register with the broker")
	rootCmd.Flags().StringArray("log-level", nil, "component=level override, e.g. publisher=debug (repeatable)")

	if err := rootCmd.Execute(); err != nil {
		if !ranServe {
			return 2
		}
		logger.Error("caterva2-publisher exiting", "error", err)
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
	var cfg config.Publisher
	configPath, _ := cmd.Flags().GetString("config")
	if err := config.LoadJSON(configPath, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyPublisherFlagOverrides(cmd, &cfg)

	if cfg.Name == "" {
		return fmt.Errorf("a root --name is required")
	}
	if cfg.RootDir == "" {
		return fmt.Errorf("a --root-dir is required")
	}

	debounce, _ := cmd.Flags().GetDuration("debounce")
	if cfg.DebounceMS > 0 {
		debounce = time.Duration(cfg.DebounceMS) * time.Millisecond
	}
	heartbeat, _ := cmd.Flags().GetDuration("heartbeat-interval")
	if cfg.HeartbeatIntervalSeconds > 0 {
		heartbeat = time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second
	}
	secret, _ := cmd.Flags().GetString("registration-secret")

	srv := publisher.New(publisher.Config{
		Name:               cfg.Name,
		RootDir:            cfg.RootDir,
		Addr:               cfg.Addr,
		BrokerEndpoint:     cfg.BrokerEndpoint,
		RegistrationSecret: secret,
		IgnorePatterns:     cfg.IgnorePatterns,
		Debounce:           debounce,
		HeartbeatInterval:  heartbeat,
		Logger:             logger,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start publisher: %w", err)
	}
	logger.Info("caterva2-publisher started", "name", cfg.Name, "addr", srv.Addr(), "root_dir", cfg.RootDir)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	<-ctx.Done()

	logger.Info("caterva2-publisher stopping")
	return srv.Stop()
}

func applyPublisherFlagOverrides(cmd *cobra.Command, cfg *config.Publisher) {
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.Name = v
	}
	if v, _ := cmd.Flags().GetString("root-dir"); v != "" {
		cfg.RootDir = v
	}
	if cmd.Flags().Changed("addr") || cfg.Addr == "" {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("broker") || cfg.BrokerEndpoint == "" {
		cfg.BrokerEndpoint, _ = cmd.Flags().GetString("broker")
	}
	if patterns, _ := cmd.Flags().GetStringSlice("ignore"); len(patterns) > 0 {
		cfg.IgnorePatterns = patterns
	}
}
