// Command caterva2-subscriber runs the client-facing cache: it discovers
// publishers via a broker, lazily materializes datasets chunk-by-chunk on
// demand, and serves slice/download requests out of its shadow cache.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"caterva2/internal/config"
	"caterva2/internal/logging"
	"caterva2/internal/subscriber"
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
		Use:   "caterva2-subscriber",
		Short: "Run the Caterva2 subscriber: on-demand shadow cache over publisher datasets",
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
	rootCmd.Flags().String("addr", ":8002", "listen address for client-facing requests")
	rootCmd.Flags().String("broker", "", "broker base URL, e.g. http://localhost:8000")
	rootCmd.Flags().String("cache-dir", "", "directory for shadow containers and sidecars")
	rootCmd.Flags().Int64("cache-quota-bytes", 0, "soft upper bound on cache size in bytes (0 = unlimited)")
	rootCmd.Flags().Int("etag-revalidation-interval", 5, "seconds a cached ETag may be trusted before re-checking the publisher")
	rootCmd.Flags().Int("chunk-fetch-concurrency", 8, "max parallel chunk fetches per dataset")
	rootCmd.Flags().Int64("prefer-schunk-threshold-bytes", 128<<10, "response size above which prefer_schunk switches to container-frame transport")
	rootCmd.Flags().StringSlice("subscribe", nil, "root name(s) to subscribe to immediately at startup")
	rootCmd.Flags().StringArray("log-level", nil, "component=level override, e.g. subscriber=debug (repeatable)")

	if err := rootCmd.Execute(); err != nil {
		if !ranServe {
			return 2
		}
		logger.Error("caterva2-subscriber exiting", "error", err)
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
	cfg := config.DefaultSubscriber()
	configPath, _ := cmd.Flags().GetString("config")
	if err := config.LoadJSON(configPath, &cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applySubscriberFlagOverrides(cmd, &cfg)

	if cfg.BrokerEndpoint == "" {
		return fmt.Errorf("a --broker endpoint is required")
	}
	if cfg.CacheDir == "" {
		return fmt.Errorf("a --cache-dir is required")
	}

	sub := subscriber.New(cfg, logger)
	srv := subscriber.NewServer(sub, cfg, logger)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start subscriber: %w", err)
	}
	logger.Info("caterva2-subscriber started", "addr", srv.Addr(), "broker", cfg.BrokerEndpoint)

	roots, _ := cmd.Flags().GetStringSlice("subscribe")
	for _, root := range roots {
		if err := sub.Subscribe(root); err != nil {
			logger.Warn("initial subscribe failed", "root", root, "error", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	<-ctx.Done()

	logger.Info("caterva2-subscriber stopping")
	return srv.Stop()
}

func applySubscriberFlagOverrides(cmd *cobra.Command, cfg *config.Subscriber) {
	if cmd.Flags().Changed("addr") || cfg.Addr == "" {
		cfg.Addr, _ = cmd.Flags().GetString("addr")
	}
	if cmd.Flags().Changed("broker") || cfg.BrokerEndpoint == "" {
		cfg.BrokerEndpoint, _ = cmd.Flags().GetString("broker")
	}
	if v, _ := cmd.Flags().GetString("cache-dir"); v != "" {
		cfg.CacheDir = v
	}
	if cmd.Flags().Changed("cache-quota-bytes") {
		cfg.CacheQuotaBytes, _ = cmd.Flags().GetInt64("cache-quota-bytes")
	}
	if cmd.Flags().Changed("etag-revalidation-interval") {
		cfg.EtagRevalidationIntervalSeconds, _ = cmd.Flags().GetInt("etag-revalidation-interval")
	}
	if cmd.Flags().Changed("chunk-fetch-concurrency") {
		cfg.ChunkFetchConcurrency, _ = cmd.Flags().GetInt("chunk-fetch-concurrency")
	}
	if cmd.Flags().Changed("prefer-schunk-threshold-bytes") {
		cfg.PreferSchunkThresholdBytes, _ = cmd.Flags().GetInt64("prefer-schunk-threshold-bytes")
	}
}
