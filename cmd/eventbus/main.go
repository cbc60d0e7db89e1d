package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	bolt "go.etcd.io/bbolt"

	"github.com/kernelci/eventbus/pkg/api"
	"github.com/kernelci/eventbus/pkg/broker"
	"github.com/kernelci/eventbus/pkg/config"
	"github.com/kernelci/eventbus/pkg/eventlog"
	"github.com/kernelci/eventbus/pkg/log"
	"github.com/kernelci/eventbus/pkg/metrics"
	"github.com/kernelci/eventbus/pkg/pubsub"
	"github.com/kernelci/eventbus/pkg/registry"
	"github.com/kernelci/eventbus/pkg/sequence"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "eventbus",
	Short: "Hybrid pub/sub event bus for the KernelCI control plane",
	Long: `The event bus fronts the CI control plane with CloudEvents messaging.

Clients subscribe to named channels and receive events both in real time
through an in-memory broker and durably through a persistent event log with
per-subscriber cursors and catch-up on reconnect.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"eventbus version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cleanupCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event bus",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("http-addr"); v != "" {
			cfg.HTTPAddr = v
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		if v, _ := cmd.Flags().GetString("broker"); v != "" {
			cfg.Broker.Type = v
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		return serve(cfg)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "One-shot removal of expired events and stale subscriber records",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
			cfg.DataDir = v
		}
		return cleanup(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to YAML configuration file")
	serveCmd.Flags().String("http-addr", "", "HTTP listen address")
	serveCmd.Flags().String("data-dir", "", "Data directory")
	serveCmd.Flags().String("broker", "", "Broker backing (memory or redis)")

	cleanupCmd.Flags().String("config", "", "Path to YAML configuration file")
	cleanupCmd.Flags().String("data-dir", "", "Data directory")
}

func openDatabase(dataDir string) (*bolt.DB, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "eventbus.db"), 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

func serve(cfg *config.Config) error {
	logger := log.WithComponent("main")
	metrics.Register()

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	eventSeq, err := sequence.NewBoltOracle(db, "event_seq")
	if err != nil {
		return err
	}
	subSeq, err := sequence.NewBoltOracle(db, "subscription_id")
	if err != nil {
		return err
	}
	evlog, err := eventlog.Open(db, eventSeq, cfg.Retention.Duration())
	if err != nil {
		return err
	}
	reg, err := registry.Open(db)
	if err != nil {
		return err
	}

	var bus broker.Broker
	switch cfg.Broker.Type {
	case "redis":
		rb := broker.NewRedisBroker(cfg.Broker.RedisHost, cfg.Broker.RedisDBNumber)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := rb.Ping(ctx)
		cancel()
		if err != nil {
			return err
		}
		bus = rb
		logger.Info().Str("redis_host", cfg.Broker.RedisHost).Msg("Using redis broker")
	default:
		bus = broker.NewMemoryBroker()
		logger.Info().Msg("Using in-memory broker")
	}
	defer bus.Close()

	pub := pubsub.NewPublisher(evlog, bus, cfg.CloudEventsSource)
	mgr := pubsub.NewManager(pubsub.Config{
		Source:          cfg.CloudEventsSource,
		KeepAlivePeriod: cfg.KeepAlivePeriod.Duration(),
		CatchupLimit:    cfg.CatchupLimit,
	}, bus, evlog, reg, pub, subSeq, eventSeq)
	defer mgr.Close()

	reaper := pubsub.NewReaper(mgr, pubsub.ReaperConfig{
		Interval:                cfg.Reaper.Interval.Duration(),
		StaleSubscriptionMaxAge: cfg.Reaper.StaleSubscriptionMaxAge.Duration(),
		StaleSubscriberMaxAge:   cfg.Reaper.StaleSubscriberMaxAge.Duration(),
	})
	reaper.Start()
	defer reaper.Stop()

	evlog.StartRetention(time.Hour)
	defer evlog.Stop()

	srv := api.NewServer(mgr, pub, evlog, api.NewTokenAuthenticator(cfg.Tokens))
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.HTTPAddr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(ctx)
}

func cleanup(cfg *config.Config) error {
	logger := log.WithComponent("cleanup")

	db, err := openDatabase(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	eventSeq, err := sequence.NewBoltOracle(db, "event_seq")
	if err != nil {
		return err
	}
	evlog, err := eventlog.Open(db, eventSeq, cfg.Retention.Duration())
	if err != nil {
		return err
	}
	reg, err := registry.Open(db)
	if err != nil {
		return err
	}

	purged, err := evlog.PurgeExpired(time.Now())
	if err != nil {
		return err
	}
	deleted, err := reg.DeleteStale(time.Now().Add(-cfg.Reaper.StaleSubscriberMaxAge.Duration()))
	if err != nil {
		return err
	}

	logger.Info().
		Int("events_purged", purged).
		Int("subscribers_deleted", deleted).
		Msg("Cleanup complete")
	return nil
}
