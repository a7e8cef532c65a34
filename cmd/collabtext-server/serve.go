package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"collabtext/server/internal/collab"
	"collabtext/server/internal/config"
	"collabtext/server/internal/discovery"
	"collabtext/server/internal/logging"
	"collabtext/server/internal/oplog"
	"collabtext/server/internal/relay"
	"collabtext/server/internal/server"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	configPath   string
	flagPort     int
	flagLogLevel string
	flagPretty   bool
	flagStore    string
	flagRelay    string
	flagMDNS     bool
)

var rootCmd = &cobra.Command{
	Use:   "collabtext-server",
	Short: "CollabText operation broadcast and sync server",
	Long: `Accepts edit operations from connected editors, orders them per project,
broadcasts them to every collaborator, and lets reconnecting clients catch up
from their last known version.

Native clients connect to /ws; event-stream clients open GET /stream and POST
commands to /stream/{clientId}.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVarP(&configPath, "config", "c", "", "Path to a YAML config file")
	f.StringVar(&flagLogLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	f.BoolVar(&flagPretty, "log-pretty", false, "Human-readable console logs")

	rootCmd.Flags().IntVarP(&flagPort, "port", "p", 0, "Port to listen on")
	rootCmd.Flags().StringVar(&flagStore, "store", "", "Operation log backend (redis|postgres)")
	rootCmd.Flags().StringVar(&flagRelay, "relay", "", "Fanout relay backend (redis|memory)")
	rootCmd.Flags().BoolVar(&flagMDNS, "mdns", false, "Advertise this instance over mDNS")

	rootCmd.SetVersionTemplate(fmt.Sprintf("collabtext-server %s (%s)\n", Version, BuildTime))
	rootCmd.AddCommand(peersCmd)
}

// loadConfig layers command-line flags over config.Load.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = flagLogLevel
	}
	if flags.Changed("log-pretty") {
		cfg.LogPretty = flagPretty
	}
	if flags.Changed("store") {
		cfg.StoreBackend = flagStore
	}
	if flags.Changed("relay") {
		cfg.RelayBackend = flagRelay
	}
	if flags.Changed("mdns") {
		cfg.MDNSEnabled = flagMDNS
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(cfg.LogLevel),
		Output: os.Stderr,
		Pretty: cfg.LogPretty,
	})
	return cfg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info().
		Str("version", Version).
		Str("store", cfg.StoreBackend).
		Str("relay", cfg.RelayBackend).
		Msg("starting collabtext server")

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := waitFor(ctx, "redis", func() error { return rdb.Ping(ctx).Err() }); err != nil {
			return err
		}
		logging.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")
	}

	var log oplog.Log
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return fmt.Errorf("create postgres pool: %w", err)
		}
		defer pool.Close()
		if err := waitFor(ctx, "postgres", func() error { return pool.Ping(ctx) }); err != nil {
			return err
		}
		pg := oplog.NewPostgresLog(pool)
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		logging.Info().Msg("connected to postgres")
		log = pg
	default:
		log = oplog.NewRedisLog(rdb)
	}

	var rl relay.Relay
	switch cfg.RelayBackend {
	case config.BackendMemory:
		ps := relay.NewPubSub()
		defer ps.Close()
		rl = relay.NewMemoryRelay(ps, cfg.RelayChannel)
	default:
		rl = relay.NewRedisRelay(rdb, cfg.RelayChannel)
	}

	hub := collab.NewHub(log, rl, collab.Options{DefaultLimit: cfg.DefaultLimit})
	defer hub.Close()

	srvCfg := server.DefaultConfig()
	srvCfg.Port = cfg.Port
	srvCfg.CORSOrigins = cfg.CORSOrigins
	srv := server.New(srvCfg, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(srv.Start)
	if cfg.MDNSEnabled {
		g.Go(func() error {
			if err := discovery.Advertise(gctx, hub.InstanceID(), cfg.Port); err != nil {
				logging.Warn().Err(err).Msg("mdns advertisement disabled")
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("server stopped")
	return nil
}

// waitFor retries ping with exponential backoff for up to a minute.
func waitFor(ctx context.Context, name string, ping func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = time.Minute
	notify := func(err error, wait time.Duration) {
		logging.Warn().Err(err).Str("backend", name).Dur("retryIn", wait).Msg("backend not reachable yet")
	}
	if err := backoff.RetryNotify(ping, backoff.WithContext(bo, ctx), notify); err != nil {
		return fmt.Errorf("connect to %s: %w", name, err)
	}
	return nil
}
