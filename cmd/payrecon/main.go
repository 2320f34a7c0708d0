/*
main.go - Application entry point

PURPOSE:
  The payrecon binary. Subcommands share one configuration and one way of
  opening the store, publishers and M-Pesa client.

COMMANDS:
  serve     HTTP API, M-Pesa callbacks, background sweep
  sweep     One reconciliation sweep, then exit (cron)
  migrate   Create or upgrade the database schema

CONFIGURATION:
  --config points at an optional YAML file. Every key can be overridden
  with a PAYRECON_* environment variable; see config/config.go.

EXAMPLES:
  # Local development on SQLite
  payrecon serve

  # Production
  PAYRECON_STORE_DRIVER=postgres \
  PAYRECON_STORE_POSTGRES_DSN=postgres://... \
  payrecon serve --config /etc/payrecon.yaml

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Keys and defaults
*/
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/freshfold/payrecon/config"
	"github.com/freshfold/payrecon/events"
	"github.com/freshfold/payrecon/mpesa"
	"github.com/freshfold/payrecon/payment"
	"github.com/freshfold/payrecon/payment/store"
	"github.com/freshfold/payrecon/store/postgres"
	"github.com/freshfold/payrecon/store/sqlite"
)

var Version = "dev"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:           "payrecon",
		Short:         "M-Pesa payment reconciliation for laundry orders",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// app is everything a subcommand may need. close releases it in reverse.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	store  payment.Store
	engine *payment.Engine

	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	_ = a.logger.Sync()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	if err := a.openStore(ctx); err != nil {
		a.close()
		return nil, err
	}

	opts := []payment.Option{
		payment.WithLogger(logger.Named("engine")),
		payment.WithPublisher(a.publisher()),
		payment.WithMaxAttempts(cfg.Engine.MaxAttempts),
		payment.WithInitiateTimeout(cfg.Engine.InitiateTimeout),
		payment.WithRequestTTL(cfg.Engine.RequestTTL),
	}
	if cfg.MPesa.Enabled() {
		opts = append(opts, payment.WithInitiator(mpesa.NewClient(mpesa.Config{
			Environment:     cfg.MPesa.Environment,
			BaseURL:         cfg.MPesa.BaseURL,
			ConsumerKey:     cfg.MPesa.ConsumerKey,
			ConsumerSecret:  cfg.MPesa.ConsumerSecret,
			ShortCode:       cfg.MPesa.ShortCode,
			Passkey:         cfg.MPesa.Passkey,
			CallbackURL:     cfg.MPesa.CallbackURL,
			TransactionType: cfg.MPesa.TransactionType,
			Timeout:         cfg.Engine.InitiateTimeout,
		}, logger.Named("mpesa"))))
	} else {
		logger.Warn("mpesa credentials not configured, payment requests are disabled")
	}
	a.engine = payment.NewEngine(a.store, opts...)
	return a, nil
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}

func (a *app) openStore(ctx context.Context) error {
	sc := a.cfg.Store
	switch sc.Driver {
	case "memory":
		a.logger.Warn("using the in-memory store, data is lost on exit")
		a.store = store.NewMemory()
	case "sqlite":
		s, err := sqlite.New(sc.SQLitePath)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, func() { s.Close() })
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{DSN: sc.PostgresDSN, MaxConns: sc.PostgresMaxConns})
		if err != nil {
			return fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
	default:
		return fmt.Errorf("unknown store driver %q", sc.Driver)
	}
	a.logger.Info("store opened", zap.String("driver", sc.Driver))
	return nil
}

// publisher fans events out to every configured bus, or logs them when
// none is configured.
func (a *app) publisher() payment.Publisher {
	var pubs events.Multi
	if kc := a.cfg.Kafka; len(kc.Brokers) > 0 {
		k := events.NewKafka(events.KafkaConfig{Brokers: kc.Brokers, Topic: kc.Topic})
		pubs = append(pubs, k)
		a.closers = append(a.closers, func() { k.Close() })
		a.logger.Info("publishing events to kafka", zap.Strings("brokers", kc.Brokers), zap.String("topic", kc.Topic))
	}
	if rc := a.cfg.Redis; rc.Addr != "" {
		r := events.NewRedis(redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		}), rc.Channel)
		pubs = append(pubs, r)
		a.closers = append(a.closers, func() { r.Close() })
		a.logger.Info("publishing events to redis", zap.String("addr", rc.Addr), zap.String("channel", rc.Channel))
	}
	if len(pubs) == 0 {
		return events.Log{Logger: a.logger.Named("events")}
	}
	return pubs
}
