package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/Galdaer/portfolio-sub000/medcore/config"
	"github.com/Galdaer/portfolio-sub000/medcore/db"
	"github.com/Galdaer/portfolio-sub000/medcore/harness"
	"github.com/Galdaer/portfolio-sub000/medcore/memory"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	db      *sqlx.DB
	redis   redis.UniversalClient
	factory *harness.Factory
}

// wireApp loads config and opens the durable database, plus Redis when a
// backend asks for it.
func wireApp(ctx context.Context, opts *rootOptions, stderr io.Writer) (*app, error) {
	cfg, _, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.forceMigrate {
		cfg.Database.AutoMigrate = true
	}
	logger, err := newLogger(cfg.Logging, stderr)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	var rdb redis.UniversalClient
	if cfg.Cache.Backend == "redis" || cfg.Session.FastBackend == "redis" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			conn.Close()
			return nil, fmt.Errorf("connect redis at %s: %w", cfg.Redis.Addr, err)
		}
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      conn,
		redis:   rdb,
		factory: harness.NewFactory(cfg, conn, rdb, logger),
	}, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis")
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("closing session database")
	}
}

func (a *app) store() (*memory.Store, error) {
	return a.factory.CreateStore()
}

// withApp wires the app for the duration of one command.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(a *app) error) error {
	a, err := wireApp(cmd.Context(), opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func newLogger(cfg config.LoggingConfig, w io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging.level: %w", err)
		}
		level = l
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
