package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-dmchat/internal/api"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/logging"
	"github.com/npezzotti/go-dmchat/internal/messages"
	"github.com/npezzotti/go-dmchat/internal/relay"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/rs/zerolog"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dbDriver       string
	dsn            string
	dbSSL          bool
	redisURL       string
	env            string
	logLevel       string
	queryTimeout   time.Duration
	rateLimit      float64
	rateBurst      int
	allowedOrigins stringSliceFlag
)

func main() {
	// a missing .env is fine; real environment variables win
	envErr := config.LoadEnv()

	flag.StringVar(&addr, "addr", config.ServerAddr("localhost:8000"), "server address")
	flag.StringVar(&dbDriver, "db-driver", config.GetEnv(database.DriverPostgres, "DB_DRIVER"), "database driver (postgres or sqlite3)")
	flag.StringVar(&dsn, "dsn", config.GetEnv("", "DATABASE_URL", "SUPABASE_DB_URL"), "database connection string")
	flag.BoolVar(&dbSSL, "db-ssl", config.GetEnvBool("DB_SSL", false), "require TLS for the postgres connection")
	flag.StringVar(&redisURL, "redis-url", config.GetEnv("", "REDIS_URL"), "redis url for cross-instance delivery (optional)")
	flag.StringVar(&env, "env", config.GetEnv(config.EnvDevelopment, "APP_ENV"), "runtime environment")
	flag.StringVar(&logLevel, "log-level", config.GetEnv("info", "LOG_LEVEL"), "log level")
	flag.DurationVar(&queryTimeout, "query-timeout", messages.DefaultQueryTimeout, "timeout for each storage operation")
	flag.Float64Var(&rateLimit, "rate-limit", config.GetEnvFloat("RATE_LIMIT", 5), "message sends per second allowed per client")
	flag.IntVar(&rateBurst, "rate-burst", config.GetEnvInt("RATE_BURST", 10), "message send burst allowed per client")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	if len(allowedOrigins) == 0 {
		allowedOrigins.Set(config.GetEnv("http://localhost:5173", "CLIENT_URL"))
	}

	cfg, err := config.NewConfig(config.Params{
		ServerAddr:     addr,
		DatabaseDriver: dbDriver,
		DatabaseDSN:    dsn,
		DatabaseSSL:    dbSSL,
		AllowedOrigins: allowedOrigins,
		RedisURL:       redisURL,
		Env:            env,
		QueryTimeout:   queryTimeout,
		RateLimit:      rateLimit,
		RateBurst:      rateBurst,
	})

	logger := logging.New(os.Stdout, cfg == nil || cfg.IsDevelopment(), logLevel)
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("ignoring .env file")
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}

	logger.Info().Msg("shutdown complete")
}

// run owns every resource it opens, so all of them are closed on return
// whether startup failed or the server shut down.
func run(logger zerolog.Logger, cfg *config.Config) error {
	repo, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()
	logger.Info().Str("driver", cfg.DatabaseDriver).Msg("database ready")

	svc := messages.NewService(logger, repo, cfg.QueryTimeout)

	statsUpdater := stats.NewStatsUpdater()
	statsUpdater.Run()
	defer statsUpdater.Stop()

	var msgRelay server.Relay
	if cfg.RedisURL != "" {
		redisRelay, err := relay.NewRedisRelay(logger, cfg.RedisURL, relay.DefaultChannel)
		if err != nil {
			return fmt.Errorf("redis relay: %w", err)
		}
		defer redisRelay.Close()

		msgRelay = redisRelay
		logger.Info().Msg("cross-instance delivery enabled")
	}

	chatServer, err := server.NewChatServer(logger, svc, statsUpdater, msgRelay)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	srv := api.NewChatApp(logger, chatServer, repo, svc, statsUpdater, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("serve: %w", err)
		}
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down chat server")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	return serveErr
}
