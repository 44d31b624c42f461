package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/logging"
	"github.com/rs/zerolog"
)

var seedUsers = []database.CreateUserParams{
	{Name: "Alice Johnson", Email: "alice@example.com"},
	{Name: "Bob Sharma", Email: "bob@example.com"},
	{Name: "Charlie Rao", Email: "charlie@example.com"},
}

func main() {
	envErr := config.LoadEnv()

	var (
		dbDriver string
		dsn      string
		dbSSL    bool
	)
	flag.StringVar(&dbDriver, "db-driver", config.GetEnv(database.DriverPostgres, "DB_DRIVER"), "database driver (postgres or sqlite3)")
	flag.StringVar(&dsn, "dsn", config.GetEnv("", "DATABASE_URL", "SUPABASE_DB_URL"), "database connection string")
	flag.BoolVar(&dbSSL, "db-ssl", config.GetEnvBool("DB_SSL", false), "require TLS for the postgres connection")
	flag.Parse()

	logger := logging.New(os.Stdout, true, config.GetEnv("info", "LOG_LEVEL"))
	if envErr != nil {
		logger.Warn().Err(envErr).Msg("ignoring .env file")
	}

	cfg, err := config.NewConfig(config.Params{
		ServerAddr:     "seed",
		DatabaseDriver: dbDriver,
		DatabaseDSN:    dsn,
		DatabaseSSL:    dbSSL,
		QueryTimeout:   time.Minute,
		RateLimit:      1,
		RateBurst:      1,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatal().Err(err).Msg("seed failed")
	}
}

func run(logger zerolog.Logger, cfg *config.Config) error {
	repo, err := database.Open(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer repo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.QueryTimeout)
	defer cancel()

	users := make([]database.User, 0, len(seedUsers))
	for _, params := range seedUsers {
		u, err := repo.CreateUser(ctx, params)
		if err != nil {
			return fmt.Errorf("create user %s: %w", params.Email, err)
		}
		users = append(users, u)
		logger.Info().Int("id", u.Id).Str("email", u.Email).Msg("seeded user")
	}

	alice, bob := users[0], users[1]

	// messages only go in on a fresh conversation so reruns do not pile up
	existing, err := repo.GetConversation(ctx, alice.Id, bob.Id)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if len(existing) > 0 {
		logger.Info().Int("messages", len(existing)).Msg("conversation already seeded")
		return nil
	}

	for _, params := range []database.CreateMessageParams{
		{SenderId: alice.Id, ReceiverId: bob.Id, Content: "Hey Bob! How are you?"},
		{SenderId: bob.Id, ReceiverId: alice.Id, Content: "Hi Alice! Doing great, thanks."},
	} {
		msg, err := repo.CreateMessage(ctx, params)
		if err != nil {
			return fmt.Errorf("create message: %w", err)
		}
		logger.Info().Int64("id", msg.Id).Msg("seeded message")
	}

	return nil
}
