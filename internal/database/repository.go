package database

import "context"

const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite3"

	// searchLimit caps the number of users returned by SearchUsers.
	searchLimit = 50
)

type ChatRepository interface {
	Ping(ctx context.Context) error
	Close() error
	CreateUser(ctx context.Context, params CreateUserParams) (User, error)
	SearchUsers(ctx context.Context, term string) ([]User, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	GetConversation(ctx context.Context, userA, userB int) ([]Message, error)
}
