package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const (
	pgCreateMessageQuery = "INSERT INTO messages (sender_id, receiver_id, content, attachment_url) " +
		"VALUES ($1, $2, $3, $4) RETURNING id, sender_id, receiver_id, content, attachment_url, timestamp"

	// least/greatest match the expression index on messages so the pair
	// lookup is symmetric and index-backed.
	pgConversationQuery = "SELECT id, sender_id, receiver_id, content, attachment_url, timestamp FROM messages " +
		"WHERE least(sender_id, receiver_id) = least($1::int, $2::int) " +
		"AND greatest(sender_id, receiver_id) = greatest($1::int, $2::int) " +
		"ORDER BY timestamp ASC, id ASC"
)

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgChatRepository{conn: db}, nil
}

func (db *PgChatRepository) Migrate() error {
	return migrateUp(db.conn, DriverPostgres)
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		"INSERT INTO users (name, email) VALUES ($1, $2) "+
			"ON CONFLICT (email) DO UPDATE SET name = EXCLUDED.name RETURNING id, name, email",
		params.Name,
		params.Email,
	)

	var u User
	err := row.Scan(&u.Id, &u.Name, &u.Email)

	return u, err
}

func (db *PgChatRepository) SearchUsers(ctx context.Context, term string) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, name, email FROM users WHERE name ILIKE $1 OR email ILIKE $1 ORDER BY name LIMIT $2",
		likePattern(term),
		searchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	return scanUsers(rows)
}

func (db *PgChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	row := db.conn.QueryRowContext(ctx,
		pgCreateMessageQuery,
		params.SenderId,
		params.ReceiverId,
		params.Content,
		params.AttachmentUrl,
	)

	var msg Message
	err := row.Scan(
		&msg.Id,
		&msg.SenderId,
		&msg.ReceiverId,
		&msg.Content,
		&msg.AttachmentUrl,
		&msg.CreatedAt,
	)

	return msg, err
}

func (db *PgChatRepository) GetConversation(ctx context.Context, userA, userB int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, pgConversationQuery, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	return scanMessages(rows)
}
