package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteCreateMessageQuery = "INSERT INTO messages (sender_id, receiver_id, content, attachment_url, timestamp) " +
		"VALUES (?, ?, ?, ?, ?)"

	sqliteConversationQuery = "SELECT id, sender_id, receiver_id, content, attachment_url, timestamp FROM messages " +
		"WHERE min(sender_id, receiver_id) = min(?1, ?2) AND max(sender_id, receiver_id) = max(?1, ?2) " +
		"ORDER BY timestamp ASC, id ASC"
)

// SqliteChatRepository is a single-file store used for local development
// and tests. Writes are serialized through one connection.
type SqliteChatRepository struct {
	conn *sql.DB

	mu            sync.Mutex
	lastTimestamp time.Time
}

func NewSqliteChatRepository(path string) (*SqliteChatRepository, error) {
	if path == "" {
		path = "./data/dmchat.db"
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &SqliteChatRepository{conn: db}, nil
}

func (db *SqliteChatRepository) Migrate() error {
	return migrateUp(db.conn, DriverSqlite)
}

func (db *SqliteChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *SqliteChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *SqliteChatRepository) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO users (name, email) VALUES (?, ?) ON CONFLICT (email) DO UPDATE SET name = excluded.name",
		params.Name,
		params.Email,
	)
	if err != nil {
		return User{}, err
	}

	row := db.conn.QueryRowContext(ctx, "SELECT id, name, email FROM users WHERE email = ? LIMIT 1", params.Email)

	var u User
	err = row.Scan(&u.Id, &u.Name, &u.Email)

	return u, err
}

func (db *SqliteChatRepository) SearchUsers(ctx context.Context, term string) ([]User, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, name, email FROM users WHERE name LIKE ?1 ESCAPE '\' OR email LIKE ?1 ESCAPE '\' `+
			"ORDER BY name LIMIT ?2",
		likePattern(term),
		searchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}

	return scanUsers(rows)
}

func (db *SqliteChatRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	// the wall clock may step backwards; timestamps must not
	now := time.Now().UTC()
	if now.Before(db.lastTimestamp) {
		now = db.lastTimestamp
	}

	res, err := db.conn.ExecContext(ctx,
		sqliteCreateMessageQuery,
		params.SenderId,
		params.ReceiverId,
		params.Content,
		params.AttachmentUrl,
		now,
	)
	if err != nil {
		return Message{}, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Message{}, fmt.Errorf("last insert id: %w", err)
	}

	db.lastTimestamp = now

	return Message{
		Id:            id,
		SenderId:      params.SenderId,
		ReceiverId:    params.ReceiverId,
		Content:       params.Content,
		AttachmentUrl: params.AttachmentUrl,
		CreatedAt:     now,
	}, nil
}

func (db *SqliteChatRepository) GetConversation(ctx context.Context, userA, userB int) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, sqliteConversationQuery, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	return scanMessages(rows)
}
