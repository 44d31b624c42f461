package database

import (
	"database/sql"
	"time"
)

type User struct {
	Id    int
	Name  string
	Email string
}

type Message struct {
	Id            int64
	SenderId      int
	ReceiverId    int
	Content       string
	AttachmentUrl sql.NullString
	CreatedAt     time.Time
}

type CreateMessageParams struct {
	SenderId      int
	ReceiverId    int
	Content       string
	AttachmentUrl sql.NullString
}

type CreateUserParams struct {
	Name  string
	Email string
}
