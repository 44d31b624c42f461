package types

import (
	"time"
)

type User struct {
	Id    int    `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is the canonical representation of a stored direct message,
// shared by the REST responses and the realtime "new_message" event.
type Message struct {
	Id            int64     `json:"id"`
	SenderId      int       `json:"sender_id"`
	ReceiverId    int       `json:"receiver_id"`
	Content       string    `json:"content"`
	AttachmentUrl *string   `json:"attachment_url"`
	Timestamp     time.Time `json:"timestamp"`
}

// Participants returns the distinct user ids taking part in the message.
func (m Message) Participants() []int {
	if m.SenderId == m.ReceiverId {
		return []int{m.SenderId}
	}

	return []int{m.SenderId, m.ReceiverId}
}
