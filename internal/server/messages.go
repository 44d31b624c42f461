package server

import (
	"net/http"
	"time"

	"github.com/npezzotti/go-dmchat/internal/types"
)

const EventNewMessage = "new_message"

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Publish *Publish `json:"publish,omitempty"`
	Join    *Join    `json:"join,omitempty"`
	Leave   *Leave   `json:"leave,omitempty"`
}

type Publish struct {
	SenderId      int    `json:"sender_id"`
	ReceiverId    int    `json:"receiver_id"`
	Content       string `json:"content"`
	AttachmentUrl string `json:"attachment_url"`
}

// Join subscribes the connection to the room of UserId.
type Join struct {
	UserId int `json:"user_id"`
}

// Leave removes the connection from every room it joined. A connection that
// has left cannot join again.
type Leave struct{}

type ServerMessage struct {
	BaseMessage
	Response *Response      `json:"response,omitempty"`
	Event    string         `json:"event,omitempty"`
	Message  *types.Message `json:"message,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

func NewMessageEvent(msg types.Message) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Event:   EventNewMessage,
		Message: &msg,
	}
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return newResponse(id, http.StatusOK, "", data)
}

func NoErrCreated(id int, data map[string]any) *ServerMessage {
	return newResponse(id, http.StatusCreated, "", data)
}

func ErrBadRequest(id int, reason string) *ServerMessage {
	return newResponse(id, http.StatusBadRequest, reason, nil)
}

func ErrConnectionGone(id int) *ServerMessage {
	return newResponse(id, http.StatusGone, "connection has left", nil)
}

func ErrInternalError(id int) *ServerMessage {
	return newResponse(id, http.StatusInternalServerError, "internal server error", nil)
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return newResponse(id, http.StatusServiceUnavailable, "service unavailable", nil)
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := newResponse(0, http.StatusBadRequest, "invalid message format", nil)
	if id > 0 {
		msg.Id = id
	}

	return msg
}

func newResponse(id, code int, errMsg string, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
			Data:         data,
		},
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
