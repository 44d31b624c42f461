package messages

import (
	"cmp"
	"context"
	"database/sql"
	"slices"
	"strings"
	"time"

	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/rs/zerolog"
)

// DefaultQueryTimeout bounds each store call. Message size is bounded by the
// transports (the HTTP body and websocket frame limits), not here.
const DefaultQueryTimeout = 5 * time.Second

type CreateMessageParams struct {
	SenderId      int    `json:"sender_id"`
	ReceiverId    int    `json:"receiver_id"`
	Content       string `json:"content"`
	AttachmentUrl string `json:"attachment_url"`
}

// Service is the single entry point for writing and reading direct
// messages. Every store call runs under the configured query timeout.
type Service struct {
	log          zerolog.Logger
	repo         database.ChatRepository
	queryTimeout time.Duration
}

func NewService(logger zerolog.Logger, repo database.ChatRepository, queryTimeout time.Duration) *Service {
	if queryTimeout <= 0 {
		queryTimeout = DefaultQueryTimeout
	}

	return &Service{
		log:          logger,
		repo:         repo,
		queryTimeout: queryTimeout,
	}
}

// CreateMessage validates params and persists the message, returning the
// stored record. Nothing reaches the store when validation fails.
func (s *Service) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	if err := validateCreateParams(&params); err != nil {
		return types.Message{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	dbMsg, err := s.repo.CreateMessage(ctx, database.CreateMessageParams{
		SenderId:   params.SenderId,
		ReceiverId: params.ReceiverId,
		Content:    params.Content,
		AttachmentUrl: sql.NullString{
			String: params.AttachmentUrl,
			Valid:  params.AttachmentUrl != "",
		},
	})
	if err != nil {
		s.log.Error().Err(err).
			Int("sender_id", params.SenderId).
			Int("receiver_id", params.ReceiverId).
			Msg("create message failed")
		return types.Message{}, &StorageError{Op: "create message", Err: err}
	}

	return toMessage(dbMsg), nil
}

// GetConversation returns every message exchanged between userA and userB in
// either direction, ordered by timestamp and then id.
func (s *Service) GetConversation(ctx context.Context, userA, userB int) ([]types.Message, error) {
	if userA <= 0 {
		return nil, newValidationError("user id", "must be a positive integer")
	}
	if userB <= 0 {
		return nil, newValidationError("other user id", "must be a positive integer")
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	dbMessages, err := s.repo.GetConversation(ctx, userA, userB)
	if err != nil {
		s.log.Error().Err(err).Int("user_a", userA).Int("user_b", userB).Msg("get conversation failed")
		return nil, &StorageError{Op: "get conversation", Err: err}
	}

	messages := make([]types.Message, 0, len(dbMessages))
	for _, m := range dbMessages {
		messages = append(messages, toMessage(m))
	}

	// the store already orders rows; this keeps the contract independent of
	// the driver's timestamp resolution
	slices.SortStableFunc(messages, compareMessages)

	return messages, nil
}

func compareMessages(a, b types.Message) int {
	if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
		return c
	}

	return cmp.Compare(a.Id, b.Id)
}

func validateCreateParams(params *CreateMessageParams) error {
	if params.SenderId <= 0 {
		return newValidationError("sender_id", "must be a positive integer")
	}
	if params.ReceiverId <= 0 {
		return newValidationError("receiver_id", "must be a positive integer")
	}

	params.AttachmentUrl = strings.TrimSpace(params.AttachmentUrl)
	if strings.TrimSpace(params.Content) == "" {
		if params.AttachmentUrl == "" {
			return newValidationError("content", "content or attachment_url is required")
		}
		params.Content = ""
	}

	return nil
}

func toMessage(m database.Message) types.Message {
	msg := types.Message{
		Id:         m.Id,
		SenderId:   m.SenderId,
		ReceiverId: m.ReceiverId,
		Content:    m.Content,
		Timestamp:  m.CreatedAt.UTC(),
	}

	if m.AttachmentUrl.Valid {
		attachment := m.AttachmentUrl.String
		msg.AttachmentUrl = &attachment
	}

	return msg
}
