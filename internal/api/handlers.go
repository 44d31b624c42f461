package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/messages"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/teris-io/shortid"
)

const (
	maxRequestBodySize = 16 * 1024
	pingTimeout        = 2 * time.Second
	searchTimeout      = 5 * time.Second
)

func (s *ChatApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("json encode")
	}
}

// writeServiceError maps message service errors to API errors.
func (s *ChatApp) writeServiceError(w http.ResponseWriter, err error) {
	var errResp *ApiError

	var vErr *messages.ValidationError
	if errors.As(err, &vErr) {
		errResp = NewValidationError(vErr)
	} else {
		errResp = NewInternalServerError(err)
	}

	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *ChatApp) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, map[string]string{"status": "chat server is running"})
}

func (s *ChatApp) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
	defer cancel()

	if err := s.repo.Ping(ctx); err != nil {
		s.log.Error().Err(err).Msg("health check failed")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *ChatApp) searchUsers(w http.ResponseWriter, r *http.Request) {
	term := strings.TrimSpace(r.URL.Query().Get("search"))

	ctx, cancel := context.WithTimeout(r.Context(), searchTimeout)
	defer cancel()

	dbUsers, err := s.repo.SearchUsers(ctx, term)
	if err != nil {
		s.log.Error().Err(err).Str("search", term).Msg("search users failed")
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	users := make([]types.User, 0, len(dbUsers))
	for _, u := range dbUsers {
		users = append(users, types.User{
			Id:    u.Id,
			Name:  u.Name,
			Email: u.Email,
		})
	}

	s.writeJson(w, http.StatusOK, users)
}

func (s *ChatApp) getConversation(w http.ResponseWriter, r *http.Request) {
	otherUserId, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	myUserId, err := strconv.Atoi(r.URL.Query().Get("myUserId"))
	if err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	conversation, err := s.svc.GetConversation(r.Context(), myUserId, otherUserId)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJson(w, http.StatusOK, conversation)
}

func (s *ChatApp) createMessage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var params messages.CreateMessageParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		errResp := NewBadRequestError()
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	msg, err := s.svc.CreateMessage(r.Context(), params)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJson(w, http.StatusCreated, msg)
	s.cs.Deliver(msg)
}

func (s *ChatApp) serveWs(w http.ResponseWriter, r *http.Request) {
	connId, err := shortid.Generate()
	if err != nil {
		errResp := NewInternalServerError(err)
		s.writeJson(w, errResp.StatusCode, errResp)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// only allow connections from allowed origins
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}

			return slices.Contains(s.allowedOrigins, origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("error upgrading connection")
		return
	}

	client := server.NewClient(connId, conn, s.cs, s.log)
	if err := s.cs.RegisterClient(client); err != nil {
		s.log.Warn().Err(err).Str("conn_id", connId).Msg("rejecting connection")
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
