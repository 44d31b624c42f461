package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-dmchat/internal/config"
	"github.com/npezzotti/go-dmchat/internal/database"
	"github.com/npezzotti/go-dmchat/internal/messages"
	"github.com/npezzotti/go-dmchat/internal/server"
	"github.com/npezzotti/go-dmchat/internal/stats"
	"github.com/npezzotti/go-dmchat/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	return &config.Config{
		ServerAddr:     "localhost:0",
		AllowedOrigins: []string{"http://localhost:5173"},
		QueryTimeout:   time.Second,
		RateLimit:      100,
		RateBurst:      100,
	}
}

// newTestApp wires a ChatApp around repo with a running chat server that is
// shut down when the test finishes.
func newTestApp(t *testing.T, logger zerolog.Logger, repo database.ChatRepository, cfg *config.Config) *ChatApp {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}

	su := stats.NewStatsUpdater()
	su.Run()

	svc := messages.NewService(logger, repo, cfg.QueryTimeout)
	cs, err := server.NewChatServer(logger, svc, su, nil)
	require.NoError(t, err, "failed to create chat server")
	go cs.Run()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, cs.Shutdown(ctx))
		su.Stop()
	})

	return NewChatApp(logger, cs, repo, svc, su, cfg)
}

func decodeApiError(t *testing.T, rr *httptest.ResponseRecorder) ApiError {
	t.Helper()

	var apiErr ApiError
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&apiErr), "expected ApiError body")
	return apiErr
}

func Test_status(t *testing.T) {
	app := newTestApp(t, zerolog.Nop(), &database.MockChatRepository{}, nil)

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"status":"chat server is running"}`, rr.Body.String())
}

func Test_healthCheck(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)

	tcases := []struct {
		name    string
		mockErr error
	}{
		{
			name:    "successful health check",
			mockErr: nil,
		},
		{
			name:    "failed health check",
			mockErr: errors.New("db error"),
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo.On("Ping").Return(tc.mockErr).Once()
			app := newTestApp(t, zerolog.Nop(), mockRepo, nil)

			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			app.healthCheck(rr, req)

			if tc.mockErr != nil {
				assert.Equal(t, http.StatusInternalServerError, rr.Code, "expected status code to be 500")
			} else {
				assert.Equal(t, http.StatusOK, rr.Code, "expected status code to be 200")
				assert.Equal(t, "OK", rr.Body.String(), "expected response body to be 'OK'")
			}
		})
	}
}

func Test_searchUsers(t *testing.T) {
	tcases := []struct {
		name         string
		query        string
		expectedTerm string
		mockUsers    []database.User
		mockErr      error
		expectedCode int
		expectedBody string
	}{
		{
			name:         "matches",
			query:        "?search=bo",
			expectedTerm: "bo",
			mockUsers:    []database.User{{Id: 2, Name: "Bob Sharma", Email: "bob@example.com"}},
			expectedCode: http.StatusOK,
			expectedBody: `[{"id":2,"name":"Bob Sharma","email":"bob@example.com"}]`,
		},
		{
			name:         "term is trimmed",
			query:        "?search=%20%20alice%20",
			expectedTerm: "alice",
			mockUsers:    []database.User{},
			expectedCode: http.StatusOK,
			expectedBody: `[]`,
		},
		{
			name:         "no term lists everyone",
			expectedTerm: "",
			mockUsers:    []database.User{{Id: 1, Name: "Alice", Email: "alice@example.com"}},
			expectedCode: http.StatusOK,
			expectedBody: `[{"id":1,"name":"Alice","email":"alice@example.com"}]`,
		},
		{
			name:         "storage error",
			query:        "?search=x",
			expectedTerm: "x",
			mockErr:      errors.New("db error"),
			expectedCode: http.StatusInternalServerError,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			mockRepo.On("SearchUsers", tc.expectedTerm).Return(tc.mockUsers, tc.mockErr).Once()

			app := newTestApp(t, zerolog.Nop(), mockRepo, nil)
			rr := httptest.NewRecorder()
			app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/users"+tc.query, nil))

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedBody != "" {
				assert.JSONEq(t, tc.expectedBody, rr.Body.String())
			} else {
				apiErr := decodeApiError(t, rr)
				assert.Equal(t, "internal server error", apiErr.Message)
			}
		})
	}
}

func Test_getConversation(t *testing.T) {
	ts := time.Date(2025, time.June, 28, 11, 17, 54, 0, time.UTC)

	tcases := []struct {
		name         string
		path         string
		mockCall     bool
		mockMessages []database.Message
		mockErr      error
		expectedCode int
		expectedMsg  string
		expectedIds  []int64
	}{
		{
			name:         "success",
			path:         "/api/messages/2?myUserId=1",
			mockCall:     true,
			mockMessages: []database.Message{
				{Id: 1, SenderId: 1, ReceiverId: 2, Content: "hi", CreatedAt: ts},
				{Id: 2, SenderId: 2, ReceiverId: 1, Content: "hey", CreatedAt: ts.Add(time.Second)},
			},
			expectedCode: http.StatusOK,
			expectedIds:  []int64{1, 2},
		},
		{
			name:         "empty conversation",
			path:         "/api/messages/2?myUserId=1",
			mockCall:     true,
			mockMessages: []database.Message{},
			expectedCode: http.StatusOK,
			expectedIds:  []int64{},
		},
		{
			name:         "missing myUserId",
			path:         "/api/messages/2",
			expectedCode: http.StatusBadRequest,
			expectedMsg:  "bad request",
		},
		{
			name:         "non numeric user id",
			path:         "/api/messages/bob?myUserId=1",
			expectedCode: http.StatusBadRequest,
			expectedMsg:  "bad request",
		},
		{
			name:         "non positive user id",
			path:         "/api/messages/2?myUserId=0",
			expectedCode: http.StatusBadRequest,
			expectedMsg:  "invalid user id: must be a positive integer",
		},
		{
			name:         "storage error",
			path:         "/api/messages/2?myUserId=1",
			mockCall:     true,
			mockErr:      errors.New("db error"),
			expectedCode: http.StatusInternalServerError,
			expectedMsg:  "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			if tc.mockCall {
				mockRepo.On("GetConversation", 1, 2).Return(tc.mockMessages, tc.mockErr).Once()
			}

			app := newTestApp(t, zerolog.Nop(), mockRepo, nil)
			rr := httptest.NewRecorder()
			app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tc.path, nil))

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedIds != nil {
				var conversation []types.Message
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&conversation))
				require.NotNil(t, conversation, "expected a JSON array")

				ids := make([]int64, 0, len(conversation))
				for _, m := range conversation {
					ids = append(ids, m.Id)
				}
				assert.Equal(t, tc.expectedIds, ids)
				return
			}

			apiErr := decodeApiError(t, rr)
			assert.Equal(t, tc.expectedCode, apiErr.StatusCode)
			assert.Equal(t, tc.expectedMsg, apiErr.Message)
		})
	}
}

func Test_createMessage(t *testing.T) {
	ts := time.Date(2025, time.June, 28, 11, 17, 54, 0, time.UTC)

	tcases := []struct {
		name         string
		body         string
		expectedDb   *database.CreateMessageParams
		mockMsg      database.Message
		mockErr      error
		expectedCode int
		expectedMsg  string
	}{
		{
			name:         "success",
			body:         `{"sender_id":1,"receiver_id":2,"content":"hi"}`,
			expectedDb:   &database.CreateMessageParams{SenderId: 1, ReceiverId: 2, Content: "hi"},
			mockMsg:      database.Message{Id: 9, SenderId: 1, ReceiverId: 2, Content: "hi", CreatedAt: ts},
			expectedCode: http.StatusCreated,
		},
		{
			name: "attachment only",
			body: `{"sender_id":1,"receiver_id":2,"attachment_url":"https://cdn.example.com/a.png"}`,
			expectedDb: &database.CreateMessageParams{
				SenderId:      1,
				ReceiverId:    2,
				AttachmentUrl: sql.NullString{String: "https://cdn.example.com/a.png", Valid: true},
			},
			mockMsg: database.Message{
				Id:            10,
				SenderId:      1,
				ReceiverId:    2,
				AttachmentUrl: sql.NullString{String: "https://cdn.example.com/a.png", Valid: true},
				CreatedAt:     ts,
			},
			expectedCode: http.StatusCreated,
		},
		{
			name:         "invalid json",
			body:         `invalid json`,
			expectedCode: http.StatusBadRequest,
			expectedMsg:  "bad request",
		},
		{
			name:         "empty content and attachment",
			body:         `{"sender_id":1,"receiver_id":2,"content":"   "}`,
			expectedCode: http.StatusBadRequest,
			expectedMsg:  "invalid content: content or attachment_url is required",
		},
		{
			name:         "storage error",
			body:         `{"sender_id":1,"receiver_id":99,"content":"hi"}`,
			expectedDb:   &database.CreateMessageParams{SenderId: 1, ReceiverId: 99, Content: "hi"},
			mockErr:      errors.New("foreign key violation"),
			expectedCode: http.StatusInternalServerError,
			expectedMsg:  "internal server error",
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			mockRepo := &database.MockChatRepository{}
			defer mockRepo.AssertExpectations(t)
			if tc.expectedDb != nil {
				mockRepo.On("CreateMessage", *tc.expectedDb).Return(tc.mockMsg, tc.mockErr).Once()
			}

			app := newTestApp(t, zerolog.Nop(), mockRepo, nil)
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			app.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tc.expectedCode, rr.Code)
			if tc.expectedCode == http.StatusCreated {
				var msg types.Message
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&msg))
				assert.Equal(t, tc.mockMsg.Id, msg.Id)
				assert.True(t, ts.Equal(msg.Timestamp))
				return
			}

			apiErr := decodeApiError(t, rr)
			assert.Equal(t, tc.expectedMsg, apiErr.Message)
			if tc.expectedDb == nil {
				mockRepo.AssertNotCalled(t, "CreateMessage", mock.Anything)
			}
		})
	}
}

func Test_createMessage_RateLimited(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	defer mockRepo.AssertExpectations(t)
	mockRepo.On("CreateMessage", database.CreateMessageParams{SenderId: 1, ReceiverId: 2, Content: "hi"}).
		Return(database.Message{Id: 1, SenderId: 1, ReceiverId: 2, Content: "hi", CreatedAt: time.Now()}, nil).Once()

	cfg := testConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	app := newTestApp(t, zerolog.Nop(), mockRepo, cfg)

	send := func() *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/messages", strings.NewReader(`{"sender_id":1,"receiver_id":2,"content":"hi"}`))
		req.RemoteAddr = "203.0.113.7:5555"
		app.Handler().ServeHTTP(rr, req)
		return rr
	}

	assert.Equal(t, http.StatusCreated, send().Code, "expected first request to pass")

	rr := send()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, "expected second request to be limited")
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, "too many requests", decodeApiError(t, rr).Message)
}

func Test_notFoundAndMethodNotAllowed(t *testing.T) {
	app := newTestApp(t, zerolog.Nop(), &database.MockChatRepository{}, nil)

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "not found", decodeApiError(t, rr).Message)

	rr = httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodDelete, "/api/messages", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func Test_metrics(t *testing.T) {
	mockRepo := &database.MockChatRepository{}
	mockRepo.On("Ping").Return(nil)
	app := newTestApp(t, zerolog.Nop(), mockRepo, nil)

	app.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rr := httptest.NewRecorder()
	app.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `dmchat_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
	assert.Contains(t, rr.Body.String(), "dmchat_num_active_clients")
}

func Test_serveWs_RejectsUnknownOrigin(t *testing.T) {
	app := newTestApp(t, zerolog.Nop(), &database.MockChatRepository{}, nil)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "http://evil.example.com")
	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	assert.Error(t, err, "expected dial to fail")
	if conn != nil {
		conn.Close()
	}
	if assert.NotNil(t, resp) {
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	}
}

// TestChatApp_EndToEnd drives the REST and websocket surfaces against a
// sqlite store.
func TestChatApp_EndToEnd(t *testing.T) {
	repo, err := database.Open(database.DriverSqlite, filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	for _, u := range []database.CreateUserParams{
		{Name: "Alice", Email: "alice@example.com"},
		{Name: "Bob", Email: "bob@example.com"},
		{Name: "Carol", Email: "carol@example.com"},
		{Name: "Dave", Email: "dave@example.com"},
	} {
		_, err := repo.CreateUser(ctx, u)
		require.NoError(t, err)
	}

	// connection goroutines may outlive the test, so nothing logs through t
	app := newTestApp(t, zerolog.Nop(), repo, nil)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	header := http.Header{}
	header.Set("Origin", "http://localhost:5173")
	bob, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", header)
	require.NoError(t, err)
	defer bob.Close()

	require.NoError(t, bob.WriteJSON(map[string]any{"id": 1, "join": map[string]any{"user_id": 2}}))
	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var joined server.ServerMessage
	require.NoError(t, bob.ReadJSON(&joined))
	require.NotNil(t, joined.Response)
	require.Equal(t, http.StatusOK, joined.Response.ResponseCode)

	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+"/api/messages", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		return resp
	}

	resp := post(`{"sender_id":1,"receiver_id":2,"content":"hi"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created types.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "hi", created.Content)
	assert.Nil(t, created.AttachmentUrl)

	bob.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event server.ServerMessage
	require.NoError(t, bob.ReadJSON(&event))
	assert.Equal(t, server.EventNewMessage, event.Event)
	require.NotNil(t, event.Message)
	assert.Equal(t, created.Id, event.Message.Id)
	assert.Equal(t, "hi", event.Message.Content)

	// nobody is connected for users 3 and 4; the message is still stored
	resp3 := post(`{"sender_id":3,"receiver_id":4,"content":"anyone?"}`)
	defer resp3.Body.Close()
	require.Equal(t, http.StatusCreated, resp3.StatusCode)

	bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	var stray server.ServerMessage
	err = bob.ReadJSON(&stray)
	var netErr net.Error
	if assert.ErrorAs(t, err, &netErr, "expected no event for a conversation bob is not part of, got %+v", stray) {
		assert.True(t, netErr.Timeout(), "expected the read to time out")
	}

	fetch := func(path string) []types.Message {
		getResp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer getResp.Body.Close()
		require.Equal(t, http.StatusOK, getResp.StatusCode)

		var conversation []types.Message
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&conversation))
		return conversation
	}

	for _, path := range []string{"/api/messages/1?myUserId=2", "/api/messages/2?myUserId=1"} {
		conversation := fetch(path)
		require.Len(t, conversation, 1, "expected one message for %s", path)
		assert.Equal(t, created.Id, conversation[0].Id)
	}

	conversation := fetch("/api/messages/4?myUserId=3")
	require.Len(t, conversation, 1)
	assert.Equal(t, "anyone?", conversation[0].Content)

	// rejected messages leave no row behind
	bad := post(`{"sender_id":1,"receiver_id":2,"content":"","attachment_url":null}`)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusBadRequest, bad.StatusCode)
	assert.Len(t, fetch("/api/messages/2?myUserId=1"), 1, "expected the rejected message not to be stored")
}
