package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slasso10/chat-multiple/internal/models"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer tok-alice" {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "missing token"})
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("POST /api/users", func(w http.ResponseWriter, r *http.Request) {
		var req RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "id required"})
			return
		}
		writeJSON(w, http.StatusOK, RegisterResponse{User: models.User{ID: req.ID, Name: req.Name}, Token: "tok-" + req.ID})
	})
	mux.HandleFunc("GET /api/users/{id}", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "user not found"})
	}))
	mux.HandleFunc("POST /api/messages/direct", authed(func(w http.ResponseWriter, r *http.Request) {
		var req SendMessageRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		writeJSON(w, http.StatusOK, models.Message{ID: "m1", ChatID: req.To, SenderID: "alice", Content: req.Content, Timestamp: 1_700_000_000_000})
	}))
	mux.HandleFunc("GET /api/messages/direct/{other}", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, []models.Message{
			{ID: "m1", ChatID: r.PathValue("other"), SenderID: "alice", Content: "old", Timestamp: 1_700_000_000},
		})
	}))
	mux.HandleFunc("POST /api/groups/{id}/messages", authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "not a member"})
	}))
	mux.HandleFunc("POST /api/groups/{id}/members", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRegisterKeepsToken(t *testing.T) {
	srv := newBackend(t)
	c := NewHTTPClient(srv.URL + "/")
	ctx := context.Background()

	u, err := c.RegisterUser(ctx, "alice", "Alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", u.Name)
	assert.Equal(t, "tok-alice", c.Token())

	msg, err := c.SendDirectMessage(ctx, "alice", "bob", "hi")
	require.NoError(t, err)
	assert.Equal(t, "bob", msg.ChatID)
	assert.Equal(t, "hi", msg.Content)

	require.NoError(t, c.AddMembersToGroup(ctx, "group_1", []string{"bob"}))
}

func TestStatusMapping(t *testing.T) {
	srv := newBackend(t)
	c := NewHTTPClient(srv.URL)
	ctx := context.Background()

	_, err := c.RegisterUser(ctx, "", "nobody")
	assert.True(t, errors.Is(err, ErrBadRequest), err)

	_, err = c.RegisterUser(ctx, "alice", "Alice")
	require.NoError(t, err)

	_, err = c.GetUser(ctx, "zed")
	assert.True(t, errors.Is(err, ErrNotFound), err)

	_, err = c.SendGroupMessage(ctx, "alice", "group_9", "hello")
	assert.True(t, errors.Is(err, ErrForbidden), err)
	assert.Contains(t, err.Error(), "not a member")
}

func TestHistoryTimestampsAreNormalized(t *testing.T) {
	srv := newBackend(t)
	c := NewHTTPClient(srv.URL)
	ctx := context.Background()
	_, err := c.RegisterUser(ctx, "alice", "Alice")
	require.NoError(t, err)

	msgs, err := c.GetDirectChatMessages(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1_700_000_000_000), msgs[0].Timestamp)
}

func TestActorChecks(t *testing.T) {
	srv := newBackend(t)
	c := NewHTTPClient(srv.URL)
	ctx := context.Background()

	_, err := c.SendDirectMessage(ctx, "alice", "bob", "hi")
	assert.True(t, errors.Is(err, ErrUnauthorized))

	_, err = c.RegisterUser(ctx, "alice", "Alice")
	require.NoError(t, err)
	_, err = c.SendDirectMessage(ctx, "mallory", "bob", "hi")
	assert.True(t, errors.Is(err, ErrForbidden))

	c.Forget()
	assert.Empty(t, c.Token())
}
