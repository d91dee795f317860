package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/chatsync/internal/chaterr"
)

func TestClientSignIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/login":
			var req credentialsRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Password != "password123" {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(ErrorBody{Error: "auth", Message: "invalid credentials"})
				return
			}
			_ = json.NewEncoder(w).Encode(Grant{Principal: Principal{ID: "u1", Email: req.Email}, Token: "tok"})
		case "/session":
			if r.Header.Get("Authorization") != "Bearer tok" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_ = json.NewEncoder(w).Encode(Grant{Principal: Principal{ID: "u1", Email: "a@example.com"}})
		case "/signup":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(ErrorBody{Error: "conflict", Message: "email already registered"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	ctx := context.Background()

	g, err := c.SignIn(ctx, "a@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, "u1", g.Principal.ID)
	assert.Equal(t, "tok", g.Token)

	_, err = c.SignIn(ctx, "a@example.com", "bad")
	assert.ErrorIs(t, err, chaterr.ErrAuth)
	assert.Contains(t, err.Error(), "invalid credentials")

	_, err = c.SignUp(ctx, "a@example.com", "password123")
	assert.ErrorIs(t, err, chaterr.ErrConflict)

	resumed, err := c.Resume(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, "tok", resumed.Token)

	_, err = c.Resume(ctx, "other")
	assert.ErrorIs(t, err, chaterr.ErrAuth)
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.SignIn(context.Background(), "a@example.com", "password123")
	assert.ErrorIs(t, err, chaterr.ErrStoreUnavailable)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnauthorized, StatusFor(chaterr.KindAuth))
	assert.Equal(t, http.StatusConflict, StatusFor(chaterr.KindConflict))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(chaterr.KindUnknown))
}
