package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/pliu/chatsync/internal/auth"
	"github.com/pliu/chatsync/internal/chaterr"
	"github.com/pliu/chatsync/internal/middleware"
)

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthHandler struct {
	Auth auth.Authenticator
	Log  zerolog.Logger
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		middleware.WriteError(w, chaterr.Validation("sign up", "malformed request body"))
		return
	}

	g, err := h.Auth.SignUp(r.Context(), creds.Email, creds.Password)
	if err != nil {
		h.fail(w, "sign up", err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		middleware.WriteError(w, chaterr.Validation("sign in", "malformed request body"))
		return
	}

	g, err := h.Auth.SignIn(r.Context(), creds.Email, creds.Password)
	if err != nil {
		h.fail(w, "sign in", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// LoginFederated signs in with an external account. The development server
// trusts the account as posted.
func (h *AuthHandler) LoginFederated(w http.ResponseWriter, r *http.Request) {
	var acct auth.FederatedAccount
	if err := json.NewDecoder(r.Body).Decode(&acct); err != nil {
		middleware.WriteError(w, chaterr.Validation("federated sign in", "malformed request body"))
		return
	}

	g, err := h.Auth.SignInFederated(r.Context(), acct)
	if err != nil {
		h.fail(w, "federated sign in", err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Session reports the principal of the request's bearer token.
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	token := middleware.BearerToken(r)
	if token == "" {
		middleware.WriteError(w, chaterr.New(chaterr.KindAuth, "resume", "missing token"))
		return
	}
	g, err := h.Auth.Resume(r.Context(), token)
	if err != nil {
		h.fail(w, "resume", err)
		return
	}
	writeJSON(w, http.StatusOK, auth.Grant{Principal: g.Principal})
}

func (h *AuthHandler) fail(w http.ResponseWriter, op string, err error) {
	if chaterr.KindOf(err) == chaterr.KindUnknown {
		h.Log.Error().Err(err).Str("op", op).Msg("auth request failed")
	}
	middleware.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
