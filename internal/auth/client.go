package auth

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/pliu/chatsync/internal/chaterr"
)

// ErrorBody is the JSON error payload of the chattyd auth endpoints.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Client is an Authenticator backed by the chattyd HTTP endpoints.
type Client struct {
	http *resty.Client
}

var _ Authenticator = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Content-Type", "application/json").
			SetTimeout(timeout),
	}
}

func (c *Client) SignUp(ctx context.Context, email, password string) (Grant, error) {
	return c.post(ctx, "sign up", "/signup", credentialsRequest{Email: email, Password: password})
}

func (c *Client) SignIn(ctx context.Context, email, password string) (Grant, error) {
	return c.post(ctx, "sign in", "/login", credentialsRequest{Email: email, Password: password})
}

func (c *Client) SignInFederated(ctx context.Context, acct FederatedAccount) (Grant, error) {
	return c.post(ctx, "federated sign in", "/login/federated", acct)
}

func (c *Client) Resume(ctx context.Context, token string) (Grant, error) {
	var out Grant
	var failure ErrorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetResult(&out).
		SetError(&failure).
		Get("/session")
	if err != nil {
		return Grant{}, chaterr.Unavailable("resume", err)
	}
	if resp.IsError() {
		return Grant{}, statusError("resume", resp.StatusCode(), failure)
	}
	out.Token = token
	return out, nil
}

func (c *Client) post(ctx context.Context, op, path string, body any) (Grant, error) {
	var out Grant
	var failure ErrorBody
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&out).
		SetError(&failure).
		Post(path)
	if err != nil {
		return Grant{}, chaterr.Unavailable(op, err)
	}
	if resp.IsError() {
		return Grant{}, statusError(op, resp.StatusCode(), failure)
	}
	return out, nil
}

// StatusFor maps an error kind to the HTTP status chattyd answers with.
func StatusFor(kind chaterr.Kind) int {
	switch kind {
	case chaterr.KindValidation:
		return http.StatusBadRequest
	case chaterr.KindNotFound:
		return http.StatusNotFound
	case chaterr.KindConflict:
		return http.StatusConflict
	case chaterr.KindAuth:
		return http.StatusUnauthorized
	case chaterr.KindPermission:
		return http.StatusForbidden
	case chaterr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func statusError(op string, status int, body ErrorBody) error {
	kind := chaterr.KindStoreUnavailable
	switch status {
	case http.StatusBadRequest:
		kind = chaterr.KindValidation
	case http.StatusNotFound:
		kind = chaterr.KindNotFound
	case http.StatusConflict:
		kind = chaterr.KindConflict
	case http.StatusUnauthorized:
		kind = chaterr.KindAuth
	case http.StatusForbidden:
		kind = chaterr.KindPermission
	}
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	return chaterr.New(kind, op, msg)
}
