package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	errTokenFormat    = errors.New("invalid token format")
	errTokenSignature = errors.New("invalid signature")
	errTokenExpired   = errors.New("token expired")
)

// Claims is the payload of a session token.
type Claims struct {
	Subject   string `json:"sub"`
	Email     string `json:"email,omitempty"`
	ExpiresAt int64  `json:"exp"`
}

// SignToken creates a token in the format "payload|signature".
func SignToken(secret []byte, c Claims) (string, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	signature := mac.Sum(nil)
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString(payload), base64.URLEncoding.EncodeToString(signature)), nil
}

// VerifyToken checks the signature and expiry and returns the claims.
func VerifyToken(secret []byte, token string, now time.Time) (Claims, error) {
	parts := strings.Split(token, "|")
	if len(parts) != 2 {
		return Claims{}, errTokenFormat
	}

	payload, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, errTokenFormat
	}
	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, errTokenFormat
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return Claims{}, errTokenSignature
	}

	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil || c.Subject == "" {
		return Claims{}, errTokenFormat
	}
	if c.ExpiresAt != 0 && now.Unix() >= c.ExpiresAt {
		return Claims{}, errTokenExpired
	}
	return c, nil
}
