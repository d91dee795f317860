package auth

import (
	"strings"
	"testing"
	"time"
)

var testSecret = []byte("test-secret")

func TestSignAndVerifyToken(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	token, err := SignToken(testSecret, Claims{Subject: "u1", Email: "a@example.com", ExpiresAt: now.Add(time.Hour).Unix()})
	if err != nil {
		t.Fatal(err)
	}

	claims, err := VerifyToken(testSecret, token, now)
	if err != nil {
		t.Fatalf("Expected valid token, got %v", err)
	}
	if claims.Subject != "u1" || claims.Email != "a@example.com" {
		t.Errorf("Unexpected claims %+v", claims)
	}
}

func TestVerifyTokenRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	valid, _ := SignToken(testSecret, Claims{Subject: "u1"})
	expired, _ := SignToken(testSecret, Claims{Subject: "u1", ExpiresAt: now.Add(-time.Second).Unix()})
	otherKey, _ := SignToken([]byte("other"), Claims{Subject: "u1"})
	noSubject, _ := SignToken(testSecret, Claims{})

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"Missing Separator", "abc", errTokenFormat},
		{"Bad Encoding", "!!!|???", errTokenFormat},
		{"Invalid Signature", strings.Split(valid, "|")[0] + "|c2lnbmF0dXJl", errTokenSignature},
		{"Wrong Key", otherKey, errTokenSignature},
		{"Expired", expired, errTokenExpired},
		{"No Subject", noSubject, errTokenFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := VerifyToken(testSecret, tt.token, now); err != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}
