package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/telepy/telepy/pkg/types"
)

type fakeUserSink struct {
	upserted []types.User
}

func (f *fakeUserSink) UpsertUser(_ context.Context, u types.User) error {
	f.upserted = append(f.upserted, u)
	return nil
}

// TestNewAuthMiddleware tests the creation of auth middleware
func TestNewAuthMiddleware(t *testing.T) {
	tests := []struct {
		name               string
		secret             string
		tokenExpiration    time.Duration
		expectedExpiration time.Duration
	}{
		{
			name:               "Default expiration",
			secret:             "test-secret",
			tokenExpiration:    0,
			expectedExpiration: 24 * time.Hour,
		},
		{
			name:               "Custom expiration",
			secret:             "test-secret",
			tokenExpiration:    1 * time.Hour,
			expectedExpiration: 1 * time.Hour,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			am := NewAuthMiddleware(tt.secret, tt.tokenExpiration, nil)
			if am == nil {
				t.Fatal("NewAuthMiddleware() returned nil")
			}
			if string(am.secret) != tt.secret {
				t.Errorf("secret = %v, want %v", string(am.secret), tt.secret)
			}
			if am.tokenExpiration != tt.expectedExpiration {
				t.Errorf("tokenExpiration = %v, want %v", am.tokenExpiration, tt.expectedExpiration)
			}
		})
	}
}

// TestGenerateTokenVerifyRoundTrip tests that a generated token verifies
// back to the same user
func TestGenerateTokenVerifyRoundTrip(t *testing.T) {
	am := NewAuthMiddleware("test-secret-key", 1*time.Hour, nil)

	token, err := am.GenerateToken("user-123", "ada", "ada@example.com", []string{"admin"})
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}
	if token == "" {
		t.Fatal("GenerateToken() returned empty token")
	}

	user, claims, err := am.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if user.ID != "user-123" {
		t.Errorf("user.ID = %v, want user-123", user.ID)
	}
	if user.Username != "ada" {
		t.Errorf("user.Username = %v, want ada", user.Username)
	}
	if len(user.Roles) != 1 || user.Roles[0] != "admin" {
		t.Errorf("user.Roles = %v, want [admin]", user.Roles)
	}
	if claims.UserID != "user-123" {
		t.Errorf("claims.UserID = %v, want user-123", claims.UserID)
	}
}

// TestVerifyRejectsBadTokens tests token verification failure modes
func TestVerifyRejectsBadTokens(t *testing.T) {
	am := NewAuthMiddleware("test-secret-key", 1*time.Hour, nil)

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name:  "Garbage token",
			token: func(t *testing.T) string { return "not.a.token" },
		},
		{
			name: "Wrong secret",
			token: func(t *testing.T) string {
				other := NewAuthMiddleware("different-secret", 1*time.Hour, nil)
				tok, err := other.GenerateToken("user-1", "eve", "eve@example.com", nil)
				if err != nil {
					t.Fatalf("GenerateToken() error = %v", err)
				}
				return tok
			},
		},
		{
			name: "Expired token",
			token: func(t *testing.T) string {
				claims := &JWTClaims{
					Username: "late",
					RegisteredClaims: jwt.RegisteredClaims{
						Subject:   "user-1",
						ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
						IssuedAt:  jwt.NewNumericDate(time.Now().Add(-2 * time.Hour)),
					},
				}
				tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret-key"))
				if err != nil {
					t.Fatalf("SignedString() error = %v", err)
				}
				return tok
			},
		},
		{
			name: "Wrong signing method",
			token: func(t *testing.T) string {
				// alg=none tokens must never verify
				tok := jwt.NewWithClaims(jwt.SigningMethodNone, &JWTClaims{
					RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
				})
				signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
				if err != nil {
					t.Fatalf("SignedString() error = %v", err)
				}
				return signed
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := am.Verify(tt.token(t)); err == nil {
				t.Error("Verify() accepted an invalid token")
			}
		})
	}
}

// TestMiddlewareAuthFlow tests the HTTP middleware end to end
func TestMiddlewareAuthFlow(t *testing.T) {
	sink := &fakeUserSink{}
	am := NewAuthMiddleware("test-secret-key", 1*time.Hour, sink)

	var gotUser *User
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = GetUser(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := am.Middleware(next)

	t.Run("Missing header", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/reverse/server/keys", nil))
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("Valid bearer token", func(t *testing.T) {
		token, err := am.GenerateToken("user-9", "grace", "grace@example.com", []string{"user"})
		if err != nil {
			t.Fatalf("GenerateToken() error = %v", err)
		}

		req := httptest.NewRequest("GET", "/api/reverse/server/keys", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if gotUser == nil || gotUser.ID != "user-9" {
			t.Errorf("context user = %+v, want ID user-9", gotUser)
		}
		if len(sink.upserted) != 1 || sink.upserted[0].Username != "grace" {
			t.Errorf("upserted = %+v, want one mirror of grace", sink.upserted)
		}
	})

	t.Run("Malformed header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/reverse/server/keys", nil)
		req.Header.Set("Authorization", "Token abcdef")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})
}

// TestExtractToken tests bearer token extraction from headers
func TestExtractToken(t *testing.T) {
	am := NewAuthMiddleware("secret", time.Hour, nil)

	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"Bearer prefix", "Bearer abc123", "abc123"},
		{"No header", "", ""},
		{"Wrong scheme", "Basic abc123", ""},
		{"Bearer only", "Bearer", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got := am.extractToken(req)
			if !strings.EqualFold(got, tt.want) {
				t.Errorf("extractToken() = %q, want %q", got, tt.want)
			}
		})
	}
}
