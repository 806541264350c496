package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/config"

	"github.com/gin-gonic/gin"
)

func TestGenerateAccessToken(t *testing.T) {
	tests := []struct {
		name       string
		userID     string
		secret     string
		ttlMinutes int
		wantErr    bool
	}{
		{"valid token", "u-1", "test-secret", 15, false},
		{"empty secret", "u-1", "", 15, false},
		{"zero ttl", "u-1", "test-secret", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := GenerateAccessToken(tt.userID, "", tt.secret, tt.ttlMinutes)
			if (err != nil) != tt.wantErr {
				t.Errorf("GenerateAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && token == "" {
				t.Error("GenerateAccessToken() returned empty token")
			}
		})
	}
}

func TestParseAccessToken(t *testing.T) {
	secret := "test-secret-key"

	token, err := GenerateAccessToken("u-42", "alice", secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}
	anonymous, err := GenerateAccessToken("", "", secret, 15)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	tests := []struct {
		name    string
		token   string
		secret  string
		wantUID string
		wantErr bool
	}{
		{"valid token", token, secret, "u-42", false},
		{"wrong secret", token, "wrong-secret", "", true},
		{"invalid token", "invalid.token.here", secret, "", true},
		{"empty token", "", secret, "", true},
		{"missing uid", anonymous, secret, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseAccessToken(tt.token, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseAccessToken() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if claims.UserID != tt.wantUID {
					t.Errorf("ParseAccessToken() UserID = %v, want %v", claims.UserID, tt.wantUID)
				}
				if claims.Username != "alice" {
					t.Errorf("ParseAccessToken() Username = %q, want alice", claims.Username)
				}
			}
		})
	}
}

func TestParseAccessToken_Expired(t *testing.T) {
	secret := "test-secret"
	token, err := GenerateAccessToken("u-1", "", secret, -1)
	if err != nil {
		t.Fatalf("GenerateAccessToken() error = %v", err)
	}

	claims, err := ParseAccessToken(token, secret)
	if err == nil {
		t.Error("ParseAccessToken() should return error for expired token")
	}
	if claims != nil {
		t.Error("ParseAccessToken() should return nil claims for expired token")
	}
}

func TestTokenFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		header string
		url    string
		want   string
	}{
		{"bearer header", "Bearer abc", "/ws", "abc"},
		{"lowercase scheme", "bearer abc", "/ws", "abc"},
		{"query fallback", "", "/ws?token=xyz", "xyz"},
		{"header wins", "Bearer abc", "/ws?token=xyz", "abc"},
		{"basic ignored", "Basic Zm9v", "/ws", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if got := TokenFromRequest(req); got != tt.want {
				t.Errorf("TokenFromRequest() = %q, want %q", got, tt.want)
			}
		})
	}
}

type ensured map[string]string

func (e ensured) Ensure(_ context.Context, id, username string) error {
	e[id] = username
	return nil
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := config.Config{JWTSecret: "secret"}
	users := ensured{}

	r := gin.New()
	r.Use(AuthMiddleware(cfg, users))
	r.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, GetUserID(c))
	})

	token, err := GenerateAccessToken("u-7", "bob", cfg.JWTSecret, 5)
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || w.Body.String() != "u-7" {
		t.Fatalf("got %d %q, want 200 u-7", w.Code, w.Body.String())
	}
	if users["u-7"] != "bob" {
		t.Errorf("user not ensured: %v", users)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d, want 401", w.Code)
	}
}
