package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/FuturIsHere/Nox-Network-sub000/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const (
	ctxUserID   = "userID"
	ctxUsername = "username"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims carries the identity issued by the upstream identity provider.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// UserEnsurer records an authenticated user on first sight.
type UserEnsurer interface {
	Ensure(ctx context.Context, id, username string) error
}

func GenerateAccessToken(userID, username, secret string, ttlMinutes int) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(ttlMinutes) * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// TokenFromRequest reads a bearer header, falling back to the token query
// parameter browsers use for websocket upgrades.
func TokenFromRequest(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if len(authz) > len("bearer ") && strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[len("Bearer "):])
	}
	return r.URL.Query().Get("token")
}

func AuthMiddleware(cfg config.Config, users UserEnsurer) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := TokenFromRequest(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := ParseAccessToken(tokenStr, cfg.JWTSecret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if users != nil {
			if err := users.Ensure(c.Request.Context(), claims.UserID, claims.Username); err != nil {
				log.Error().Err(err).Str("user_id", claims.UserID).Msg("ensure user")
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "failed to load user"})
				return
			}
		}
		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxUsername, claims.Username)
		c.Next()
	}
}

func GetUserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func GetUsername(c *gin.Context) string {
	return c.GetString(ctxUsername)
}
