package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"market-chat/internal/apperrors"
	"market-chat/internal/logger"
	"market-chat/internal/models"
)

const currentUserKey = "currentUser"

// UserStore mirrors the authenticated identity into the local users table.
type UserStore interface {
	UpsertUser(ctx context.Context, user models.User) error
}

// Claims is the identity carried by access tokens issued by the account service.
type Claims struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Avatar   *string `json:"avatar,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 token and returns the user it names.
func ParseToken(secret, token string) (models.User, error) {
	if token == "" {
		return models.User{}, fmt.Errorf("%w: missing token", apperrors.ErrUnauthenticated)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %w", apperrors.ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || claims.ID <= 0 {
		return models.User{}, fmt.Errorf("%w: token has no user", apperrors.ErrUnauthenticated)
	}
	return models.User{ID: claims.ID, Username: claims.Username, Avatar: claims.Avatar}, nil
}

// IssueToken signs a token for user. Production tokens come from the account
// service; this serves the debug routes and tests.
func IssueToken(secret string, user models.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		ID:       user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprint(user.ID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// AuthMiddleware validates the bearer token, or the token query parameter
// for websocket upgrades, and stores the current user.
func AuthMiddleware(secret string, users UserStore, log *zap.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)
	return func(c *gin.Context) {
		token := extractBearer(c)
		if token == "" {
			token = c.Query("token")
		}

		user, err := ParseToken(secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := context.WithValue(c.Request.Context(), logger.UserIDKey, user.ID)
		if users != nil {
			if err := users.UpsertUser(ctx, user); err != nil {
				logger.WithContext(ctx, log).Warn("user upsert failed", zap.Error(err))
			}
		}

		c.Request = c.Request.WithContext(ctx)
		c.Set(currentUserKey, user)
		c.Set("userID", user.ID)
		c.Next()
	}
}

// CurrentUser returns the user stored by AuthMiddleware.
func CurrentUser(c *gin.Context) (models.User, error) {
	val, ok := c.Get(currentUserKey)
	if !ok {
		return models.User{}, apperrors.ErrUnauthenticated
	}
	user, ok := val.(models.User)
	if !ok {
		return models.User{}, errors.New("current user has unexpected type")
	}
	return user, nil
}

func extractBearer(c *gin.Context) string {
	value := c.GetHeader("Authorization")
	parts := strings.SplitN(value, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
