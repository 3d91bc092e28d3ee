// Package middleware содержит HTTP middleware сервиса Fastrack Ranking.
package middleware

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type contextKey string

const (
	driverIDKey contextKey = "driverID"
	isAdminKey  contextKey = "isAdmin"
)

const tokenTTL = 30 * 24 * time.Hour

// AuthMiddleware выполняет проверку аутентификации водителя по JWT в
// заголовке Authorization.
type AuthMiddleware struct {
	secretKey []byte
}

type claims struct {
	DriverID string `json:"driver_id"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware с указанным секретным ключом.
func NewAuthMiddleware(secret string) *AuthMiddleware {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &AuthMiddleware{
		secretKey: key,
	}
}

// IssueToken выпускает подписанный токен для водителя.
func (a *AuthMiddleware) IssueToken(driverID uuid.UUID, isAdmin bool) (string, error) {
	now := time.Now()
	c := claims{
		DriverID: driverID.String(),
		IsAdmin:  isAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(a.secretKey)
}

// ParseToken проверяет подпись токена и возвращает идентификатор водителя и
// признак администратора.
func (a *AuthMiddleware) ParseToken(tokenString string) (uuid.UUID, bool, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secretKey, nil
	})
	if err != nil {
		return uuid.Nil, false, err
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return uuid.Nil, false, errors.New("invalid token")
	}

	id, err := uuid.Parse(c.DriverID)
	if err != nil {
		return uuid.Nil, false, errors.New("invalid driver id in token")
	}

	return id, c.IsAdmin, nil
}

// Middleware проверяет токен авторизации и добавляет идентификатор водителя
// в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		driverID, isAdmin, err := a.ParseToken(token)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), driverIDKey, driverID)
		ctx = context.WithValue(ctx, isAdminKey, isAdmin)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAdmin пропускает только запросы с административным токеном.
// Ставится после Middleware.
func (a *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsAdminFromContext(r.Context()) {
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// GetDriverIDFromContext извлекает идентификатор водителя из контекста запроса.
func GetDriverIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(driverIDKey).(uuid.UUID)
	return id, ok
}

// IsAdminFromContext сообщает, выполнен ли запрос административным токеном.
func IsAdminFromContext(ctx context.Context) bool {
	isAdmin, ok := ctx.Value(isAdminKey).(bool)
	return ok && isAdmin
}
