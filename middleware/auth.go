package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"naskahsync/pkg/logger"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const UserIDKey contextKey = "userID"

// UserID returns the authenticated user id stored by Auth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UserIDKey).(string)
	return id, ok && id != ""
}

// WithUserID is used by Auth and by tests that bypass token validation.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// Auth validates an HMAC-signed JWT (the Supabase default) and stores its
// "sub" claim as the user id.
func Auth(secret []byte) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// For WebSockets, tokens are often passed in the query string
			// because the browser's WebSocket API doesn't support custom headers.
			tokenString := r.URL.Query().Get("token")
			if tokenString == "" {
				tokenString = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			}
			if tokenString == "" {
				http.Error(w, "Unauthorized: No token provided", http.StatusUnauthorized)
				return
			}

			token, err := jwt.Parse(tokenString, keyFunc)
			if err != nil || !token.Valid {
				logger.Sugar.Warnf("Invalid token: %v", err)
				http.Error(w, "Unauthorized: Invalid or expired token", http.StatusUnauthorized)
				return
			}

			userID, err := token.Claims.GetSubject()
			if err != nil || userID == "" {
				http.Error(w, "Unauthorized: User ID (sub) claim is missing or invalid", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// CORS answers preflight requests and tags every response with the allowed
// origin.
func CORS(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
