package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"

	"usage_meter/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// CallerServiceKey holds the name of the authenticated calling service.
	CallerServiceKey ContextKey = "callerService"
)

// ServiceTokenMiddleware validates the Bearer token internal services send
// with every request. Tokens are short-lived HS256 JWTs signed with the
// shared service secret; the subject names the calling service.
func ServiceTokenMiddleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := r.Header.Get("Authorization")
			if tokenString == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing authentication token")
				return
			}
			tokenString = strings.TrimPrefix(tokenString, "Bearer ")

			caller, err := validateServiceToken(tokenString, secret)
			if err != nil {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), CallerServiceKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateServiceToken(tokenString string, secret []byte) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}

	caller, _ := claims["sub"].(string)
	if caller == "" {
		return "", fmt.Errorf("token missing subject")
	}
	return caller, nil
}

// GetCallerService retrieves the authenticated service name from the context.
func GetCallerService(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(CallerServiceKey).(string)
	return caller, ok
}
