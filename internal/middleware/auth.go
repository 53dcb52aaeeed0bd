package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const hostIDKey contextKey = "hostID"

// HostClaims identifies the game server calling the API.
type HostClaims struct {
	HostID string `json:"host_id"`
	jwt.RegisteredClaims
}

// HostAuth returns middleware that requires a bearer token signed with secret
// and puts the caller's host id on the request context.
func HostAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Get token from Authorization header
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			hostID, err := validateToken(parts[1], secret)
			if err != nil {
				log.Printf("[HostAuth] rejected token: %v", err)
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), hostIDKey, hostID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// HostIDFromContext returns the authenticated host id, if any.
func HostIDFromContext(ctx context.Context) (string, bool) {
	hostID, ok := ctx.Value(hostIDKey).(string)
	return hostID, ok && hostID != ""
}

func validateToken(tokenString string, secret []byte) (string, error) {
	claims := &HostClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("token is not valid")
	}

	hostID := claims.HostID
	if hostID == "" {
		hostID = claims.Subject
	}
	if hostID == "" {
		return "", errors.New("token carries no host id")
	}
	return hostID, nil
}
