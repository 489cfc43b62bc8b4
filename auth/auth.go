// Package auth issues and validates the JWT bearer tokens that protect
// the HTTP API. An empty signing secret disables authentication entirely.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const defaultSubject = "scanhub"

// publicRoutes never require authentication. Metrics sub-paths are
// matched by prefix in Middleware.
var publicRoutes = map[string]bool{
	"/health":     true,
	"/metrics":    true,
	"/auth/token": true,
}

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// CreateToken signs a new HS256 JWT for the given subject. ExpiresIn is
// reported in seconds.
func CreateToken(secret, subject string, expireMinutes int) (*TokenResponse, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(expireMinutes) * time.Minute)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   expireMinutes * 60,
	}, nil
}

// VerifyToken checks the signature and standard claims of a token.
func VerifyToken(secret, token string) error {
	_, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err
}

type tokenRequest struct {
	Sub string `json:"sub"`
}

// TokenHandler mints tokens for API clients. The body is optional; an
// absent or empty "sub" falls back to the default subject.
func TokenHandler(secret string, expireMinutes int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
			writeDetail(w, http.StatusUnprocessableEntity, "Invalid JSON body")
			return
		}
		subject := body.Sub
		if subject == "" {
			subject = defaultSubject
		}

		resp, err := CreateToken(secret, subject, expireMinutes)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create token")
			writeDetail(w, http.StatusInternalServerError, "Failed to create token")
			return
		}

		log.Info().Str("subject", subject).Msg("Token issued")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Error().Err(err).Msg("Failed to encode response")
		}
	}
}

// RegisterAuthHandlers mounts the token endpoint. No-op when the secret
// is empty, matching the disabled-auth mode of Middleware.
func RegisterAuthHandlers(mux *http.ServeMux, secret string, expireMinutes int) {
	if secret == "" {
		return
	}
	mux.Handle("POST /auth/token", TokenHandler(secret, expireMinutes))
}

// Middleware enforces bearer-token auth on every route except the
// public ones. An empty secret returns next unchanged.
func Middleware(secret string, next http.Handler) http.Handler {
	if secret == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimRight(r.URL.Path, "/")
		if publicRoutes[path] || strings.HasPrefix(path, "/metrics") {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeDetail(w, http.StatusUnauthorized, "Missing or invalid Authorization header")
			return
		}

		token := strings.TrimPrefix(header, "Bearer ")
		if err := VerifyToken(secret, token); err != nil {
			if errors.Is(err, jwt.ErrTokenExpired) {
				writeDetail(w, http.StatusUnauthorized, "Token expired")
				return
			}
			writeDetail(w, http.StatusUnauthorized, fmt.Sprintf("Invalid token: %v", err))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"detail": detail}); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}
