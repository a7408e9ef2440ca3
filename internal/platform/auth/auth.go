// Package auth validates client credentials on the proxy's HTTP surface.
// Issuing tokens belongs to the login service; this package only checks them.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const leeway = 30 * time.Second

var (
	ErrMissingToken = errors.New("missing authorization")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// Claims mirrors the payload minted by the login service.
type Claims struct {
	IsAdmin    bool `json:"is_admin"`
	MustChange bool `json:"must_change"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

// Verifier checks HS256 tokens against a shared secret, and a legacy static
// API token for service callers.
type Verifier struct {
	secret   []byte
	apiToken string
}

// NewVerifier returns a Verifier. An empty apiToken disables the legacy path.
func NewVerifier(secret, apiToken string) *Verifier {
	return &Verifier{secret: []byte(secret), apiToken: apiToken}
}

// Verify validates token and returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	if v.apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(v.apiToken)) == 1 {
		return &Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "service"}}, nil
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithLeeway(leeway))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenFromRequest extracts the client credential. The Authorization header
// wins; "null" (sent by some browser clients) counts as absent, in which case
// the token query parameter is used.
func TokenFromRequest(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header != "" && !strings.EqualFold(header, "null") {
		if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
			return strings.TrimSpace(header[7:])
		}
		return header
	}
	return r.URL.Query().Get("token")
}

// ClaimsFromContext returns the claims stored by RequireToken or OptionalToken.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*Claims)
	return c, ok
}

// RequireToken rejects requests without a valid credential.
func RequireToken(v *Verifier, log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := v.Verify(TokenFromRequest(r))
			if err != nil {
				log.Debug("request rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

// OptionalToken validates a credential only when one is supplied. Native video
// players fetching segments cannot attach headers, so the route itself must
// carry an unguessable capability.
func OptionalToken(v *Verifier, log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}
			claims, err := v.Verify(token)
			if err != nil {
				log.Debug("request rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
				unauthorized(w, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims)))
		})
	}
}

func unauthorized(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"detail": err.Error()})
}
