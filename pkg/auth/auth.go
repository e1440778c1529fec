package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Token guards the control surface with a shared bearer secret. Only the
// bcrypt hash is kept in memory.
type Token struct {
	hash []byte
}

// NewToken hashes secret. An empty secret disables authentication and
// yields a nil token.
func NewToken(secret string) (*Token, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash token: %w", err)
	}
	return &Token{hash: hash}, nil
}

// Generate returns a random URL-safe secret suitable for NewToken
func Generate() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// Validate checks a presented secret
func (t *Token) Validate(presented string) error {
	if presented == "" {
		return ErrMissingToken
	}
	if err := bcrypt.CompareHashAndPassword(t.hash, []byte(presented)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// FromRequest extracts the bearer token from the Authorization header
func FromRequest(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// Middleware rejects requests without a valid bearer token. A nil token lets
// everything through.
func Middleware(t *Token) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		if t == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := t.Validate(FromRequest(r)); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ffbatch"`)
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
