package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/hupe1980/agentrelay/core"
)

// ErrInvalidCredentials is returned by IssueToken for a wrong user or password.
var ErrInvalidCredentials = fmt.Errorf("%w: invalid credentials", core.ErrAuthentication)

// AuthOptions configure an Authenticator.
type AuthOptions struct {
	// Expiry is the token lifetime.
	Expiry time.Duration
	// Users maps usernames to bcrypt password hashes for /api/token.
	Users map[string]string
}

// Authenticator issues and validates HS256 bearer tokens.
type Authenticator struct {
	secret []byte
	opts   AuthOptions
}

// NewAuthenticator returns an authenticator signing with secret.
func NewAuthenticator(secret string, optFns ...func(o *AuthOptions)) *Authenticator {
	opts := AuthOptions{Expiry: 24 * time.Hour}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Authenticator{secret: []byte(secret), opts: opts}
}

// IssueToken verifies the password and returns a signed token for username.
func (a *Authenticator) IssueToken(username, password string) (string, error) {
	hash, ok := a.opts.Users[username]
	if !ok {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return a.Sign(username)
}

// Sign returns a token for subject without checking credentials.
func (a *Authenticator) Sign(subject string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.opts.Expiry)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses token and returns its subject. Every failure wraps
// core.ErrAuthentication.
func (a *Authenticator) Validate(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", core.ErrAuthentication, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub claim", core.ErrAuthentication)
	}
	return claims.Subject, nil
}

// middleware rejects requests to non-public routes without a valid token.
// Browsers cannot set headers on websocket upgrades, so a token query
// parameter is accepted too.
func (a *Authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicRoute(r) {
			next.ServeHTTP(w, r)
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, fmt.Errorf("%w: missing bearer token", core.ErrAuthentication))
			return
		}

		subject, err := a.Validate(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(withSubject(r.Context(), subject)))
	})
}

func isPublicRoute(r *http.Request) bool {
	switch {
	case r.URL.Path == "/healthz" && r.Method == http.MethodGet:
		return true
	case r.URL.Path == "/api/token" && r.Method == http.MethodPost:
		return true
	}
	return false
}

func extractBearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
