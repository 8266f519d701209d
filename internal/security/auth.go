// Package security guards the operator-facing management endpoints
// (POST /providers/reload, POST /cleanup) behind optional credentials,
// per spec.md §6's settings.management_auth — it is never consulted for
// /v1/messages. Grounded on the teacher's internal/security/auth.go,
// trimmed to the one concern this balancer actually needs: the teacher's
// generic per-request AuthMiddleware, permission lists, and context
// plumbing served a multi-tenant API gateway this proxy isn't.
package security

import (
	"crypto/subtle"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// ErrInvalidCredentials is returned by Authenticate when neither the
// static API key list nor JWT validation accepts the presented token.
var ErrInvalidCredentials = errors.New("invalid management credentials")

// Config holds the management-auth knobs, sourced from
// settings.management_auth in the YAML config.
type Config struct {
	APIKeys   []string
	JWTSecret string
	JWTExpiry time.Duration
}

// Claims is the JWT payload issued for management sessions.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Authenticator validates a bearer token against the configured static
// API keys or, if a JWT secret is configured, against a signed JWT.
type Authenticator struct {
	cfg Config
	log *logrus.Logger
}

// NewAuthenticator constructs an Authenticator. A zero-value Config with
// no API keys and no JWT secret means every Authenticate call fails
// closed, which is the correct behavior for "management_auth.enabled"
// without any credentials configured.
func NewAuthenticator(cfg Config, log *logrus.Logger) *Authenticator {
	if cfg.JWTExpiry == 0 {
		cfg.JWTExpiry = 24 * time.Hour
	}
	return &Authenticator{cfg: cfg, log: log}
}

// Authenticate accepts either a configured static API key or a JWT
// signed with the configured secret.
func (a *Authenticator) Authenticate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrInvalidCredentials
	}

	for _, validKey := range a.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(validKey)) == 1 {
			return &Claims{Subject: "api_key"}, nil
		}
	}

	if a.cfg.JWTSecret != "" {
		if claims, err := a.ValidateJWT(token); err == nil {
			return claims, nil
		}
	}

	if a.log != nil {
		a.log.Warn("rejected management request: invalid credentials")
	}
	return nil, ErrInvalidCredentials
}

// IssueJWT mints a management session token for subject, signed with the
// configured secret. Returns an error if no secret is configured.
func (a *Authenticator) IssueJWT(subject string) (string, error) {
	if a.cfg.JWTSecret == "" {
		return "", errors.New("jwt issuance requires settings.management_auth.jwt_secret")
	}
	now := time.Now()
	claims := &Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.cfg.JWTExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.JWTSecret))
}

// ValidateJWT verifies tokenString's signature and expiry.
func (a *Authenticator) ValidateJWT(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(a.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}
