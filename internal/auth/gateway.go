// Package auth is the connection gateway. It turns the bearer credential
// presented at handshake time into an Identity, or rejects the attempt before
// any connection state exists.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/whisper/presence-relay/internal/protocol"
)

var (
	// ErrMissingCredential is returned when the handshake carries no token.
	ErrMissingCredential = errors.New("missing credential")
	// ErrInvalidToken is returned when the token fails validation.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken is returned when the token has expired.
	ErrExpiredToken = errors.New("token has expired")
	// ErrBanned is returned when the identity is on the blocklist.
	ErrBanned = errors.New("identity is banned")
)

// Identity is an authenticated principal. It outlives any single connection.
type Identity struct {
	ID     string
	Name   string
	Claims map[string]any
}

// AuthError rejects a connection attempt. It is always fatal to the attempt.
type AuthError struct {
	Reason string
	Err    error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Blocklist reports whether an identity is banned. ban.Store satisfies it.
type Blocklist interface {
	IsBanned(ctx context.Context, identity string) (bool, int, string, error)
}

// Config holds gateway settings.
type Config struct {
	Secret   string
	Issuer   string
	TokenTTL time.Duration // default lifetime for Issue
}

// DefaultConfig returns a gateway configuration. The secret must be replaced.
func DefaultConfig() Config {
	return Config{
		Secret:   "change-me",
		Issuer:   "presence-relay",
		TokenTTL: 24 * time.Hour,
	}
}

// Claims are the JWT claims the relay understands.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Gateway validates handshake credentials.
type Gateway struct {
	config    Config
	blocklist Blocklist
	logger    *zap.Logger
}

// NewGateway creates a Gateway. blocklist may be nil.
func NewGateway(config Config, blocklist Blocklist, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		config:    config,
		blocklist: blocklist,
		logger:    logger.Named("auth"),
	}
}

// Authenticate resolves a credential to an Identity. Every failure is an
// *AuthError and leaves no side effects behind.
func (g *Gateway) Authenticate(ctx context.Context, credential string) (Identity, error) {
	if credential == "" {
		return Identity{}, &AuthError{Reason: "handshake", Err: ErrMissingCredential}
	}

	claims, err := g.parse(credential)
	if err != nil {
		return Identity{}, &AuthError{Reason: "token", Err: err}
	}

	id := claims.Subject
	if id == "" {
		return Identity{}, &AuthError{Reason: "token", Err: fmt.Errorf("%w: empty subject", ErrInvalidToken)}
	}
	if !protocol.ValidID(id) {
		return Identity{}, &AuthError{Reason: "token", Err: fmt.Errorf("%w: malformed subject", ErrInvalidToken)}
	}

	if g.blocklist != nil {
		banned, remaining, reason, err := g.blocklist.IsBanned(ctx, id)
		if err != nil {
			g.logger.Warn("blocklist lookup failed, allowing", zap.String("identity", id), zap.Error(err))
		} else if banned {
			return Identity{}, &AuthError{
				Reason: fmt.Sprintf("banned for %ds (%s)", remaining, reason),
				Err:    ErrBanned,
			}
		}
	}

	name := claims.Name
	if name == "" {
		name = id
	}

	return Identity{
		ID:   id,
		Name: name,
		Claims: map[string]any{
			"iss": claims.Issuer,
			"sub": claims.Subject,
			"exp": claims.ExpiresAt,
		},
	}, nil
}

// Issue signs a token for the given identity. A zero ttl uses the configured
// default.
func (g *Gateway) Issue(id, name string, ttl time.Duration) (string, error) {
	if !protocol.ValidID(id) {
		return "", fmt.Errorf("auth: %q is not a valid identity id", id)
	}
	if ttl <= 0 {
		ttl = g.config.TokenTTL
	}
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.config.Issuer,
			Subject:   id,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(g.config.Secret))
}

func (g *Gateway) parse(credential string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if g.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(g.config.Issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(g.config.Secret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// CredentialFromRequest extracts the bearer credential from the Authorization
// header, falling back to the "token" query parameter for browser clients
// that cannot set headers on a WebSocket handshake.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
