// Package jwt issues and validates the HS256 access tokens that chat
// clients present on REST calls and websocket upgrades.
package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

type Claims struct {
	jwt.RegisteredClaims
	UserID   string   `json:"user_id"`
	Email    string   `json:"email,omitempty"`
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
}

// DisplayName is the name shown next to the user's messages.
func (c *Claims) DisplayName() string {
	if c.Username != "" {
		return c.Username
	}
	return c.UserID
}

type Manager struct {
	secret         []byte
	issuer         string
	accessDuration time.Duration
	leeway         time.Duration
	now            func() time.Time
}

type Option func(*Manager)

// WithLeeway tolerates clock skew between the token issuer and this node.
func WithLeeway(d time.Duration) Option {
	return func(m *Manager) { m.leeway = d }
}

// NewManager creates a manager. An empty issuer disables the issuer check;
// a non-positive duration defaults to 24h.
func NewManager(secret, issuer string, accessDuration time.Duration, opts ...Option) (*Manager, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if accessDuration <= 0 {
		accessDuration = 24 * time.Hour
	}
	m := &Manager{
		secret:         []byte(secret),
		issuer:         issuer,
		accessDuration: accessDuration,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Issue signs an access token for userID. Each token carries a unique id.
func (m *Manager) Issue(userID, username, email string, roles []string) (string, time.Time, error) {
	now := m.now()
	exp := now.Add(m.accessDuration)

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UserID:   userID,
		Email:    email,
		Username: username,
		Roles:    roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate checks signature, algorithm, issuer and expiry. Tokens minted
// elsewhere may carry only the subject, which then stands in for user_id.
func (m *Manager) Validate(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.leeway > 0 {
		opts = append(opts, jwt.WithLeeway(m.leeway))
	}

	claims := &Claims{}
	if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}
	return claims, nil
}
