package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/opsdeck-io/opsdeck/internal/db"
)

// DefaultTokenExpiry is used when JWT_EXPIRATION is not configured.
const DefaultTokenExpiry = 24 * time.Hour

// ErrInvalidToken covers every JWT verification failure.
var ErrInvalidToken = errors.New("auth: invalid token")

// Claims is the JWT payload.
type Claims struct {
	UserID      uint     `json:"user_id"`
	Username    string   `json:"username"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// TokenManager signs and verifies HS256 tokens.
type TokenManager struct {
	secret []byte
	expiry time.Duration
}

// NewTokenManager builds a manager. An empty secret yields a process-local
// random one: existing tokens die with the process, which is logged loudly.
func NewTokenManager(secret string, expiry time.Duration, logger *zap.Logger) (*TokenManager, error) {
	if expiry <= 0 {
		expiry = DefaultTokenExpiry
	}
	key := []byte(secret)
	if secret == "" {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("auth: generate jwt secret: %w", err)
		}
		logger.Warn("JWT_SECRET is not set; using an ephemeral secret; all tokens expire at process exit")
	}
	return &TokenManager{secret: key, expiry: expiry}, nil
}

// Generate issues a token for the user, embedding the role's permission
// expansion so clients can drive their UI without a second round trip.
func (m *TokenManager) Generate(user *db.User) (string, time.Time, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(m.expiry)

	claims := Claims{
		UserID:      user.ID,
		Username:    user.Username,
		Role:        user.Role,
		Permissions: PermissionsForRole(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Subject:   user.Username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify parses and validates a token, pinning the signing method to HS256.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewSessionToken returns an opaque random token for the legacy session path.
func NewSessionToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("auth: generate session token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}
