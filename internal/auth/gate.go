// Package auth issues and verifies the bearer tokens that guard the API.
// Tokens are HS256 JWTs carrying only the application identity.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// AppIdentity is the only claim a token carries besides its timestamps.
	AppIdentity = "whatsapp_api"
	// MinSigningKeyLength is the shortest signing key the gate accepts.
	MinSigningKeyLength = 32
	tokenTTL            = time.Hour
)

var (
	ErrUnauthorized         = errors.New("secret word incorrect or missing")
	ErrUnauthenticated      = errors.New("no token supplied")
	ErrForbidden            = errors.New("token invalid or expired")
	ErrMisconfiguredSigning = errors.New("signing key missing or shorter than 32 characters")
)

// Claims is the token body.
type Claims struct {
	App string `json:"app"`
	jwt.RegisteredClaims
}

// Gate holds the shared login secret and the signing key.
type Gate struct {
	secretWord string
	signingKey string
	now        func() time.Time
}

// NewGate creates a Gate. The signing key is not validated here: IssueToken
// and VerifyToken check it on every call.
func NewGate(secretWord, signingKey string) *Gate {
	return &Gate{secretWord: secretWord, signingKey: signingKey, now: time.Now}
}

// IssueToken exchanges the shared secret for a signed token valid for one hour.
func (g *Gate) IssueToken(secret string) (string, error) {
	if secret == "" || g.secretWord == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(g.secretWord)) != 1 {
		return "", ErrUnauthorized
	}
	if err := g.checkKey(); err != nil {
		return "", err
	}
	now := g.now()
	claims := Claims{
		App: AppIdentity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(g.signingKey))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature and expiry.
func (g *Gate) VerifyToken(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if err := g.checkKey(); err != nil {
		return nil, err
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(g.signingKey), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrForbidden, err)
	}
	return claims, nil
}

func (g *Gate) checkKey() error {
	if utf8.RuneCountInString(g.signingKey) < MinSigningKeyLength {
		return ErrMisconfiguredSigning
	}
	return nil
}
