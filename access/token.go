package access

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidSecret = errors.New("token secret must be at least 32 bytes")

// Claims is the payload of a session key token.
type Claims struct {
	jwt.RegisteredClaims
	Document string   `json:"doc"`
	Actions  []Action `json:"actions"`
}

// TokenChecker treats the session key as an HS256 JWT minted by IssueToken.
type TokenChecker struct {
	secret []byte
	now    func() time.Time
}

func NewTokenChecker(secret []byte) (*TokenChecker, error) {
	if len(secret) < 32 {
		return nil, ErrInvalidSecret
	}
	return &TokenChecker{secret: secret, now: time.Now}, nil
}

// IssueToken mints a session key for documentID (or Wildcard) that grants
// actions until ttl elapses. A zero ttl does not expire.
func IssueToken(secret []byte, documentID string, actions []Action, ttl time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", ErrInvalidSecret
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{IssuedAt: jwt.NewNumericDate(now)},
		Document:         documentID,
		Actions:          actions,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return token, nil
}

func (c *TokenChecker) parse(sessionKey string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(sessionKey, &claims, func(*jwt.Token) (interface{}, error) {
		return c.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(c.now))
	if err != nil {
		return nil, err
	}
	return &claims, nil
}

// HasAccess reports false for malformed, forged or expired tokens.
func (c *TokenChecker) HasAccess(_ context.Context, req Request) (bool, error) {
	claims, err := c.parse(req.SessionKey)
	if err != nil {
		return false, nil
	}
	if claims.Document != Wildcard && claims.Document != req.DocumentID {
		return false, nil
	}
	return slices.Contains(claims.Actions, req.Action), nil
}
