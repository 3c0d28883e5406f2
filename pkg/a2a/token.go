package a2a

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims are the control-plane identity claims. Scopes name the
// operations the operator token is good for (e.g. "execute", "replay").
type OperatorClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

const tokenIssuer = "tidemark/operator"

// IssueOperatorToken mints a signed HS256 token for the named operator.
func IssueOperatorToken(secret []byte, operatorID string, scopes []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := OperatorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operatorID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("a2a: sign operator token: %w", err)
	}
	return signed, nil
}

// VerifyOperatorToken parses and validates a token string.
func VerifyOperatorToken(secret []byte, tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &OperatorClaims{},
		func(t *jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("a2a: verify operator token: %w", err)
	}
	claims, ok := token.Claims.(*OperatorClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}

// HasScope reports whether the claims grant the named scope.
func (c *OperatorClaims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
