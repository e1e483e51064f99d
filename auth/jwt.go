package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/tsdgate/horosafe"
)

// GenerateToken creates a signed JWT string from the given claims. Exposed
// mainly for tests; token issuance itself is an external collaborator in
// production (see SPEC_FULL.md §1 Out of scope).
func GenerateToken(secret []byte, claims *Claims, expiry time.Duration) (string, error) {
	if err := horosafe.ValidateSecret(secret); err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}

	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(expiry))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken parses and validates a JWT string, returning the structured
// Claims. Strictly pins the signing method to HS256 to prevent algorithm
// confusion attacks; this is the "shared helper" the Token Gate wraps as a
// policy layer, not a trust root of its own.
func ValidateToken(secret []byte, tokenStr string, skipExpiry bool) (*Claims, error) {
	parserOpts := []jwt.ParserOption{}
	if skipExpiry {
		parserOpts = append(parserOpts, jwt.WithoutClaimsValidation())
	}

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v (only HS256 allowed)", t.Header["alg"])
		}
		return secret, nil
	}, parserOpts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, errors.New("invalid token")
	}
	if !skipExpiry && !token.Valid {
		return nil, errors.New("invalid token")
	}
	if claims.Requestor == "" {
		return nil, errors.New("token missing requestor claim")
	}
	return claims, nil
}
