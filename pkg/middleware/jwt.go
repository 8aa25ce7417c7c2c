package middleware

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

type tokenClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// NewJWTValidator returns a TokenValidator for HS256 tokens signed with
// secret. The subject claim becomes the user id. When issuer is non-empty
// the iss claim must match it.
func NewJWTValidator(secret []byte, issuer string) TokenValidator {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(raw string) (*Claims, error) {
		var tc tokenClaims
		token, err := parser.ParseWithClaims(raw, &tc, func(*jwt.Token) (any, error) {
			return secret, nil
		})
		if err != nil {
			return nil, fmt.Errorf("parse token: %w", err)
		}
		if !token.Valid || tc.Subject == "" {
			return nil, errors.New("token has no subject")
		}
		return &Claims{UserID: tc.Subject, Role: tc.Role}, nil
	}
}
