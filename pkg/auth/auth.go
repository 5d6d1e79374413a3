// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrAuthHeaderMissing is returned when the request carries no Authorization header.
	ErrAuthHeaderMissing = errors.New("authorization header required")

	// ErrInvalidAuthHeaderFormat is returned when the header does not use the Bearer scheme.
	ErrInvalidAuthHeaderFormat = errors.New("invalid authorization header format, expected 'Bearer <token>'")

	// ErrEmptyBearerToken is returned when the Bearer scheme carries no token.
	ErrEmptyBearerToken = errors.New("empty bearer token")

	// ErrInvalidToken is returned when the token fails signature or claim validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is returned when the token's exp claim is in the past or missing.
	ErrTokenExpired = errors.New("token expired")

	// ErrMissingJWKS is returned when neither a JWKS URL nor a JWKS file is configured.
	ErrMissingJWKS = errors.New("either a JWKS URL or a JWKS file must be provided")
)

const bearerPrefix = "Bearer "

// ExtractBearerToken returns the token of a "Bearer <token>" Authorization header.
// The scheme is matched case-sensitively.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrAuthHeaderMissing
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", ErrInvalidAuthHeaderFormat
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return "", ErrEmptyBearerToken
	}
	return token, nil
}
