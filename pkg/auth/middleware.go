// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
)

// Middleware rejects requests without a valid bearer token and stores the
// caller's Identity in the request context. The Authorization header is left
// in place so it can be forwarded to targets that ask for it.
func Middleware(validator *Validator, resourceMetadataURL string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := ExtractBearerToken(r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(validator, resourceMetadataURL, nil))
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			identity, err := validator.Validate(r.Context(), token)
			if err != nil {
				logger.Debugw("rejected bearer token", "error", err, "path", r.URL.Path)
				w.Header().Set("WWW-Authenticate", buildWWWAuthenticate(validator, resourceMetadataURL, err))
				http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

// AnonymousMiddleware marks every request as coming from an anonymous caller
// with no claims. Only RBAC rules that match any caller can grant it access.
func AnonymousMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := &Identity{Subject: AnonymousSubject, Claims: rbac.Claims{}}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

// buildWWWAuthenticate builds an RFC 6750 / RFC 9728 challenge. The error
// fields are only present when a token was presented and rejected.
func buildWWWAuthenticate(validator *Validator, resourceMetadataURL string, tokenErr error) string {
	realm := validator.Issuer()
	if realm == "" {
		realm = validator.JWKSURL()
	}
	parts := []string{fmt.Sprintf(`realm="%s"`, escapeQuotes(realm))}
	if resourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, escapeQuotes(resourceMetadataURL)))
	}
	if tokenErr != nil {
		parts = append(parts, `error="invalid_token"`)
		description := "token validation failed"
		if errors.Is(tokenErr, ErrTokenExpired) {
			description = "token expired"
		}
		parts = append(parts, fmt.Sprintf(`error_description="%s"`, description))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

func escapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
