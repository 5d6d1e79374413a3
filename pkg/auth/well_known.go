// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/agentgate/pkg/logger"
)

// ProtectedResourcePath is the RFC 9728 discovery path.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata is the RFC 9728 OAuth protected resource document.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// NewProtectedResourceHandler serves the discovery document. It must be
// mounted outside Middleware so clients can read it before authenticating.
// An empty resourceURL yields 404: the gateway does not guess its public URL.
func NewProtectedResourceHandler(validator *Validator, resourceURL string, scopes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "mcp-protocol-version, Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if resourceURL == "" {
			http.NotFound(w, r)
			return
		}

		metadata := ProtectedResourceMetadata{
			Resource:               resourceURL,
			BearerMethodsSupported: []string{"header"},
			JWKSURI:                validator.JWKSURL(),
			ScopesSupported:        scopes,
		}
		if issuer := validator.Issuer(); issuer != "" {
			metadata.AuthorizationServers = []string{issuer}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(metadata); err != nil {
			logger.Errorf("failed to encode protected resource metadata: %v", err)
		}
	})
}
