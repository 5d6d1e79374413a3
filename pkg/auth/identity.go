// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package auth authenticates callers of the gateway and turns their bearer
// tokens into the claims the RBAC engine evaluates.
package auth

import (
	"encoding/json"
	"fmt"

	"github.com/stacklok/agentgate/pkg/rbac"
)

// AnonymousSubject is the subject of callers on a listener without authentication.
const AnonymousSubject = "anonymous"

// Identity is an authenticated caller.
type Identity struct {
	// Subject is the 'sub' claim, or AnonymousSubject.
	Subject string

	// Claims holds every claim of the token, flattened for RBAC matching.
	Claims rbac.Claims

	// Token is the raw bearer token. It is redacted in String and MarshalJSON.
	Token string
}

// Anonymous reports whether the caller presented no credentials.
func (i *Identity) Anonymous() bool {
	return i == nil || i.Subject == AnonymousSubject && i.Token == ""
}

// String returns a representation with the token redacted.
func (i *Identity) String() string {
	if i == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Identity{Subject:%q}", i.Subject)
}

// MarshalJSON redacts the token so identities can be logged safely.
func (i *Identity) MarshalJSON() ([]byte, error) {
	if i == nil {
		return []byte("null"), nil
	}

	type safeIdentity struct {
		Subject string      `json:"subject"`
		Claims  rbac.Claims `json:"claims"`
		Token   string      `json:"token,omitempty"`
	}

	token := i.Token
	if token != "" {
		token = "REDACTED"
	}
	return json.Marshal(&safeIdentity{
		Subject: i.Subject,
		Claims:  i.Claims,
		Token:   token,
	})
}
