// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/agentgate/pkg/rbac"
)

const (
	registrationTimeout = 5 * time.Second
	defaultLeeway       = 30 * time.Second
)

var signingMethods = []string{
	"RS256", "RS384", "RS512",
	"PS256", "PS384", "PS512",
	"ES256", "ES384", "ES512",
}

// Config configures bearer token validation.
type Config struct {
	// Issuer is the expected 'iss' claim. Empty skips the check.
	Issuer string

	// Audience is the expected 'aud' claim. Empty skips the check.
	Audience string

	// JWKSURL is fetched and refreshed in the background.
	JWKSURL string

	// JWKSFile is a local key set, read once. It takes precedence over JWKSURL.
	JWKSFile string

	// Leeway tolerates clock skew on exp, nbf and iat.
	Leeway time.Duration

	// HTTPClient fetches JWKSURL. Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Validator validates signed JWTs against a JWKS and returns the caller's identity.
type Validator struct {
	issuer   string
	audience string
	jwksURL  string
	leeway   time.Duration

	// static is set when keys come from a file.
	static jwk.Set
	cache  *jwk.Cache

	registered      bool
	registrationMu  sync.Mutex
	registrationErr error
}

// NewValidator creates a Validator. Remote key sets are registered with the
// cache on first use so a slow identity provider does not block startup.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	v := &Validator{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		jwksURL:  cfg.JWKSURL,
		leeway:   cfg.Leeway,
	}
	if v.leeway == 0 {
		v.leeway = defaultLeeway
	}

	switch {
	case cfg.JWKSFile != "":
		set, err := jwk.ReadFile(cfg.JWKSFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read JWKS file %s: %w", cfg.JWKSFile, err)
		}
		v.static = set
	case cfg.JWKSURL != "":
		client := cfg.HTTPClient
		if client == nil {
			client = http.DefaultClient
		}
		cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(client)))
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
		}
		v.cache = cache
	default:
		return nil, ErrMissingJWKS
	}
	return v, nil
}

// JWKSURL returns the remote key set location, or empty for file-based keys.
func (v *Validator) JWKSURL() string {
	return v.jwksURL
}

// Issuer returns the expected issuer.
func (v *Validator) Issuer() string {
	return v.issuer
}

func (v *Validator) ensureRegistered(ctx context.Context) error {
	v.registrationMu.Lock()
	defer v.registrationMu.Unlock()

	if v.registered {
		return v.registrationErr
	}

	registrationCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
	defer cancel()

	if err := v.cache.Register(registrationCtx, v.jwksURL); err != nil {
		// Not sticky: the next request retries against the identity provider.
		return fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.registered = true
	return nil
}

func (v *Validator) keySet(ctx context.Context) (jwk.Set, error) {
	if v.static != nil {
		return v.static, nil
	}
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}
	set, err := v.cache.Lookup(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}
	return set, nil
}

func (v *Validator) keyFunc(ctx context.Context) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		set, err := v.keySet(ctx)
		if err != nil {
			return nil, err
		}

		var key jwk.Key
		if kid, ok := token.Header["kid"].(string); ok && kid != "" {
			found, ok := set.LookupKeyID(kid)
			if !ok {
				return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
			}
			key = found
		} else {
			// A token without kid is only accepted when the choice is unambiguous.
			if set.Len() != 1 {
				return nil, errors.New("token header missing kid")
			}
			key, _ = set.Key(0)
		}

		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to export raw key: %w", err)
		}
		return raw, nil
	}
}

// Validate checks the token signature, expiry, issuer and audience and returns
// the caller's identity with its claims flattened for RBAC.
func (v *Validator) Validate(ctx context.Context, tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(signingMethods),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.keyFunc(ctx), opts...)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrTokenExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	case !token.Valid:
		return nil, ErrInvalidToken
	}

	subject, _ := claims.GetSubject()
	return &Identity{
		Subject: subject,
		Claims:  rbac.NewClaims(claims),
		Token:   tokenString,
	}, nil
}
