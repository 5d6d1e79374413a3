// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateway holds the domain errors shared by the agentgate subpackages.
//
// Errors are defined at the package root and checked with errors.Is().
// Subpackages wrap them with fmt.Errorf("%w: ...") to add detail.
package gateway

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates malformed or contradictory target or policy configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTargetNotFound indicates the requested target is not configured.
	ErrTargetNotFound = errors.New("target not found")

	// ErrTargetMisconfigured indicates the target exists but its descriptor failed validation.
	ErrTargetMisconfigured = errors.New("target misconfigured")

	// ErrTransport indicates a transport failure: spawn failure, connection refused,
	// TLS failure or a stream closed unexpectedly.
	ErrTransport = errors.New("transport error")

	// ErrTransportClosed indicates the transport was closed and cannot carry traffic.
	// It wraps ErrTransport.
	ErrTransportClosed = fmt.Errorf("%w: closed", ErrTransport)

	// ErrHandshake indicates the initialize exchange failed, timed out or was rejected.
	ErrHandshake = errors.New("handshake failed")

	// ErrNotReady indicates traffic was attempted on a connection whose handshake
	// has not reached the ready state.
	ErrNotReady = errors.New("connection not ready")

	// ErrAccessDenied indicates the RBAC engine denied the request.
	ErrAccessDenied = errors.New("access denied")

	// ErrUpstreamUnavailable indicates the pool could not provide a ready connection.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrRequestTimeout indicates the target did not answer a request within the
	// configured request timeout.
	ErrRequestTimeout = errors.New("upstream request timed out")

	// ErrQuarantined indicates the target is cooling down after repeated establishment failures.
	ErrQuarantined = errors.New("target quarantined")

	// ErrInvalidName indicates a prefixed name lacked the "target:" separator.
	ErrInvalidName = errors.New("invalid name")

	// ErrUnsupported indicates the operation is not available for the target's kind.
	ErrUnsupported = errors.New("operation not supported by target")
)

// ErrorCategory is the caller-visible class of a failure.
type ErrorCategory string

const (
	// CategoryDenied means the caller is not allowed.
	CategoryDenied ErrorCategory = "denied"
	// CategoryUnavailable means the target is down.
	CategoryUnavailable ErrorCategory = "unavailable"
	// CategoryMisconfigured means the target is configured incorrectly or unknown.
	CategoryMisconfigured ErrorCategory = "misconfigured"
	// CategoryInvalidRequest means the request itself was malformed.
	CategoryInvalidRequest ErrorCategory = "invalid_request"
	// CategoryCancelled means the caller went away before a response arrived.
	CategoryCancelled ErrorCategory = "cancelled"
	// CategoryInternal covers everything else.
	CategoryInternal ErrorCategory = "internal"
)

// Category classifies err so the front door can tell "you are not allowed" apart
// from "the target is down" apart from "the target is misconfigured".
func Category(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAccessDenied):
		return CategoryDenied
	case errors.Is(err, ErrTargetMisconfigured), errors.Is(err, ErrTargetNotFound), errors.Is(err, ErrInvalidConfig):
		return CategoryMisconfigured
	case errors.Is(err, ErrUpstreamUnavailable), errors.Is(err, ErrQuarantined), errors.Is(err, ErrRequestTimeout),
		errors.Is(err, ErrTransport), errors.Is(err, ErrHandshake), errors.Is(err, ErrNotReady):
		return CategoryUnavailable
	case errors.Is(err, ErrInvalidName), errors.Is(err, ErrUnsupported):
		return CategoryInvalidRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CategoryCancelled
	default:
		return CategoryInternal
	}
}
