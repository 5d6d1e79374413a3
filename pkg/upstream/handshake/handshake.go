// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
	"github.com/stacklok/agentgate/pkg/versions"
)

// DefaultTimeout bounds the wait for the initialize response.
const DefaultTimeout = 30 * time.Second

// ErrInitializedNotificationFailed is recorded as a warning when the
// initialized notification could not be sent. The connection is still Ready.
var ErrInitializedNotificationFailed = errors.New("initialized notification failed")

// Options tunes Run.
type Options struct {
	// Timeout bounds the wait for the initialize response. Zero uses DefaultTimeout.
	Timeout time.Duration
	// ClientInfo identifies the gateway to the target.
	ClientInfo mcp.Implementation
	// ProtocolVersion is the version offered in initialize.
	ProtocolVersion string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo = mcp.Implementation{Name: versions.Name, Version: versions.GetVersionInfo().Version}
	}
	if o.ProtocolVersion == "" {
		o.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}
	return o
}

// Result is the outcome of Run.
type Result struct {
	State State
	// Server is the target's initialize result. It is zero for stateless targets.
	Server mcp.InitializeResult
	// Warnings are non-fatal problems such as ErrInitializedNotificationFailed.
	Warnings []error
	Duration time.Duration
}

// Run performs the initialize exchange over c. Stateless target kinds are
// Ready immediately. On failure the returned Result carries the Failed state
// and the error wraps gateway.ErrHandshake.
func Run(ctx context.Context, c *transport.Client, opts Options) (*Result, error) {
	opts = opts.withDefaults()
	start := time.Now()
	res := &Result{}

	advance := func(ev Event) {
		next, err := Transition(res.State, ev)
		if err != nil {
			// Driver bug; the machine refuses and we keep the state.
			logger.Errorw("handshake transition rejected", "state", res.State.String(), "error", err)
			return
		}
		res.State = next
	}
	fail := func(reason string, cause error) (*Result, error) {
		advance(Fail(reason))
		res.Duration = time.Since(start)
		return res, fmt.Errorf("%w: %s: %w", gateway.ErrHandshake, reason, cause)
	}

	if !transport.RequiresHandshake(c.Transport().Kind()) {
		advance(Event{Type: EventStateless})
		res.Duration = time.Since(start)
		return res, nil
	}

	params := mcp.InitializeParams{
		ProtocolVersion: opts.ProtocolVersion,
		ClientInfo:      opts.ClientInfo,
		Capabilities:    mcp.ClientCapabilities{},
	}
	call, err := c.Start(ctx, string(mcp.MethodInitialize), params, nil)
	if err != nil {
		return fail(reasonFor(err), err)
	}
	advance(Event{Type: EventInitializeSent})

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case <-call.Done():
	case <-timer.C:
		return fail(ReasonTimeout, fmt.Errorf("no initialize response within %s", opts.Timeout))
	case <-ctx.Done():
		return fail(ReasonCancelled, ctx.Err())
	}

	resp, err := call.Result()
	if err != nil {
		return fail(reasonFor(err), err)
	}
	if resp.Error != nil {
		return fail(ReasonRejected, resp.Error)
	}
	if err := validateInitializeResult(resp.Result); err != nil {
		return fail(ReasonInvalidResponse, err)
	}
	if err := json.Unmarshal(resp.Result, &res.Server); err != nil {
		return fail(ReasonInvalidResponse, err)
	}
	advance(Event{Type: EventInitializeAcked})

	if err := c.Notify(ctx, "notifications/initialized", nil); err != nil {
		warning := fmt.Errorf("%w: %w", ErrInitializedNotificationFailed, err)
		res.Warnings = append(res.Warnings, warning)
		logger.Warnw("initialized notification failed, continuing", "error", err)
	}
	advance(Event{Type: EventInitializedSent})
	res.Duration = time.Since(start)
	return res, nil
}

// validateInitializeResult checks the fields the gateway relies on.
func validateInitializeResult(raw json.RawMessage) error {
	if !gjson.ValidBytes(raw) {
		return errors.New("result is not valid JSON")
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return errors.New("result is not an object")
	}
	version := parsed.Get("protocolVersion")
	if version.Type != gjson.String || version.String() == "" {
		return errors.New("result has no protocolVersion")
	}
	if info := parsed.Get("serverInfo"); info.Exists() && !info.IsObject() {
		return errors.New("serverInfo is not an object")
	}
	return nil
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case errors.Is(err, gateway.ErrTransport):
		return ReasonTransportClosed
	default:
		return ReasonInvalidResponse
	}
}
