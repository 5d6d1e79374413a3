// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package handshake implements the MCP initialize exchange as an explicit
// state machine and a driver that runs it over a transport client.
package handshake

import (
	"errors"
	"fmt"
)

// Phase is a step of the initialize exchange.
type Phase int

const (
	// NotStarted is the phase of a freshly opened transport.
	NotStarted Phase = iota
	// InitializeSent means the initialize request is in flight.
	InitializeSent
	// InitializeAcked means a well-formed initialize response arrived.
	InitializeAcked
	// Ready means the connection may carry application traffic.
	Ready
	// Failed is terminal; the connection must be discarded.
	Failed
)

func (p Phase) String() string {
	switch p {
	case NotStarted:
		return "not_started"
	case InitializeSent:
		return "initialize_sent"
	case InitializeAcked:
		return "initialize_acked"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal reports whether no further transition is possible.
func (p Phase) Terminal() bool {
	return p == Ready || p == Failed
}

// Failure reasons recorded on a Failed state.
const (
	ReasonTimeout         = "handshake timeout"
	ReasonInvalidResponse = "invalid response"
	ReasonRejected        = "initialize rejected"
	ReasonTransportClosed = "transport closed"
	ReasonCancelled       = "cancelled"
)

// State is the handshake state. Reason is set only when Phase is Failed.
type State struct {
	Phase  Phase
	Reason string
}

func (s State) String() string {
	if s.Phase == Failed {
		return fmt.Sprintf("failed(%s)", s.Reason)
	}
	return s.Phase.String()
}

// EventType names what happened on the wire.
type EventType int

const (
	// EventInitializeSent fires after the initialize request is written.
	EventInitializeSent EventType = iota
	// EventInitializeAcked fires on a well-formed initialize response.
	EventInitializeAcked
	// EventInitializedSent fires after notifications/initialized was attempted.
	EventInitializedSent
	// EventStateless fires for targets that have no initialize exchange.
	EventStateless
	// EventFailure fires on timeout, rejection, malformed input or transport loss.
	EventFailure
)

// Event drives a Transition.
type Event struct {
	Type   EventType
	Reason string
}

// Fail returns a failure event with reason.
func Fail(reason string) Event {
	return Event{Type: EventFailure, Reason: reason}
}

// ErrInvalidTransition is returned by Transition for events the current
// phase does not accept.
var ErrInvalidTransition = errors.New("invalid handshake transition")

// Transition computes the state that follows s on ev. It has no side effects.
func Transition(s State, ev Event) (State, error) {
	if s.Phase.Terminal() {
		return s, fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, s)
	}
	if ev.Type == EventFailure {
		return State{Phase: Failed, Reason: ev.Reason}, nil
	}

	switch {
	case s.Phase == NotStarted && ev.Type == EventInitializeSent:
		return State{Phase: InitializeSent}, nil
	case s.Phase == NotStarted && ev.Type == EventStateless:
		return State{Phase: Ready}, nil
	case s.Phase == InitializeSent && ev.Type == EventInitializeAcked:
		return State{Phase: InitializeAcked}, nil
	case s.Phase == InitializeAcked && ev.Type == EventInitializedSent:
		return State{Phase: Ready}, nil
	default:
		return s, fmt.Errorf("%w: event %d in %s", ErrInvalidTransition, ev.Type, s)
	}
}
