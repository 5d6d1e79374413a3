// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/logger"
)

// eventStream writes JSON-RPC messages as server-sent events. The response
// switches to text/event-stream on the first event, so a call that produces
// no intermediate messages can still be answered with plain JSON.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu      sync.Mutex
	started bool
	closed  bool
}

// newEventStream returns nil when the client does not accept event streams
// or the writer cannot flush.
func newEventStream(w http.ResponseWriter, r *http.Request) *eventStream {
	if !acceptsEventStream(r) {
		return nil
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	return &eventStream{w: w, flusher: flusher}
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// send writes msg as one event. Messages after close are dropped.
func (s *eventStream) send(msg jsonrpc2.Message) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		logger.Warnw("failed to encode streamed message", "error", err)
		return
	}
	s.sendRaw(data)
}

func (s *eventStream) sendRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", data); err != nil {
		logger.Debugw("client went away while streaming", "error", err)
		s.closed = true
		return
	}
	s.flusher.Flush()
}

// isStarted reports whether the response is already an event stream.
func (s *eventStream) isStarted() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// finish writes the final message and stops accepting more.
func (s *eventStream) finish(msg jsonrpc2.Message) {
	s.send(msg)
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// writeJSONRPC writes msg as a plain JSON response.
func writeJSONRPC(w http.ResponseWriter, msg jsonrpc2.Message) {
	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		logger.Errorw("failed to encode JSON-RPC response", "error", err)
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
