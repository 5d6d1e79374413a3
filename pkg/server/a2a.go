// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/auth"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/relay"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

// A2APathPrefix is where A2A targets are exposed.
const A2APathPrefix = "/a2a"

// a2aRouter serves the agent card and JSON-RPC endpoint of every A2A target.
func (s *Server) a2aRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/{target}/"+transport.AgentCardPath, s.handleAgentCard)
	r.Post("/{target}", s.handleA2ACall)
	return r
}

func (s *Server) handleAgentCard(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	claims := auth.ClaimsFromContext(r.Context())

	card, err := s.svc.AgentCard(r.Context(), claims, target, s.a2aBaseURL(r))
	if err != nil {
		logger.Debugw("agent card request failed", "target", target, "error", err)
		http.Error(w, err.Error(), httpStatus(err))
		return
	}

	data, err := json.Marshal(card)
	if err != nil {
		http.Error(w, "Failed to encode agent card", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func (s *Server) handleA2ACall(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		http.Error(w, "Invalid JSON-RPC 2.0 message", http.StatusBadRequest)
		return
	}
	req, ok := msg.(*jsonrpc2.Request)
	if !ok || !req.ID.IsValid() {
		http.Error(w, "Expected a JSON-RPC request", http.StatusBadRequest)
		return
	}

	var stream *eventStream
	if isStreamingA2AMethod(req.Method) {
		stream = newEventStream(w, r)
	}
	var notify relay.Notifier
	if stream != nil {
		notify = func(_ string, params json.RawMessage) {
			event := gjson.GetBytes(params, "event")
			if !event.Exists() {
				return
			}
			stream.send(readdressRaw(req.ID, json.RawMessage(event.Raw)))
		}
	}

	claims := auth.ClaimsFromContext(r.Context())
	upstream, err := s.svc.ForwardA2A(r.Context(), claims, target, req.Method, req.Params, notify)

	var resp *jsonrpc2.Response
	if err != nil {
		logger.Debugw("A2A request failed", "target", target, "method", req.Method, "error", err)
		resp, _ = jsonrpc2.NewResponse(req.ID, nil, wireError(err))
	} else {
		resp = readdress(req.ID, upstream)
	}

	if stream != nil {
		stream.finish(resp)
		return
	}
	writeJSONRPC(w, resp)
}

// readdress gives a response from the agent the caller's request id.
func readdress(id jsonrpc2.ID, upstream *jsonrpc2.Response) *jsonrpc2.Response {
	var (
		result any
		rpcErr error
	)
	if upstream.Error != nil {
		rpcErr = wireError(upstream.Error)
	} else {
		result = upstream.Result
	}
	resp, err := jsonrpc2.NewResponse(id, result, rpcErr)
	if err != nil {
		resp, _ = jsonrpc2.NewResponse(id, nil, wireError(err))
	}
	return resp
}

// readdressRaw decodes a streamed event before readdressing it.
func readdressRaw(id jsonrpc2.ID, raw json.RawMessage) *jsonrpc2.Response {
	msg, err := jsonrpc2.DecodeMessage(raw)
	if err == nil {
		if upstream, ok := msg.(*jsonrpc2.Response); ok {
			return readdress(id, upstream)
		}
	}
	resp, _ := jsonrpc2.NewResponse(id, nil, jsonrpc2.NewError(CodeInternalError, "invalid event from agent"))
	return resp
}

// isStreamingA2AMethod reports whether the agent answers method with an
// event stream, as message/stream and tasks/resubscribe do.
func isStreamingA2AMethod(method string) bool {
	lower := strings.ToLower(method)
	return strings.HasSuffix(lower, "/stream") || strings.HasSuffix(lower, "subscribe")
}

// a2aBaseURL is the public base URL of the A2A endpoints.
func (s *Server) a2aBaseURL(r *http.Request) string {
	if s.cfg.PublicURL != "" {
		return strings.TrimSuffix(s.cfg.PublicURL, "/") + A2APathPrefix
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + A2APathPrefix
}
