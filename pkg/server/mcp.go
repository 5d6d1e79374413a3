// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/auth"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/rbac"
	"github.com/stacklok/agentgate/pkg/relay"
	"github.com/stacklok/agentgate/pkg/versions"
)

const (
	// HeaderSessionID carries the MCP session id.
	HeaderSessionID = "Mcp-Session-Id"

	methodInitialized       = "notifications/initialized"
	methodResourceTemplates = "resources/templates/list"

	maxMessageSize = 4 << 20
)

// supportedProtocolVersions lists the MCP revisions the front door speaks,
// newest first.
var supportedProtocolVersions = []string{mcp.LATEST_PROTOCOL_VERSION, "2025-03-26", "2024-11-05"}

// initializeResult is the gateway's answer to initialize. Capabilities only
// advertise what the relay can serve.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// handleMCP serves POST and DELETE on the streamable HTTP endpoint.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleMCPPost(w, r)
	case http.MethodDelete:
		s.handleMCPDelete(w, r)
	default:
		// the gateway never initiates messages, so there is no GET stream
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		http.Error(w, "Batch JSON-RPC requests are not supported", http.StatusBadRequest)
		return
	}
	msg, err := jsonrpc2.DecodeMessage(trimmed)
	if err != nil {
		logger.Debugw("rejected undecodable message", "error", err)
		http.Error(w, "Invalid JSON-RPC 2.0 message", http.StatusBadRequest)
		return
	}

	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		// responses are only meaningful to servers that send requests
		w.WriteHeader(http.StatusAccepted)
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	if req.Method == string(mcp.MethodInitialize) {
		s.initialize(w, req, identity)
		return
	}

	sess, status := s.lookupSession(r, identity)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}

	if !req.ID.IsValid() {
		if req.Method == methodInitialized {
			sess.markInitialized()
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var stream *eventStream
	if req.Method == string(mcp.MethodToolsCall) {
		stream = newEventStream(w, r)
	}

	result, err := s.dispatch(r.Context(), auth.ClaimsFromContext(r.Context()), req, stream)
	var rpcErr error
	if err != nil {
		logger.Debugw("MCP request failed", "method", req.Method, "session", sess.id, "error", err)
		rpcErr = wireError(err)
		result = nil
	}
	resp, err := jsonrpc2.NewResponse(req.ID, result, rpcErr)
	if err != nil {
		resp, _ = jsonrpc2.NewResponse(req.ID, nil, wireError(err))
	}

	if stream.isStarted() {
		stream.finish(resp)
		return
	}
	writeJSONRPC(w, resp)
}

func (s *Server) initialize(w http.ResponseWriter, req *jsonrpc2.Request, identity *auth.Identity) {
	if !req.ID.IsValid() {
		http.Error(w, "initialize must be a request", http.StatusBadRequest)
		return
	}

	var params mcp.InitializeParams
	if err := decodeParams(req.Params, &params); err != nil {
		resp, _ := jsonrpc2.NewResponse(req.ID, nil, wireError(err))
		writeJSONRPC(w, resp)
		return
	}

	version := mcp.LATEST_PROTOCOL_VERSION
	if slices.Contains(supportedProtocolVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}

	subject := auth.AnonymousSubject
	if identity != nil {
		subject = identity.Subject
	}
	sess := s.sessions.create(subject, version, params.ClientInfo)
	logger.Infow("MCP session started",
		"session", sess.id,
		"subject", subject,
		"client", params.ClientInfo.Name,
		"client_version", params.ClientInfo.Version,
		"protocol_version", version)

	resp, err := jsonrpc2.NewResponse(req.ID, initializeResult{
		ProtocolVersion: version,
		Capabilities: map[string]any{
			"tools":     map[string]any{},
			"prompts":   map[string]any{},
			"resources": map[string]any{},
		},
		ServerInfo: mcp.Implementation{Name: versions.Name, Version: s.cfg.Version},
	}, nil)
	if err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set(HeaderSessionID, sess.id)
	writeJSONRPC(w, resp)
}

func (s *Server) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	sess, status := s.lookupSession(r, identity)
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.sessions.delete(sess.id)
	logger.Infow("MCP session ended", "session", sess.id, "subject", sess.subject)
	w.WriteHeader(http.StatusNoContent)
}

// lookupSession returns the request's session, or the status to reply with.
// A session used by a different subject than the one that created it is
// reported as unknown.
func (s *Server) lookupSession(r *http.Request, identity *auth.Identity) (*session, int) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		return nil, http.StatusBadRequest
	}
	sess, ok := s.sessions.get(id)
	if !ok {
		return nil, http.StatusNotFound
	}
	subject := auth.AnonymousSubject
	if identity != nil {
		subject = identity.Subject
	}
	if sess.subject != subject {
		logger.Warnw("session used by another subject", "session", id, "subject", subject)
		return nil, http.StatusNotFound
	}
	return sess, 0
}

// dispatch runs one MCP request against the relay.
func (s *Server) dispatch(
	ctx context.Context, claims rbac.Claims, req *jsonrpc2.Request, stream *eventStream,
) (any, error) {
	switch req.Method {
	case string(mcp.MethodPing):
		return struct{}{}, nil

	case string(mcp.MethodToolsList):
		tools, err := s.svc.ListTools(ctx, claims)
		if err != nil {
			return nil, err
		}
		return mcp.ListToolsResult{Tools: nonNil(tools)}, nil

	case string(mcp.MethodToolsCall):
		var params mcp.CallToolParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		var notify relay.Notifier
		if token := gjson.GetBytes(req.Params, "_meta.progressToken"); stream != nil && token.Exists() {
			notify = forwardNotifications(stream, json.RawMessage(token.Raw))
		}
		return s.svc.CallTool(ctx, claims, params.Name, params.Arguments, notify)

	case string(mcp.MethodPromptsList):
		prompts, err := s.svc.ListPrompts(ctx, claims)
		if err != nil {
			return nil, err
		}
		return mcp.ListPromptsResult{Prompts: nonNil(prompts)}, nil

	case string(mcp.MethodPromptsGet):
		var params mcp.GetPromptParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return s.svc.GetPrompt(ctx, claims, params.Name, params.Arguments)

	case string(mcp.MethodResourcesList):
		resources, err := s.svc.ListResources(ctx, claims)
		if err != nil {
			return nil, err
		}
		return mcp.ListResourcesResult{Resources: nonNil(resources)}, nil

	case methodResourceTemplates:
		templates, err := s.svc.ListResourceTemplates(ctx, claims)
		if err != nil {
			return nil, err
		}
		return mcp.ListResourceTemplatesResult{ResourceTemplates: nonNil(templates)}, nil

	case string(mcp.MethodResourcesRead):
		var params mcp.ReadResourceParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return s.svc.ReadResource(ctx, claims, params.URI)

	default:
		return nil, jsonrpc2.NewError(CodeMethodNotFound, "method not found: "+req.Method)
	}
}

// forwardNotifications passes target notifications for one call to the
// caller. Progress is re-addressed to the caller's own progress token.
func forwardNotifications(stream *eventStream, token json.RawMessage) relay.Notifier {
	return func(method string, params json.RawMessage) {
		if gjson.GetBytes(params, "progressToken").Exists() {
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(params, &fields); err != nil {
				return
			}
			fields["progressToken"] = token
			rewritten, err := json.Marshal(fields)
			if err != nil {
				return
			}
			params = rewritten
		}
		notification, err := jsonrpc2.NewNotification(method, params)
		if err != nil {
			logger.Debugw("dropping notification", "method", method, "error", err)
			return
		}
		stream.send(notification)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return jsonrpc2.NewError(CodeInvalidParams, fmt.Sprintf("invalid params: %v", err))
	}
	return nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
