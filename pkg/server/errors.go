// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
	"github.com/stacklok/agentgate/pkg/upstream/transport"
)

// JSON-RPC error codes returned to callers. Codes from -32000 to -32099 are
// reserved for implementation-defined server errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeAccessDenied  = -32003
	CodeUnavailable   = -32004
	CodeMisconfigured = -32005
	CodeCancelled     = -32800
)

// wireError renders err for a JSON-RPC response. A JSON-RPC error from a
// target keeps its code and message.
func wireError(err error) error {
	var code int64
	switch gateway.Category(err) {
	case gateway.CategoryDenied:
		code = CodeAccessDenied
	case gateway.CategoryUnavailable:
		code = CodeUnavailable
	case gateway.CategoryMisconfigured:
		code = CodeMisconfigured
	case gateway.CategoryInvalidRequest:
		code = CodeInvalidParams
	case gateway.CategoryCancelled:
		code = CodeCancelled
	default:
		if upstream, msg, ok := transport.WireCode(err); ok {
			return jsonrpc2.NewError(upstream, msg)
		}
		logger.Errorw("request failed", "error", err)
		return jsonrpc2.NewError(CodeInternalError, "internal error")
	}
	return jsonrpc2.NewError(code, err.Error())
}

// httpStatus maps err to the status used by the plain HTTP endpoints.
func httpStatus(err error) int {
	switch gateway.Category(err) {
	case gateway.CategoryDenied:
		return http.StatusForbidden
	case gateway.CategoryMisconfigured:
		return http.StatusNotFound
	case gateway.CategoryUnavailable:
		return http.StatusBadGateway
	case gateway.CategoryInvalidRequest:
		return http.StatusBadRequest
	case gateway.CategoryCancelled:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
