// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"errors"
	"net/http"

	"github.com/stacklok/agentgate/pkg/gateway"
	"github.com/stacklok/agentgate/pkg/logger"
)

var (
	errNotFound   = errors.New("not found")
	errBadRequest = errors.New("bad request")
)

// errorResponse is the body of every failed admin request.
type errorResponse struct {
	Message string `json:"message"`
}

// handlerWithError lets handlers return errors instead of writing them.
type handlerWithError func(http.ResponseWriter, *http.Request) error

func statusCode(err error) int {
	switch {
	case errors.Is(err, errNotFound), errors.Is(err, gateway.ErrTargetNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, gateway.ErrInvalidConfig),
		errors.Is(err, gateway.ErrInvalidName):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders a returned error. Server errors are logged and the
// client only sees the status text.
func errorHandler(fn handlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fn(w, r)
		if err == nil {
			return
		}

		code := statusCode(err)
		message := err.Error()
		if code >= http.StatusInternalServerError {
			logger.Errorw("admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
			message = http.StatusText(code)
		}
		writeResponse(w, r, code, errorResponse{Message: message})
	}
}
