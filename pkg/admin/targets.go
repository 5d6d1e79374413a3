// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/agentgate/pkg/targets"
)

// Target status values in API responses.
const (
	statusReady         = "ok"
	statusMisconfigured = "misconfigured"
)

// TargetsRoutes serves target CRUD.
type TargetsRoutes struct {
	rt Runtime
}

// TargetsRouter creates the /targets router.
func TargetsRouter(rt Runtime) http.Handler {
	routes := TargetsRoutes{rt: rt}

	r := chi.NewRouter()
	r.Get("/", errorHandler(routes.listTargets))
	r.Post("/", errorHandler(routes.upsertTarget))
	r.Get("/{name}", errorHandler(routes.getTarget))
	r.Delete("/{name}", errorHandler(routes.deleteTarget))
	return r
}

// targetView is a descriptor with its validation status.
type targetView struct {
	targets.Descriptor
	Kind   targets.Kind `json:"kind,omitempty"`
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
}

func (s *TargetsRoutes) views() []targetView {
	descs, _ := s.rt.Snapshot()
	invalid := s.rt.Misconfigured()

	views := make([]targetView, 0, len(descs))
	for _, d := range descs {
		view := targetView{Descriptor: d, Kind: d.Kind(), Status: statusReady}
		if err, ok := invalid[d.Name]; ok {
			view.Status = statusMisconfigured
			view.Error = err.Error()
		}
		views = append(views, view)
	}
	return views
}

func (s *TargetsRoutes) listTargets(w http.ResponseWriter, r *http.Request) error {
	writeResponse(w, r, http.StatusOK, s.views())
	return nil
}

func (s *TargetsRoutes) getTarget(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	for _, view := range s.views() {
		if view.Name == name {
			writeResponse(w, r, http.StatusOK, view)
			return nil
		}
	}
	return fmt.Errorf("%w: target %q", errNotFound, name)
}

func (s *TargetsRoutes) upsertTarget(w http.ResponseWriter, r *http.Request) error {
	var d targets.Descriptor
	if err := decodeBody(r, &d); err != nil {
		return err
	}

	change, err := s.rt.UpsertTarget(d)
	if err != nil {
		return err
	}

	code := http.StatusOK
	if len(change.Added) > 0 {
		code = http.StatusCreated
	}
	writeResponse(w, r, code, targetView{Descriptor: d, Kind: d.Kind(), Status: statusReady})
	return nil
}

func (s *TargetsRoutes) deleteTarget(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	if !s.rt.RemoveTarget(name) {
		return fmt.Errorf("%w: target %q", errNotFound, name)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
