// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package admin

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/agentgate/pkg/rbac"
)

// RBACRoutes serves RBAC config CRUD.
type RBACRoutes struct {
	rt Runtime
}

// RBACRouter creates the /rbac router.
func RBACRouter(rt Runtime) http.Handler {
	routes := RBACRoutes{rt: rt}

	r := chi.NewRouter()
	r.Get("/", errorHandler(routes.listRBAC))
	r.Post("/", errorHandler(routes.upsertRBAC))
	r.Get("/{name}", errorHandler(routes.getRBAC))
	r.Delete("/{name}", errorHandler(routes.deleteRBAC))
	return r
}

func (s *RBACRoutes) listRBAC(w http.ResponseWriter, r *http.Request) error {
	_, configs := s.rt.Snapshot()
	if configs == nil {
		configs = []rbac.Config{}
	}
	writeResponse(w, r, http.StatusOK, configs)
	return nil
}

func (s *RBACRoutes) getRBAC(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	_, configs := s.rt.Snapshot()
	idx := slices.IndexFunc(configs, func(c rbac.Config) bool { return c.Name == name })
	if idx < 0 {
		return fmt.Errorf("%w: rbac config %q", errNotFound, name)
	}
	writeResponse(w, r, http.StatusOK, configs[idx])
	return nil
}

func (s *RBACRoutes) upsertRBAC(w http.ResponseWriter, r *http.Request) error {
	var cfg rbac.Config
	if err := decodeBody(r, &cfg); err != nil {
		return err
	}
	if err := s.rt.UpsertRBAC(cfg); err != nil {
		return err
	}
	writeResponse(w, r, http.StatusOK, cfg)
	return nil
}

func (s *RBACRoutes) deleteRBAC(w http.ResponseWriter, r *http.Request) error {
	name := chi.URLParam(r, "name")
	if !s.rt.RemoveRBAC(name) {
		return fmt.Errorf("%w: rbac config %q", errNotFound, name)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
