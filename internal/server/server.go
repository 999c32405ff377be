// Package server exposes the chat SSE endpoint and the auxiliary CRUD
// surface over chi.
package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/cache"
	"github.com/ChamsBouzaiene/conduit/internal/engine"
	"github.com/ChamsBouzaiene/conduit/internal/memory"
	"github.com/ChamsBouzaiene/conduit/internal/store"
)

// defaultUser identifies requests that carry no X-User-ID header. The runtime
// is single-tenant by default; the header exists for multi-user deployments
// behind an authenticating proxy.
const defaultUser = "local"

// Server wires the HTTP surface to the runtime singletons.
type Server struct {
	store        *store.Store
	orchestrator *engine.Orchestrator
	cache        *cache.Cache
	registry     *adapter.Registry
	memory       *memory.Manager
}

func New(st *store.Store, o *engine.Orchestrator, c *cache.Cache, reg *adapter.Registry, mem *memory.Manager) *Server {
	return &Server{store: st, orchestrator: o, cache: c, registry: reg, memory: mem}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/preview/{cacheID}", s.handlePreview)

		r.Route("/roles", func(r chi.Router) {
			r.Get("/", s.handleListRoles)
			r.Post("/", s.handleCreateRole)
			r.Put("/{id}", s.handleUpdateRole)
			r.Delete("/{id}", s.handleDeleteRole)
		})

		r.Route("/messages", func(r chi.Router) {
			r.Get("/", s.handleListMessages)
			r.Delete("/", s.handleDeleteMessages)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Post("/{id}/cancel", s.handleCancelJob)
		})

		r.Route("/providers", func(r chi.Router) {
			r.Get("/", s.handleListProviders)
			r.Put("/{key}/config", s.handleSetProviderConfig)
			r.Delete("/{key}/config", s.handleDeleteProviderConfig)
		})

		r.Post("/oauth/tokens", s.handleSaveToken)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/{key}", s.handleGetSetting)
			r.Put("/{key}", s.handleSetSetting)
		})
	})
	return r
}

func userID(r *http.Request) string {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id
	}
	return defaultUser
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
