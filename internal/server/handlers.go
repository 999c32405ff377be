package server

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/conduit/internal/cache"
	"github.com/ChamsBouzaiene/conduit/internal/engine"
	"github.com/ChamsBouzaiene/conduit/internal/scheduler"
	"github.com/ChamsBouzaiene/conduit/internal/store"
)

// handleChat runs one agent turn, streaming events back as SSE. All turn
// errors are reported inside the stream; the HTTP status is 200 once
// streaming starts.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req engine.TurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.UserID = userID(r)
	if err := s.store.EnsureUser(req.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	emit, err := newSSEEmitter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.orchestrator.RunTurn(r.Context(), req, emit); err != nil {
		log.Printf("server: turn for %s: %v", req.UserID, err)
	}
}

// handlePreview serves cached artifacts referenced by preview-file links.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "cacheID")
	data, ext, err := s.cache.Read(id)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	contentType := mime.TypeByExtension("." + ext)
	if contentType == "" {
		contentType = "text/plain; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(data)
}

func (s *Server) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := s.store.ListRoles(userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if roles == nil {
		roles = []store.Role{}
	}
	writeJSON(w, http.StatusOK, roles)
}

func (s *Server) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var role store.Role
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if role.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	role.UserID = userID(r)
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	if err := s.store.EnsureUser(role.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.CreateRole(role); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, role)
}

func (s *Server) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetRole(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	if existing.UserID != userID(r) {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}

	var role store.Role
	if err := json.NewDecoder(r.Body).Decode(&role); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	role.ID = id
	role.UserID = existing.UserID
	if err := s.store.UpdateRole(role); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, role)
}

// handleDeleteRole removes the role together with its message history and
// its memory graph.
func (s *Server) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetRole(id)
	if err != nil || existing.UserID != userID(r) {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}

	if err := s.store.DeleteMessages(existing.UserID, id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.DeleteRole(id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.memory != nil {
		if err := s.memory.Destroy(id); err != nil {
			log.Printf("server: destroy memory for role %s: %v", id, err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	roleID := r.URL.Query().Get("role_id")
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	msgs, err := s.store.ListMessages(userID(r), roleID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if msgs == nil {
		msgs = []store.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	roleID := r.URL.Query().Get("role_id")
	if err := s.store.DeleteMessages(userID(r), roleID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(userID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if jobs == nil {
		jobs = []store.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	RoleID      string    `json:"role_id"`
	Description string    `json:"description"`
	Kind        string    `json:"kind"`
	RunAt       time.Time `json:"run_at,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}
	kind := store.JobKind(req.Kind)
	switch kind {
	case store.JobOnce, store.JobRecurring:
	default:
		writeError(w, http.StatusBadRequest, "kind must be once or recurring")
		return
	}
	if kind == store.JobOnce && req.RunAt.IsZero() {
		writeError(w, http.StatusBadRequest, "run_at is required for one-shot jobs")
		return
	}

	job := store.Job{
		ID:          uuid.NewString(),
		UserID:      userID(r),
		RoleID:      req.RoleID,
		Description: req.Description,
		Kind:        kind,
		RunAt:       req.RunAt,
	}
	if err := s.store.EnsureUser(job.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := scheduler.CreateJob(s.store, job); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.store.GetJob(job.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.UserID != userID(r) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err := s.store.CancelJob(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Specs())
}

func (s *Server) handleSetProviderConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var cfg map[string]any
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetProviderConfig(key, cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleDeleteProviderConfig(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := s.store.DeleteProviderConfig(key); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type saveTokenRequest struct {
	Provider     string    `json:"provider"`
	AccountEmail string    `json:"account_email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// handleSaveToken registers an externally obtained OAuth token for a
// provider account.
func (s *Server) handleSaveToken(w http.ResponseWriter, r *http.Request) {
	var req saveTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Provider == "" || req.AccountEmail == "" || req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "provider, account_email and access_token are required")
		return
	}
	uid := userID(r)
	if err := s.store.EnsureUser(uid); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	err := s.store.SaveOAuthToken(store.OAuthToken{
		UserID:       uid,
		Provider:     req.Provider,
		AccountEmail: req.AccountEmail,
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "saved"})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, ok, err := s.store.Setting(key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "setting not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.store.SetSetting(key, body.Value); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"key": key, "value": body.Value})
}
