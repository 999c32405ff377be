package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/auth"
	"github.com/ChamsBouzaiene/conduit/internal/cache"
	"github.com/ChamsBouzaiene/conduit/internal/catalog"
	"github.com/ChamsBouzaiene/conduit/internal/engine"
	"github.com/ChamsBouzaiene/conduit/internal/factory"
	"github.com/ChamsBouzaiene/conduit/internal/memory"
	"github.com/ChamsBouzaiene/conduit/internal/resolver"
	"github.com/ChamsBouzaiene/conduit/internal/store"
)

// fixedLLM streams one block of text and finishes.
type fixedLLM struct {
	text string
}

func (m *fixedLLM) Chat(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (engine.LLMResponse, error) {
	return engine.LLMResponse{Assistant: engine.ChatMessage{Role: engine.RoleAssistant, Content: m.text}}, nil
}

func (m *fixedLLM) Stream(ctx context.Context, model string, messages []engine.ChatMessage, toolSchemas []engine.ToolSchema, opts engine.ChatOptions) (<-chan engine.StreamEvent, <-chan error) {
	eventCh := make(chan engine.StreamEvent, 1)
	errCh := make(chan error, 1)
	go func() {
		defer close(eventCh)
		defer close(errCh)
		eventCh <- engine.StreamEvent{Type: "text_delta", Text: m.text}
		errCh <- nil
	}()
	return eventCh, errCh
}

func newTestServer(t *testing.T) (*Server, *store.Store, *cache.Cache) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	registry := adapter.NewRegistry()
	authSvc := auth.NewService(st, "id", "secret")
	f := factory.New(registry, st, authSvc, nil, t.TempDir())
	t.Cleanup(f.CloseAll)

	c, err := cache.New(t.TempDir())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}

	o := engine.New(&fixedLLM{text: "Hi from the runtime."}, registry, f, catalog.New(),
		resolver.New(c, nil, "/api/preview/"), st, engine.NewPostProcessor(c), "test-model")
	o.SetPacing(0)

	mem := memory.NewManager(t.TempDir())
	return New(st, o, c, registry, mem), st, c
}

func TestChatStreamsSSE(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	body := `{"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	out := rec.Body.String()
	if !strings.Contains(out, `data: {"content":`) {
		t.Errorf("missing content frame:\n%s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated:\n%s", out)
	}
}

func TestChatRejectsEmptyTurn(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(`{"messages":[]}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// Turn errors are reported in-stream, never as HTTP errors.
	out := rec.Body.String()
	if !strings.Contains(out, `"error":true`) {
		t.Errorf("missing error frame:\n%s", out)
	}
	if !strings.HasSuffix(out, "data: [DONE]\n\n") {
		t.Errorf("stream not terminated:\n%s", out)
	}
}

func TestPreviewServesCachedArtifact(t *testing.T) {
	srv, _, c := newTestServer(t)
	handler := srv.Router()

	id := c.NewID()
	if _, err := c.Put(id, "md", []byte("# Report")); err != nil {
		t.Fatalf("cache.Put: %v", err)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Body.String(); got != "# Report" {
		t.Errorf("body = %q", got)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/preview/nope!", nil))
	if rec.Code == http.StatusOK {
		t.Error("invalid id should not be served")
	}
}

func TestRoleLifecycle(t *testing.T) {
	srv, st, _ := newTestServer(t)
	handler := srv.Router()

	payload := `{"name":"Analyst","job_description":"Market research","system_prompt":"Be precise."}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/roles/", strings.NewReader(payload)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var created store.Role
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.ID == "" || created.UserID != "local" {
		t.Fatalf("created = %+v", created)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/roles/", nil))
	var roles []store.Role
	if err := json.NewDecoder(rec.Body).Decode(&roles); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "Analyst" {
		t.Errorf("roles = %+v", roles)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/roles/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d: %s", rec.Code, rec.Body)
	}
	if _, err := st.GetRole(created.ID); err == nil {
		t.Error("role still present after delete")
	}
}

func TestJobEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	body, _ := json.Marshal(createJobRequest{
		Description: "every 15 minutes check for urgent email",
		Kind:        "recurring",
	})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body)
	}
	var job store.Job
	if err := json.NewDecoder(rec.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Kind != store.JobRecurring || job.Schedule == "" {
		t.Errorf("job = %+v, want recurring with structured schedule", job)
	}
	if !job.RunAt.After(time.Now().Add(-time.Minute)) {
		t.Errorf("run_at = %v", job.RunAt)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status = %d: %s", rec.Code, rec.Body)
	}

	// Unparseable recurring cadences are rejected up front.
	body, _ = json.Marshal(createJobRequest{Description: "whenever you feel like it", Kind: "recurring"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unparseable cadence status = %d", rec.Code)
	}

	// One-shot jobs need a concrete run time.
	body, _ = json.Marshal(createJobRequest{Description: "send the report", Kind: "once"})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs/", bytes.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing run_at status = %d", rec.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	handler := srv.Router()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings/max_iterations", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unset setting status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/settings/max_iterations", strings.NewReader(`{"value":"5"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/settings/max_iterations", nil))
	var got map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got["value"] != "5" {
		t.Errorf("value = %q", got["value"])
	}
}

func TestSaveTokenValidation(t *testing.T) {
	srv, st, _ := newTestServer(t)
	handler := srv.Router()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/oauth/tokens", strings.NewReader(`{"provider":"gmail"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("incomplete token status = %d", rec.Code)
	}

	payload := `{"provider":"gmail","account_email":"a@example.com","access_token":"tok"}`
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/oauth/tokens", strings.NewReader(payload)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("save status = %d: %s", rec.Code, rec.Body)
	}

	tok, err := st.GetOAuthToken("local", "gmail", "a@example.com")
	if err != nil {
		t.Fatalf("GetOAuthToken: %v", err)
	}
	if tok.AccessToken != "tok" {
		t.Errorf("token = %+v", tok)
	}
}
