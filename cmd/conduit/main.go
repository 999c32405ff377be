package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ChamsBouzaiene/conduit/internal/adapter"
	"github.com/ChamsBouzaiene/conduit/internal/auth"
	"github.com/ChamsBouzaiene/conduit/internal/cache"
	"github.com/ChamsBouzaiene/conduit/internal/catalog"
	"github.com/ChamsBouzaiene/conduit/internal/config"
	"github.com/ChamsBouzaiene/conduit/internal/engine"
	"github.com/ChamsBouzaiene/conduit/internal/factory"
	"github.com/ChamsBouzaiene/conduit/internal/memory"
	"github.com/ChamsBouzaiene/conduit/internal/providers"
	"github.com/ChamsBouzaiene/conduit/internal/resolver"
	"github.com/ChamsBouzaiene/conduit/internal/sandbox"
	"github.com/ChamsBouzaiene/conduit/internal/scheduler"
	"github.com/ChamsBouzaiene/conduit/internal/server"
	"github.com/ChamsBouzaiene/conduit/internal/skills"
	"github.com/ChamsBouzaiene/conduit/internal/store"
)

func main() {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("conduit", flag.ExitOnError)
	portFlag := fs.Int("port", 0, "HTTP listen port (overrides config)")
	if err := fs.Parse(os.Args[1:]); err != nil {
		log.Fatalf("failed to parse flags: %v", err)
	}

	if err := run(*portFlag); err != nil {
		log.Fatalf("conduit: %v", err)
	}
}

func run(portOverride int) error {
	mgr, err := config.NewManager()
	if err != nil {
		return err
	}
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	if portOverride != 0 {
		cfg.Port = portOverride
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "meta.db"))
	if err != nil {
		return err
	}
	defer st.Close()

	c, err := cache.New(cfg.CacheDir)
	if err != nil {
		return err
	}

	registry := adapter.NewRegistry()
	if specs, err := adapter.LoadProviderSpecs(cfg.ProvidersFile); err != nil {
		log.Printf("provider catalog %s not loaded: %v", cfg.ProvidersFile, err)
	} else {
		registry.ReplaceSubprocessSpecs(specs)
	}
	watcher, err := adapter.WatchProviderCatalog(cfg.ProvidersFile, registry)
	if err != nil {
		log.Printf("provider catalog watch disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	mem := memory.NewManager(filepath.Join(cfg.DataDir, "memory"))
	registry.RegisterInProcess(
		adapter.ProviderSpec{
			Key:         memory.ProviderKey,
			DisplayName: "Memory",
			Transport:   adapter.TransportInProcess,
			Auth:        adapter.AuthNone,
			Visibility:  adapter.VisibilityHidden,
			Scope:       adapter.ScopePerRole,
		},
		func(tokenData map[string]any) (adapter.Adapter, error) {
			roleID, _ := tokenData["role_id"].(string)
			if roleID == "" {
				return nil, fmt.Errorf("memory provider needs a role")
			}
			ms := mem.StoreFor(roleID)
			return memory.NewAdapter(ms, func() error { mem.Release(roleID); return nil }), nil
		},
	)
	registry.RegisterInProcess(skills.Spec(), func(tokenData map[string]any) (adapter.Adapter, error) {
		return skills.NewAdapter(st), nil
	})

	var sandboxLauncher adapter.Launcher
	if cfg.SandboxEnable {
		sbCfg := sandbox.DefaultConfig()
		if cfg.SandboxImage != "" {
			sbCfg.Image = cfg.SandboxImage
		}
		launcher, err := sandbox.NewLauncher(sbCfg)
		if err != nil {
			return fmt.Errorf("failed to init sandbox: %w", err)
		}
		sandboxLauncher = launcher
	}

	authSvc := auth.NewService(st, cfg.GoogleClient, cfg.GoogleSecret)
	f := factory.New(registry, st, authSvc, sandboxLauncher, filepath.Join(cfg.DataDir, "adapters"))
	defer f.CloseAll()

	llm, model, err := providers.NewLLMClientFromEnv()
	if err != nil {
		return err
	}
	log.Printf("LLM provider ready (model %s)", model)

	orchestrator := engine.New(llm, registry, f, catalog.New(),
		resolver.New(c, authSvc, "/api/preview/"), st, engine.NewPostProcessor(c), model)

	if cfg.SkillsDir != "" {
		if n, err := skills.Load(st, cfg.SkillsDir); err != nil {
			log.Printf("skills not loaded: %v", err)
		} else {
			log.Printf("loaded %d skills from %s", n, cfg.SkillsDir)
		}
	}

	// Background work lives as long as the server, not any one request.
	serverCtx, cancelServer := context.WithCancel(context.Background())
	defer cancelServer()

	runner := scheduler.New(st, func(ctx context.Context, userID, roleID, description string) (string, error) {
		return runScheduledTurn(ctx, orchestrator, userID, roleID, description)
	})
	runner.Start(serverCtx)
	defer runner.Stop()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: server.New(st, orchestrator, c, registry, mem).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// runScheduledTurn replays a job's prompt through the orchestrator with a
// discarding emitter and reports the final assistant text.
func runScheduledTurn(ctx context.Context, o *engine.Orchestrator, userID, roleID, description string) (string, error) {
	sink := &collectEmitter{}
	req := engine.TurnRequest{
		UserID:   userID,
		RoleID:   roleID,
		Messages: []engine.ChatMessage{{Role: engine.RoleUser, Content: description}},
	}
	if err := o.RunTurn(ctx, req, sink); err != nil {
		return "", err
	}
	return sink.text, nil
}

// collectEmitter accumulates content frames and drops the rest.
type collectEmitter struct {
	text string
}

func (e *collectEmitter) Emit(event any) error {
	if c, ok := event.(engine.ContentEvent); ok {
		e.text += c.Content
	}
	return nil
}

func (e *collectEmitter) Done() error { return nil }
