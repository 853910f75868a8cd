package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/GoCodeAlone/steward/agent"
	"github.com/GoCodeAlone/steward/cache"
	"github.com/GoCodeAlone/steward/config"
	"github.com/GoCodeAlone/steward/dispatch"
	"github.com/GoCodeAlone/steward/embed"
	"github.com/GoCodeAlone/steward/events"
	"github.com/GoCodeAlone/steward/inject"
	"github.com/GoCodeAlone/steward/internal/version"
	"github.com/GoCodeAlone/steward/provider"
	"github.com/GoCodeAlone/steward/provider/mock"
	"github.com/GoCodeAlone/steward/server"
	"github.com/GoCodeAlone/steward/task"
	"github.com/GoCodeAlone/steward/tool"
	"github.com/GoCodeAlone/steward/worker"
)

// app is the fully wired service.
type app struct {
	server  *server.Server
	dataDir string
	team    *agent.Team
	tools   *tool.Registry
	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// buildApp wires every component from cfg.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{dataDir: cfg.DataDir}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(cfg.DataDir, "steward.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1) // prevent SQLITE_BUSY; also serializes transactions
	a.closers = append(a.closers, db.Close)

	tasks, err := task.NewSQLiteStoreFromDB(db)
	if err != nil {
		return nil, err
	}
	cacheStore, err := cache.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	embedder, err := embed.New(ctx, cfg.Embedder)
	if err != nil {
		return nil, err
	}
	toolCache := cache.New(cacheStore, embedder, cache.Options{MaxAge: cfg.Cache.MaxAge, Logger: logger})

	providers, err := buildProviders(ctx, cfg.Providers)
	if err != nil {
		return nil, err
	}
	team, workers := buildTeam(cfg, providers, logger)
	if team.Default() == nil {
		return nil, errors.New("no in-process agent configured")
	}
	a.team = team

	a.tools = tool.NewRegistry()
	a.tools.SetSecretGuard(secretGuard(cfg))
	for _, spec := range cfg.Tools {
		if err := a.tools.Register(tool.NewHTTPTool(spec, nil)); err != nil {
			return nil, err
		}
	}
	if err := a.tools.Register(tool.NewCacheSearch(toolCache)); err != nil {
		return nil, err
	}

	queue := inject.NewQueue(nil, logger)
	d, err := dispatch.New(dispatch.Deps{
		Tasks:   tasks,
		Queue:   queue,
		Tools:   a.tools,
		Cache:   toolCache,
		Workers: workers,
		Default: team.Default(),
		Logger:  logger,
	}, cfg.Dispatch)
	if err != nil {
		return nil, err
	}

	var sinks []events.Sink
	if cfg.Events.NATSURL != "" {
		mirror, err := events.DialNATSMirror(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, mirror.Close)
		sinks = append(sinks, mirror)
		logger.Info("mirroring events to NATS", "url", cfg.Events.NATSURL)
	}

	a.server = server.New(*cfg, server.Deps{
		Dispatcher: d,
		Tasks:      tasks,
		Queue:      queue,
		Cache:      toolCache,
		Bus:        events.NewBus(cfg.Events.History, logger),
		Sinks:      sinks,
		Agents:     team,
	}, version.Version, logger)

	logger.Info("steward wired",
		"db", dbPath,
		"providers", strings.Join(providers.Names(), ","),
		"tools", strings.Join(a.tools.Names(), ","),
	)
	return a, nil
}

// secretGuard collects the credentials configured for providers and tools.
func secretGuard(cfg *config.Config) *tool.SecretGuard {
	g := tool.NewSecretGuard()
	g.Add("jwt_secret", cfg.Auth.JWTSecret)
	for _, pc := range cfg.Providers {
		g.Add(pc.Name+"_api_key", pc.APIKey)
	}
	for _, spec := range cfg.Tools {
		for k, v := range spec.Headers {
			g.Add(spec.Name+"_"+strings.ToLower(k), strings.TrimPrefix(v, "Bearer "))
		}
	}
	return g
}

func buildProviders(ctx context.Context, cfgs []provider.Config) (*provider.Registry, error) {
	reg := provider.NewRegistry()
	for _, pc := range cfgs {
		var p provider.Provider
		switch pc.Kind {
		case provider.KindMock:
			p = mock.New()
		default:
			m, err := provider.NewEinoChatModel(ctx, pc)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			p = provider.NewEino(pc.Name, m)
		}
		if err := reg.Register(pc.Name, p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// workerSet resolves remote workers first, then team members.
type workerSet struct {
	remote map[string]worker.Worker
	team   *agent.Team
}

func (w *workerSet) Worker(name string) (worker.Worker, bool) {
	if r, ok := w.remote[name]; ok {
		return r, true
	}
	return w.team.Worker(name)
}

func buildTeam(cfg *config.Config, providers *provider.Registry, logger *slog.Logger) (*agent.Team, *workerSet) {
	team := agent.NewTeam("default", "steward")
	set := &workerSet{remote: make(map[string]worker.Worker), team: team}
	for _, ac := range cfg.Agents {
		if ac.URL != "" {
			w := &worker.HTTPWorker{URL: ac.URL}
			set.remote[ac.ID] = w
			if ac.Role != "" {
				set.remote[ac.Role] = w
			}
			continue
		}
		rt := agent.NewRuntime(agent.Config{
			ID: ac.ID,
			Personality: &agent.Personality{
				Name:         ac.Name,
				Role:         ac.Role,
				SystemPrompt: ac.SystemPrompt,
				Model:        ac.Provider,
			},
			Providers: providers,
			MaxTurns:  ac.MaxTurns,
			Logger:    logger.With("agent", ac.ID),
		})
		if ac.IsLead {
			team.SetLead(rt)
			continue
		}
		if err := team.AddAgent(rt); err != nil {
			logger.Warn("agent skipped", "agent", ac.ID, "error", err)
		}
	}
	return team, set
}
