// Command slated is the slate preproduction daemon. It wires the bus,
// the role agents, the director, the workflow engine, and the HTTP API
// from one YAML config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slateworks/slate/agent"
	"github.com/slateworks/slate/bus"
	"github.com/slateworks/slate/catalog"
	"github.com/slateworks/slate/config"
	"github.com/slateworks/slate/fault"
	"github.com/slateworks/slate/internal/version"
	"github.com/slateworks/slate/metrics"
	"github.com/slateworks/slate/provider"
	"github.com/slateworks/slate/provider/anthropic"
	"github.com/slateworks/slate/provider/mock"
	"github.com/slateworks/slate/provider/openai"
	"github.com/slateworks/slate/roles"
	"github.com/slateworks/slate/server"
	"github.com/slateworks/slate/workflow"
)

var configPath = flag.String("config", "slate.yaml", "path to config file")

const stopTimeout = 10 * time.Second

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = config.DefaultConfig()
		cfg.ApplyEnv()
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Level(),
	}))

	logger.Info("starting slated",
		slog.String("version", version.Version),
		slog.String("commit", version.Commit),
		slog.String("config", *configPath))

	if err := run(cfg, logger); err != nil {
		log.Fatalf("slated: %v", err)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observability and transport first; everything else hangs off them.
	mtx := metrics.New(prometheus.DefaultRegisterer)
	b := bus.NewInMemoryBus(logger)
	if cfg.Bus.HistoryLimit > 0 {
		b.SetHistoryLimit(cfg.Bus.HistoryLimit)
	}
	b.SetMetrics(mtx)
	defer b.Close()

	faults := fault.New(logger, b, fault.RetryConfig{})
	b.SetFaultHandler(faults.HandleAgentFault)

	// Persistence.
	store, err := workflow.NewSQLiteStore(cfg.WorkflowDBPath())
	if err != nil {
		return fmt.Errorf("open workflow store: %w", err)
	}
	defer store.Close()

	cat, err := catalog.New(cfg.CatalogDBPath())
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer cat.Close()
	if cfg.Catalog.SeedFile != "" {
		added, err := cat.Seed(cfg.Catalog.SeedFile)
		if err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		if added > 0 {
			logger.Info("catalog seeded", slog.Int("assets", added))
		}
	}

	prov, err := buildProvider(cfg.Provider)
	if err != nil {
		return err
	}
	logger.Info("model provider ready", slog.String("provider", prov.Name()))

	// Role agents and the director.
	reg := agent.NewRegistry()
	faults.SetDirectory(reg)

	stops, err := startAgents(ctx, cfg, b, cat, prov, faults, reg, logger)
	if err != nil {
		return err
	}

	director := agent.NewDirector(agent.DirectorConfig{
		Bus:      b,
		Registry: reg,
		Faults:   faults,
		Logger:   logger,
	})
	if err := director.Start(ctx); err != nil {
		return fmt.Errorf("start director: %w", err)
	}
	if err := reg.Add(director.Runtime()); err != nil {
		return fmt.Errorf("register director: %w", err)
	}

	// Workflow engine, with optional pipeline file and hot reload.
	pipelines := workflow.Builtins()
	if cfg.Workflow.PipelinesFile != "" {
		pipelines, err = workflow.LoadPipelines(cfg.Workflow.PipelinesFile)
		if err != nil {
			return fmt.Errorf("load pipelines: %w", err)
		}
	}
	engine, err := workflow.NewEngine(workflow.EngineConfig{
		Bus:       b,
		Store:     store,
		Faults:    faults,
		Pipelines: pipelines,
		Logger:    logger,
		Metrics:   mtx,
	})
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	var watcher *workflow.Watcher
	if cfg.Workflow.PipelinesFile != "" && cfg.Workflow.WatchPipelines {
		watcher, err = workflow.NewWatcher(cfg.Workflow.PipelinesFile, engine, logger)
		if err != nil {
			return fmt.Errorf("build pipeline watcher: %w", err)
		}
		if err := watcher.Start(); err != nil {
			return fmt.Errorf("watch pipelines: %w", err)
		}
	}

	// HTTP server.
	srv := server.New(*cfg, logger)
	srv.SetRegistry(reg)
	srv.SetEngine(engine)
	srv.SetBus(b)

	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-srvErr:
		logger.Error("server failed", slog.Any("err", err))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()

	if err := srv.Stop(stopCtx); err != nil {
		logger.Error("server stop", slog.Any("err", err))
	}
	if watcher != nil {
		watcher.Stop()
	}
	if err := engine.Close(); err != nil {
		logger.Error("engine stop", slog.Any("err", err))
	}
	if err := director.Stop(stopCtx); err != nil {
		logger.Error("director stop", slog.Any("err", err))
	}
	for _, stop := range stops {
		if err := stop(stopCtx); err != nil {
			logger.Error("agent stop", slog.Any("err", err))
		}
	}
	cancel()
	logger.Info("shutdown complete")
	return nil
}

// buildProvider selects the model backend from config. API keys fall
// back to the SDKs' own environment lookups when unset.
func buildProvider(pc config.ProviderConfig) (provider.Provider, error) {
	switch pc.Name {
	case "", "mock":
		return mock.New(), nil
	case "anthropic":
		return anthropic.New(anthropic.Options{
			APIKey:      pc.APIKey,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
		}), nil
	case "openai":
		return openai.New(openai.Options{
			APIKey:      pc.APIKey,
			Model:       pc.Model,
			MaxTokens:   pc.MaxTokens,
			Temperature: pc.Temperature,
		}), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", pc.Name)
	}
}

// startAgents builds, starts, and registers the configured role agents.
// It returns their stop functions in start order.
func startAgents(ctx context.Context, cfg *config.Config, b bus.Bus, cat *catalog.Catalog,
	prov provider.Provider, faults *fault.Handler, reg *agent.Registry, logger *slog.Logger,
) ([]func(context.Context) error, error) {
	var stops []func(context.Context) error
	for _, ac := range cfg.Agents {
		var (
			rt   *agent.Runtime
			stop func(context.Context) error
		)
		switch ac.Role {
		case "script":
			s, err := roles.NewScript(roles.ScriptConfig{
				ID:           ac.ID,
				Name:         ac.Name,
				SystemPrompt: ac.SystemPrompt,
				Bus:          b,
				Provider:     prov,
				Logger:       logger,
				Faults:       faults,
			})
			if err != nil {
				return stops, err
			}
			if err := s.Start(ctx); err != nil {
				return stops, fmt.Errorf("start %s: %w", ac.ID, err)
			}
			rt, stop = s.Runtime(), s.Stop
		case "dam":
			d, err := roles.NewDam(roles.DamConfig{
				ID:      ac.ID,
				Name:    ac.Name,
				Bus:     b,
				Catalog: cat,
				Logger:  logger,
				Faults:  faults,
			})
			if err != nil {
				return stops, err
			}
			if err := d.Start(ctx); err != nil {
				return stops, fmt.Errorf("start %s: %w", ac.ID, err)
			}
			rt, stop = d.Runtime(), d.Stop
		case "board":
			bd, err := roles.NewBoard(roles.BoardConfig{
				ID:     ac.ID,
				Name:   ac.Name,
				Bus:    b,
				Logger: logger,
				Faults: faults,
			})
			if err != nil {
				return stops, err
			}
			if err := bd.Start(ctx); err != nil {
				return stops, fmt.Errorf("start %s: %w", ac.ID, err)
			}
			rt, stop = bd.Runtime(), bd.Stop
		default:
			return stops, fmt.Errorf("agent %s: unknown role %q", ac.ID, ac.Role)
		}

		if err := reg.Add(rt); err != nil {
			return stops, err
		}
		stops = append(stops, stop)
		logger.Info("agent running",
			slog.String("id", ac.ID),
			slog.String("role", ac.Role))
	}
	return stops, nil
}
