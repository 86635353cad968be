package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/verdantlab/trellis/pkg/air"
	"github.com/verdantlab/trellis/pkg/bus"
	"github.com/verdantlab/trellis/pkg/config"
	"github.com/verdantlab/trellis/pkg/fire"
	"github.com/verdantlab/trellis/pkg/metrics"
	"github.com/verdantlab/trellis/pkg/monitor"
	"github.com/verdantlab/trellis/pkg/orchestrator"
	"github.com/verdantlab/trellis/pkg/phase"
	"github.com/verdantlab/trellis/pkg/state"
	"github.com/verdantlab/trellis/pkg/water"
)

// runtime is the fully wired set of engines a command operates on.
type runtime struct {
	cfg          *config.Config
	eventBus     *bus.Bus
	states       *state.Manager
	metrics      *metrics.Recorder
	registry     *prometheus.Registry
	monitor      *monitor.Monitor
	coordinator  *phase.Coordinator
	orchestrator *orchestrator.Orchestrator
}

// buildRuntime wires every component from configuration. The caller owns
// shutdown via runtime.close.
func buildRuntime(ctx context.Context, cfg *config.Config) (*runtime, error) {
	eventBus := bus.New(bus.DefaultSubscriptionConfig())

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	states, err := state.NewManager(ctx, backend)
	if err != nil {
		return nil, fmt.Errorf("state manager: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	recorder := metrics.NewRecorder(1000,
		metrics.WithEventBus(eventBus),
		metrics.WithRegistry(registry))

	memory := monitor.NewMemoryMonitor(monitor.MemoryConfig{
		BudgetBytes: cfg.Memory.BudgetBytes,
		WarnPct:     cfg.Memory.WarnPct,
		CriticalPct: cfg.Memory.CriticalPct,
	}, eventBus)
	mon := monitor.New(eventBus, recorder, memory)

	coordinator, err := phase.NewCoordinator(states, eventBus, recorder, nil)
	if err != nil {
		return nil, fmt.Errorf("phase coordinator: %w", err)
	}

	fireEngine := fire.NewEngine(fire.Thresholds{
		Low:      cfg.Complexity.Low,
		Medium:   cfg.Complexity.Medium,
		High:     cfg.Complexity.High,
		Critical: cfg.Complexity.Critical,
	})
	airEngine, err := air.NewEngine(states, recorder, nil)
	if err != nil {
		return nil, fmt.Errorf("historical context engine: %w", err)
	}
	waterEngine := water.NewEngine(states, recorder, eventBus, water.Config{
		MaxIterations:     cfg.Coordination.MaxIterations,
		SeverityThreshold: water.Severity(cfg.Coordination.SeverityThreshold),
		QuestionTimeout:   cfg.Coordination.QuestionTimeout,
		ContextTTL:        cfg.Coordination.ContextTTL,
	}, nil)

	o := orchestrator.New(orchestrator.Config{
		Parallelism:       cfg.Orchestrator.Parallelism,
		RetentionDays:     cfg.Retention.HistoryRetentionDays,
		CleanupInterval:   cfg.Retention.CleanupInterval,
		ComplexityContext: cfg.Complexity.ContextTag,
		Breaker: monitor.BreakerConfig{
			FailureThreshold:         cfg.Circuit.FailureThreshold,
			RecoveryTimeout:          cfg.Circuit.RecoveryTimeout,
			HalfOpenSuccessThreshold: cfg.Circuit.HalfOpenSuccessThreshold,
		},
	}, orchestrator.Deps{
		States:      states,
		EventBus:    eventBus,
		Metrics:     recorder,
		Monitor:     mon,
		Coordinator: coordinator,
		Fire:        fireEngine,
		Air:         airEngine,
		Water:       waterEngine,
	})

	return &runtime{
		cfg:          cfg,
		eventBus:     eventBus,
		states:       states,
		metrics:      recorder,
		registry:     registry,
		monitor:      mon,
		coordinator:  coordinator,
		orchestrator: o,
	}, nil
}

func buildBackend(ctx context.Context, cfg *config.Config) (state.Backend, error) {
	switch cfg.State.Backend {
	case config.BackendMemory:
		return state.NewMemoryBackend(), nil
	case config.BackendFile:
		if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
		return state.NewFileBackend(cfg.State.Dir)
	case config.BackendSQL:
		if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("state dir: %w", err)
		}
		return state.NewSQLBackend(ctx, filepath.Join(cfg.State.Dir, "trellis.db"))
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
}

func (r *runtime) close() {
	if err := r.orchestrator.Terminate(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "orchestrator terminate:", err)
	}
	if err := r.states.Close(); err != nil {
		fmt.Fprintln(os.Stderr, "state close:", err)
	}
	r.eventBus.Close()
}
