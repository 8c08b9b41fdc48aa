package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/corvid-labs/autopilot/internal/config"
	"github.com/corvid-labs/autopilot/internal/engine"
	"github.com/corvid-labs/autopilot/internal/events"
	"github.com/corvid-labs/autopilot/internal/executor"
	"github.com/corvid-labs/autopilot/internal/gates"
	"github.com/corvid-labs/autopilot/internal/idempotency"
	"github.com/corvid-labs/autopilot/internal/lockfile"
	"github.com/corvid-labs/autopilot/internal/logging"
	"github.com/corvid-labs/autopilot/internal/loopdetect"
	"github.com/corvid-labs/autopilot/internal/policy"
	"github.com/corvid-labs/autopilot/internal/pool"
	"github.com/corvid-labs/autopilot/internal/store"
	"github.com/corvid-labs/autopilot/internal/tui"
)

var runFlags struct {
	monitor bool
	once    bool
	plan    string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler until the backlog drains or a signal arrives",
	RunE:  runEngine,
}

func init() {
	runCmd.Flags().BoolVar(&runFlags.monitor, "monitor", false, "show the live TUI monitor")
	runCmd.Flags().BoolVar(&runFlags.once, "once", false, "run a single scheduling tick and exit")
	runCmd.Flags().StringVar(&runFlags.plan, "plan", "", "import a plan file before starting")
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := logging.Validate(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return err
	}

	// With the monitor owning the terminal, logs go to a file.
	var logOut io.Writer = os.Stderr
	if runFlags.monitor {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.DataDir, "autopilot.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err == nil {
			defer f.Close()
			logOut = f
		}
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, logOut)

	lock, err := lockfile.Acquire(filepath.Join(cfg.DataDir, "autopilot.lock"))
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(ctx, filepath.Join(cfg.DataDir, "autopilot.db"))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	// Attempt records only matter inside the loop-detection window; old
	// ones are dead weight in every RecentAttempts scan.
	if n, err := st.PruneAttempts(ctx, time.Now().UTC().Add(-24*time.Hour)); err != nil {
		logger.WithError(err).Warn("pruning old attempt records failed")
	} else if n > 0 {
		logger.WithField("pruned", n).Debug("old attempt records removed")
	}

	if runFlags.plan != "" {
		if err := importPlan(ctx, st, runFlags.plan, cmd.OutOrStdout()); err != nil {
			return err
		}
	}

	bus := events.NewBus()
	defer bus.Close()

	tracker := executor.NewProcessTracker()
	registry := executor.NewRegistry()
	for _, name := range cfg.Engine.Providers {
		pc, ok := cfg.Providers[name]
		if !ok {
			return fmt.Errorf("provider %q listed in engine.providers but not defined", name)
		}
		registry.Register(executor.NewCommandExecutor(executor.CommandConfig{
			Provider: name,
			Command:  pc.Command,
			Args:     pc.Args,
			Model:    pc.Model,
		}, tracker))
	}

	agents := make([]pool.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agents = append(agents, pool.Agent{
			ID: a.ID,
			Capability: pool.Capability{
				MaxComplexity: a.MaxComplexity,
				Domains:       a.Domains,
			},
		})
	}
	agentPool := pool.NewWithAgents(agents, logging.Component(logger, "pool"))

	escalator := pool.NewEscalator(pool.EscalatorConfig{
		IdenticalFailures: cfg.Escalation.IdenticalFailures,
		MaxAttempts:       cfg.Escalation.MaxAttempts,
	}, st, bus, logging.Component(logger, "escalator"))

	supervisor := pool.NewSupervisor(pool.SupervisorConfig{
		Timeout:        time.Duration(cfg.Engine.TaskTimeoutSec) * time.Second,
		Providers:      cfg.Engine.Providers,
		Models:         cfg.Escalation.Models,
		BackoffInitial: time.Duration(cfg.Engine.BackoffInitialSec) * time.Second,
		BackoffMax:     time.Duration(cfg.Engine.BackoffMaxSec) * time.Second,
		WorkDir:        cfg.WorkDir,
	}, agentPool, st, registry, escalator, bus, logging.Component(logger, "supervisor"))

	detector := loopdetect.NewDetector(st, loopdetect.DefaultConfig())
	recovery := loopdetect.NewRecovery(st, bus, logging.Component(logger, "recovery"))

	gateList, err := buildGates(cfg)
	if err != nil {
		return err
	}
	pipeline := gates.NewPipeline(gateList, st, bus,
		logging.Component(logger, "gates"), cfg.Engine.GateDiagnostic,
		time.Duration(cfg.Engine.BackoffInitialSec)*time.Second)

	cache, err := buildCache(cfg)
	if err != nil {
		return fmt.Errorf("initializing idempotency cache: %w", err)
	}
	defer cache.Close()

	prio, age, blocking, complexity := cfg.Scoring.Weights()
	pol := policy.New(policy.ScoreWeights{
		Priority: prio, Age: age, Blocking: blocking, Complexity: complexity,
	}, nil)

	eng := engine.New(engine.Config{
		WIPLimit:      cfg.Engine.WIPLimit,
		TickInterval:  time.Duration(cfg.Engine.TickIntervalSec) * time.Second,
		MaxIdle:       time.Duration(cfg.Engine.MaxIdleSec) * time.Second,
		StopAfterIdle: stopAfterIdle(cfg),
	}, st, agentPool, pol, supervisor, detector, recovery, pipeline, cache, bus,
		logging.Component(logger, "engine"))

	eng.Start(ctx)
	defer func() {
		eng.Stop()
		if err := tracker.KillAll(); err != nil {
			logger.WithError(err).Warn("killing leftover subprocesses failed")
		}
	}()

	if runFlags.monitor {
		return runMonitor(ctx, bus, eng)
	}

	select {
	case <-ctx.Done():
		stop()
		logger.Info("shutdown signal received")
	case <-eng.Done():
	}
	return nil
}

// stopAfterIdle maps the --once flag and config into the engine's
// auto-stop knob: --once stops after the first empty tick.
func stopAfterIdle(cfg *config.Config) int {
	if runFlags.once {
		return 1
	}
	return cfg.Engine.StopAfterIdle
}

func runMonitor(ctx context.Context, bus *events.Bus, eng *engine.Engine) error {
	p := tea.NewProgram(tui.New(bus, eng.ForceTick), tea.WithAltScreen())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := p.Run()
		return err
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
		case <-eng.Done():
		}
		p.Quit()
		return nil
	})
	return g.Wait()
}

func buildGates(cfg *config.Config) ([]gates.Gate, error) {
	var out []gates.Gate
	for _, gc := range cfg.Gates {
		switch gc.Type {
		case "command":
			out = append(out, &gates.CommandGate{
				GateName: gc.Name,
				Command:  gc.Command,
				Args:     gc.Args,
				Timeout:  time.Duration(gc.TimeoutSec) * time.Second,
			})
		case "probe":
			out = append(out, &gates.ProbeGate{
				GateName:  gc.Name,
				Forbidden: gc.Forbidden,
			})
		case "artifact":
			out = append(out, &gates.ArtifactGate{
				GateName: gc.Name,
				Paths:    gc.Paths,
			})
		default:
			return nil, fmt.Errorf("gate %s has unknown type %q", gc.Name, gc.Type)
		}
	}
	return out, nil
}

func buildCache(cfg *config.Config) (*idempotency.Cache, error) {
	ttl := time.Duration(cfg.Idempotency.TTLSec) * time.Second
	switch cfg.Idempotency.Backend {
	case "redis":
		backend, err := idempotency.NewRedisBackend(cfg.Idempotency.RedisURL)
		if err != nil {
			return nil, err
		}
		return idempotency.New(backend, ttl), nil
	default:
		return idempotency.New(idempotency.NewMemoryBackend(cfg.Idempotency.Capacity), ttl), nil
	}
}
