package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"guardian-ai/internal/adapter/gateway"
	"guardian-ai/internal/adapter/guidance"
	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/config"
	"guardian-ai/internal/infra/middleware"
	"guardian-ai/internal/usecase"
	"guardian-ai/internal/usecase/scheduling"
)

// RuntimeComponents holds the long-running parts of serve mode.
type RuntimeComponents struct {
	Scheduler *scheduling.Scheduler
	Guidance  *usecase.GuidanceService
	Gateway   *gateway.Server // nil when the gateway is disabled
	Metrics   *gateway.Metrics
}

// initRuntime wires the scheduler, guidance service and gateway around core.
func initRuntime(cfg *config.Config, core *CoreComponents, log *slog.Logger) (*RuntimeComponents, error) {
	comp := &RuntimeComponents{}

	// 1. Scheduler
	sched, err := initScheduler(cfg, core, log)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	comp.Scheduler = sched
	if core.Snapshotter != nil {
		core.Snapshotter.PersistOnPolicyChange(core.Bus)
	}

	// 2. Guidance
	gen, err := initGuidanceGenerator(cfg.Guidance, core.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("guidance: %w", err)
	}
	comp.Guidance = usecase.NewGuidanceService(gen, core.Manager, core.Bus, cfg.Guidance.Timeout, log)

	// 3. Gateway
	if !cfg.Gateway.Enabled {
		return comp, nil
	}
	auth, err := gatewayAuth(cfg.Gateway.Auth, log)
	if err != nil {
		return nil, fmt.Errorf("gateway auth: %w", err)
	}
	srv := gateway.NewServer(core.Bus, auth, gateway.ServerOptions{
		Addr:         cfg.Gateway.Addr,
		LoopbackOnly: cfg.Gateway.LoopbackOnly,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: cfg.Gateway.RateLimit.RequestsPerMin,
			BurstSize:      cfg.Gateway.RateLimit.Burst,
			TrustedProxies: cfg.Gateway.RateLimit.TrustedProxies,
		},
	}, log)

	deps := gateway.HandlerDeps{
		Manager:     core.Manager,
		Snapshotter: core.Snapshotter,
		Guidance:    comp.Guidance,
		Scheduler:   sched,
		AuditLog:    core.Audit,
		Bus:         core.Bus,
		Logger:      log,
	}
	if core.AuditFile != nil {
		deps.AuditReader = core.AuditFile
	}
	if err := gateway.RegisterDefaultHandlers(srv, deps); err != nil {
		return nil, fmt.Errorf("gateway handlers: %w", err)
	}
	comp.Metrics = gateway.RegisterRESTHandlers(srv, deps)
	comp.Gateway = srv
	return comp, nil
}

// initScheduler registers the periodic privacy jobs. An empty schedule
// disables the matching job.
func initScheduler(cfg *config.Config, core *CoreComponents, log *slog.Logger) (*scheduling.Scheduler, error) {
	sched := scheduling.NewScheduler(log)

	sched.RegisterAction(scheduling.ActionRetentionSweep, func(ctx context.Context) error {
		core.Manager.AutoSweep(ctx)
		return nil
	})
	if cfg.Privacy.SweepSchedule != "" {
		if err := sched.AddTask(scheduling.ScheduledTask{
			Name:     "retention-sweep",
			Schedule: cfg.Privacy.SweepSchedule,
			Action:   scheduling.ActionRetentionSweep,
		}); err != nil {
			return nil, err
		}
	}

	if core.Snapshotter != nil {
		sched.RegisterAction(scheduling.ActionSnapshot, core.Snapshotter.Persist)
		if cfg.Storage.SnapshotSchedule != "" {
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     "snapshot",
				Schedule: cfg.Storage.SnapshotSchedule,
				Action:   scheduling.ActionSnapshot,
			}); err != nil {
				return nil, err
			}
		}
	}

	if core.AuditFile != nil {
		sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context) error {
			removed, err := core.AuditFile.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			if removed > 0 {
				log.Info("audit retention enforced", "removed", removed)
			}
			return nil
		})
		if cfg.Audit.RetentionSchedule != "" {
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     "audit-retention",
				Schedule: cfg.Audit.RetentionSchedule,
				Action:   scheduling.ActionAuditRetention,
			}); err != nil {
				return nil, err
			}
		}
	}
	return sched, nil
}

// initGuidanceGenerator builds the configured backend behind a circuit breaker.
// Breaker transitions are published as guidance.breaker events.
func initGuidanceGenerator(cfg config.GuidanceConfig, bus domain.EventBus, log *slog.Logger) (domain.GuidanceGenerator, error) {
	var gen domain.GuidanceGenerator
	switch cfg.Backend {
	case "keyword", "":
		gen = guidance.NewKeywordGenerator(cfg.SimulatedDelay)
	case "http":
		gen = guidance.NewHTTPGenerator(cfg.URL, cfg.APIKey)
	default:
		return nil, fmt.Errorf("unknown guidance backend %q", cfg.Backend)
	}
	log.Info("guidance backend configured", "backend", gen.Name())
	cb := cfg.CircuitBreaker
	return guidance.NewCircuitBreakerGenerator(gen, guidance.BreakerConfig{
		MaxFailures:  cb.MaxFailures,
		Timeout:      cb.Timeout,
		Interval:     cb.Interval,
		FailureRatio: cb.FailureRatio,
		MinRequests:  cb.MinRequests,
		OnStateChange: func(name string, from, to gobreaker.State) {
			if bus == nil {
				return
			}
			e, err := domain.NewEvent(domain.EventGuidanceBreaker, time.Now(), "", map[string]string{
				"generator": name, "from": from.String(), "to": to.String(),
			})
			if err == nil {
				bus.Publish(context.Background(), e)
			}
		},
	}, log), nil
}

func gatewayAuth(cfg config.AuthConfig, log *slog.Logger) (gateway.Authenticator, error) {
	if cfg.Type != "static" {
		log.Warn("gateway auth disabled, accepting local connections as owner")
		return gateway.LocalAuth{}, nil
	}
	entries := make([]gateway.TokenEntry, 0, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		entries = append(entries, gateway.TokenEntry{Token: t.Token, Name: t.Name, Roles: t.Roles})
	}
	auth, err := gateway.NewStaticTokenAuth(entries)
	if err != nil {
		return nil, err
	}
	return auth, nil
}
