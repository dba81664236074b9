package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"guardian-ai/internal/adapter/store"
	"guardian-ai/internal/domain"
	"guardian-ai/internal/infra/config"
	"guardian-ai/internal/security"
	"guardian-ai/internal/usecase"
	"guardian-ai/internal/usecase/eventbus"
)

// CoreComponents holds the privacy core shared by serve and the offline commands.
type CoreComponents struct {
	Bus         *eventbus.Bus
	Manager     *usecase.LifecycleManager
	Snapshotter *usecase.Snapshotter      // nil when storage is disabled
	AuditFile   *security.FileAuditLogger // nil when audit is disabled
	Audit       domain.AuditLogger        // nil when audit is disabled
	Restored    bool
}

// initCore builds the audit log, payload encryptor, event bus, lifecycle
// manager and snapshot store, then restores the last persisted state.
func initCore(ctx context.Context, cfg *config.Config, log *slog.Logger) (*CoreComponents, func(), error) {
	comp := &CoreComponents{}
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*CoreComponents, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	// 1. Audit log
	if cfg.Audit.Enabled {
		retention, err := auditRetention(cfg.Audit.Retention)
		if err != nil {
			return fail(err)
		}
		fileLog, err := security.NewFileAuditLogger(cfg.Audit.Path, retention)
		if err != nil {
			return fail(fmt.Errorf("audit: %w", err))
		}
		comp.AuditFile = fileLog
		comp.Audit = security.NewComplianceAuditLogger(fileLog, security.WithDenialLogger(log))
		closers = append(closers, func() { fileLog.Close() })
		log.Info("audit logging enabled", "path", cfg.Audit.Path)
	}

	// 2. Payload encryption
	var encryptor domain.PayloadEncryptor
	if cfg.Privacy.EncryptPayload {
		enc, err := security.NewAESPayloadEncryptor(cfg.Privacy.PayloadKey)
		if err != nil {
			return fail(fmt.Errorf("payload encryption: %w", err))
		}
		encryptor = enc
		closers = append(closers, enc.Zeroize)
	}

	// 3. Event bus
	comp.Bus = eventbus.New(log)

	// 4. Lifecycle manager
	policy, err := policyFromConfig(cfg.Privacy)
	if err != nil {
		return fail(err)
	}
	comp.Manager, err = usecase.NewLifecycleManager(usecase.LifecycleDeps{
		Policy:         policy,
		LedgerCapacity: cfg.Privacy.LedgerCapacity,
		Encryptor:      encryptor,
		Bus:            comp.Bus,
		Audit:          comp.Audit,
		Logger:         log,
	})
	if err != nil {
		return fail(fmt.Errorf("lifecycle: %w", err))
	}

	// 5. Persistence
	if cfg.Storage.Enabled {
		st, err := store.NewSQLiteStore(cfg.Storage.Path)
		if err != nil {
			return fail(fmt.Errorf("storage: %w", err))
		}
		closers = append(closers, func() { st.Close() })
		comp.Snapshotter = usecase.NewSnapshotter(comp.Manager, st, comp.Audit, log)
		comp.Restored, err = comp.Snapshotter.Load(ctx)
		if err != nil {
			return fail(fmt.Errorf("restore state: %w", err))
		}
	}

	// Registered last so bus handlers drain before the store closes.
	closers = append(closers, comp.Bus.Close)
	return comp, cleanup, nil
}

func policyFromConfig(p config.PrivacyConfig) (domain.PrivacyPolicy, error) {
	mode, err := domain.ParseConsentMode(p.ConsentMode)
	if err != nil {
		return domain.PrivacyPolicy{}, err
	}
	return domain.PrivacyPolicy{
		ConsentMode:    mode,
		TTLHours:       p.TTLHours,
		ShowIndicators: p.ShowIndicators,
		AutoDelete:     p.AutoDelete,
	}, nil
}

func auditRetention(r config.RetentionConfig) (security.RetentionPolicy, error) {
	var policy security.RetentionPolicy
	if r.MaxAge != "" {
		d, err := time.ParseDuration(r.MaxAge)
		if err != nil {
			return policy, fmt.Errorf("audit.retention.max_age: %w", err)
		}
		policy.MaxAge = d
	}
	size, err := security.ParseRetentionMaxSize(r.MaxSize)
	if err != nil {
		return policy, fmt.Errorf("audit.retention.max_size: %w", err)
	}
	policy.MaxSize = size
	return policy, nil
}
