package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// listing every problem found.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validatePrivacy(cfg, ve)
	validateStorage(cfg, ve)
	validateAudit(cfg, ve)
	validateGuidance(cfg, ve)
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validConsentModes = map[string]bool{
	"one-party": true, "OneParty": true, "one_party": true,
	"all-party": true, "AllParty": true, "all_party": true,
}

func validatePrivacy(cfg *Config, ve *ValidationError) {
	p := cfg.Privacy
	if !validConsentModes[p.ConsentMode] {
		ve.Add("privacy.consent_mode %q is invalid (want: one-party, all-party)", p.ConsentMode)
	}
	if p.TTLHours < 1 || p.TTLHours > 24 {
		ve.Add("privacy.ttl_hours must be between 1 and 24, got %d", p.TTLHours)
	}
	if p.LedgerCapacity < 1 || p.LedgerCapacity > 10000 {
		ve.Add("privacy.ledger_capacity must be between 1 and 10000, got %d", p.LedgerCapacity)
	}
	validateSchedule("privacy.sweep_schedule", p.SweepSchedule, ve)
	if p.EncryptPayload && p.PayloadKey == "" {
		ve.Add("privacy.payload_key is required when encrypt_payload is set (or set GUARDIAN_PAYLOAD_KEY)")
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	if !cfg.Storage.Enabled {
		return
	}
	if cfg.Storage.Path == "" {
		ve.Add("storage.path is required when storage is enabled")
	}
	validateSchedule("storage.snapshot_schedule", cfg.Storage.SnapshotSchedule, ve)
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if !cfg.Audit.Enabled {
		return
	}
	if cfg.Audit.Path == "" {
		ve.Add("audit.path is required when audit is enabled")
	}
	if age := cfg.Audit.Retention.MaxAge; age != "" {
		if d, err := time.ParseDuration(age); err != nil || d <= 0 {
			ve.Add("audit.retention.max_age %q is not a positive duration", age)
		}
	}
	if size := cfg.Audit.Retention.MaxSize; size != "" {
		if _, err := humanize.ParseBytes(size); err != nil {
			ve.Add("audit.retention.max_size %q is not a size", size)
		}
	}
	if cfg.Audit.Retention.MaxAge != "" || cfg.Audit.Retention.MaxSize != "" {
		validateSchedule("audit.retention_schedule", cfg.Audit.RetentionSchedule, ve)
	}
}

func validateGuidance(cfg *Config, ve *ValidationError) {
	g := cfg.Guidance
	switch g.Backend {
	case "keyword":
	case "http":
		u, err := url.Parse(g.URL)
		if g.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("guidance.url %q must be an http(s) URL when backend is http", g.URL)
		}
	default:
		ve.Add("guidance.backend %q is invalid (want: keyword, http)", g.Backend)
	}
	if r := g.CircuitBreaker.FailureRatio; r < 0 || r > 1 {
		ve.Add("guidance.circuit_breaker.failure_ratio %g outside [0, 1]", r)
	}
	if g.SimulatedDelay < 0 {
		ve.Add("guidance.simulated_delay must be >= 0")
	}
	if g.Timeout <= 0 {
		ve.Add("guidance.timeout must be > 0")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if cfg.Gateway.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", cfg.Gateway.Addr)
	}
	switch cfg.Gateway.Auth.Type {
	case "":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty when auth type is static")
		}
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
			}
		}
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static or empty)", cfg.Gateway.Auth.Type)
	}
	if rl := cfg.Gateway.RateLimit; rl.RequestsPerMin < 0 || rl.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
}

var validLogLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	t := cfg.Tracer
	if !t.Enabled {
		return
	}
	switch t.Exporter {
	case "", "noop", "stdout":
	case "file":
		if t.Output == "" {
			ve.Add("tracer.output is required for the file exporter")
		}
	default:
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, file)", t.Exporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio %g outside [0, 1]", t.SampleRatio)
	}
}

// validateSchedule accepts the same forms as the scheduler: a five-field cron
// expression, a descriptor such as @hourly, or a positive duration.
func validateSchedule(field, schedule string, ve *ValidationError) {
	if schedule == "" {
		ve.Add("%s is required", field)
		return
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err == nil {
		return
	}
	if d, err := time.ParseDuration(schedule); err != nil || d <= 0 {
		ve.Add("%s %q is not a cron expression or positive duration", field, schedule)
	}
}
