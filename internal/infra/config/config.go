// Package config loads guardian's YAML configuration.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Privacy  PrivacyConfig  `yaml:"privacy"`
	Storage  StorageConfig  `yaml:"storage"`
	Audit    AuditConfig    `yaml:"audit"`
	Guidance GuidanceConfig `yaml:"guidance"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Includes []string       `yaml:"includes,omitempty"`
}

// PrivacyConfig seeds the initial privacy policy and the sweep job.
type PrivacyConfig struct {
	ConsentMode    string `yaml:"consent_mode"` // one-party | all-party
	TTLHours       int    `yaml:"ttl_hours"`
	ShowIndicators bool   `yaml:"show_indicators"`
	AutoDelete     bool   `yaml:"auto_delete"`
	LedgerCapacity int    `yaml:"ledger_capacity"`
	SweepSchedule  string `yaml:"sweep_schedule"` // cron expression or duration

	// EncryptPayload seals buffered capture payloads with PayloadKey.
	// PayloadKey may be an enc: value; GUARDIAN_PAYLOAD_KEY overrides it.
	EncryptPayload bool   `yaml:"encrypt_payload"`
	PayloadKey     string `yaml:"payload_key,omitempty"`
}

// StorageConfig holds snapshot persistence settings.
type StorageConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Path             string `yaml:"path"`
	SnapshotSchedule string `yaml:"snapshot_schedule"`
}

// AuditConfig holds audit logging settings.
type AuditConfig struct {
	Enabled           bool            `yaml:"enabled"`
	Path              string          `yaml:"path"`
	Retention         RetentionConfig `yaml:"retention"`
	RetentionSchedule string          `yaml:"retention_schedule"`
}

// RetentionConfig holds audit log retention policy settings.
type RetentionConfig struct {
	MaxAge  string `yaml:"max_age"`  // duration string, e.g. "720h"
	MaxSize string `yaml:"max_size"` // e.g. "50MB" or "64MiB"
}

// GuidanceConfig selects and tunes the guidance backend.
type GuidanceConfig struct {
	Backend        string               `yaml:"backend"` // keyword | http
	URL            string               `yaml:"url,omitempty"`
	APIKey         string               `yaml:"api_key,omitempty"`
	SimulatedDelay time.Duration        `yaml:"simulated_delay"`
	Timeout        time.Duration        `yaml:"timeout"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker in front of the guidance backend.
type CircuitBreakerConfig struct {
	MaxFailures  uint32        `yaml:"max_failures"`
	Timeout      time.Duration `yaml:"timeout"`
	Interval     time.Duration `yaml:"interval"`
	FailureRatio float64       `yaml:"failure_ratio"`
	MinRequests  uint32        `yaml:"min_requests"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled      bool            `yaml:"enabled"`
	Addr         string          `yaml:"addr"`
	LoopbackOnly bool            `yaml:"loopback_only"`
	Auth         AuthConfig      `yaml:"auth"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig limits REST requests per client.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // noop, stdout or file
	Output      string  `yaml:"output"`   // span file for the file exporter
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns $HOME/.guardian, or ./data without a home directory.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".guardian")
}

// Defaults returns a Config with the documented defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Privacy: PrivacyConfig{
			ConsentMode:    "one-party",
			TTLHours:       24,
			ShowIndicators: true,
			AutoDelete:     true,
			LedgerCapacity: 50,
			SweepSchedule:  "5m",
		},
		Storage: StorageConfig{
			Enabled:          true,
			Path:             filepath.Join(dataDir, "guardian.db"),
			SnapshotSchedule: "1m",
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dataDir, "audit.jsonl"),
			Retention: RetentionConfig{
				MaxAge:  "720h",
				MaxSize: "50MB",
			},
			RetentionSchedule: "@daily",
		},
		Guidance: GuidanceConfig{
			Backend:        "keyword",
			SimulatedDelay: 1500 * time.Millisecond,
			Timeout:        10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			Enabled:      true,
			Addr:         "127.0.0.1:8765",
			LoopbackOnly: true,
			RateLimit: RateLimitConfig{
				RequestsPerMin: 600,
				Burst:          60,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

const maxIncludeDepth = 10

// Load reads a YAML config file, applies includes and env var overrides,
// decrypts secrets and validates. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if _, err := os.Stat(absPath); err == nil {
		if err := loadFile(cfg, absPath, map[string]bool{}, 0); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("GUARDIAN_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays path onto cfg. Included files are applied first so the
// including file takes precedence.
func loadFile(cfg *Config, path string, visited map[string]bool, depth int) error {
	if depth > maxIncludeDepth {
		return fmt.Errorf("config includes: max depth %d exceeded", maxIncludeDepth)
	}
	if visited[path] {
		return fmt.Errorf("config includes: circular include of %q", path)
	}
	visited[path] = true

	if err := validatePermissions(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %q: %w", path, err)
	}

	var head struct {
		Includes []string `yaml:"includes"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	baseDir := filepath.Dir(path)
	for _, inc := range head.Includes {
		incPath, err := resolveInclude(baseDir, inc)
		if err != nil {
			return err
		}
		if err := loadFile(cfg, incPath, visited, depth+1); err != nil {
			return err
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	cfg.Includes = nil
	return nil
}

// resolveInclude resolves a relative include against baseDir and refuses
// paths that climb out of it.
func resolveInclude(baseDir, include string) (string, error) {
	p := include
	if !filepath.IsAbs(p) {
		p = filepath.Join(baseDir, p)
	}
	p = filepath.Clean(p)
	if rel, err := filepath.Rel(baseDir, p); err == nil && strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("config includes: path %q escapes config directory", include)
	}
	return p, nil
}

// ApplyEnvOverrides maps GUARDIAN_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GUARDIAN_CONSENT_MODE"); v != "" {
		cfg.Privacy.ConsentMode = v
	}
	if v := os.Getenv("GUARDIAN_TTL_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Privacy.TTLHours = n
		}
	}
	if v := os.Getenv("GUARDIAN_AUTO_DELETE"); v != "" {
		cfg.Privacy.AutoDelete = v == "true"
	}
	if v := os.Getenv("GUARDIAN_PAYLOAD_KEY"); v != "" {
		cfg.Privacy.PayloadKey = v
		cfg.Privacy.EncryptPayload = true
	}
	if v := os.Getenv("GUARDIAN_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("GUARDIAN_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("GUARDIAN_GUIDANCE_BACKEND"); v != "" {
		cfg.Guidance.Backend = v
	}
	if v := os.Getenv("GUARDIAN_GUIDANCE_URL"); v != "" {
		cfg.Guidance.URL = v
	}
	if v := os.Getenv("GUARDIAN_GUIDANCE_API_KEY"); v != "" {
		cfg.Guidance.APIKey = v
	}
	if v := os.Getenv("GUARDIAN_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("GUARDIAN_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Type = "static"
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}
	if v := os.Getenv("GUARDIAN_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("GUARDIAN_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("GUARDIAN_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("GUARDIAN_TRACER_OUTPUT"); v != "" {
		cfg.Tracer.Output = v
	}
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	fields := map[string]*string{
		"privacy.payload_key": &cfg.Privacy.PayloadKey,
		"guidance.api_key":    &cfg.Guidance.APIKey,
	}
	for i := range cfg.Gateway.Auth.Tokens {
		fields["gateway.auth.tokens."+cfg.Gateway.Auth.Tokens[i].Name] = &cfg.Gateway.Auth.Tokens[i].Token
	}
	for name, fp := range fields {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		plain, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = plain
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// hex(salt) ":" hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
