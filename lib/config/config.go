// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Outpost components.
//
// Configuration is assembled from three layers, lowest precedence first:
// built-in defaults, OUTPOST_* environment variables, and a YAML file
// (path from the OUTPOST_CONFIG environment variable or the --config
// flag). The environment fills gaps the file leaves; where both are set,
// the file wins. The one exception is the HMAC signing key, which never
// appears in the file itself: the file names a shared_key_file, and
// OUTPOST_HMAC_SHARED_KEY covers file-less deployments.
//
// A missing config file path is not an error — environment-only
// deployments are supported. A configured path that cannot be read is.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/outpost-sec/outpost/lib/integrity"
	"github.com/outpost-sec/outpost/lib/secret"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "OUTPOST_CONFIG"

// EnvSharedKey names the environment variable holding the HMAC signing key.
// It is read by LoadSharedKey, never stored in Config.
const EnvSharedKey = "OUTPOST_HMAC_SHARED_KEY"

// Config is the master configuration for an Outpost endpoint agent.
// It is loaded once at process start, validated, and passed into component
// constructors. Nothing mutates it afterwards.
type Config struct {
	// TenantID identifies the control-plane tenant this asset reports to.
	TenantID string `yaml:"tenant_id"`

	// AssetID identifies this machine within the tenant.
	// Defaults to the hostname when not set anywhere.
	AssetID string `yaml:"asset_id"`

	// IdentityID is the enrolled agent identity used in signed requests.
	IdentityID string `yaml:"identity_id"`

	// TrustState is reported in heartbeats. Default: bootstrap.
	TrustState string `yaml:"trust_state"`

	// Hostname is reported in heartbeats. Defaults to os.Hostname.
	Hostname string `yaml:"hostname"`

	Transport TransportConfig `yaml:"transport"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Watchdog  WatchdogConfig  `yaml:"watchdog"`
	Patch     PatchConfig     `yaml:"patch"`
	Execution ExecutionConfig `yaml:"execution"`
	Defence   DefenceConfig   `yaml:"defence"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Uplink    UplinkConfig    `yaml:"uplink"`
	Channel   ChannelConfig   `yaml:"channel"`
	Paths     PathsConfig     `yaml:"paths"`
	Integrity IntegrityConfig `yaml:"integrity"`
}

// TransportConfig configures the HTTPS edge to the control plane.
type TransportConfig struct {
	// URL is the control-plane base URL, e.g. https://control.example.com.
	// Required; its absence is startup-fatal.
	URL string `yaml:"url"`

	// CertFingerprint is the SHA-256 fingerprint of the client certificate,
	// reported in the X-Client-Cert-Sha256 header.
	CertFingerprint string `yaml:"cert_fingerprint"`

	// APIKey is sent as X-Api-Key when non-empty.
	APIKey string `yaml:"api_key"`

	// SharedKeyFile is the path to the HMAC signing key. The key itself is
	// never placed in the config file; see LoadSharedKey.
	SharedKeyFile string `yaml:"shared_key_file"`
}

// HeartbeatConfig bounds the heartbeat send loop.
type HeartbeatConfig struct {
	// IntervalSeconds is the base send interval. Default: 45.
	IntervalSeconds int `yaml:"interval_seconds"`

	// MaxIntervalSeconds caps the backoff after consecutive failures.
	// Default: 300.
	MaxIntervalSeconds int `yaml:"max_interval_seconds"`
}

// Interval returns the base heartbeat interval.
func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// MaxInterval returns the backoff cap.
func (h HeartbeatConfig) MaxInterval() time.Duration {
	return time.Duration(h.MaxIntervalSeconds) * time.Second
}

// WatchdogConfig configures the heartbeat liveness monitor.
type WatchdogConfig struct {
	// TimeoutSeconds is the silence threshold before an alarm is raised.
	// Default: 120.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the watchdog silence threshold.
func (w WatchdogConfig) Timeout() time.Duration {
	return time.Duration(w.TimeoutSeconds) * time.Second
}

// PatchConfig configures patch-job polling and execution bookkeeping.
type PatchConfig struct {
	// PollIntervalSeconds is the patch-job poll cadence. Default: 60.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`

	// SkewToleranceSeconds bounds |now - issued_at| for inbound commands.
	// Default: 300.
	SkewToleranceSeconds int `yaml:"skew_tolerance_seconds"`

	// LedgerPath is the SQLite file recording completed jobs so that
	// re-delivered commands are re-reported, not re-executed.
	// Default: ${OUTPOST_STATE}/jobs.db.
	LedgerPath string `yaml:"ledger_path"`

	// RetentionDays is how long completed-job records are kept. Default: 14.
	RetentionDays int `yaml:"retention_days"`

	// RebootExitCode is the runner exit code meaning "installed, reboot
	// required". Default: 10.
	RebootExitCode int `yaml:"reboot_exit_code"`
}

// PollInterval returns the patch-job poll cadence.
func (p PatchConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// SkewTolerance returns the accepted |now - issued_at| window.
func (p PatchConfig) SkewTolerance() time.Duration {
	return time.Duration(p.SkewToleranceSeconds) * time.Second
}

// Retention returns the ledger retention period.
func (p PatchConfig) Retention() time.Duration {
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// ExecutionConfig configures the patch execution service.
type ExecutionConfig struct {
	// Runner is the command executed per patch, given the patch id as its
	// argument. Empty selects the built-in runner, which records the patch
	// as applied without touching the system.
	Runner string `yaml:"runner"`

	// TimeoutSeconds caps a single patch installation. Default: 3600.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Timeout returns the per-patch execution cap.
func (e ExecutionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// DefenceConfig is the active-defence policy as configured. A policy file,
// when named, overlays this block at engine construction.
type DefenceConfig struct {
	// PolicyID labels findings and evidence. Default: default-policy.
	PolicyID string `yaml:"policy_id"`

	// Mode is "observe" or "enforce". Default: observe.
	Mode string `yaml:"mode"`

	// MinConfidence is the decision threshold in [0,1]. Default: 0.7.
	MinConfidence float64 `yaml:"min_confidence"`

	// RateLimitCount caps enforcement actions per window. Default: 5.
	// Zero or negative disables the limiter.
	RateLimitCount int `yaml:"rate_limit_count"`

	// RateLimitWindowSeconds is the sliding-window width. Default: 300.
	RateLimitWindowSeconds int `yaml:"rate_limit_window_seconds"`

	// The allow flags gate each response class independently. All
	// default to false; a fresh deployment can never act destructively.
	AllowKillProcess      bool `yaml:"allow_kill_process"`
	AllowQuarantineFile   bool `yaml:"allow_quarantine_file"`
	AllowBlockNetwork     bool `yaml:"allow_block_network"`
	AllowPreventExecution bool `yaml:"allow_prevent_execution"`

	// PolicyFile is an optional JSONC policy document overriding this block.
	PolicyFile string `yaml:"policy_file"`
}

// RateWindow returns the sliding-window width for the rate limiter.
func (d DefenceConfig) RateWindow() time.Duration {
	return time.Duration(d.RateLimitWindowSeconds) * time.Second
}

// EvidenceConfig configures evidence capture and packaging.
type EvidenceConfig struct {
	// Dir is where evidence packages are assembled.
	// Default: ${OUTPOST_STATE}/evidence.
	Dir string `yaml:"dir"`

	// SealRecipient is an age recipient; when set, package archives are
	// encrypted to it before upload. Empty disables sealing.
	SealRecipient string `yaml:"seal_recipient"`
}

// UplinkConfig configures the durable outbound spool.
type UplinkConfig struct {
	// QueueDir is the spool directory. Default: ${OUTPOST_STATE}/uplink.
	QueueDir string `yaml:"queue_dir"`

	// MaxItemsPerCycle bounds one shipper drain pass. Default: 64.
	MaxItemsPerCycle int `yaml:"max_items_per_cycle"`
}

// ChannelConfig names the local channels the core daemon serves.
type ChannelConfig struct {
	// Sensor is the channel the sensor service connects to.
	// Default: outpost-sensor.
	Sensor string `yaml:"sensor"`

	// Execution is the channel the execution service connects to.
	// Default: outpost-execution.
	Execution string `yaml:"execution"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// State is the base directory for durable agent state.
	// Default: /var/lib/outpost.
	State string `yaml:"state"`

	// Runtime holds channel sockets. Default: /run/outpost.
	Runtime string `yaml:"runtime"`
}

// IntegrityConfig configures the startup binary self-check.
type IntegrityConfig struct {
	// ExpectedBinaryHash is the SHA-256 hex digest the running executable
	// must match. Empty disables the check.
	ExpectedBinaryHash string `yaml:"expected_binary_hash"`
}

// Default returns the built-in configuration. Identifiers and the
// transport URL have no defaults; Validate rejects their absence.
func Default() *Config {
	hostname, _ := os.Hostname()

	return &Config{
		// Fleet convention: an asset with no explicit id enrolls under
		// its hostname.
		AssetID:    hostname,
		TrustState: "bootstrap",
		Hostname:   hostname,
		Heartbeat: HeartbeatConfig{
			IntervalSeconds:    45,
			MaxIntervalSeconds: 300,
		},
		Watchdog: WatchdogConfig{
			TimeoutSeconds: 120,
		},
		Patch: PatchConfig{
			PollIntervalSeconds:  60,
			SkewToleranceSeconds: 300,
			LedgerPath:           "${OUTPOST_STATE}/jobs.db",
			RetentionDays:        14,
			RebootExitCode:       10,
		},
		Execution: ExecutionConfig{
			TimeoutSeconds: 3600,
		},
		Defence: DefenceConfig{
			PolicyID:               "default-policy",
			Mode:                   "observe",
			MinConfidence:          0.7,
			RateLimitCount:         5,
			RateLimitWindowSeconds: 300,
		},
		Evidence: EvidenceConfig{
			Dir: "${OUTPOST_STATE}/evidence",
		},
		Uplink: UplinkConfig{
			QueueDir:         "${OUTPOST_STATE}/uplink",
			MaxItemsPerCycle: 64,
		},
		Channel: ChannelConfig{
			Sensor:    "outpost-sensor",
			Execution: "outpost-execution",
		},
		Paths: PathsConfig{
			State:   "/var/lib/outpost",
			Runtime: "/run/outpost",
		},
	}
}

// Load assembles configuration from defaults, the environment, and the
// file named by OUTPOST_CONFIG when set.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(EnvConfigPath))
}

// LoadFile assembles configuration from defaults, the environment, and
// the given file. An empty path loads without a file; a non-empty path
// that cannot be read is an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	cfg.applyEnvironment()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	cfg.expandVariables()
	return cfg, nil
}

// OS reports the platform string used in heartbeats.
func (c *Config) OS() string {
	return runtime.GOOS
}

// LoadSharedKey reads the HMAC signing key into a locked buffer. The
// configured shared_key_file takes precedence; OUTPOST_HMAC_SHARED_KEY
// covers file-less deployments. The caller owns the buffer.
func (c *Config) LoadSharedKey() (*secret.Buffer, error) {
	if c.Transport.SharedKeyFile != "" {
		key, err := secret.ReadFromPath(c.Transport.SharedKeyFile)
		if err != nil {
			return nil, fmt.Errorf("reading shared key %s: %w", c.Transport.SharedKeyFile, err)
		}
		return key, nil
	}

	key, err := secret.FromEnv(EnvSharedKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("shared signing key missing: set transport.shared_key_file or %s", EnvSharedKey)
	}
	return key, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
// ${OUTPOST_STATE} and ${OUTPOST_RUNTIME} resolve to the configured state
// and runtime directories, so derived defaults follow a relocated root.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Runtime = expandVars(c.Paths.Runtime, vars)
	vars["OUTPOST_STATE"] = c.Paths.State
	vars["OUTPOST_RUNTIME"] = c.Paths.Runtime

	c.Patch.LedgerPath = expandVars(c.Patch.LedgerPath, vars)
	c.Evidence.Dir = expandVars(c.Evidence.Dir, vars)
	c.Uplink.QueueDir = expandVars(c.Uplink.QueueDir, vars)
	c.Transport.SharedKeyFile = expandVars(c.Transport.SharedKeyFile, vars)
	c.Defence.PolicyFile = expandVars(c.Defence.PolicyFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors. Identifier and transport
// failures here are startup-fatal for every Outpost daemon.
func (c *Config) Validate() error {
	var errs []error

	if c.TenantID == "" {
		errs = append(errs, fmt.Errorf("tenant_id is required"))
	}
	if c.AssetID == "" {
		errs = append(errs, fmt.Errorf("asset_id is required and hostname detection failed"))
	}
	if c.IdentityID == "" {
		errs = append(errs, fmt.Errorf("identity_id is required"))
	}

	if c.Transport.URL == "" {
		errs = append(errs, fmt.Errorf("transport.url is required"))
	} else if u, err := url.Parse(c.Transport.URL); err != nil {
		errs = append(errs, fmt.Errorf("transport.url: %w", err))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Errorf("transport.url must be http or https, got %q", c.Transport.URL))
	}

	if c.Heartbeat.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat.interval_seconds must be positive"))
	}
	if c.Heartbeat.MaxIntervalSeconds < c.Heartbeat.IntervalSeconds {
		errs = append(errs, fmt.Errorf("heartbeat.max_interval_seconds must be >= interval_seconds"))
	}
	if c.Watchdog.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("watchdog.timeout_seconds must be positive"))
	}

	if c.Patch.PollIntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("patch.poll_interval_seconds must be positive"))
	}
	if c.Patch.SkewToleranceSeconds < 0 {
		errs = append(errs, fmt.Errorf("patch.skew_tolerance_seconds must not be negative"))
	}
	if c.Patch.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("patch.retention_days must be positive"))
	}

	switch c.Defence.Mode {
	case "observe", "enforce":
	default:
		errs = append(errs, fmt.Errorf("defence.mode must be observe or enforce, got %q", c.Defence.Mode))
	}
	if c.Defence.MinConfidence < 0 || c.Defence.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("defence.min_confidence must be in [0,1], got %v", c.Defence.MinConfidence))
	}

	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}
	if c.Paths.Runtime == "" {
		errs = append(errs, fmt.Errorf("paths.runtime is required"))
	}

	if c.Integrity.ExpectedBinaryHash != "" {
		if _, err := integrity.ParseDigest(c.Integrity.ExpectedBinaryHash); err != nil {
			errs = append(errs, fmt.Errorf("integrity.expected_binary_hash: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates the state directories. Agent state holds captured
// artifacts and queued reports, so everything is private to the daemon.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.State,
		c.Evidence.Dir,
		c.Uplink.QueueDir,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
