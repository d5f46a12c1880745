// Package config loads the two configuration layers described in spec.md §6:
// process-environment runtime settings (read the same way the teacher's
// internal/config does, via small envOrDefault helpers) and the JSON repo
// policy file that is the system's actual authorization surface.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ForcePushMode is the force_push policy knob.
type ForcePushMode string

const (
	ForcePushDeny  ForcePushMode = "deny"
	ForcePushAllow ForcePushMode = "allow"
)

// RepoPolicy is the per-repo policy document of spec.md §3.
type RepoPolicy struct {
	Upstream        string        `json:"upstream"`
	ProtectedPaths  []string      `json:"protected_paths"`
	AllowedBranches []string      `json:"allowed_branches"`
	BlockedBranches []string      `json:"blocked_branches"`
	ForcePush       ForcePushMode `json:"force_push"`
	BaseBranch      string        `json:"base_branch"`
}

// fileConfig is the on-disk shape of GIT_PROXY_CONFIG.
type fileConfig struct {
	SSHKeyPath     string                `json:"ssh_key_path"`
	SSHKeySSMParam string                `json:"ssh_key_ssm_param"`
	Repos          map[string]RepoPolicy `json:"repos"`
}

// Config is the fully resolved runtime configuration: process-environment
// settings plus the validated JSON policy document.
type Config struct {
	ConfigPath  string
	ReposDir    string
	HTTPPort    int
	LogLevel    string
	HealthPath  string
	MetricsPath string

	SSHKeyPath     string
	SSHKeySSMParam string

	Repos map[string]RepoPolicy

	// Optional AWS self-registration of this gate instance, carried from
	// the teacher's deployment stack (internal/cloudmap, internal/route53).
	AWSCloudMapServiceID string
	Route53HostedZoneID  string
	Route53RecordName    string
}

// Load reads runtime settings from the process environment and the policy
// document from the path named by GIT_PROXY_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		ConfigPath:            envOrDefault("GIT_PROXY_CONFIG", "/etc/git-proxy/config.json"),
		ReposDir:              envOrDefault("REPOS_DIR", "/var/lib/git-proxy/repos"),
		LogLevel:              envOrDefault("LOG_LEVEL", "info"),
		HealthPath:            envOrDefault("HEALTH_PATH", "/healthz"),
		MetricsPath:           envOrDefault("METRICS_PATH", "/metrics"),
		AWSCloudMapServiceID:  envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", ""),
		Route53HostedZoneID:   envOrDefault("ROUTE53_HOSTED_ZONE_ID", ""),
		Route53RecordName:     envOrDefault("ROUTE53_RECORD_NAME", ""),
	}
	port, err := envOrDefaultInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("HTTP_PORT out of range: %d", port)
	}
	cfg.HTTPPort = port
	cfg.SSHKeyPath = envOrDefault("GIT_SSH_KEY_PATH", "")

	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	fc, err := loadFile(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.Repos = fc.Repos
	if cfg.SSHKeyPath == "" {
		cfg.SSHKeyPath = fc.SSHKeyPath
	}
	cfg.SSHKeySSMParam = envOrDefault("GIT_SSH_KEY_SSM_PARAM", fc.SSHKeySSMParam)

	return cfg, nil
}

// LoadFrom is Load with an explicit config path override, used by tests.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		ConfigPath:  path,
		ReposDir:    envOrDefault("REPOS_DIR", "/var/lib/git-proxy/repos"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		HealthPath:  envOrDefault("HEALTH_PATH", "/healthz"),
		MetricsPath: envOrDefault("METRICS_PATH", "/metrics"),
	}
	cfg.AWSCloudMapServiceID = envOrDefault("AWS_CLOUD_MAP_SERVICE_ID", "")
	cfg.Route53HostedZoneID = envOrDefault("ROUTE53_HOSTED_ZONE_ID", "")
	cfg.Route53RecordName = envOrDefault("ROUTE53_RECORD_NAME", "")
	port, err := envOrDefaultInt("HTTP_PORT", 8080)
	if err != nil {
		return nil, err
	}
	if port < 1 || port > 65535 {
		return nil, fmt.Errorf("HTTP_PORT out of range: %d", port)
	}
	cfg.HTTPPort = port
	cfg.SSHKeyPath = envOrDefault("GIT_SSH_KEY_PATH", "")
	if err := validateLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	fc, err := loadFile(path)
	if err != nil {
		return nil, err
	}
	cfg.Repos = fc.Repos
	if cfg.SSHKeyPath == "" {
		cfg.SSHKeyPath = fc.SSHKeyPath
	}
	cfg.SSHKeySSMParam = envOrDefault("GIT_SSH_KEY_SSM_PARAM", fc.SSHKeySSMParam)
	return cfg, nil
}

func loadFile(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(fc.Repos) == 0 {
		return nil, errors.New("config has no repos defined")
	}
	for name, policy := range fc.Repos {
		if err := validatePolicy(name, policy); err != nil {
			return nil, err
		}
		if policy.ForcePush == "" {
			policy.ForcePush = ForcePushDeny
		}
		if policy.BaseBranch == "" {
			policy.BaseBranch = "main"
		}
		fc.Repos[name] = policy
	}
	return &fc, nil
}

func validatePolicy(name string, p RepoPolicy) error {
	if strings.TrimSpace(p.Upstream) == "" {
		return fmt.Errorf("repo %q: upstream is required", name)
	}
	hasAllowed := len(p.AllowedBranches) > 0
	hasBlocked := len(p.BlockedBranches) > 0
	if hasAllowed == hasBlocked {
		if hasAllowed {
			return fmt.Errorf("repo %q: exactly one of allowed_branches/blocked_branches may be set, both given", name)
		}
		return fmt.Errorf("repo %q: exactly one of allowed_branches/blocked_branches must be set, neither given", name)
	}
	switch p.ForcePush {
	case "", ForcePushDeny, ForcePushAllow:
	default:
		return fmt.Errorf("repo %q: invalid force_push %q", name, p.ForcePush)
	}
	return nil
}

func validateLogLevel(level string) error {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("unknown log level: %s", level)
	}
}

func envOrDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}
