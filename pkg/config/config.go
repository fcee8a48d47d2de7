// Package config provides configuration loading for the triage service.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helpdeskops/triage/pkg/defaults"
)

// Config is the main configuration structure.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Agent          AgentConfig          `yaml:"agent"`
	Backend        BackendConfig        `yaml:"backend"`
	Storage        StorageConfig        `yaml:"storage"`
	Telemetry      *TelemetryConfig     `yaml:"telemetry,omitempty"`
	Pending        PendingConfig        `yaml:"pending"`
	Poll           PollConfig           `yaml:"poll"`
	Auth           AuthConfig           `yaml:"auth"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	SemanticSearch SemanticSearchConfig `yaml:"semantic_search"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// Transport is the MCP transport used by the `triage mcp` command.
	Transport string `yaml:"transport"`
}

// CredentialsConfig holds OAuth2 client-credentials settings used to obtain
// bearer tokens for outbound calls.
type CredentialsConfig struct {
	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Scope        string `yaml:"scope,omitempty"`
}

// AgentConfig holds the conversational agent connection settings.
type AgentConfig struct {
	// Endpoint is the base URL of the hosted agent service.
	Endpoint string `yaml:"endpoint"`
	// DiagnosticAgentID is the agent used by the diagnostic flow.
	DiagnosticAgentID string `yaml:"diagnostic_agent_id"`
	// TroubleshootingAgentID is the agent used by the troubleshooting flow.
	TroubleshootingAgentID string `yaml:"troubleshooting_agent_id"`
	// APIVersion is appended to agent requests as a query parameter.
	APIVersion string `yaml:"api_version"`
	// RunPollInterval is how often a submitted run's status is re-checked.
	RunPollInterval time.Duration `yaml:"run_poll_interval"`
	// RunTimeout bounds how long a single agent run may take.
	RunTimeout time.Duration `yaml:"run_timeout"`

	Credentials CredentialsConfig `yaml:"credentials"`
}

// BackendConfig selects and configures the script execution backend.
type BackendConfig struct {
	// Kind is the backend implementation: "rest", "docker" or "kubernetes".
	Kind string `yaml:"kind"`
	// TargetGroup is the worker group jobs are bound to.
	TargetGroup string `yaml:"target_group"`

	REST       *RESTBackendConfig      `yaml:"rest,omitempty"`
	Docker     DockerBackendConfig     `yaml:"docker"`
	Kubernetes KubernetesBackendConfig `yaml:"kubernetes"`
}

// RESTBackendConfig holds settings for the remote automation-account backend.
type RESTBackendConfig struct {
	// BaseURL is the automation account root, up to and including the
	// account segment.
	BaseURL string `yaml:"base_url"`
	// APIVersion is sent as the api-version query parameter.
	APIVersion string `yaml:"api_version"`
	// Location is the account region, required by runbook registration.
	Location string `yaml:"location,omitempty"`

	Credentials CredentialsConfig `yaml:"credentials"`
}

// DockerBackendConfig holds settings for the local container backend.
type DockerBackendConfig struct {
	Image       string `yaml:"image"`
	Shell       string `yaml:"shell"`
	MemoryLimit string `yaml:"memory_limit"`
	Network     string `yaml:"network,omitempty"`
}

// KubernetesBackendConfig holds settings for the kubernetes Jobs backend.
type KubernetesBackendConfig struct {
	Namespace      string `yaml:"namespace"`
	Image          string `yaml:"image"`
	Shell          string `yaml:"shell"`
	ServiceAccount string `yaml:"service_account,omitempty"`
	CPULimit       string `yaml:"cpu_limit"`
	MemoryLimit    string `yaml:"memory_limit"`
}

// StorageConfig holds audit-trail storage configuration.
type StorageConfig struct {
	// AuditDir is the local directory cloned scripts are written to.
	AuditDir string `yaml:"audit_dir"`
	// S3 optionally mirrors cloned scripts to an object store.
	S3 *S3Config `yaml:"s3,omitempty"`
}

// S3Config holds S3-compatible object store configuration.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// TelemetryConfig holds the ClickHouse event sink configuration. Telemetry is
// best-effort and never affects request flows.
type TelemetryConfig struct {
	Address  string `yaml:"address"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PendingConfig holds pending-confirmation store configuration.
type PendingConfig struct {
	// TTL is how long a proposed runbook awaits confirmation before expiring.
	TTL time.Duration `yaml:"ttl"`
}

// PollConfig holds job output polling configuration.
type PollConfig struct {
	// Interval is the delay between job status checks.
	Interval time.Duration `yaml:"interval"`
	// MaxWait bounds the total time spent waiting for a job to finish.
	MaxWait time.Duration `yaml:"max_wait"`
}

// AuthConfig holds inbound API authentication configuration.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`
	// JWKSURL is the URL JWT signing keys are fetched from.
	JWKSURL string `yaml:"jwks_url,omitempty"`
	// Issuer is the expected token issuer.
	Issuer string `yaml:"issuer,omitempty"`
	// Audience is the expected token audience (optional).
	Audience string `yaml:"audience,omitempty"`
	// AllowedGroups restricts access to tokens carrying one of these groups.
	AllowedGroups []string `yaml:"allowed_groups,omitempty"`
	// RefreshInterval is how often the JWKS cache is refreshed.
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	Logging        LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is the log format (text, json).
	Format string `yaml:"format"`
	// OutputPath is an optional file path for log output (default stdout).
	OutputPath string `yaml:"output_path,omitempty"`
}

// SemanticSearchConfig holds configuration for the optional semantic catalog
// fallback. Disabled unless a model path is set.
type SemanticSearchConfig struct {
	// ModelPath is the path to the GGUF embedding model file.
	ModelPath string `yaml:"model_path,omitempty"`

	// GPULayers is the number of layers to offload to GPU (0 = CPU only).
	GPULayers int `yaml:"gpu_layers,omitempty"`
}

// Enabled reports whether the semantic fallback should be constructed.
func (c *SemanticSearchConfig) Enabled() bool {
	return c.ModelPath != ""
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled bool `yaml:"enabled"`
	// Default limits applied to all routes.
	Default RateLimitRule `yaml:"default"`
	// PerRoute allows configuring different limits for specific routes.
	// Keys are route patterns (e.g. "/diagnostic/chat").
	PerRoute map[string]RateLimitRule `yaml:"per_route,omitempty"`
	// TrustedProxies is a list of IP addresses or CIDR ranges of trusted
	// reverse proxies, used to resolve client IPs from X-Forwarded-For.
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// RateLimitRule defines rate limit parameters for a route or the default.
type RateLimitRule struct {
	// RequestsPerSecond is the sustained rate limit (token bucket fill rate).
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// RequestsPerMinute is an alternative to RequestsPerSecond (converted).
	// If both are set, RequestsPerSecond takes precedence.
	RequestsPerMinute int `yaml:"requests_per_minute"`
	// BurstSize is the maximum burst size (bucket capacity).
	// Defaults to RequestsPerSecond if not set.
	BurstSize int `yaml:"burst_size"`
	// BlockDuration is how long to block after the limit is exceeded.
	// Defaults to 60 seconds.
	BlockDuration time.Duration `yaml:"block_duration"`
}

// GetRequestsPerSecond returns the effective requests per second rate.
func (r RateLimitRule) GetRequestsPerSecond() float64 {
	if r.RequestsPerSecond > 0 {
		return r.RequestsPerSecond
	}
	if r.RequestsPerMinute > 0 {
		return float64(r.RequestsPerMinute) / 60.0
	}
	return 1.0 // Default: 1 request per second
}

// GetBurstSize returns the effective burst size.
func (r RateLimitRule) GetBurstSize() int {
	if r.BurstSize > 0 {
		return r.BurstSize
	}
	// Default burst is the ceiling of requests per second
	burst := int(r.GetRequestsPerSecond())
	if burst < 1 {
		return 1
	}
	return burst
}

// GetBlockDuration returns the effective block duration.
func (r RateLimitRule) GetBlockDuration() time.Duration {
	if r.BlockDuration > 0 {
		return r.BlockDuration
	}
	return 60 * time.Second
}

// Load loads configuration from a YAML file with environment variable substitution.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
		if path == "" {
			path = "config.yaml"
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	// Substitute environment variables
	substituted, err := substituteEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("substituting env vars: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(substituted), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Apply defaults
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// envVarWithDefaultPattern matches ${VAR_NAME:-default} patterns.
var envVarWithDefaultPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variable values.
// Lines that are comments (starting with #) are skipped.
// Missing environment variables without defaults are replaced with empty strings (lenient mode).
func substituteEnvVars(content string) (string, error) {
	lines := strings.Split(content, "\n")

	for i, line := range lines {
		// Skip lines that are YAML comments.
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			continue
		}

		lines[i] = envVarWithDefaultPattern.ReplaceAllStringFunc(line, func(match string) string {
			parts := envVarWithDefaultPattern.FindStringSubmatch(match)
			varName := parts[1]
			defaultVal := ""
			if len(parts) > 2 {
				defaultVal = parts[2]
			}

			value := os.Getenv(varName)
			if value == "" {
				return defaultVal // Use default or empty string
			}

			return value
		})
	}

	return strings.Join(lines, "\n"), nil
}

// applyDefaults sets default values for configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}

	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8320
	}

	if cfg.Server.Transport == "" {
		cfg.Server.Transport = "stdio"
	}

	if cfg.Agent.APIVersion == "" {
		cfg.Agent.APIVersion = "v1"
	}

	if cfg.Agent.RunPollInterval == 0 {
		cfg.Agent.RunPollInterval = time.Second
	}

	if cfg.Agent.RunTimeout == 0 {
		cfg.Agent.RunTimeout = 2 * time.Minute
	}

	if cfg.Backend.Kind == "" {
		cfg.Backend.Kind = "rest"
	}

	if cfg.Backend.TargetGroup == "" {
		cfg.Backend.TargetGroup = defaults.TargetGroup
	}

	if cfg.Backend.REST != nil && cfg.Backend.REST.APIVersion == "" {
		cfg.Backend.REST.APIVersion = "2023-11-01"
	}

	// Docker backend defaults.
	if cfg.Backend.Docker.Image == "" {
		cfg.Backend.Docker.Image = defaults.RunbookImage
	}

	if cfg.Backend.Docker.Shell == "" {
		cfg.Backend.Docker.Shell = "pwsh"
	}

	if cfg.Backend.Docker.MemoryLimit == "" {
		cfg.Backend.Docker.MemoryLimit = "512m"
	}

	// Kubernetes backend defaults.
	if cfg.Backend.Kubernetes.Namespace == "" {
		cfg.Backend.Kubernetes.Namespace = "default"
	}

	if cfg.Backend.Kubernetes.Image == "" {
		cfg.Backend.Kubernetes.Image = defaults.RunbookImage
	}

	if cfg.Backend.Kubernetes.Shell == "" {
		cfg.Backend.Kubernetes.Shell = "pwsh"
	}

	if cfg.Backend.Kubernetes.CPULimit == "" {
		cfg.Backend.Kubernetes.CPULimit = "500m"
	}

	if cfg.Backend.Kubernetes.MemoryLimit == "" {
		cfg.Backend.Kubernetes.MemoryLimit = "256Mi"
	}

	if cfg.Storage.AuditDir == "" {
		cfg.Storage.AuditDir = "generated_runbooks"
	}

	if cfg.Telemetry != nil {
		if cfg.Telemetry.Database == "" {
			cfg.Telemetry.Database = "triage"
		}

		if cfg.Telemetry.Table == "" {
			cfg.Telemetry.Table = "events"
		}
	}

	if cfg.Pending.TTL == 0 {
		cfg.Pending.TTL = 300 * time.Second
	}

	if cfg.Poll.Interval == 0 {
		cfg.Poll.Interval = 5 * time.Second
	}

	if cfg.Poll.MaxWait == 0 {
		cfg.Poll.MaxWait = 30 * time.Minute
	}

	if cfg.Auth.RefreshInterval == 0 {
		cfg.Auth.RefreshInterval = time.Hour
	}

	if cfg.Observability.Logging.Level == "" {
		cfg.Observability.Logging.Level = "info"
	}

	if cfg.Observability.Logging.Format == "" {
		cfg.Observability.Logging.Format = "text"
	}

	// Rate limit defaults.
	if cfg.RateLimit.Default.RequestsPerSecond == 0 && cfg.RateLimit.Default.RequestsPerMinute == 0 {
		cfg.RateLimit.Default.RequestsPerSecond = 10 // Default: 10 req/s
	}
	if cfg.RateLimit.Default.BurstSize == 0 {
		cfg.RateLimit.Default.BurstSize = 20 // Default: burst of 20
	}
}

// MinPollInterval is the lowest allowed job status polling interval.
const MinPollInterval = time.Second

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case "rest":
		if c.Backend.REST == nil || c.Backend.REST.BaseURL == "" {
			return errors.New("backend.rest.base_url is required when backend.kind is rest")
		}
	case "docker", "kubernetes":
		// Local backends need no remote coordinates.
	default:
		return fmt.Errorf("backend.kind must be one of rest, docker, kubernetes (got %q)", c.Backend.Kind)
	}

	if c.Poll.Interval < MinPollInterval {
		return fmt.Errorf("poll.interval cannot be below %s", MinPollInterval)
	}

	if c.Poll.MaxWait > 0 && c.Poll.MaxWait < c.Poll.Interval {
		return errors.New("poll.max_wait cannot be below poll.interval")
	}

	if c.Pending.TTL <= 0 {
		return errors.New("pending.ttl must be positive")
	}

	if c.Auth.Enabled && c.Auth.JWKSURL == "" {
		return errors.New("auth.jwks_url is required when auth is enabled")
	}

	return nil
}
