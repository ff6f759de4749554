// Package config handles substrate service configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order for service,
// matching §6's "CLI flag, env <SERVICE>_CONFIG, ./config.yaml" order
// once FindConfig has already resolved the flag and env var: an
// explicit path is checked first, then ./config.yaml,
// ~/.config/alicia/<service>.yaml, /config/config.yaml (container
// convention), /etc/alicia/<service>.yaml.
func DefaultSearchPaths(service string) []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "alicia", service+".yaml"))
	}

	paths = append(paths, "/config/config.yaml")
	paths = append(paths, filepath.Join("/etc/alicia", service+".yaml"))
	return paths
}

// FindConfig locates a config file for service. explicit comes from the
// -config flag; when it is empty, the <SERVICE>_CONFIG env var (service
// upper-cased) is used in its place. A non-empty explicit path must
// exist. Otherwise DefaultSearchPaths(service) is searched in order and
// the first existing path wins.
func FindConfig(service, explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(strings.ToUpper(service) + "_CONFIG")
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths(service) {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found for %s (searched: %v)", service, DefaultSearchPaths(service))
}

// Config holds the configuration shared by every substrate service plus
// the per-component blocks only that service's binary reads. All
// services may be pointed at the same file; each only looks at its own
// block.
type Config struct {
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Service   ServiceConfig   `yaml:"service"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Health    HealthConfig    `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	DataDir   string          `yaml:"data_dir"`

	Security      SecurityConfig      `yaml:"security"`
	Registry      RegistryConfig      `yaml:"registry"`
	Discovery     DiscoveryConfig     `yaml:"discovery"`
	VoiceRouter   VoiceRouterConfig   `yaml:"voice_router"`
	LoadBalancer  LoadBalancerConfig  `yaml:"load_balancer"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
}

// MQTTConfig defines the broker connection every service shares.
type MQTTConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ACLFile  string `yaml:"acl_file"`
}

// URL returns the broker URL autopaho expects, selecting the mqtt/mqtts
// scheme from TLS.
func (m MQTTConfig) URL() string {
	scheme := "mqtt"
	if m.TLS {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

// ServiceConfig identifies this process on the bus.
type ServiceConfig struct {
	Name       string `yaml:"name"`
	InstanceID string `yaml:"instance_id"`
}

// HeartbeatConfig controls the wrapper's heartbeat loop (§4.1).
type HeartbeatConfig struct {
	IntervalSeconds int `yaml:"interval_s"`
}

// HealthConfig controls the wrapper's HTTP health endpoint.
type HealthConfig struct {
	Bind string `yaml:"bind"`
}

// LoggingConfig controls the ambient slog setup.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SecurityConfig configures the Security Gateway (§4.2).
type SecurityConfig struct {
	Bind           string   `yaml:"bind"`
	CAFile         string   `yaml:"ca_file"`
	RootSecretFile string   `yaml:"root_secret_file"`
	KeyGracePeriod int      `yaml:"key_grace_period_s"`
	TokenTTLSec    int      `yaml:"token_ttl_s"`
	Denylist       []string `yaml:"denylist"`
}

// RegistryConfig configures the Registry process (§4.3).
type RegistryConfig struct {
	Bind               string `yaml:"bind"`
	SnapshotPath       string `yaml:"snapshot_path"`
	SnapshotIntervalS  int    `yaml:"snapshot_interval_s"`
	OfflineRetentionH  int    `yaml:"offline_retention_h"`
}

// DiscoveryConfig configures the Discovery process (§4.3): it needs its
// own bearer token to call the registry's Discovery-only write API, so
// it authenticates at startup against the gateway with a service
// certificate the same way any other substrate service would.
type DiscoveryConfig struct {
	RegistryURL string `yaml:"registry_url"`
	GatewayURL  string `yaml:"gateway_url"`
	CertFile    string `yaml:"cert_file"`
}

// VoiceRouterConfig configures the Voice Router process (§4.4).
type VoiceRouterConfig struct {
	RegistryURL       string  `yaml:"registry_url"`
	DefaultDeadlineMS int     `yaml:"default_deadline_ms"`
	MaxDeadlineMS     int     `yaml:"max_deadline_ms"`
	ConfidenceFloor   float64 `yaml:"confidence_floor"`
}

// LoadBalancerConfig configures the Load Balancer process (§4.5).
type LoadBalancerConfig struct {
	Bind              string   `yaml:"bind"`
	RegistryURL       string   `yaml:"registry_url"`
	Algorithm         string   `yaml:"algorithm"` // round_robin, least_connections, weighted_round_robin, random
	MaxInflight       int      `yaml:"max_inflight"`
	ProbeIntervalS    int      `yaml:"probe_interval_s"`
	RecoveryTimeoutS  int      `yaml:"recovery_timeout_s"`
	// ProbeFailureThreshold and RequestFailureThreshold are the two
	// independent breaker-trip counters §4.5 names ("three consecutive
	// probes" vs "5 consecutive request errors").
	ProbeFailureThreshold   int `yaml:"probe_failure_threshold"`
	RequestFailureThreshold int `yaml:"request_failure_threshold"`
	// Services lists the logical service names this balancer keeps pools
	// for. The registry has no "list all logical service names" read
	// endpoint (§4.3 only lists instances of one), so the balancer must
	// be told which names to sync rather than discovering them.
	Services []string `yaml:"services"`
}

// MetricsConfig configures the Metrics Collector process (§4.6).
type MetricsConfig struct {
	Bind             string `yaml:"bind"`
	RingCapacity     int    `yaml:"ring_capacity"`
	RetentionSeconds int    `yaml:"retention_seconds"`
	AlertIntervalS   int    `yaml:"alert_interval_s"`
	SamplerIntervalS int    `yaml:"sampler_interval_s"`
}

// SchedulerConfig configures the Event Scheduler process (§4.7).
type SchedulerConfig struct {
	Bind          string `yaml:"bind"`
	StorePath     string `yaml:"store_path"`
	Workers       int    `yaml:"workers"`
	HistoryLimit  int    `yaml:"history_limit"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates. After Load returns
// successfully, every field a service reads is populated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g. ${ALICIA_MQTT_PASSWORD}). A
	// convenience for container deployments; putting secrets directly
	// in the file is also supported.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.MQTT.Host == "" {
		c.MQTT.Host = "localhost"
	}
	if c.MQTT.Port == 0 {
		if c.MQTT.TLS {
			c.MQTT.Port = 8883
		} else {
			c.MQTT.Port = 1883
		}
	}
	if c.Heartbeat.IntervalSeconds == 0 {
		c.Heartbeat.IntervalSeconds = 15
	}
	if c.Health.Bind == "" {
		c.Health.Bind = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Security.Bind == "" {
		c.Security.Bind = ":8443"
	}
	if c.Security.KeyGracePeriod == 0 {
		c.Security.KeyGracePeriod = 24 * 3600
	}
	if c.Security.TokenTTLSec == 0 {
		c.Security.TokenTTLSec = 3600
	}

	if c.Registry.Bind == "" {
		c.Registry.Bind = ":8081"
	}
	if c.Registry.SnapshotPath == "" {
		c.Registry.SnapshotPath = filepath.Join(c.DataDir, "registry-snapshot.json")
	}
	if c.Registry.SnapshotIntervalS == 0 {
		c.Registry.SnapshotIntervalS = 30
	}
	if c.Registry.OfflineRetentionH == 0 {
		c.Registry.OfflineRetentionH = 24
	}

	if c.VoiceRouter.RegistryURL == "" {
		c.VoiceRouter.RegistryURL = "http://localhost:8081"
	}
	if c.VoiceRouter.DefaultDeadlineMS == 0 {
		c.VoiceRouter.DefaultDeadlineMS = 8000
	}
	if c.VoiceRouter.MaxDeadlineMS == 0 {
		c.VoiceRouter.MaxDeadlineMS = 15000
	}
	if c.VoiceRouter.ConfidenceFloor == 0 {
		c.VoiceRouter.ConfidenceFloor = 0.55
	}

	if c.LoadBalancer.Bind == "" {
		c.LoadBalancer.Bind = ":8082"
	}
	if c.LoadBalancer.RegistryURL == "" {
		c.LoadBalancer.RegistryURL = "http://localhost:8081"
	}
	if c.LoadBalancer.Algorithm == "" {
		c.LoadBalancer.Algorithm = "round_robin"
	}
	if c.LoadBalancer.MaxInflight == 0 {
		c.LoadBalancer.MaxInflight = 100
	}
	if c.LoadBalancer.ProbeIntervalS == 0 {
		c.LoadBalancer.ProbeIntervalS = 30
	}
	if c.LoadBalancer.RecoveryTimeoutS == 0 {
		c.LoadBalancer.RecoveryTimeoutS = 60
	}
	if c.LoadBalancer.ProbeFailureThreshold == 0 {
		c.LoadBalancer.ProbeFailureThreshold = 3
	}
	if c.LoadBalancer.RequestFailureThreshold == 0 {
		c.LoadBalancer.RequestFailureThreshold = 5
	}
	if len(c.LoadBalancer.Services) == 0 {
		c.LoadBalancer.Services = []string{"speech_to_text", "dialog", "text_to_speech"}
	}

	if c.Discovery.RegistryURL == "" {
		c.Discovery.RegistryURL = "http://localhost:8081"
	}
	if c.Discovery.GatewayURL == "" {
		c.Discovery.GatewayURL = "https://localhost:8443"
	}

	if c.Metrics.Bind == "" {
		c.Metrics.Bind = ":8083"
	}
	if c.Metrics.RingCapacity == 0 {
		c.Metrics.RingCapacity = 1000
	}
	if c.Metrics.RetentionSeconds == 0 {
		c.Metrics.RetentionSeconds = 3600
	}
	if c.Metrics.AlertIntervalS == 0 {
		c.Metrics.AlertIntervalS = 10
	}
	if c.Metrics.SamplerIntervalS == 0 {
		c.Metrics.SamplerIntervalS = 60
	}

	if c.Scheduler.Bind == "" {
		c.Scheduler.Bind = ":8084"
	}
	if c.Scheduler.StorePath == "" {
		c.Scheduler.StorePath = filepath.Join(c.DataDir, "scheduler.db")
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 10
	}
	if c.Scheduler.HistoryLimit == 0 {
		c.Scheduler.HistoryLimit = 100
	}
}

// Validate checks that the configuration is internally consistent. It
// runs after applyDefaults, so every field it inspects is populated.
func (c *Config) Validate() error {
	if c.MQTT.Port < 1 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port %d out of range (1-65535)", c.MQTT.Port)
	}
	if c.Heartbeat.IntervalSeconds <= 0 {
		return fmt.Errorf("heartbeat.interval_s must be positive")
	}
	if c.Logging.Level != "" {
		if _, err := ParseLogLevel(c.Logging.Level); err != nil {
			return err
		}
	}
	if c.VoiceRouter.MaxDeadlineMS < c.VoiceRouter.DefaultDeadlineMS {
		return fmt.Errorf("voice_router.max_deadline_ms must be >= default_deadline_ms")
	}
	switch c.LoadBalancer.Algorithm {
	case "round_robin", "least_connections", "weighted_round_robin", "random":
	default:
		return fmt.Errorf("load_balancer.algorithm %q is not one of round_robin, least_connections, weighted_round_robin, random", c.LoadBalancer.Algorithm)
	}
	return nil
}

// Default returns a configuration with every default applied, suitable
// for local development against a broker on localhost.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
