// Package config handles configuration loading, validation, and persistence
// for the distribution server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "config.json"
	DefaultAPIPort     = 5000
	DefaultSessionPort = 7340
	DefaultMaxClients  = 8
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Session         SessionConfig   `json:"session"`
	Network         NetworkConfig   `json:"network"`
	ApplicationData ApplicationData `json:"application_data"`
}

// SessionConfig holds the tunables of the distribution server.
type SessionConfig struct {
	MaxClients       int `json:"max_clients"`
	FixedRate        int `json:"fixed_rate_ms"`
	SendThreshold    int `json:"send_threshold"`
	CRCRate          int `json:"crc_rate_ticks"`
	CRCResponseLimit int `json:"crc_response_limit_ticks"`
	StatsInterval    int `json:"stats_interval_ms"`
	BufferSize       int `json:"buffer_size"`
	InputRate        int `json:"input_rate_ms"`
}

// NetworkConfig holds listener settings.
type NetworkConfig struct {
	ListenAddress    string `json:"listen_address"`
	SessionPort      int    `json:"session_port"`
	APIPort          int    `json:"api_port"`
	HandshakeTimeout int    `json:"handshake_timeout_sec"`
	IdleTimeout      int    `json:"idle_timeout_sec"`
}

// ApplicationData contains service-level configuration.
type ApplicationData struct {
	Timers   TimerConfig    `json:"timers"`
	History  HistoryConfig  `json:"history"`
	MQTT     MQTTConfig     `json:"mqtt"`
	Security SecurityConfig `json:"security"`
	Logging  LoggingConfig  `json:"logging"`
}

// TimerConfig holds background task intervals.
type TimerConfig struct {
	SampleInterval        int `json:"sample_interval_sec"`
	GeneralHealthInterval int `json:"general_health_interval_sec"`
	HeartbeatInterval     int `json:"heartbeat_interval_sec"`
	StaleLinkTimeout      int `json:"stale_link_timeout_sec"`
}

// HistoryConfig holds sqlite settings. The database at Path also keeps the
// API access tokens, so it is opened even when recording is disabled.
type HistoryConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	PruneTime     string `json:"prune_time"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// SecurityConfig holds API security settings.
type SecurityConfig struct {
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	AuthDisabled   bool     `json:"auth_disabled"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
	TailBytes  int    `json:"tail_bytes"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			MaxClients:       DefaultMaxClients,
			FixedRate:        33,
			SendThreshold:    4,
			CRCRate:          300,
			CRCResponseLimit: 60,
			StatsInterval:    2000,
			BufferSize:       81920,
			InputRate:        33,
		},
		Network: NetworkConfig{
			ListenAddress:    "0.0.0.0",
			SessionPort:      DefaultSessionPort,
			APIPort:          DefaultAPIPort,
			HandshakeTimeout: 10,
			IdleTimeout:      60,
		},
		ApplicationData: ApplicationData{
			Timers: TimerConfig{
				SampleInterval:        10,
				GeneralHealthInterval: 60,
				HeartbeatInterval:     60,
				StaleLinkTimeout:      120,
			},
			History: HistoryConfig{
				Enabled:       true,
				Path:          filepath.Join("data", "netgamedist.db"),
				RetentionDays: 14,
				PruneTime:     "04:00",
			},
			MQTT: MQTTConfig{
				Enabled:     false,
				Port:        1883,
				TopicPrefix: "netgamedist",
			},
			Security: SecurityConfig{
				RateLimitRPS: 100,
				AuthDisabled: true,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
				Console:    true,
				TailBytes:  64 * 1024,
			},
		},
	}
}

// Load reads configuration from a JSON file.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetSession returns a copy of the session configuration.
func (c *Config) GetSession() SessionConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Session
}

// SetSession updates the session configuration.
func (c *Config) SetSession(data SessionConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Session = data
}

// GetNetwork returns a copy of the network configuration.
func (c *Config) GetNetwork() NetworkConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Network
}

// SetNetwork updates the network configuration.
func (c *Config) SetNetwork(data NetworkConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Network = data
}

// GetApplicationData returns a copy of the application data configuration.
func (c *Config) GetApplicationData() ApplicationData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ApplicationData
}

// SetApplicationData updates the application data configuration.
func (c *Config) SetApplicationData(data ApplicationData) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ApplicationData = data
}

// UpdateSessionField updates a single session field by its JSON name.
func (c *Config) UpdateSessionField(key string, value interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, _ := json.Marshal(c.Session)
	m := make(map[string]interface{})
	json.Unmarshal(data, &m)

	if _, ok := m[key]; !ok {
		return fmt.Errorf("unknown session field %s", key)
	}
	m[key] = value

	updated, _ := json.Marshal(m)
	if err := json.Unmarshal(updated, &c.Session); err != nil {
		return fmt.Errorf("failed to update field %s: %w", key, err)
	}

	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// SetPath sets where Save writes the configuration.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}
