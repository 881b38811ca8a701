package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// MaxSessionClients is the largest session a single server can hold.
const MaxSessionClients = 32

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateSession(&cfg.Session, result)
	validateNetwork(&cfg.Network, result)
	validateApplicationData(&cfg.ApplicationData, result)

	return result
}

func validateSession(data *SessionConfig, result *ValidationResult) {
	if data.MaxClients < 1 || data.MaxClients > MaxSessionClients {
		result.AddError("session.max_clients",
			fmt.Sprintf("must be between 1 and %d, got %d", MaxSessionClients, data.MaxClients))
	}

	if data.FixedRate < 1 {
		result.AddError("session.fixed_rate_ms", "tick period must be at least 1ms")
	} else if data.FixedRate < 10 {
		result.AddWarning("session.fixed_rate_ms",
			fmt.Sprintf("tick period of %dms will flood clients with packets", data.FixedRate))
	}

	if data.SendThreshold < 0 {
		result.AddError("session.send_threshold", "must not be negative")
	}

	if data.CRCRate < 0 {
		result.AddError("session.crc_rate_ticks", "must not be negative")
	}
	if data.CRCRate > 0 {
		if data.CRCResponseLimit < 1 {
			result.AddError("session.crc_response_limit_ticks",
				"response limit is required when crc challenges are enabled")
		} else if data.CRCResponseLimit >= data.CRCRate {
			result.AddWarning("session.crc_response_limit_ticks",
				"response limit is not shorter than the challenge interval")
		}
	}

	if data.StatsInterval < 100 {
		result.AddWarning("session.stats_interval_ms",
			"stats interval less than 100ms may cause excessive traffic")
	}

	if data.BufferSize < 1024 {
		result.AddError("session.buffer_size", "buffer size must be at least 1024 bytes")
	}
}

func validateNetwork(data *NetworkConfig, result *ValidationResult) {
	if data.ListenAddress != "" && net.ParseIP(data.ListenAddress) == nil {
		result.AddError("network.listen_address",
			fmt.Sprintf("not an IP address: %s", data.ListenAddress))
	}

	validatePort(data.SessionPort, "network.session_port", result)
	validatePort(data.APIPort, "network.api_port", result)

	if data.SessionPort == data.APIPort {
		result.AddError("network.ports", "port conflict detected: session and api ports must differ")
	}

	if data.HandshakeTimeout < 1 {
		result.AddError("network.handshake_timeout_sec", "must be at least 1 second")
	}
	if data.IdleTimeout < 10 {
		result.AddWarning("network.idle_timeout_sec", "idle time less than 10 seconds may cause issues")
	}
}

func validateApplicationData(data *ApplicationData, result *ValidationResult) {
	validateTimers(&data.Timers, result)

	if strings.TrimSpace(data.History.Path) == "" {
		result.AddError("application_data.history.path", "database path is required")
	}
	if data.History.Enabled {
		if data.History.RetentionDays < 1 {
			result.AddError("application_data.history.retention_days",
				"retention days must be at least 1")
		}
		if _, err := time.Parse("15:04", data.History.PruneTime); err != nil {
			result.AddError("application_data.history.prune_time",
				fmt.Sprintf("expected HH:MM, got %q", data.History.PruneTime))
		}
	}

	if data.MQTT.Enabled {
		if strings.TrimSpace(data.MQTT.BrokerURL) == "" {
			result.AddError("application_data.mqtt.broker_url", "MQTT broker URL is required when enabled")
		}
		if data.MQTT.Port < 1 || data.MQTT.Port > 65535 {
			result.AddError("application_data.mqtt.port", "invalid MQTT port")
		}
	}

	if data.Security.TLSEnabled {
		if strings.TrimSpace(data.Security.TLSCertFile) == "" {
			result.AddError("application_data.security.tls_cert_file",
				"TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(data.Security.TLSKeyFile) == "" {
			result.AddError("application_data.security.tls_key_file",
				"TLS key file is required when TLS is enabled")
		}
	}

	if data.Security.RateLimitRPS < 1 {
		result.AddWarning("application_data.security.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
	if data.Security.AuthDisabled {
		result.AddWarning("application_data.security.auth_disabled",
			"API authentication is disabled, control endpoints are open")
	}

	switch strings.ToLower(data.Logging.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		result.AddError("application_data.logging.level",
			fmt.Sprintf("unknown log level %q", data.Logging.Level))
	}
}

func validateTimers(timers *TimerConfig, result *ValidationResult) {
	if timers.SampleInterval < 1 {
		result.AddError("timers.sample_interval_sec", "sample interval must be at least 1s")
	}
	if timers.HeartbeatInterval < 10 {
		result.AddWarning("timers.heartbeat_interval_sec",
			"heartbeat interval less than 10s may cause excessive traffic")
	}
	if timers.StaleLinkTimeout < 10 {
		result.AddWarning("timers.stale_link_timeout_sec",
			"stale link timeout less than 10s may drop slow clients")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a port is available for binding.
func IsPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
