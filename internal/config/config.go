// Package config provides the configuration schema, loader, and file watcher
// for the Guardian safety agent.
package config

import "time"

// LogLevel controls log verbosity for the Guardian agent.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// StoreBackend selects the document store holding users, groups and alerts.
type StoreBackend string

const (
	// StoreMemory keeps documents in process memory. Intended for development.
	StoreMemory StoreBackend = "memory"

	// StorePostgres keeps documents in PostgreSQL.
	StorePostgres StoreBackend = "postgres"
)

// IsValid reports whether b is a recognised store backend.
func (b StoreBackend) IsValid() bool {
	return b == StoreMemory || b == StorePostgres
}

// CacheBackend selects the local key-value cache used while offline.
type CacheBackend string

const (
	CacheMemory CacheBackend = "memory"
	CacheSQLite CacheBackend = "sqlite"
)

// IsValid reports whether b is a recognised cache backend.
func (b CacheBackend) IsValid() bool {
	return b == CacheMemory || b == CacheSQLite
}

// SMSBackend selects how fallback text messages are delivered.
type SMSBackend string

const (
	// SMSDevice sends through the connected device's SMS facility.
	SMSDevice SMSBackend = "device"

	// SMSTwilio sends through the Twilio REST API.
	SMSTwilio SMSBackend = "twilio"
)

// IsValid reports whether b is a recognised SMS backend.
func (b SMSBackend) IsValid() bool {
	return b == SMSDevice || b == SMSTwilio
}

// Config is the root configuration structure for Guardian.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Principal   PrincipalConfig   `yaml:"principal"`
	Store       StoreConfig       `yaml:"store"`
	Cache       CacheConfig       `yaml:"cache"`
	Device      DeviceConfig      `yaml:"device"`
	SMS         SMSConfig         `yaml:"sms"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Alert       AlertConfig       `yaml:"alert"`
	Contacts    []ContactConfig   `yaml:"contacts"`
}

// ServerConfig holds network and logging settings for the agent.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// PrincipalConfig identifies the signed-in user the agent acts for.
type PrincipalConfig struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
}

// StoreConfig configures the document store.
type StoreConfig struct {
	Backend StoreBackend `yaml:"backend"`

	// PostgresDSN is the connection string used by the postgres backend.
	PostgresDSN string `yaml:"postgres_dsn"`

	// PollInterval is how often subscriptions re-read PostgreSQL.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CacheConfig configures the local offline cache.
type CacheConfig struct {
	Backend CacheBackend `yaml:"backend"`

	// Path is the SQLite database file used by the sqlite backend.
	Path string `yaml:"path"`
}

// DeviceConfig configures the companion device WebSocket bridge.
type DeviceConfig struct {
	// Path is the HTTP path the device connects to.
	Path string `yaml:"path"`

	// OriginPatterns lists additional hosts allowed to open the WebSocket
	// from a browser.
	OriginPatterns []string `yaml:"origin_patterns"`

	// RequestTimeout bounds each request to the device.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SMSConfig configures fallback message delivery.
type SMSConfig struct {
	Backend SMSBackend   `yaml:"backend"`
	Twilio  TwilioConfig `yaml:"twilio"`
}

// TwilioConfig holds Twilio credentials. Empty values fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER environment
// variables.
type TwilioConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
}

// RecognitionConfig bounds the speech recognition restart backoff.
type RecognitionConfig struct {
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// AlertConfig tunes alert dispatch. Zero durations use the dispatcher
// defaults.
type AlertConfig struct {
	// PrimaryTimeout bounds the document store write before falling back.
	PrimaryTimeout time.Duration `yaml:"primary_timeout"`

	// LocationTimeout bounds the last-known location lookup for messages.
	LocationTimeout time.Duration `yaml:"location_timeout"`

	// SendTimeout bounds a single fallback message.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// MaxParallel caps concurrent fallback sends.
	MaxParallel int `yaml:"max_parallel"`

	// Countdown delays panic button alerts so they can be cancelled.
	Countdown time.Duration `yaml:"countdown"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding the primary write.
type BreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"`
	CoolDown    time.Duration `yaml:"cool_down"`
}

// ContactConfig is a statically configured emergency contact. Static
// contacts are always messaged on fallback in addition to the group's.
type ContactConfig struct {
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
}
