package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/guardian/pkg/capability/messaging"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultDevicePath   = "/v1/device"
	DefaultPollInterval = 2 * time.Second
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields that have a single sensible value.
// Timeouts left at zero are resolved by the components that use them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreMemory
	}
	if cfg.Store.PollInterval == 0 {
		cfg.Store.PollInterval = DefaultPollInterval
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = CacheMemory
	}
	if cfg.Device.Path == "" {
		cfg.Device.Path = DefaultDevicePath
	}
	if cfg.SMS.Backend == "" {
		cfg.SMS.Backend = SMSDevice
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Principal
	if strings.TrimSpace(cfg.Principal.UserID) == "" {
		errs = append(errs, errors.New("principal.user_id is required"))
	}

	// Store
	switch {
	case !cfg.Store.Backend.IsValid():
		errs = append(errs, fmt.Errorf("store.backend %q is invalid; valid values: memory, postgres", cfg.Store.Backend))
	case cfg.Store.Backend == StorePostgres && cfg.Store.PostgresDSN == "":
		errs = append(errs, errors.New("store.postgres_dsn is required when store.backend is postgres"))
	case cfg.Store.Backend == StoreMemory:
		slog.Warn("store.backend is memory; alerts will not outlive the process")
	}
	if cfg.Store.PollInterval < 0 {
		errs = append(errs, fmt.Errorf("store.poll_interval %s must not be negative", cfg.Store.PollInterval))
	}

	// Cache
	switch {
	case !cfg.Cache.Backend.IsValid():
		errs = append(errs, fmt.Errorf("cache.backend %q is invalid; valid values: memory, sqlite", cfg.Cache.Backend))
	case cfg.Cache.Backend == CacheSQLite && cfg.Cache.Path == "":
		errs = append(errs, errors.New("cache.path is required when cache.backend is sqlite"))
	}

	// Device
	if !strings.HasPrefix(cfg.Device.Path, "/") {
		errs = append(errs, fmt.Errorf("device.path %q must start with /", cfg.Device.Path))
	}
	if cfg.Device.RequestTimeout < 0 {
		errs = append(errs, fmt.Errorf("device.request_timeout %s must not be negative", cfg.Device.RequestTimeout))
	}

	// SMS
	if !cfg.SMS.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("sms.backend %q is invalid; valid values: device, twilio", cfg.SMS.Backend))
	}
	if cfg.SMS.Backend == SMSTwilio && cfg.SMS.Twilio.FromNumber == "" && os.Getenv("TWILIO_FROM_NUMBER") == "" {
		errs = append(errs, errors.New("sms.twilio.from_number (or TWILIO_FROM_NUMBER) is required when sms.backend is twilio"))
	}

	// Recognition
	rc := cfg.Recognition
	if rc.BackoffBase < 0 || rc.BackoffMax < 0 {
		errs = append(errs, errors.New("recognition backoff durations must not be negative"))
	}
	if rc.BackoffBase > 0 && rc.BackoffMax > 0 && rc.BackoffMax < rc.BackoffBase {
		errs = append(errs, fmt.Errorf("recognition.backoff_max %s is below backoff_base %s", rc.BackoffMax, rc.BackoffBase))
	}

	// Alert
	ac := cfg.Alert
	for name, d := range map[string]time.Duration{
		"alert.primary_timeout":   ac.PrimaryTimeout,
		"alert.location_timeout":  ac.LocationTimeout,
		"alert.send_timeout":      ac.SendTimeout,
		"alert.countdown":         ac.Countdown,
		"alert.breaker.cool_down": ac.Breaker.CoolDown,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", name, d))
		}
	}
	if ac.MaxParallel < 0 {
		errs = append(errs, fmt.Errorf("alert.max_parallel %d must not be negative", ac.MaxParallel))
	}
	if ac.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("alert.breaker.max_failures %d must not be negative", ac.Breaker.MaxFailures))
	}

	// Contacts
	phonesSeen := make(map[string]int, len(cfg.Contacts))
	for i, c := range cfg.Contacts {
		prefix := fmt.Sprintf("contacts[%d]", i)
		phone, err := messaging.Canonicalize(c.Phone)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s.phone %q is not a valid phone number", prefix, c.Phone))
			continue
		}
		if prev, ok := phonesSeen[phone]; ok {
			errs = append(errs, fmt.Errorf("%s.phone %q is a duplicate of contacts[%d]", prefix, c.Phone, prev))
			continue
		}
		phonesSeen[phone] = i
	}

	return errors.Join(errs...)
}
