package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"s3proxy/apigw"
	"s3proxy/auth"
	"s3proxy/monitoring"
	"s3proxy/remote"
)

// AppConfig is the full application configuration, reshaped around
// SPEC_FULL.md §6.E's single-bucket, multi-target shape instead of the
// teacher's backend-manager/circuit-breaker config.
type AppConfig struct {
	ListenAddress string              `yaml:"listen_address"`
	Bucket        string              `yaml:"bucket"`
	AccessKey     string              `yaml:"access_key"`
	SecretKey     string              `yaml:"secret_key"`
	LogLevel      string              `yaml:"log_level"`
	ReadTimeout   time.Duration       `yaml:"read_timeout"`
	WriteTimeout  time.Duration       `yaml:"write_timeout"`
	DocumentStore DocumentStoreConfig `yaml:"document_store"`
	Targets       []remote.Target     `yaml:"targets"`
	Monitoring    monitoring.Config   `yaml:"monitoring"`
}

// DocumentStoreConfig points at the shared mongo-backed token/multipart
// store (SPEC_FULL.md §6.G). URI is left empty to mean "use the in-memory
// store instead" — useful for local/dev runs without a Mongo deployment.
type DocumentStoreConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// DefaultAppConfig returns an application config with the teacher's
// default timeouts and the monitoring module's own defaults; every
// proxy-specific field (bucket, targets, credentials) has no sensible
// default and must come from the config file or its overrides.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		ListenAddress: ":9000",
		LogLevel:      "info",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  30 * time.Second,
		Monitoring:    *monitoring.DefaultConfig(),
	}
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config := DefaultAppConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}

	presence, err := rawTargetKeys(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", filename, err)
	}
	applyTargetDefaults(config.Targets, presence)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// rawTargetKeys re-parses the YAML document into a key-presence map per
// target so applyTargetDefaults can tell "priority: 0" apart from
// "priority not given at all" — yaml.v3's struct unmarshal collapses both
// to the zero value, which is exactly the ambiguity read_request's
// documented default:true can't tolerate.
func rawTargetKeys(data []byte) ([]map[string]bool, error) {
	var raw struct {
		Targets []map[string]interface{} `yaml:"targets"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	presence := make([]map[string]bool, len(raw.Targets))
	for i, t := range raw.Targets {
		_, hasPriority := t["priority"]
		_, hasReadRequest := t["read_request"]
		presence[i] = map[string]bool{"priority": hasPriority, "read_request": hasReadRequest}
	}
	return presence, nil
}

// applyTargetDefaults wires remote.Target.ApplyDefaults in with the
// key-presence map: Priority defaults to 1 and ReadRequest defaults to true
// for whichever fields each target's YAML left out (SPEC_FULL.md §3:
// read_request is boolean, default true).
func applyTargetDefaults(targets []remote.Target, presence []map[string]bool) {
	for i := range targets {
		var priorityWasSet, readRequestWasSet bool
		if i < len(presence) {
			priorityWasSet = presence[i]["priority"]
			readRequestWasSet = presence[i]["read_request"]
		}
		targets[i].ApplyDefaults(priorityWasSet, readRequestWasSet)
	}
}

// Validate enforces the configuration-level invariants from
// SPEC_FULL.md §6.E: non-empty listen address, a virtual bucket name,
// credentials, and a valid, duplicate-free target list with at least one
// readable remote.
func (c *AppConfig) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address cannot be empty")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket cannot be empty")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access_key and secret_key must both be set")
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if err := remote.ValidateTargets(c.Targets); err != nil {
		return fmt.Errorf("targets: %w", err)
	}
	if c.Monitoring.Enabled {
		if err := c.Monitoring.Validate(); err != nil {
			return fmt.Errorf("monitoring config: %w", err)
		}
	}
	return nil
}

// AuthConfig builds the single-user static auth configuration the north
// face validates every SigV4-signed request against (SPEC_FULL.md §6.C).
func (c *AppConfig) AuthConfig() *auth.Config {
	return &auth.Config{
		Provider: "static",
		Static: &auth.StaticConfig{
			Users: []auth.UserConfig{
				{AccessKey: c.AccessKey, SecretKey: c.SecretKey, DisplayName: "s3reproxy"},
			},
		},
	}
}

// ToAPIGatewayConfig builds the apigw.Config the north-face HTTP server
// listens with.
func (c *AppConfig) ToAPIGatewayConfig() apigw.Config {
	return apigw.Config{
		ListenAddress: c.ListenAddress,
		ReadTimeout:   c.ReadTimeout,
		WriteTimeout:  c.WriteTimeout,
	}
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// SaveConfig writes the configuration back out as YAML.
func (c *AppConfig) SaveConfig(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", filename, err)
	}
	return nil
}
