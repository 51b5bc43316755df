package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gatekeeper/internal/models"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Load loads configuration from file and environment variables.
//
// Precedence: defaults, then the YAML file, then environment variables. The
// circuit variables (TIMEOUT_MS, ERROR_THRESHOLD_PERCENT, ...) set the
// defaults shared by every circuit; circuits.overrides in YAML refines a
// single upstream.
func Load(configPath string) (*models.Config, error) {
	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadFromEnvironment(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	warnUnknownOverrides(config)

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(config *models.Config, filePath string) error {
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}
	return nil
}

// loadFromEnvironment applies environment overrides. Only the scalar sections
// are read from the environment; routes, upstreams and circuit overrides are
// file-only.
func loadFromEnvironment(config *models.Config) error {
	sections := []interface{}{
		&config.Server,
		&config.RateLimit,
		&config.CounterStore,
		&config.Circuits.Defaults,
		&config.Logging,
		&config.Metrics,
		&config.Observability,
	}
	for _, section := range sections {
		if err := env.Parse(section); err != nil {
			return err
		}
	}
	return nil
}

// warnUnknownOverrides flags circuit overrides that name no configured
// upstream. They are kept, since breakers are also created for ad hoc names.
func warnUnknownOverrides(config *models.Config) {
	known := make(map[string]bool, len(config.Upstreams))
	for _, u := range config.Upstreams {
		known[u.Name] = true
	}
	for name := range config.Circuits.Overrides {
		if !known[name] {
			slog.Warn("Circuit override does not match a configured upstream", "circuit", name)
		}
	}
}

// SaveExample saves an example configuration file
func SaveExample(filePath string) error {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	config := models.NewDefaultConfig()
	config.RateLimit.TrustedProxies = []string{"10.0.0.0/8"}
	config.Routes = []models.RouteLimit{
		{Prefix: "/gw/auth", Limit: 20, WindowMs: 60000, Scope: models.ScopeIP},
		{Prefix: "/gw/jobs", Limit: 600, Scope: models.ScopeAPIKey},
	}
	config.Upstreams = []models.UpstreamConfig{
		{Name: "auth", URL: "http://auth.internal:8080"},
		{
			Name: "recommendations",
			URL:  "http://recs.internal:8080/v2",
			Fallback: &models.FallbackConfig{
				Status:      200,
				ContentType: "application/json",
				Body:        `{"items":[]}`,
			},
		},
	}
	config.Circuits.Overrides = map[string]models.CircuitSettings{
		"auth": {TimeoutMs: 5000},
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
