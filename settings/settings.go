package settings

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	return validate.Struct(c)
}

// LoadConfig loads the main config file and the service configs found in a
// settings/ directory next to it.
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	// Check if main config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", configPath)
	}

	// Get absolute path for better error messages
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		absPath = configPath // fallback to relative path
	}

	_, err = toml.DecodeFile(configPath, &config)
	if err != nil {
		return nil, fmt.Errorf("error parsing config file %s: %w", absPath, err)
	}

	if err := loadServiceConfigs(&config, filepath.Join(filepath.Dir(configPath), "settings")); err != nil {
		return nil, fmt.Errorf("error loading service configs: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// loadServiceConfigs loads all individual service configuration files
func loadServiceConfigs(config *Config, dir string) error {
	serviceConfigs := map[string]interface{}{
		"comfyui.toml": &config.ComfyUi,
		"gemini.toml":  &config.Gemini,
		"server.toml":  &config.Server,
		"logging.toml": &config.Logging,
	}

	for name, configStruct := range serviceConfigs {
		configPath := filepath.Join(dir, name)
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			// This is not a fatal error, just a warning
			continue
		}

		_, err := toml.DecodeFile(configPath, configStruct)
		if err != nil {
			return fmt.Errorf("error parsing service config file %s: %w", configPath, err)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Studio.FilenamePrefix == "" {
		c.Studio.FilenamePrefix = "genstudio"
	}
	if c.ComfyUi.TimeoutMinutes == 0 {
		c.ComfyUi.TimeoutMinutes = 10
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8189"
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash-lite"
	}
}

// Port returns the port registered under name. An unknown or empty name
// falls back to DefaultPort, then to the first configured port.
func (c ComfyUiConfig) Port(name string) (int, bool) {
	for _, want := range []string{name, c.DefaultPort} {
		if want == "" {
			continue
		}
		for _, p := range c.Ports {
			if p.Name == want {
				return p.Port, true
			}
		}
	}
	if len(c.Ports) > 0 {
		return c.Ports[0].Port, true
	}
	return 0, false
}

// Host returns the engine host with any scheme, port and path stripped.
// Ports come from the ports list only.
func (c ComfyUiConfig) Host() string {
	raw := c.Url
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		host := strings.TrimPrefix(strings.TrimPrefix(c.Url, "http://"), "https://")
		return strings.TrimSuffix(host, "/")
	}
	return u.Hostname()
}

// Timeout bounds a single generation job.
func (c ComfyUiConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// IsBad reports whether message contains one of the configured bad words.
func (c ComfyUiConfig) IsBad(message string) bool {
	lower := strings.ToLower(message)
	for _, word := range c.BadWords {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			return true
		}
	}
	return false
}
