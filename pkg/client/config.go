package client

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cecil-the-coder/groq-client-kit/pkg/types"
)

// Plan identifies the account tier, which determines the audio upload
// size cap.
type Plan string

const (
	PlanFree      Plan = "free"
	PlanDeveloper Plan = "developer"
)

// Audio upload caps per plan.
const (
	FreeMaxFileBytes      = 25 * 1024 * 1024
	DeveloperMaxFileBytes = 100 * 1024 * 1024
)

// MaxFileBytes returns the plan's audio upload cap.
func (p Plan) MaxFileBytes() int64 {
	if p == PlanDeveloper {
		return DeveloperMaxFileBytes
	}
	return FreeMaxFileBytes
}

// Config configures a Client. The zero value plus an API key is a
// working configuration.
type Config struct {
	// APIKey authenticates all requests.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service root, for tests and proxies.
	BaseURL string `yaml:"base_url"`

	// UserAgent overrides the User-Agent header.
	UserAgent string `yaml:"user_agent"`

	// Plan selects the account tier. Defaults to free.
	Plan Plan `yaml:"plan"`

	// MaxQueueSize caps the deferred request queue.
	MaxQueueSize int `yaml:"max_queue_size"`

	// JSONTimeout and MultipartTimeout bound the two request shapes.
	JSONTimeout      time.Duration `yaml:"json_timeout"`
	MultipartTimeout time.Duration `yaml:"multipart_timeout"`

	// RegistryRefreshInterval is how long the model catalog stays fresh.
	RegistryRefreshInterval time.Duration `yaml:"registry_refresh_interval"`
}

// DefaultConfig returns a Config with the given API key and every other
// field at its default.
func DefaultConfig(apiKey string) Config {
	return Config{
		APIKey: apiKey,
		Plan:   PlanFree,
	}
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, types.NewValidationError("config", "failed to read config file: "+err.Error())
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, types.NewValidationError("config", "failed to parse config file: "+err.Error())
	}
	if cfg.Plan == "" {
		cfg.Plan = PlanFree
	}
	return cfg, nil
}

// Validate checks the config for values New would reject.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return types.NewAuthError("API key is required")
	}
	switch c.Plan {
	case "", PlanFree, PlanDeveloper:
	default:
		return types.NewValidationError("plan", "plan must be \"free\" or \"developer\"")
	}
	if c.MaxQueueSize < 0 {
		return types.NewValidationError("max_queue_size", "max queue size cannot be negative")
	}
	if c.JSONTimeout < 0 || c.MultipartTimeout < 0 {
		return types.NewValidationError("timeout", "timeouts cannot be negative")
	}
	if c.RegistryRefreshInterval < 0 {
		return types.NewValidationError("registry_refresh_interval", "refresh interval cannot be negative")
	}
	return nil
}
