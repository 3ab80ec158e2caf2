package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"

	// DefaultModel is the remote model version every session talks to unless overridden.
	DefaultModel = "gemini-1.5-flash-latest"
)

// ErrMissingCredential means the API key env var is absent or blank.
var ErrMissingCredential = errors.New("api credential not found")

type Config struct {
	Server struct {
		Port           int               `yaml:"port"`
		ReadTimeout    time.Duration     `yaml:"readTimeout"`
		WriteTimeout   time.Duration     `yaml:"writeTimeout"`
		IdleTimeout    time.Duration     `yaml:"idleTimeout"`
		MaxUploadBytes int64             `yaml:"maxUploadBytes"`
		CORSOrigins    []string          `yaml:"corsOrigins"`
		APIKeys        map[string]string `yaml:"apiKeys"`
		RateLimit      struct {
			Capacity   int `yaml:"capacity"`
			RefillRate int `yaml:"refillRate"`
		} `yaml:"rateLimit"`
	} `yaml:"server"`

	Model struct {
		Provider string `yaml:"provider"`
		Name     string `yaml:"name"`
		BaseURL  string `yaml:"baseURL"`
	} `yaml:"model"`

	Session struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"session"`

	Minio struct {
		Endpoint   string `yaml:"endpoint"`
		AccessKey  string `yaml:"accessKey"`
		SecretKey  string `yaml:"secretKey"`
		BucketName string `yaml:"bucketName"`
		Region     string `yaml:"region"`
		UseSSL     bool   `yaml:"useSSL"`
	} `yaml:"minio"`

	Log struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`
}

// Credential is the API key read once at startup.
type Credential struct {
	EnvVar string
	Value  string
}

// LoadDotEnv seeds the process environment from a .env file. Variables already
// set win over the file, and a missing file is not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load baca file config.yaml. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	cfg.fillDefaults()
	return cfg
}

func (c *Config) fillDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8501
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	// the analysis call has no timeout of its own, so the listener must allow slow models
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 5 * time.Minute
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.MaxUploadBytes == 0 {
		c.Server.MaxUploadBytes = 200 << 20
	}
	if c.Server.RateLimit.Capacity == 0 {
		c.Server.RateLimit.Capacity = 30
	}
	if c.Server.RateLimit.RefillRate == 0 {
		c.Server.RateLimit.RefillRate = 1
	}
	if c.Model.Provider == "" {
		c.Model.Provider = ProviderGemini
	}
	c.Model.Provider = strings.ToLower(c.Model.Provider)
	if c.Model.Name == "" {
		c.Model.Name = DefaultModel
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 30 * time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate checks values yaml cannot check on its own.
func (c *Config) Validate() error {
	switch c.Model.Provider {
	case ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("unknown model provider %q (allowed: %s, %s)", c.Model.Provider, ProviderGemini, ProviderOpenAI)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes < 0 {
		return fmt.Errorf("maxUploadBytes must not be negative")
	}
	return nil
}

// StorageEnabled reports whether an object store was configured.
func (c *Config) StorageEnabled() bool {
	return c.Minio.Endpoint != "" && c.Minio.BucketName != ""
}

// CredentialEnvVar returns the fixed env var name holding the key for provider.
func CredentialEnvVar(provider string) string {
	if provider == ProviderOpenAI {
		return "OPENAI_API_KEY"
	}
	return "GEMINI_API_KEY"
}

// ResolveCredential reads the provider's API key from the environment.
func ResolveCredential(provider string) (Credential, error) {
	name := CredentialEnvVar(provider)
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return Credential{EnvVar: name}, fmt.Errorf("%w: set %s in the environment or in .env", ErrMissingCredential, name)
	}
	return Credential{EnvVar: name, Value: v}, nil
}
