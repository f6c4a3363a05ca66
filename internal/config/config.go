package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for agentbridge.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Engine   EngineConfig   `yaml:"engine"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Speech   SpeechConfig   `yaml:"speech"`
	Sessions SessionsConfig `yaml:"sessions"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Host        string `yaml:"host"`
	Port        int    `yaml:"port"`
	ServiceName string `yaml:"service_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" | "json"
}

// EngineConfig locates the Vertex AI Agent Engine (reasoning engine).
type EngineConfig struct {
	Project     string        `yaml:"project"`
	Location    string        `yaml:"location"`
	EngineID    string        `yaml:"engine_id"`
	APIBase     string        `yaml:"api_base,omitempty"`     // override for tests and emulators
	AccessToken string        `yaml:"access_token,omitempty"` // static token instead of ADC
	Timeout     time.Duration `yaml:"timeout"`
}

type WhatsAppConfig struct {
	APIBase         string        `yaml:"api_base"`
	AccessToken     string        `yaml:"access_token"`
	PhoneNumberID   string        `yaml:"phone_number_id"`
	VerifyToken     string        `yaml:"verify_token"`
	AppSecret       string        `yaml:"app_secret,omitempty"`
	WebhookPath     string        `yaml:"webhook_path"`
	SendTimeout     time.Duration `yaml:"send_timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

type SpeechConfig struct {
	LanguageCode       string        `yaml:"language_code"`
	Encoding           string        `yaml:"encoding"`
	SampleRateHertz    int32         `yaml:"sample_rate_hertz"`
	Timeout            time.Duration `yaml:"timeout"`
	LongRunningTimeout time.Duration `yaml:"long_running_timeout"`
}

type SessionsConfig struct {
	Backend             string `yaml:"backend"` // "memory" | "sqlite" | "firestore"
	DBPath              string `yaml:"db_path,omitempty"`
	FirestoreProject    string `yaml:"firestore_project,omitempty"`
	FirestoreCollection string `yaml:"firestore_collection,omitempty"`
}

type PipelineConfig struct {
	AdvisoryThreshold float64       `yaml:"advisory_threshold"`
	PrefaceThreshold  float64       `yaml:"preface_threshold"`
	MaxConcurrency    int           `yaml:"max_concurrency"`
	EventTimeout      time.Duration `yaml:"event_timeout"`
	DedupeTTL         time.Duration `yaml:"dedupe_ttl"`
	DedupeMaxSize     int           `yaml:"dedupe_max_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LoadDotEnv loads a .env file into the process environment. Variables that are
// already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads an optional YAML config file, applies environment overrides and
// validates the result. An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}
		data = []byte(ExpandEnvVars(string(data)))
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	ApplyEnv(cfg)
	cfg.Sessions.DBPath = ExpandPath(cfg.Sessions.DBPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty; an unset VAR
// without a default is left as written.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if val, ok := os.LookupEnv(groups[1]); ok && val != "" {
			return val
		}
		if hasDefault {
			return groups[2]
		}
		return match
	})
}

// ApplyEnv overrides file values with the deployment environment.
func ApplyEnv(cfg *Config) {
	setString(&cfg.Server.ServiceName, "SERVICE_NAME")
	setString(&cfg.Server.Host, "HOST")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
	setString(&cfg.Logging.Format, "LOG_FORMAT")

	setString(&cfg.Engine.Project, "GOOGLE_CLOUD_PROJECT")
	setString(&cfg.Engine.Location, "GOOGLE_CLOUD_LOCATION")
	setString(&cfg.Engine.EngineID, "REASONING_ENGINE_ID")
	setString(&cfg.Engine.APIBase, "REASONING_ENGINE_API_BASE")
	setString(&cfg.Engine.AccessToken, "REASONING_ENGINE_ACCESS_TOKEN")

	setString(&cfg.WhatsApp.AccessToken, "WHATSAPP_ACCESS_TOKEN")
	setString(&cfg.WhatsApp.PhoneNumberID, "WHATSAPP_PHONE_NUMBER_ID")
	setString(&cfg.WhatsApp.VerifyToken, "WHATSAPP_VERIFY_TOKEN")
	setString(&cfg.WhatsApp.AppSecret, "WHATSAPP_APP_SECRET")

	setString(&cfg.Speech.LanguageCode, "SPEECH_LANGUAGE_CODE")

	setString(&cfg.Sessions.Backend, "SESSION_BACKEND")
	setString(&cfg.Sessions.DBPath, "SESSION_DB_PATH")
	setString(&cfg.Sessions.FirestoreProject, "FIRESTORE_PROJECT")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks that the config has usable values. Credentials for the
// engine and WhatsApp are only required by the serve path, see RequireServe.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be one of: text, json")
	}
	switch cfg.Sessions.Backend {
	case "memory":
	case "sqlite":
		if cfg.Sessions.DBPath == "" {
			errs = append(errs, "sessions.db_path is required for the sqlite backend")
		}
	case "firestore":
		if cfg.Sessions.FirestoreProject == "" && cfg.Engine.Project == "" {
			errs = append(errs, "sessions.firestore_project (or engine.project) is required for the firestore backend")
		}
	default:
		errs = append(errs, "sessions.backend must be one of: memory, sqlite, firestore")
	}

	p := cfg.Pipeline
	if p.AdvisoryThreshold < 0 || p.AdvisoryThreshold > 1 {
		errs = append(errs, "pipeline.advisory_threshold must be between 0 and 1")
	}
	if p.PrefaceThreshold < 0 || p.PrefaceThreshold > 1 {
		errs = append(errs, "pipeline.preface_threshold must be between 0 and 1")
	}
	if p.MaxConcurrency < 1 || p.MaxConcurrency > 64 {
		errs = append(errs, "pipeline.max_concurrency must be between 1 and 64")
	}
	if p.EventTimeout <= 0 {
		errs = append(errs, "pipeline.event_timeout must be positive")
	}
	if cfg.Engine.Timeout <= 0 || cfg.WhatsApp.DownloadTimeout <= 0 || cfg.WhatsApp.SendTimeout <= 0 {
		errs = append(errs, "engine.timeout, whatsapp.download_timeout and whatsapp.send_timeout must be positive")
	}
	if cfg.Speech.Timeout <= 0 || cfg.Speech.LongRunningTimeout <= 0 {
		errs = append(errs, "speech.timeout and speech.long_running_timeout must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireServe checks the settings the webhook server cannot run without.
func RequireServe(cfg *Config) error {
	var missing []string
	if cfg.Engine.Project == "" {
		missing = append(missing, "GOOGLE_CLOUD_PROJECT")
	}
	if cfg.Engine.EngineID == "" {
		missing = append(missing, "REASONING_ENGINE_ID")
	}
	if cfg.WhatsApp.AccessToken == "" {
		missing = append(missing, "WHATSAPP_ACCESS_TOKEN")
	}
	if cfg.WhatsApp.PhoneNumberID == "" {
		missing = append(missing, "WHATSAPP_PHONE_NUMBER_ID")
	}
	if cfg.WhatsApp.VerifyToken == "" {
		missing = append(missing, "WHATSAPP_VERIFY_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
