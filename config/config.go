package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvConfigPath = "SIGA_HELPDESK_CONFIG"
)

type Config struct {
	ExternalCallTimeout string         `yaml:"external_call_timeout"`
	WhatsApp            WhatsAppConfig `yaml:"whatsapp"`
	Google              GoogleConfig   `yaml:"google"`
	Archive             ArchiveConfig  `yaml:"archive"`
}

type WhatsAppConfig struct {
	StorePath string `yaml:"store_path"`
}

type GoogleConfig struct {
	ServiceAccountEmail string `yaml:"service_account_email"`
	PrivateKey          string `yaml:"private_key"`
	SpreadsheetID       string `yaml:"spreadsheet_id"`
	DriveFolderID       string `yaml:"drive_folder_id"`
}

type ArchiveConfig struct {
	Backend string   `yaml:"backend"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	UseSSL    bool   `yaml:"use_ssl"`
}

func Default() Config {
	return Config{
		ExternalCallTimeout: "30s",
		Archive: ArchiveConfig{
			Backend: "drive",
		},
	}
}

func ConfigPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return ExpandPath(p)
	}

	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		return filepath.Join(xdg, "siga-helpdesk", "config.yaml"), nil
	}

	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(cfgDir, "siga-helpdesk", "config.yaml"), nil
}

func DefaultWhatsAppStorePath() (string, error) {
	stateDir, err := DefaultStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(stateDir, "whatsapp.db"), nil
}

func DefaultStateDir() (string, error) {
	if xdg := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); xdg != "" {
		return filepath.Join(xdg, "siga-helpdesk"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "siga-helpdesk"), nil
}

func Load() (Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return Config{}, err
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			cfg := Default()
			ApplyDefaults(&cfg)
			return cfg, nil
		}
		return Config{}, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

func Save(cfg Config) error {
	ApplyDefaults(&cfg)

	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, b, 0o600)
}

func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.ExternalCallTimeout) == "" {
		cfg.ExternalCallTimeout = "30s"
	}
	cfg.Archive.Backend = strings.ToLower(strings.TrimSpace(cfg.Archive.Backend))
	if cfg.Archive.Backend == "" {
		cfg.Archive.Backend = "drive"
	}
	storePath := strings.TrimSpace(cfg.WhatsApp.StorePath)
	if storePath == "" {
		if p, err := DefaultWhatsAppStorePath(); err == nil {
			cfg.WhatsApp.StorePath = p
		}
	} else if p, err := ExpandPath(storePath); err == nil {
		cfg.WhatsApp.StorePath = p
	} else {
		cfg.WhatsApp.StorePath = storePath
	}
}

// ApplySecretsFromEnv fills credential fields the config file leaves
// empty from the process environment (the variable names predate the
// config file; deployments still set them via .env).
func ApplySecretsFromEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	fromEnv := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = strings.TrimSpace(os.Getenv(key))
		}
	}
	fromEnv(&cfg.Google.ServiceAccountEmail, "GOOGLE_SERVICE_ACCOUNT_EMAIL")
	fromEnv(&cfg.Google.PrivateKey, "GOOGLE_PRIVATE_KEY")
	fromEnv(&cfg.Google.SpreadsheetID, "SPREADSHEET_ID")
	fromEnv(&cfg.Google.DriveFolderID, "GDRIVE_FOLDER_ID")
	fromEnv(&cfg.Archive.S3.Endpoint, "S3_ENDPOINT")
	fromEnv(&cfg.Archive.S3.AccessKey, "S3_ACCESS_KEY")
	fromEnv(&cfg.Archive.S3.SecretKey, "S3_SECRET_KEY")
	fromEnv(&cfg.Archive.S3.Bucket, "S3_BUCKET")
}

// NormalizedPrivateKey undoes the single-line escaping that .env files
// force onto PEM keys.
func (g GoogleConfig) NormalizedPrivateKey() string {
	return strings.ReplaceAll(g.PrivateKey, `\n`, "\n")
}

func EffectiveTimeout(cfg Config) (time.Duration, error) {
	ApplyDefaults(&cfg)
	d, err := time.ParseDuration(cfg.ExternalCallTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid external_call_timeout %q: %w", cfg.ExternalCallTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("external_call_timeout must be > 0")
	}
	return d, nil
}

func Set(cfg *Config, key string, value string) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	k := strings.ToLower(strings.TrimSpace(key))
	v := strings.TrimSpace(value)

	switch k {
	case "external_call_timeout":
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		cfg.ExternalCallTimeout = v
	case "whatsapp.store_path":
		expanded, err := ExpandPath(v)
		if err != nil {
			return err
		}
		cfg.WhatsApp.StorePath = expanded
	case "google.service_account_email":
		cfg.Google.ServiceAccountEmail = v
	case "google.private_key":
		cfg.Google.PrivateKey = v
	case "google.spreadsheet_id":
		cfg.Google.SpreadsheetID = v
	case "google.drive_folder_id":
		cfg.Google.DriveFolderID = v
	case "archive.backend":
		v = strings.ToLower(v)
		if v != "drive" && v != "s3" {
			return fmt.Errorf("archive.backend must be drive or s3")
		}
		cfg.Archive.Backend = v
	case "archive.s3.endpoint":
		cfg.Archive.S3.Endpoint = v
	case "archive.s3.region":
		cfg.Archive.S3.Region = v
	case "archive.s3.access_key":
		cfg.Archive.S3.AccessKey = v
	case "archive.s3.secret_key":
		cfg.Archive.S3.SecretKey = v
	case "archive.s3.bucket":
		cfg.Archive.S3.Bucket = v
	case "archive.s3.prefix":
		cfg.Archive.S3.Prefix = v
	case "archive.s3.use_ssl":
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid archive.s3.use_ssl: %w", err)
		}
		cfg.Archive.S3.UseSSL = b
	default:
		return fmt.Errorf("unsupported key %q", key)
	}

	ApplyDefaults(cfg)
	return nil
}

func Marshal(cfg Config) ([]byte, error) {
	ApplyDefaults(&cfg)
	return yaml.Marshal(cfg)
}

func ExpandPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if raw == "~" || strings.HasPrefix(raw, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if raw == "~" {
			return home, nil
		}
		return filepath.Join(home, strings.TrimPrefix(raw, "~/")), nil
	}
	return raw, nil
}
