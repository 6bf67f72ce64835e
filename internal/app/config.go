package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/forestmail/forest-mail/internal/kvstore"
	"github.com/forestmail/forest-mail/internal/mailapi"
	"github.com/forestmail/forest-mail/internal/observability"
	"github.com/forestmail/forest-mail/internal/tokensource"
	"github.com/forestmail/forest-mail/internal/tokenstore"
)

// LogFormat represents the logging output format.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// StorageBackend represents the key-value backends tokens can be persisted in.
type StorageBackend string

const (
	StorageBackendFile    StorageBackend = "file"
	StorageBackendKeyring StorageBackend = "keyring"
	StorageBackendBolt    StorageBackend = "bolt"
	StorageBackendSQLite  StorageBackend = "sqlite"
	StorageBackendMemory  StorageBackend = "memory"
)

// Default configuration values
const (
	DefaultConfigLogFormat        = LogFormatText
	DefaultConfigLogExporter      = observability.ExporterNone
	DefaultConfigServerHost       = "127.0.0.1"
	DefaultConfigServerPort       = 4000
	DefaultConfigShutdownTimeout  = 5 * time.Second
	DefaultConfigStorageBackend   = StorageBackendFile
	DefaultConfigKeyringService   = "forest-mail"
	DefaultConfigUserAgent        = "forestmail"
	DefaultConfigMailBaseURL      = mailapi.DefaultBaseURL
	DefaultConfigMailLabel        = mailapi.DefaultLabel
	DefaultConfigMailMaxResults   = mailapi.DefaultMaxResults
	DefaultConfigMailSlot         = "gmail_token"
	DefaultConfigFetchConcurrency = mailapi.DefaultConcurrency
	DefaultConfigSendRateRequests = 10
	DefaultConfigSendRateWindow   = time.Minute

	// The token store keys only obfuscate tokens at rest; anyone holding the
	// binary holds the keys. Override them per installation where possible.
	DefaultConfigEncryptionKey = "forest-mail-local-obfuscation-key"
	DefaultConfigHMACKey       = "forest-mail-local-integrity-key"

	appDirName = "forest-mail"
)

// ServerConfig holds server-specific configuration.
type ServerConfig struct {
	Host string `json:"host" validate:"hostname_rfc1123|ip"`
	Port uint16 `json:"port"` // Port range 0-65535 handled by uint16 type
}

// ShutdownConfig holds shutdown behavior configuration.
type ShutdownConfig struct {
	// Timeout for graceful shutdown.
	Timeout time.Duration `json:"timeout"`
}

// StorageConfig selects and configures the key-value backend behind the token store.
type StorageConfig struct {
	Backend StorageBackend `json:"backend" validate:"required,oneof=file keyring bolt sqlite memory"`

	// Backend-specific settings (only the one matching Backend is used)
	File           string `json:"file,omitempty"`
	KeyringService string `json:"keyring_service,omitempty"`
	KeyringUser    string `json:"keyring_user,omitempty"`
	BoltPath       string `json:"bolt_path,omitempty"`
	SQLitePath     string `json:"sqlite_path,omitempty"`
}

// SecurityConfig configures token sealing and security event metadata.
type SecurityConfig struct {
	EncryptionKey string        `json:"encryption_key" validate:"required"`
	HMACKey       string        `json:"hmac_key" validate:"required"`
	TokenTTL      time.Duration `json:"token_ttl" validate:"gt=0"`
	Slots         []string      `json:"slots" validate:"min=1,dive,required"`
	UserAgent     string        `json:"user_agent"`
	Origin        string        `json:"origin,omitempty" validate:"omitempty,url"`
}

// RateConfig allows Requests per Window.
type RateConfig struct {
	Requests int           `json:"requests" validate:"gte=1"`
	Window   time.Duration `json:"window" validate:"gt=0"`
}

// OAuthConfig enables refreshing expired credentials. Refresh is off when ClientID is empty.
type OAuthConfig struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty" validate:"omitempty,url"`
}

// MailConfig configures the mail provider client.
type MailConfig struct {
	BaseURL          string      `json:"base_url" validate:"required,url"`
	Label            string      `json:"label" validate:"required"`
	MaxResults       int         `json:"max_results" validate:"gte=1,lte=500"`
	Slot             string      `json:"slot" validate:"required"`
	FetchConcurrency int         `json:"fetch_concurrency" validate:"gte=1,lte=32"`
	SendRate         RateConfig  `json:"send_rate"`
	OAuth            OAuthConfig `json:"oauth"`
}

// Config holds the application's configuration.
type Config struct {
	// LogLevel for logging output (defaults to Info if unset).
	LogLevel    slog.Level             `json:"log_level"`
	LogFormat   LogFormat              `json:"log_format" validate:"oneof=text json"`
	LogExporter observability.Exporter `json:"log_exporter" validate:"oneof=none stdout otlp-http otlp-grpc"`
	Server      ServerConfig           `json:"server"`
	Shutdown    ShutdownConfig         `json:"shutdown"`
	Storage     StorageConfig          `json:"storage"`
	Security    SecurityConfig         `json:"security"`
	Mail        MailConfig             `json:"mail"`
}

// Default creates a new Config with default values applied.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills unset config fields with sensible defaults.
func (c *Config) ApplyDefaults() error {
	if c.LogFormat == "" {
		c.LogFormat = DefaultConfigLogFormat
	}
	if c.LogExporter == "" {
		c.LogExporter = DefaultConfigLogExporter
	}
	if c.Server.Host == "" {
		c.Server.Host = DefaultConfigServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultConfigServerPort
	}
	if c.Shutdown.Timeout == 0 {
		c.Shutdown.Timeout = DefaultConfigShutdownTimeout
	}

	if c.Security.EncryptionKey == "" {
		c.Security.EncryptionKey = DefaultConfigEncryptionKey
	}
	if c.Security.HMACKey == "" {
		c.Security.HMACKey = DefaultConfigHMACKey
	}
	if c.Security.TokenTTL == 0 {
		c.Security.TokenTTL = tokenstore.DefaultTTL
	}
	if len(c.Security.Slots) == 0 {
		c.Security.Slots = append([]string(nil), tokenstore.DefaultSlots...)
	}
	if c.Security.UserAgent == "" {
		c.Security.UserAgent = DefaultConfigUserAgent
	}

	if c.Mail.BaseURL == "" {
		c.Mail.BaseURL = DefaultConfigMailBaseURL
	}
	if c.Mail.Label == "" {
		c.Mail.Label = DefaultConfigMailLabel
	}
	if c.Mail.MaxResults == 0 {
		c.Mail.MaxResults = DefaultConfigMailMaxResults
	}
	if c.Mail.Slot == "" {
		c.Mail.Slot = DefaultConfigMailSlot
	}
	if c.Mail.FetchConcurrency == 0 {
		c.Mail.FetchConcurrency = DefaultConfigFetchConcurrency
	}
	if c.Mail.SendRate.Requests == 0 {
		c.Mail.SendRate.Requests = DefaultConfigSendRateRequests
	}
	if c.Mail.SendRate.Window == 0 {
		c.Mail.SendRate.Window = DefaultConfigSendRateWindow
	}
	if c.Mail.OAuth.ClientID != "" && c.Mail.OAuth.TokenURL == "" {
		c.Mail.OAuth.TokenURL = tokensource.Endpoint.TokenURL
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultConfigStorageBackend
	}

	// Dynamic defaults based on storage backend
	switch c.Storage.Backend {
	case StorageBackendFile:
		if c.Storage.File == "" {
			path, err := defaultDataPath("store.json")
			if err != nil {
				return fmt.Errorf("storage.file required (auto-detect failed: %w)", err)
			}
			c.Storage.File = path
		}
	case StorageBackendBolt:
		if c.Storage.BoltPath == "" {
			path, err := defaultDataPath("store.db")
			if err != nil {
				return fmt.Errorf("storage.bolt_path required (auto-detect failed: %w)", err)
			}
			c.Storage.BoltPath = path
		}
	case StorageBackendSQLite:
		if c.Storage.SQLitePath == "" {
			path, err := defaultDataPath("store.sqlite")
			if err != nil {
				return fmt.Errorf("storage.sqlite_path required (auto-detect failed: %w)", err)
			}
			c.Storage.SQLitePath = path
		}
	case StorageBackendKeyring:
		if c.Storage.KeyringService == "" {
			c.Storage.KeyringService = DefaultConfigKeyringService
		}
		if c.Storage.KeyringUser == "" {
			currentUser, err := user.Current()
			if err != nil {
				return fmt.Errorf("storage.keyring_user required (auto-detect failed: %w)", err)
			}
			c.Storage.KeyringUser = currentUser.Username
		}
	case StorageBackendMemory:
		// nothing persists
	}

	return nil
}

func defaultDataPath(name string) (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, appDirName, name), nil
}

// Validate validates the configuration using struct tags and enum values.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	if c.Security.EncryptionKey == c.Security.HMACKey {
		return errors.New("security.encryption_key and security.hmac_key must differ")
	}

	switch c.Storage.Backend {
	case StorageBackendFile:
		if c.Storage.File == "" {
			return errors.New("file path required for file storage")
		}
	case StorageBackendBolt:
		if c.Storage.BoltPath == "" {
			return errors.New("bolt_path required for bolt storage")
		}
	case StorageBackendSQLite:
		if c.Storage.SQLitePath == "" {
			return errors.New("sqlite_path required for sqlite storage")
		}
	case StorageBackendKeyring:
		if c.Storage.KeyringUser == "" {
			return errors.New("keyring_user required for keyring storage")
		}
	}

	if c.Mail.OAuth.ClientID == "" && c.Mail.OAuth.ClientSecret != "" {
		return errors.New("mail.oauth.client_secret set without mail.oauth.client_id")
	}

	return nil
}

// OpenStore opens the configured key-value backend. The returned closer releases
// it and is a no-op for backends without resources.
func (s *StorageConfig) OpenStore(ctx context.Context) (kvstore.Store, io.Closer, error) {
	switch s.Backend {
	case StorageBackendFile:
		store, err := kvstore.NewFileStore(s.File)
		return store, nopCloser{}, err
	case StorageBackendKeyring:
		store, err := kvstore.NewKeyringStore(s.KeyringService, s.KeyringUser)
		return store, nopCloser{}, err
	case StorageBackendBolt:
		store, err := kvstore.OpenBoltStore(s.BoltPath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StorageBackendSQLite:
		if err := os.MkdirAll(filepath.Dir(s.SQLitePath), 0700); err != nil {
			return nil, nil, fmt.Errorf("creating sqlite directory: %w", err)
		}
		store, err := kvstore.OpenSQLiteStore(ctx, s.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	case StorageBackendMemory:
		return kvstore.NewMemoryStore(), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported storage backend: %s", s.Backend)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
