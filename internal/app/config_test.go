package app

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/forestmail/forest-mail/internal/observability"
	"github.com/forestmail/forest-mail/internal/tokenstore"
)

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}

	if cfg.LogFormat != LogFormatText || cfg.LogExporter != observability.ExporterNone {
		t.Errorf("log defaults = %s/%s", cfg.LogFormat, cfg.LogExporter)
	}
	if cfg.Server.Host != DefaultConfigServerHost || cfg.Server.Port != DefaultConfigServerPort {
		t.Errorf("server defaults = %+v", cfg.Server)
	}
	if cfg.Security.TokenTTL != 24*time.Hour {
		t.Errorf("token ttl = %s, want 24h", cfg.Security.TokenTTL)
	}
	if strings.Join(cfg.Security.Slots, ",") != strings.Join(tokenstore.DefaultSlots, ",") {
		t.Errorf("slots = %v", cfg.Security.Slots)
	}
	if cfg.Storage.Backend != StorageBackendFile || !strings.HasSuffix(cfg.Storage.File, filepath.Join("forest-mail", "store.json")) {
		t.Errorf("storage defaults = %+v", cfg.Storage)
	}
	if cfg.Mail.MaxResults != 10 || cfg.Mail.Label != "INBOX" || cfg.Mail.Slot != "gmail_token" {
		t.Errorf("mail defaults = %+v", cfg.Mail)
	}
	if cfg.Mail.OAuth.TokenURL != "" {
		t.Errorf("token url defaulted without client id: %q", cfg.Mail.OAuth.TokenURL)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	// The shipped default must not alias the package-level slot list.
	cfg.Security.Slots[0] = "changed"
	if tokenstore.DefaultSlots[0] == "changed" {
		t.Error("ApplyDefaults shares tokenstore.DefaultSlots")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad log format", mutate: func(c *Config) { c.LogFormat = "xml" }, wantErr: true},
		{name: "bad exporter", mutate: func(c *Config) { c.LogExporter = "syslog" }, wantErr: true},
		{name: "bad host", mutate: func(c *Config) { c.Server.Host = "not a host!" }, wantErr: true},
		{name: "unknown backend", mutate: func(c *Config) { c.Storage.Backend = "s3" }, wantErr: true},
		{name: "same keys", mutate: func(c *Config) { c.Security.HMACKey = c.Security.EncryptionKey }, wantErr: true},
		{name: "empty slot", mutate: func(c *Config) { c.Security.Slots = []string{""} }, wantErr: true},
		{name: "negative ttl", mutate: func(c *Config) { c.Security.TokenTTL = -time.Second }, wantErr: true},
		{name: "bad origin", mutate: func(c *Config) { c.Security.Origin = "localhost" }, wantErr: true},
		{name: "good origin", mutate: func(c *Config) { c.Security.Origin = "http://localhost:8080" }},
		{name: "bad base url", mutate: func(c *Config) { c.Mail.BaseURL = "gmail" }, wantErr: true},
		{name: "too many results", mutate: func(c *Config) { c.Mail.MaxResults = 501 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Mail.FetchConcurrency = -1 }, wantErr: true},
		{name: "secret without client", mutate: func(c *Config) { c.Mail.OAuth.ClientSecret = "s" }, wantErr: true},
		{name: "bolt without path", mutate: func(c *Config) { c.Storage.Backend = StorageBackendBolt }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Default()
			if err != nil {
				t.Fatalf("Default: %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestApplyDefaultsPerBackend(t *testing.T) {
	tests := []struct {
		backend StorageBackend
		check   func(StorageConfig) bool
	}{
		{backend: StorageBackendBolt, check: func(s StorageConfig) bool { return strings.HasSuffix(s.BoltPath, "store.db") }},
		{backend: StorageBackendSQLite, check: func(s StorageConfig) bool { return strings.HasSuffix(s.SQLitePath, "store.sqlite") }},
		{backend: StorageBackendKeyring, check: func(s StorageConfig) bool {
			return s.KeyringService == DefaultConfigKeyringService && s.KeyringUser != ""
		}},
		{backend: StorageBackendMemory, check: func(s StorageConfig) bool { return s.File == "" }},
	}

	for _, tt := range tests {
		t.Run(string(tt.backend), func(t *testing.T) {
			cfg := &Config{Storage: StorageConfig{Backend: tt.backend}}
			if err := cfg.ApplyDefaults(); err != nil {
				t.Fatalf("ApplyDefaults: %v", err)
			}
			if !tt.check(cfg.Storage) {
				t.Errorf("storage = %+v", cfg.Storage)
			}
		})
	}
}

func TestOAuthTokenURLDefault(t *testing.T) {
	cfg := &Config{Mail: MailConfig{OAuth: OAuthConfig{ClientID: "forest-client"}}}
	if err := cfg.ApplyDefaults(); err != nil {
		t.Fatalf("ApplyDefaults: %v", err)
	}
	if cfg.Mail.OAuth.TokenURL != "https://oauth2.googleapis.com/token" {
		t.Errorf("token url = %q", cfg.Mail.OAuth.TokenURL)
	}
}

func TestOpenStore(t *testing.T) {
	keyring.MockInit()
	dir := t.TempDir()

	tests := []StorageConfig{
		{Backend: StorageBackendFile, File: filepath.Join(dir, "file", "store.json")},
		{Backend: StorageBackendBolt, BoltPath: filepath.Join(dir, "bolt", "store.db")},
		{Backend: StorageBackendSQLite, SQLitePath: filepath.Join(dir, "sqlite", "store.sqlite")},
		{Backend: StorageBackendKeyring, KeyringService: "forest-mail-test", KeyringUser: "felix"},
		{Backend: StorageBackendMemory},
	}

	for _, storage := range tests {
		t.Run(string(storage.Backend), func(t *testing.T) {
			ctx := context.Background()
			store, closer, err := storage.OpenStore(ctx)
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer func() {
				if err := closer.Close(); err != nil {
					t.Errorf("Close: %v", err)
				}
			}()

			if err := store.Set(ctx, "gmail_token", "sealed"); err != nil {
				t.Fatalf("Set: %v", err)
			}
			if got, err := store.Get(ctx, "gmail_token"); err != nil || got != "sealed" {
				t.Errorf("Get = %q, %v", got, err)
			}
		})
	}

	if _, _, err := (&StorageConfig{Backend: "s3"}).OpenStore(context.Background()); err == nil {
		t.Error("expected error for unknown backend")
	}
}
