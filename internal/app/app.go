package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/forestmail/forest-mail/internal/kvstore"
	"github.com/forestmail/forest-mail/internal/mailapi"
	"github.com/forestmail/forest-mail/internal/server"
	"github.com/forestmail/forest-mail/internal/tokensource"
	"github.com/forestmail/forest-mail/internal/tokenstore"
	"github.com/forestmail/forest-mail/internal/validation"
)

// App wires the token store, mail client and local API together and owns
// their lifecycle.
type App struct {
	cfg *Config

	storeCloser io.Closer
	tokens      *tokenstore.TokenStore
	mailbox     *mailapi.Client
	server      *server.Server
}

// New creates a new App instance. The caller must Close it.
func New(ctx context.Context, cfg *Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	kv, closer, err := cfg.Storage.OpenStore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	a := &App{cfg: cfg, storeCloser: closer}
	if err := a.build(kv); err != nil {
		return nil, errors.Join(err, closer.Close())
	}
	return a, nil
}

func (a *App) build(kv kvstore.Store) error {
	cfg := a.cfg

	tokens, err := tokenstore.New(kv, cfg.Security.EncryptionKey, cfg.Security.HMACKey,
		tokenstore.WithTTL(cfg.Security.TokenTTL),
		tokenstore.WithSlots(cfg.Security.Slots...),
		tokenstore.WithClientInfo(cfg.Security.UserAgent, a.origin()),
	)
	if err != nil {
		return fmt.Errorf("failed to create token store: %w", err)
	}

	var sourceOpts []tokensource.Option
	if cfg.Mail.OAuth.ClientID != "" {
		endpoint := tokensource.Endpoint
		endpoint.TokenURL = cfg.Mail.OAuth.TokenURL
		sourceOpts = append(sourceOpts, tokensource.WithRefresh(cfg.Mail.OAuth.ClientID, cfg.Mail.OAuth.ClientSecret, endpoint))
	}
	ts, err := tokensource.New(tokens, cfg.Mail.Slot, sourceOpts...)
	if err != nil {
		return fmt.Errorf("failed to create token source: %w", err)
	}

	mailbox, err := newMailbox(cfg.Mail, ts)
	if err != nil {
		return fmt.Errorf("failed to create mail client: %w", err)
	}

	serverOpts := []server.Option{
		server.WithSlot(cfg.Mail.Slot),
		server.WithSendLimiter(validation.NewRateLimiter(cfg.Mail.SendRate.Requests, cfg.Mail.SendRate.Window, nil)),
	}
	if cfg.Security.Origin != "" {
		serverOpts = append(serverOpts, server.WithAllowedOrigin(cfg.Security.Origin))
	}
	apiServer, err := server.New(tokens, mailbox, serverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	a.tokens = tokens
	a.mailbox = mailbox
	a.server = apiServer
	return nil
}

func newMailbox(cfg MailConfig, ts oauth2.TokenSource) (*mailapi.Client, error) {
	return mailapi.New(ts, cfg.BaseURL,
		mailapi.WithLabel(cfg.Label),
		mailapi.WithMaxResults(cfg.MaxResults),
		mailapi.WithConcurrency(cfg.FetchConcurrency),
	)
}

// Tokens returns the token store.
func (a *App) Tokens() *tokenstore.TokenStore { return a.tokens }

// Mailbox returns the mail provider client.
func (a *App) Mailbox() *mailapi.Client { return a.mailbox }

// Address returns the host:port the local API listens on.
func (a *App) Address() string {
	return a.cfg.Server.Host + ":" + strconv.FormatUint(uint64(a.cfg.Server.Port), 10)
}

// origin is the URL stamped on security events.
func (a *App) origin() string {
	if a.cfg.Security.Origin != "" {
		return a.cfg.Security.Origin
	}
	return "http://" + a.Address()
}

// Close releases the storage backend.
func (a *App) Close() error {
	if a.storeCloser == nil {
		return nil
	}
	return a.storeCloser.Close()
}

// Start starts all services and blocks until shutdown is triggered.
// Uses errgroup for runtime error monitoring and shutdown function collection for coordinated cleanup.
func (a *App) Start(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	address := a.Address()
	var shutdownFuncs []func(context.Context) error

	// Startup phase: Start services
	slog.InfoContext(gCtx, "starting api server", "address", address)
	serverErrCh, err := a.server.Start(gCtx, address)
	if err != nil {
		return fmt.Errorf("api server startup failed: %w", err)
	}
	shutdownFuncs = append(shutdownFuncs, a.server.Shutdown)

	if a.tokens.DetectSuspiciousActivity(gCtx) {
		slog.WarnContext(gCtx, "suspicious token activity recorded recently, consider logging out")
	}

	// Monitor runtime errors - errgroup cancels context on first error
	g.Go(func() error {
		select {
		case err := <-serverErrCh:
			if err != nil {
				slog.ErrorContext(gCtx, "api server runtime error", "error", err)
				return fmt.Errorf("api server: %w", err)
			}
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	slog.InfoContext(gCtx, "application ready", "address", address)

	runtimeErr := g.Wait()

	slog.InfoContext(gCtx, "shutting down services")

	// Shutdown phase: Stop all services
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Shutdown.Timeout)
	defer cancel()

	var errs []error
	if runtimeErr != nil {
		errs = append(errs, fmt.Errorf("runtime: %w", runtimeErr))
	}

	for i := len(shutdownFuncs) - 1; i >= 0; i-- {
		if err := shutdownFuncs[i](shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "service shutdown failed", "error", err)
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	slog.Info("application stopped")
	return nil
}
