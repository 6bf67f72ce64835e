package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/forestmail/forest-mail/internal/app"
	"github.com/forestmail/forest-mail/internal/observability"
)

// observabilityFlushTimeout bounds how long buffered log records may take to export on exit.
const observabilityFlushTimeout = 5 * time.Second

// Execute runs the root command with the given context and arguments.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand().Run(ctx, args)
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:  "forestmail",
		Usage: "Local Gmail companion with sealed token storage",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "log level (debug|info|warn|error)",
				Value: slog.LevelInfo.String(),
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log format (text|json)",
				Value: string(app.DefaultConfigLogFormat),
			},
			&cli.StringFlag{
				Name:  "log-exporter",
				Usage: "log exporter (none|stdout|otlp-http|otlp-grpc)",
				Value: string(app.DefaultConfigLogExporter),
			},
			&cli.StringFlag{
				Name:  "storage--backend",
				Usage: "token storage backend (file|keyring|bolt|sqlite|memory)",
				Value: string(app.DefaultConfigStorageBackend),
			},
			&cli.StringFlag{
				Name:  "storage--file",
				Usage: "token file path (file backend)",
			},
			&cli.StringFlag{
				Name:  "storage--bolt-path",
				Usage: "bolt database path (bolt backend)",
			},
			&cli.StringFlag{
				Name:  "storage--sqlite-path",
				Usage: "sqlite database path (sqlite backend)",
			},
			&cli.StringFlag{
				Name:  "storage--keyring-service",
				Usage: "keyring service name (keyring backend)",
				Value: app.DefaultConfigKeyringService,
			},
			&cli.StringFlag{
				Name:  "storage--keyring-user",
				Usage: "keyring user (keyring backend, defaults to the current user)",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			loginCommand(),
			logoutCommand(),
			threadsCommand(),
			eventsCommand(),
		},
	}
}

// mailFlags configure the mail provider client.
func mailFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "mail--base-url",
			Usage: "mail provider API base URL",
			Value: app.DefaultConfigMailBaseURL,
		},
		&cli.StringFlag{
			Name:  "mail--label",
			Usage: "label to list",
			Value: app.DefaultConfigMailLabel,
		},
		&cli.IntFlag{
			Name:  "mail--max-results",
			Usage: "number of messages to fetch",
			Value: app.DefaultConfigMailMaxResults,
		},
		&cli.StringFlag{
			Name:  "mail--oauth--client-id",
			Usage: "OAuth client id used to refresh expired tokens",
		},
	}
}

func serveCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "server--host",
			Usage: "server host",
			Value: app.DefaultConfigServerHost,
		},
		&cli.IntFlag{
			Name:  "server--port",
			Usage: "server port",
			Value: int(app.DefaultConfigServerPort),
		},
		&cli.StringFlag{
			Name:  "security--origin",
			Usage: "browser origin allowed to call the API",
		},
		&cli.IntFlag{
			Name:  "mail--send-rate--requests",
			Usage: "messages allowed per send window",
			Value: app.DefaultConfigSendRateRequests,
		},
		&cli.DurationFlag{
			Name:  "mail--send-rate--window",
			Usage: "send rate window",
			Value: app.DefaultConfigSendRateWindow,
		},
	}

	return &cli.Command{
		Name:   "serve",
		Usage:  "start the local mail API",
		Flags:  append(flags, mailFlags()...),
		Action: serveAction,
	}
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, _ *app.Config, application *app.App) error {
		slog.InfoContext(ctx, "starting")

		if err := application.Start(ctx); err != nil {
			return fmt.Errorf("app failed to start: %w", err)
		}

		slog.InfoContext(ctx, "stopped gracefully")
		return nil
	})
}

// withApp loads configuration, installs logging and runs fn with a ready App.
func withApp(ctx context.Context, cmd *cli.Command, fn func(context.Context, *app.Config, *app.App) error) (err error) {
	cfg, err := loadConfig(cmd.String("config"), cmd, os.Environ)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up observability before creating app
	shutdown, err := observability.Instrument(ctx, observability.Options{
		Level:    cfg.LogLevel,
		Format:   string(cfg.LogFormat),
		Exporter: cfg.LogExporter,
	})
	if err != nil {
		return fmt.Errorf("failed to set up observability layer: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), observabilityFlushTimeout)
		defer cancel()
		err = errors.Join(err, shutdown(flushCtx))
	}()

	application, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create app: %w", err)
	}
	defer func() {
		err = errors.Join(err, application.Close())
	}()

	return fn(ctx, cfg, application)
}
