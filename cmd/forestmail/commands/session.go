package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v3"
	"golang.org/x/term"

	"github.com/forestmail/forest-mail/internal/app"
	"github.com/forestmail/forest-mail/internal/tokenstore"
)

// maxTokenInput bounds a token read from stdin.
const maxTokenInput = 64 << 10

func loginCommand() *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "store an access token or OAuth credential",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "token",
				Usage: "token to store (prompted for when omitted)",
			},
		},
		Action: loginAction,
	}
}

func loginAction(ctx context.Context, cmd *cli.Command) error {
	token, err := readToken(cmd)
	if err != nil {
		return err
	}

	return withApp(ctx, cmd, func(ctx context.Context, cfg *app.Config, application *app.App) error {
		if err := application.Tokens().Store(ctx, cfg.Mail.Slot, token); err != nil {
			if errors.Is(err, tokenstore.ErrInvalidFormat) {
				return errors.New("token rejected: invalid format")
			}
			return fmt.Errorf("storing token: %w", err)
		}
		_, err := fmt.Fprintf(cmd.Root().Writer, "token stored in %s (%s backend)\n", cfg.Mail.Slot, cfg.Storage.Backend)
		return err
	})
}

// readToken takes the token from --token, a hidden terminal prompt, or stdin, in that order.
func readToken(cmd *cli.Command) (string, error) {
	if token := cmd.String("token"); token != "" {
		return strings.TrimSpace(token), nil
	}

	root := cmd.Root()
	if f, ok := root.Reader.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(root.ErrWriter, "Token: ")
		secret, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(root.ErrWriter)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		return strings.TrimSpace(string(secret)), nil
	}

	data, err := io.ReadAll(io.LimitReader(root.Reader, maxTokenInput))
	if err != nil {
		return "", fmt.Errorf("reading token from stdin: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", errors.New("no token given")
	}
	return token, nil
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:   "logout",
		Usage:  "remove all stored tokens and the security event log",
		Action: logoutAction,
	}
}

func logoutAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, _ *app.Config, application *app.App) error {
		tokens := application.Tokens()
		if err := errors.Join(tokens.ClearAll(ctx), tokens.ClearEvents(ctx)); err != nil {
			return fmt.Errorf("logging out: %w", err)
		}
		_, err := fmt.Fprintln(cmd.Root().Writer, "logged out")
		return err
	})
}
