package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/forestmail/forest-mail/internal/app"
	"github.com/forestmail/forest-mail/internal/mailapi"
	"github.com/forestmail/forest-mail/internal/threading"
	"github.com/forestmail/forest-mail/internal/tokensource"
	"github.com/forestmail/forest-mail/internal/validation"
)

const subjectWidth = 48

func threadsCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:  "query",
			Usage: "only show threads mentioning this text",
		},
		&cli.BoolFlag{
			Name:  "json",
			Usage: "print threads as JSON",
		},
	}

	return &cli.Command{
		Name:   "threads",
		Usage:  "list the inbox grouped into conversations",
		Flags:  append(flags, mailFlags()...),
		Action: threadsAction,
	}
}

func threadsAction(ctx context.Context, cmd *cli.Command) error {
	query := cmd.String("query")
	if err := validation.ValidateSearchQuery(query); err != nil {
		return err
	}

	return withApp(ctx, cmd, func(ctx context.Context, _ *app.Config, application *app.App) error {
		messages, err := application.Mailbox().ListInbox(ctx)
		if err != nil {
			if errors.Is(err, tokensource.ErrNoToken) || mailapi.IsUnauthorized(err) {
				return errors.New("not logged in, run `forestmail login` first")
			}
			return fmt.Errorf("listing inbox: %w", err)
		}

		threads := make([]threading.Thread, 0)
		for _, thread := range threading.GroupIntoThreads(messages) {
			if thread.Matches(query) {
				threads = append(threads, thread)
			}
		}

		out := cmd.Root().Writer
		if cmd.Bool("json") {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(threads)
		}
		return printThreads(out, threads)
	})
}

func printThreads(out io.Writer, threads []threading.Thread) error {
	if len(threads) == 0 {
		_, err := fmt.Fprintln(out, "no conversations")
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "\tSUBJECT\tFROM\tMESSAGES\tLATEST")
	for _, thread := range threads {
		unread := ""
		if thread.HasUnread {
			unread = "*"
		}
		subject := thread.LatestMessage.Subject
		if subject == "" {
			subject = "(No Subject)"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			unread,
			truncate(subject, subjectWidth),
			senderName(thread.LatestMessage.From),
			thread.MessageCount,
			thread.LatestMessage.ReceivedAt.Local().Format(time.DateTime),
		)
	}
	return tw.Flush()
}

func senderName(c threading.Contact) string {
	if c.Name != "" {
		return c.Name
	}
	return c.Email
}

func truncate(s string, width int) string {
	runes := []rune(s)
	if len(runes) <= width {
		return s
	}
	return string(runes[:width-1]) + "…"
}
