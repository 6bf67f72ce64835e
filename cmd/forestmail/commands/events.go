package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/forestmail/forest-mail/internal/app"
	"github.com/forestmail/forest-mail/internal/tokenstore"
)

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "show the local security event log",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print events as JSON",
			},
		},
		Action: eventsAction,
	}
}

func eventsAction(ctx context.Context, cmd *cli.Command) error {
	return withApp(ctx, cmd, func(ctx context.Context, _ *app.Config, application *app.App) error {
		tokens := application.Tokens()
		events, err := tokens.Events(ctx)
		if err != nil {
			return fmt.Errorf("reading security events: %w", err)
		}
		if events == nil {
			events = make([]tokenstore.SecurityEvent, 0)
		}
		suspicious := tokens.DetectSuspiciousActivity(ctx)

		out := cmd.Root().Writer
		if cmd.Bool("json") {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				Events     []tokenstore.SecurityEvent `json:"events"`
				Suspicious bool                       `json:"suspicious"`
			}{events, suspicious})
		}
		return printEvents(out, events, suspicious)
	})
}

func printEvents(out io.Writer, events []tokenstore.SecurityEvent, suspicious bool) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tDETAILS")
	for _, event := range events {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n",
			event.Timestamp.Local().Format(time.DateTime),
			event.Event,
			formatDetails(event.Details),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	verdict := "no suspicious activity"
	if suspicious {
		verdict = "suspicious activity detected, consider running `forestmail logout`"
	}
	_, err := fmt.Fprintf(out, "\n%d event(s), %s\n", len(events), verdict)
	return err
}

func formatDetails(details map[string]any) string {
	parts := make([]string, 0, len(details))
	for _, k := range slices.Sorted(maps.Keys(details)) {
		parts = append(parts, fmt.Sprintf("%s=%v", k, details[k]))
	}
	return strings.Join(parts, " ")
}
