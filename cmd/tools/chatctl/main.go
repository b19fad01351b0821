// Command chatctl drives a running backend over its HTTP API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type options struct {
	server  string
	timeout time.Duration
	out     io.Writer
}

func (o *options) client() *client {
	return newClient(o.server, o.timeout)
}

func defaultServer() string {
	if v := strings.TrimSpace(os.Getenv("CHATCTL_SERVER")); v != "" {
		return v
	}
	return "http://localhost:8080"
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &options{out: out}

	root := &cobra.Command{
		Use:           "chatctl",
		Short:         "chatctl - talk to a Dyno Tavern backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&opts.server, "server", defaultServer(), "backend base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout (not applied to chat streams)")

	root.AddCommand(
		newPersonasCmd(opts),
		newSessionCmd(opts),
		newChatCmd(opts),
		newHistoryCmd(opts),
		newStatsCmd(opts),
		newClearCmd(opts),
		newSwitchCmd(opts),
		newWindowCmd(opts),
		newUploadCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPersonasCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List available personas",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var personas []struct {
				ID    string `json:"id"`
				Name  string `json:"name"`
				Title string `json:"title"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/personas", nil, &personas); err != nil {
				return err
			}
			for _, p := range personas {
				fmt.Fprintf(opts.out, "%-10s %s - %s\n", p.ID, p.Name, p.Title)
			}
			return nil
		},
	}
}

func newSessionCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage sessions",
	}

	var window int
	create := &cobra.Command{
		Use:   "create <persona>",
		Short: "Create a session and print its id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var view struct {
				SessionID string `json:"sessionId"`
			}
			body := map[string]any{"personaId": args[0]}
			if window > 0 {
				body["window"] = window
			}
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/sessions", body, &view); err != nil {
				return err
			}
			fmt.Fprintln(opts.out, view.SessionID)
			return nil
		},
	}
	create.Flags().IntVarP(&window, "window", "w", 0, "context window size (3-15)")

	end := &cobra.Command{
		Use:   "end <session>",
		Short: "End a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.client().do(cmd.Context(), http.MethodDelete, "/sessions/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(create, end)
	return cmd
}

func newChatCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "chat <session> <message...>",
		Short: "Send a message and stream the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			message := strings.Join(args[1:], " ")
			err := opts.client().stream(cmd.Context(), args[0], message, func(ev streamEvent) {
				switch ev.Event {
				case "delta":
					fmt.Fprint(opts.out, ev.Content)
				case "warning":
					fmt.Fprintf(opts.out, "\n[warning] %s", ev.Content)
				case "end":
					fmt.Fprintln(opts.out)
				}
			})
			if err != nil {
				fmt.Fprintln(opts.out)
			}
			return err
		},
	}
}

func newHistoryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "history <session>",
		Short: "Print the session history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var turns []struct {
				Seq     int64  `json:"seq"`
				Role    string `json:"role"`
				Content string `json:"content"`
			}
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/sessions/"+args[0]+"/history", nil, &turns); err != nil {
				return err
			}
			for _, t := range turns {
				fmt.Fprintf(opts.out, "#%d %s: %s\n", t.Seq, t.Role, t.Content)
			}
			return nil
		},
	}
}

func newStatsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <session>",
		Short: "Print session stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats map[string]any
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/sessions/"+args[0]+"/stats", nil, &stats); err != nil {
				return err
			}
			return printJSON(opts.out, stats)
		},
	}
}

func newClearCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear <session>",
		Short: "Delete the active persona's memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.client().do(cmd.Context(), http.MethodPost, "/sessions/"+args[0]+"/clear", nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(opts.out, "memory cleared")
			return nil
		},
	}
}

func newSwitchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "switch <session> <persona>",
		Short: "Switch the session to another persona",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"personaId": args[1]}
			if err := opts.client().do(cmd.Context(), http.MethodPut, "/sessions/"+args[0]+"/persona", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "now talking to %s\n", args[1])
			return nil
		},
	}
}

func newUploadCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <session> <file>...",
		Short: "Store txt, md or csv files in the active persona's memory",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Documents []struct {
					Source   string `json:"source"`
					Excerpts int    `json:"excerpts"`
				} `json:"documents"`
			}
			if err := opts.client().upload(cmd.Context(), args[0], args[1:], &res); err != nil {
				return err
			}
			for _, doc := range res.Documents {
				fmt.Fprintf(opts.out, "%s: %d excerpts stored\n", doc.Source, doc.Excerpts)
			}
			return nil
		},
	}
}

func newWindowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "window <session> <size>",
		Short: "Set the context window size",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var size int
			if _, err := fmt.Sscanf(args[1], "%d", &size); err != nil {
				return fmt.Errorf("invalid size %q", args[1])
			}
			return opts.client().do(cmd.Context(), http.MethodPut, "/sessions/"+args[0]+"/window", map[string]int{"size": size}, nil)
		},
	}
}

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check inference connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status map[string]string
			if err := opts.client().do(cmd.Context(), http.MethodGet, "/health", nil, &status); err != nil {
				return err
			}
			fmt.Fprintf(opts.out, "status=%s inference=%s\n", status["status"], status["inference"])
			return nil
		},
	}
}
