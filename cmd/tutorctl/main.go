// tutorctl runs single tutoring turns from the command line and probes a
// running tutor server.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	backend string
	timeout time.Duration
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tutorctl",
		Short: "Reading tutor command line",
		Long: `tutorctl drives the reading tutor without the web client.

Turns run in-process against the completion backend given by --backend or
COMPLETION_BACKEND_URL. The health command probes a running server over gRPC.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}

	backend := os.Getenv("COMPLETION_BACKEND_URL")
	if backend == "" {
		backend = "http://localhost:3000"
	}
	root.PersistentFlags().StringVar(&opts.backend, "backend", backend, "completion backend base URL")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall command timeout")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(newAskCmd(opts), newActionCmd(opts), newHealthCmd(opts))
	return root
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "warning: failed to load .env:", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := execute(ctx, newRootCmd(), os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}

func execute(ctx context.Context, root *cobra.Command, args []string, out io.Writer) error {
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}
