package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashureev/lectura-tutor/internal/completion"
	"github.com/ashureev/lectura-tutor/internal/domain"
	"github.com/ashureev/lectura-tutor/internal/lexicon"
	"github.com/ashureev/lectura-tutor/internal/tutor"
)

type turnOptions struct {
	fragment    string
	textFile    string
	lengthMode  string
	temperature float64
	lexiconPath string
	showResult  bool
}

func (o *turnOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.fragment, "fragment", "", "selected fragment of the reading")
	cmd.Flags().StringVar(&o.textFile, "text", "", "file holding the full reading text")
	cmd.Flags().StringVar(&o.lengthMode, "length", "auto", "reply length: auto, brief, medium, detailed")
	cmd.Flags().Float64Var(&o.temperature, "temperature", 0, "sampling temperature in [0,1]; 0 uses the default")
	cmd.Flags().StringVar(&o.lexiconPath, "lexicon", os.Getenv("TUTOR_LEXICON_PATH"), "lexicon YAML override")
	cmd.Flags().BoolVar(&o.showResult, "result", false, "print turn diagnostics after the reply")
}

func (o *turnOptions) fullText() (string, error) {
	if o.textFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(o.textFile)
	if err != nil {
		return "", fmt.Errorf("read text: %w", err)
	}
	return string(data), nil
}

func newAskCmd(root *rootOptions) *cobra.Command {
	opts := &turnOptions{}
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask the tutor a free-text question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			full, err := opts.fullText()
			if err != nil {
				return err
			}
			return runTurn(cmd.Context(), cmd.OutOrStdout(), root, opts, func(ctx context.Context, o *tutor.Orchestrator) (tutor.TurnResult, error) {
				return o.HandlePrompt(ctx, tutor.PromptInput{Prompt: strings.Join(args, " "), FullText: full})
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func newActionCmd(root *rootOptions) *cobra.Command {
	opts := &turnOptions{}
	cmd := &cobra.Command{
		Use:   "action [explain|summarize|question|deep]",
		Short: "Run a reading action over --fragment",
		Long: `Runs one reading action over the selected fragment.

Spanish action names (explicar, resumir, preguntar, profundizar) are accepted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.fragment) == "" {
				return fmt.Errorf("--fragment is required")
			}
			full, err := opts.fullText()
			if err != nil {
				return err
			}
			return runTurn(cmd.Context(), cmd.OutOrStdout(), root, opts, func(ctx context.Context, o *tutor.Orchestrator) (tutor.TurnResult, error) {
				return o.HandleAction(ctx, args[0], opts.fragment, full)
			})
		},
	}
	opts.bind(cmd)
	return cmd
}

func runTurn(ctx context.Context, out io.Writer, root *rootOptions, opts *turnOptions, do func(context.Context, *tutor.Orchestrator) (tutor.TurnResult, error)) error {
	lx, err := lexicon.Default()
	if opts.lexiconPath != "" {
		lx, err = lexicon.Load(opts.lexiconPath)
	}
	if err != nil {
		return err
	}

	tuning := tutor.DefaultTuning()
	// The process exits after one turn, so nothing would deliver a follow-up.
	tuning.FollowUpsEnabled = false

	o, err := tutor.New(tutor.Options{
		Gateway:   completion.New(completion.DefaultConfig(root.backend)),
		Lexicon:   lx,
		Tuning:    tuning,
		Deliverer: tutor.DelivererFunc(func(msg domain.Message) { printMessage(out, msg) }),
	})
	if err != nil {
		return err
	}
	defer o.Close()

	patch := tutor.ContextPatch{LengthMode: &opts.lengthMode}
	if opts.fragment != "" {
		patch.Fragment = &opts.fragment
	}
	if opts.temperature > 0 {
		patch.Temperature = &opts.temperature
	}
	o.SetContext(patch)

	ctx, cancel := context.WithTimeout(ctx, root.timeout)
	defer cancel()

	res, err := do(ctx, o)
	if err != nil {
		return err
	}
	if opts.showResult {
		fmt.Fprintf(out, "turn=%s regenerations=%d retries=%d valid=%t steered=%t ignored=%t\n",
			res.TurnID, res.Attempt.RegenerationCount, res.Attempt.NetworkRetryCount,
			res.Validation.Valid, res.Steered, res.Ignored)
	}
	if res.Ignored {
		fmt.Fprintln(out, "(ignored)")
	}
	return nil
}

func printMessage(out io.Writer, msg domain.Message) {
	fmt.Fprintf(out, "[%s] %s\n", msg.Role, msg.Text)
}
