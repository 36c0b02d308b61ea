// Package cli defines the Cobra commands for the terminal interview client.
package cli

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

	"github.com/ashureev/hiring-assistant/internal/config"
)

var version = "dev" // set via ldflags at build time

// options holds flag values that override the environment configuration.
type options struct {
	model          string
	baseURL        string
	submissionsDir string
	promptsFile    string
	temperature    float64
	timeout        time.Duration
	noStream       bool
	verbose        bool
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "interview",
		Short: "Run a screening interview in the terminal",
		Long: `interview runs the hiring assistant's screening conversation in the
terminal. The finished transcript is written to the submissions directory.

Configuration is read from the environment (and a .env file when present);
flags take precedence.`,
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return runChat(cmd.Context(), cfg, newLogger(cmd.ErrOrStderr(), opts.verbose))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.model, "model", config.DefaultModel, "chat completion model")
	flags.StringVar(&opts.baseURL, "base-url", config.DefaultBaseURL, "OpenAI-compatible endpoint base URL")
	flags.StringVar(&opts.submissionsDir, "submissions-dir", "submissions", "directory for finished transcripts")
	flags.StringVar(&opts.promptsFile, "prompts", "", "YAML file overriding the greeting, thank-you and system prompt")
	flags.Float64Var(&opts.temperature, "temperature", config.DefaultTemperature, "sampling temperature (0-2)")
	flags.DurationVar(&opts.timeout, "timeout", 2*time.Minute, "bound on a single completion call")
	flags.BoolVar(&opts.noStream, "no-stream", false, "request whole completions instead of streamed fragments")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output to stderr")

	root.AddCommand(newSubmissionsCommand(opts))
	return root
}

// Execute runs the root command. Called from main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	err := NewRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies explicitly set flags.
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("model") {
		cfg.LLM.Model = opts.model
	}
	if flags.Changed("base-url") {
		cfg.LLM.BaseURL = opts.baseURL
	}
	if flags.Changed("submissions-dir") {
		cfg.SubmissionsDir = opts.submissionsDir
	}
	if flags.Changed("prompts") {
		cfg.PromptsFile = opts.promptsFile
	}
	if flags.Changed("temperature") {
		cfg.LLM.Temperature = opts.temperature
	}
	if flags.Changed("timeout") {
		cfg.LLM.Timeout = opts.timeout
	}
	if flags.Changed("no-stream") {
		cfg.LLM.Stream = !opts.noStream
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
