package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"golang.org/x/term"

	"github.com/ashureev/hiring-assistant/internal/config"
	"github.com/ashureev/hiring-assistant/internal/domain"
	"github.com/ashureev/hiring-assistant/internal/gateway"
	"github.com/ashureev/hiring-assistant/internal/interview"
	"github.com/ashureev/hiring-assistant/internal/prompts"
	"github.com/ashureev/hiring-assistant/internal/transcript"
)

const (
	userPrompt = "you> "
	historyDir = "hiring-assistant"
)

var (
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	warningStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	hintStyle      = lipgloss.NewStyle().Faint(true)
)

func assistantLabel() string {
	return assistantStyle.Render("assistant>") + " "
}

// prompter reads candidate input. ChatCLI implements it over a terminal.
type prompter interface {
	Prompt(prompt string) (string, error)
	ReadSecret(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for the interview.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads previous input history.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(dir, historyDir, "history"),
	}
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		_ = f.Close()
	}
	return c
}

// Prompt reads one line. Only slash commands are kept in history; answers
// carry the candidate's personal details and never reach the history file.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if rememberInHistory(input) {
		c.line.AppendHistory(strings.TrimSpace(input))
	}
	return input, nil
}

func rememberInHistory(input string) bool {
	input = strings.TrimSpace(input)
	return len(input) > 1 && strings.HasPrefix(input, "/")
}

// ReadSecret reads a line without echo. It is never added to history.
func (c *ChatCLI) ReadSecret(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		// Piped input has nothing to hide.
		return c.line.Prompt(prompt)
	}
	fmt.Fprint(os.Stdout, prompt)
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stdout)
	if err != nil {
		return "", err
	}
	return string(secret), nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = c.line.WriteHistory(f)
			_ = f.Close()
		}
	}
	_ = c.line.Close()
}

func runChat(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	catalog, err := prompts.Load(cfg.PromptsFile)
	if err != nil {
		return err
	}

	client := gateway.NewClient(gateway.ClientConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Stream:  cfg.LLM.Stream,
	}, logger)
	files := transcript.NewFileStore(cfg.SubmissionsDir, logger)

	ctrl := interview.NewController(client, files, interview.Options{
		Catalog:     catalog,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	defer ctrl.Close()

	chat := NewChatCLI()
	defer chat.Close()

	return (&session{ctrl: ctrl, in: chat, out: os.Stdout}).run(ctx)
}

// session drives one controller from a prompter.
type session struct {
	ctrl *interview.Controller
	in   prompter
	out  io.Writer
}

func (s *session) run(ctx context.Context) error {
	s.ctrl.Initialize()
	for _, turn := range s.ctrl.Transcript() {
		s.printTurn(turn)
	}
	fmt.Fprintln(s.out, hintStyle.Render("(Type /retry to resend your last answer, /quit to leave.)"))

	for {
		closed, err := s.ctrl.CheckAndFinalize(ctx)
		if err != nil {
			fmt.Fprintf(s.out, "\n%s\n", warningStyle.Render(fmt.Sprintf("Could not save your answers: %v", err)))
			if _, promptErr := s.in.Prompt("Press Enter to try again, or Ctrl+D to quit. "); promptErr != nil {
				return fmt.Errorf("transcript not saved: %w", err)
			}
			continue
		}
		if closed {
			fmt.Fprintf(s.out, "\n%s\n", successStyle.Render("Your answers were saved to "+s.ctrl.Location()))
			return nil
		}

		input, err := s.in.Prompt(userPrompt)
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
		input = strings.TrimSpace(input)

		switch input {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/retry":
			s.turn(func(onFragment func(string)) (domain.Turn, error) {
				return s.ctrl.RetryLastTurn(ctx, onFragment)
			})
		default:
			s.turn(func(onFragment func(string)) (domain.Turn, error) {
				return s.ctrl.SubmitUserTurn(ctx, input, onFragment)
			})
		}
	}
}

// turn runs one exchange, asking for a credential once when none is set.
func (s *session) turn(run func(onFragment func(string)) (domain.Turn, error)) {
	for attempt := 0; attempt < 2; attempt++ {
		streamed := false
		_, err := run(func(fragment string) {
			if !streamed {
				fmt.Fprint(s.out, "\n"+assistantLabel())
				streamed = true
			}
			fmt.Fprint(s.out, fragment)
		})
		if streamed {
			fmt.Fprintln(s.out)
			fmt.Fprintln(s.out)
		}
		if err == nil {
			return
		}

		var cfgErr *interview.ConfigurationError
		if errors.As(err, &cfgErr) && attempt == 0 {
			token, readErr := s.in.ReadSecret("An API token is required. Token: ")
			if readErr != nil || strings.TrimSpace(token) == "" {
				fmt.Fprintln(s.out, warningStyle.Render("No token entered; your message was not sent."))
				return
			}
			s.ctrl.SetCredential(token)
			continue
		}
		s.printError(err)
		return
	}
}

func (s *session) printTurn(turn domain.Turn) {
	switch turn.Role {
	case domain.RoleAssistant:
		fmt.Fprintf(s.out, "\n%s%s\n\n", assistantLabel(), turn.Content)
	case domain.RoleUser:
		fmt.Fprintf(s.out, "%s%s\n", userPrompt, turn.Content)
	}
}

func (s *session) printError(err error) {
	switch interview.ErrorKind(err) {
	case "gateway":
		fmt.Fprintf(s.out, "\n%s\n%s\n\n",
			warningStyle.Render(fmt.Sprintf("The assistant could not answer: %v", err)),
			hintStyle.Render("Type /retry to try again."))
	case "input":
		fmt.Fprintf(s.out, "%v\n", err)
	case "closed":
		fmt.Fprintln(s.out, warningStyle.Render("The interview has ended."))
	default:
		fmt.Fprintln(s.out, warningStyle.Render(fmt.Sprintf("Error: %v", err)))
	}
}
