package cli

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/ashureev/hiring-assistant/internal/transcript"
)

func newSubmissionsCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List saved transcripts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			subs, err := transcript.NewFileStore(cfg.SubmissionsDir, nil).List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(subs) == 0 {
				fmt.Fprintf(out, "No submissions in %s\n", cfg.SubmissionsDir)
				return nil
			}
			t := table.New().
				Border(lipgloss.NormalBorder()).
				Headers("NAME", "SIZE", "SAVED")
			for _, s := range subs {
				t.Row(s.Name, strconv.FormatInt(s.Size, 10), s.ModTime.Format("2006-01-02 15:04:05"))
			}
			_, err = fmt.Fprintln(out, t.Render())
			return err
		},
	}
	cmd.AddCommand(newShowCommand(opts))
	return cmd
}

func newShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a saved transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			store := transcript.NewFileStore(cfg.SubmissionsDir, nil)
			turns, err := store.Load(filepath.Join(store.Dir(), filepath.Base(args[0])))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, turn := range turns {
				fmt.Fprintf(out, "[%s] %s\n\n", turn.Role, turn.Content)
			}
			return nil
		},
	}
}
