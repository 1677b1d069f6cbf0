package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"gitasahayak/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect and manage saved conversations",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved conversations",
	Long: `List the conversations visible to an account.

Guests see the local snapshot only. Signed-in accounts see the remote
sessions merged over the local snapshot, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		a, err := newApp(cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		sessions := a.history.ListSessions(cmd.Context(), account)
		renderSessions(cmd.OutOrStdout(), sessions, time.Now())
		return nil
	},
}

var historyDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a conversation locally and, when signed in, remotely",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, closer, err := newLogger(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		a, err := newApp(cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.history.DeleteSession(cmd.Context(), account, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), headerStyle.Render("Deleted "+args[0]))
		return nil
	},
}

func init() {
	historyCmd.PersistentFlags().StringVar(&account, "account", models.GuestAccountID, "Account whose history to use")
	historyCmd.AddCommand(historyListCmd, historyDeleteCmd)
	rootCmd.AddCommand(historyCmd)
}

func renderSessions(out io.Writer, sessions []models.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(out, headerStyle.Render("No conversations found"))
		return
	}
	fmt.Fprintln(out, headerStyle.Render(fmt.Sprintf("Found %d conversation(s)", len(sessions))))
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(w, titleStyle.Render("ID")+"\t"+titleStyle.Render("Title")+"\t"+titleStyle.Render("Messages")+"\t"+titleStyle.Render("Updated")+"\t")
	_, _ = fmt.Fprintln(w, strings.Repeat("─", 90))

	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = models.DefaultTitle
		}
		if r := []rune(title); len(r) > 50 {
			title = string(r[:47]) + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t\n",
			idStyle.Render(s.ID),
			title,
			countStyle.Render(strconv.Itoa(len(s.Messages))),
			dateStyle.Render(formatUpdated(s.Timestamp, now)),
		)
	}
	_ = w.Flush()
}

func formatUpdated(ms int64, now time.Time) string {
	if ms <= 0 {
		return "-"
	}
	t := time.UnixMilli(ms)
	diff := now.Sub(t)
	switch {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}
