package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/anvilworks/anvil/internal/config"
	"github.com/anvilworks/anvil/internal/state"
	"github.com/anvilworks/anvil/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show recorded sessions",
	Long: `Display sessions recorded in the state database.

Without arguments, lists all recorded sessions. With a session ID, shows
that session plus the shared-context snapshot taken when it finished.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if _, err := os.Stat(cfg.State.Path); os.IsNotExist(err) {
		fmt.Println("No recorded sessions. Run 'anvil run <request.yaml>' to start one.")
		return nil
	}

	db, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state db: %w", err)
	}

	if len(args) == 1 {
		return displaySession(db, args[0])
	}
	return displaySessions(db)
}

// displaySessions lists every recorded session.
func displaySessions(db *state.DB) error {
	sessions, err := db.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No recorded sessions.")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("%s  %-24s %s  started %s",
			s.ID, s.Name, statusLabel(s.Status), s.StartedAt.Format("2006-01-02 15:04:05"))
		if s.FinishedAt != nil {
			fmt.Printf("  took %s", s.FinishedAt.Sub(s.StartedAt).Round(10*time.Millisecond))
		}
		fmt.Println()
	}
	return nil
}

// displaySession shows one session and its context snapshot.
func displaySession(db *state.DB, id string) error {
	session, err := db.GetSession(id)
	if err != nil {
		return err
	}

	fmt.Printf("session %s: %s\n", session.ID, session.Name)
	fmt.Printf("  status:  %s\n", statusLabel(session.Status))
	fmt.Printf("  started: %s\n", session.StartedAt.Format("2006-01-02 15:04:05"))
	if session.FinishedAt != nil {
		fmt.Printf("  finished: %s\n", session.FinishedAt.Format("2006-01-02 15:04:05"))
	}

	entries, err := db.GetContextSnapshot(id)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	fmt.Println("  context snapshot:")
	for _, e := range entries {
		fmt.Printf("    %s (v%d, %s): %s\n", e.Key, e.Version, e.LastWriter, truncate(e.Value, 80))
	}
	return nil
}

// statusLabel colors a session status for terminal output.
func statusLabel(status models.SessionStatus) string {
	switch status {
	case models.SessionSucceeded:
		return color.GreenString(string(status))
	case models.SessionPartial:
		return color.YellowString(string(status))
	case models.SessionFailed:
		return color.RedString(string(status))
	default:
		return string(status)
	}
}

// truncate shortens long snapshot values for display.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
