package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/badibam/assistant-sub007/internal/config"
	"github.com/badibam/assistant-sub007/internal/daemon"
	"github.com/badibam/assistant-sub007/pkg/scheduler"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and upcoming automations",
	Long:  `Show whether the assistant daemon is running and when each enabled automation fires next.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFile(cfg.DataDir)

	if pid, err := daemon.ReadPID(pidFile); err == nil && daemon.ProcessAlive(pid) {
		cmd.Println("Status: running")
		cmd.Printf("PID: %d\n", pid)
		if info, err := os.Stat(pidFile); err == nil {
			cmd.Printf("Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
		}
	} else {
		cmd.Println("Status: stopped")
	}

	printAutomations(cmd, cfg, time.Now())
	return nil
}

func printAutomations(cmd *cobra.Command, cfg *config.Config, now time.Time) {
	automations := cfg.EnabledAutomations()
	if len(automations) == 0 {
		cmd.Println("Automations: none")
		return
	}
	cmd.Println("Automations:")
	for _, a := range automations {
		next, err := scheduler.NextRun(a, now)
		if err != nil {
			cmd.Printf("- %s (%s): invalid schedule: %v\n", a.ID, a.Cron, err)
			continue
		}
		cmd.Printf("- %s (%s): next run %s (in %s)\n", a.ID, a.Spec(), next.Format(time.RFC3339), formatDuration(next.Sub(now)))
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
