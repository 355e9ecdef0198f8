package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/stellarlinkco/nudge/internal/config"
	"github.com/stellarlinkco/nudge/internal/gateway"
	"github.com/stellarlinkco/nudge/internal/task"
)

var rootCmd = &cobra.Command{
	Use:   "nudge",
	Short: "nudge - proactive chat companion gateway",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (channels + proactive scheduler)",
	RunE:  runServe,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and workspace",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show nudge status",
	RunE:  runStatus,
}

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Show pending proactive timers per session",
	RunE:  runJobs,
}

func init() {
	rootCmd.AddCommand(serveCmd, onboardCmd, statusCmd, jobsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'nudge onboard' or set NUDGE_API_KEY / ANTHROPIC_API_KEY")
	}

	gw, err := gateway.New(cfg)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	return gw.Run(context.Background())
}

func runOnboard(cmd *cobra.Command, args []string) error {
	cfgDir := config.ConfigDir()
	cfgPath := config.ConfigPath()

	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		data, _ := json.MarshalIndent(cfg, "", "  ")
		if err := os.WriteFile(cfgPath, data, 0644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Printf("Created config: %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}

	cfg, _ := config.LoadConfig()
	ws := cfg.Agent.Workspace
	if err := os.MkdirAll(ws, 0755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	writeIfNotExists(filepath.Join(ws, "AGENTS.md"), defaultAgentsMD)
	writeIfNotExists(filepath.Join(ws, "SOUL.md"), defaultSoulMD)

	fmt.Printf("Workspace ready: %s\n", ws)
	fmt.Println("\nNext steps:")
	fmt.Printf("  1. Edit %s to set your API key and telegram token\n", cfgPath)
	fmt.Println("  2. Add sessions under \"proactive.sessions\"")
	fmt.Println("  3. Run 'nudge serve'")

	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	return runStatusTo(os.Stdout)
}

func runStatusTo(w io.Writer) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(w, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(w, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(w, "Workspace: %s\n", cfg.Agent.Workspace)
	fmt.Fprintf(w, "Model: %s\n", cfg.Agent.Model)
	fmt.Fprintf(w, "Provider: %s\n", providerDisplay(cfg.Provider.Type))
	if cfg.Provider.APIKey != "" && len(cfg.Provider.APIKey) > 8 {
		masked := cfg.Provider.APIKey[:4] + "..." + cfg.Provider.APIKey[len(cfg.Provider.APIKey)-4:]
		fmt.Fprintf(w, "API Key: %s\n", masked)
	} else if cfg.Provider.APIKey != "" {
		fmt.Fprintln(w, "API Key: set")
	} else {
		fmt.Fprintln(w, "API Key: not set")
	}
	fmt.Fprintf(w, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(w, "Memory: enabled=%v\n", cfg.Memory.Enabled)

	enabled := 0
	for _, s := range cfg.Proactive.Sessions {
		if s.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(w, "Proactive sessions: %d enabled of %d\n", enabled, len(cfg.Proactive.Sessions))

	return nil
}

func runJobs(cmd *cobra.Command, args []string) error {
	return runJobsTo(os.Stdout, timerSnapshotPath())
}

func timerSnapshotPath() string {
	return filepath.Join(config.ConfigDir(), "data", "proactive", "timers.json")
}

// runJobsTo prints the persisted timer snapshot; reading the file keeps
// this usable while the gateway is running or stopped.
func runJobsTo(w io.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintln(w, "No timers scheduled.")
			return nil
		}
		return fmt.Errorf("read timer snapshot: %w", err)
	}

	var sessions map[string]task.SessionState
	if err := json.Unmarshal(data, &sessions); err != nil {
		return fmt.Errorf("parse timer snapshot: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No timers scheduled.")
		return nil
	}

	ids := make([]string, 0, len(sessions))
	for id := range sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := sessions[id]
		fmt.Fprintf(w, "%s\n", id)
		if st.BaselineFireAtMs != 0 {
			fmt.Fprintf(w, "  baseline: %s\n", time.UnixMilli(st.BaselineFireAtMs).Format(time.RFC3339))
		} else {
			fmt.Fprintln(w, "  baseline: none")
		}
		fmt.Fprintf(w, "  unanswered: %d\n", st.UnansweredCount)
		for _, t := range st.ContextTasks {
			fmt.Fprintf(w, "  follow-up %s at %s", t.JobID, time.UnixMilli(t.FireAtMs).Format(time.RFC3339))
			if t.Reason != "" {
				fmt.Fprintf(w, " (%s)", t.Reason)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return "anthropic (default)"
	}
	return t
}

func writeIfNotExists(path, content string) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		_ = os.WriteFile(path, []byte(content), 0644)
		fmt.Printf("  Created: %s\n", path)
	}
}

const defaultAgentsMD = `# nudge Agent

You are nudge, a personal chat companion.

You keep conversations alive: reply warmly when the user writes, and
reach out on your own when the moment is right.

## Guidelines
- Be concise and natural
- Reference earlier conversation when following up
- Never mention timers, schedules, or that you are automated
`

const defaultSoulMD = `# Soul

Your personality:
- Warm and attentive, never clingy
- Curious about how the user's plans turned out
- Brief by default; match the user's energy
`
