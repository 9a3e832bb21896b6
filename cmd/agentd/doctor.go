package main

import (
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/wingthing-broker/agent/internal/auth"
	"github.com/wingthing-broker/agent/internal/config"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, CLI binary, host identity, and signalling reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			fmt.Println("agentd doctor")
			fmt.Println()

			fmt.Println("CLI binary:")
			if path, err := exec.LookPath(cfg.CLIBinary); err != nil {
				fmt.Printf("  %-12s not found on PATH\n", cfg.CLIBinary)
			} else {
				fmt.Printf("  %-12s %s\n", cfg.CLIBinary, path)
			}
			fmt.Println()

			fmt.Println("Host identity:")
			hostID, err := auth.NewHostIdentity(cfg.WorkspaceDir)
			if err != nil {
				fmt.Printf("  error: %v\n", err)
			} else {
				fmt.Printf("  host_id: %s\n", hostID.Current())
				hostID.Close()
			}
			fmt.Println()

			fmt.Println("Signalling server:")
			if reachable(cfg.SignalingServerURL) {
				fmt.Printf("  %-12s reachable\n", cfg.SignalingServerURL)
			} else {
				fmt.Printf("  %-12s not reachable\n", cfg.SignalingServerURL)
			}
			fmt.Println()

			fmt.Println("Config:")
			fmt.Printf("  bind_addr:        %s\n", cfg.BindAddr)
			fmt.Printf("  workspace_dir:    %s\n", cfg.WorkspaceDir)
			fmt.Printf("  command_timeout:  %s\n", cfg.CommandTimeout)
			fmt.Printf("  rate_limit:       %d req / %s\n", cfg.RateLimitMaxRequests, cfg.RateLimitWindow)
			fmt.Printf("  cors_origins:     %s\n", strings.Join(cfg.CORSOrigins, ","))

			return nil
		},
	}
}

// reachable turns a ws(s):// signalling URL into its http(s) equivalent
// and probes it with a short-timeout GET, since the relay's health
// check is a plain HTTP endpoint even though the agent itself only
// ever speaks WebSocket to it.
func reachable(signalingURL string) bool {
	httpURL := signalingURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(httpURL)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
