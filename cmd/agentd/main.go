package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/wingthing-broker/agent/internal/logger"
)

func main() {
	if err := logger.Init(envOr("LOG_LEVEL", "info"), os.Getenv("LOG_FILE")); err != nil {
		os.Stderr.WriteString("agentd: failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:   "agentd",
		Short: "wingthing host agent: P2P remote execution broker",
	}

	root.AddCommand(
		serveCmd(),
		keygenCmd(),
		doctorCmd(),
	)

	if err := root.Execute(); err != nil {
		logger.Error("agentd: command failed", "error", err)
		os.Exit(1)
	}
}
