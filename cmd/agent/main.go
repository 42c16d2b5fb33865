// Command agent is the Broker Server (C10): the long-lived process that
// owns the database, watches transcript directories for changes, and
// serves the local IPC protocol described by this repository.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/broker"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/ingest"
	"github.com/vimo-ai/ai-cli-session-db/internal/dbconfig"
	"github.com/vimo-ai/ai-cli-session-db/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the ai-cli-session-db broker agent",
	Long: `agent is the long-lived process that owns the shared SQLite database,
watches AI assistant transcript directories for changes, ingests new
messages incrementally, and serves the request/response and push-event
protocol described in this repository over a local Unix-domain socket.

It exits on SIGINT/SIGTERM, or after a sustained idle period with no
connected clients.`,
	RunE: runAgent,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, args []string) error {
	if err := dbconfig.Initialize(); err != nil {
		return fmt.Errorf("initialize config: %w", err)
	}

	logging.Init(logging.Options{
		FilePath: dbconfig.GetString("log-file"),
		Console:  true,
	})
	log := logging.For("main")

	adapters := []ingest.Adapter{
		&ingest.ClaudeAdapter{SessionsRoot: defaultClaudeSessionsRoot()},
	}

	server, err := broker.New(broker.Config{
		DataDir:     dbconfig.DataDir(),
		IdleTimeout: dbconfig.IdleTimeout(),
	}, adapters)
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = server.Run(ctx)
	log.Info().Msg("agent exiting")
	return err
}

func defaultClaudeSessionsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".claude", "projects")
}
