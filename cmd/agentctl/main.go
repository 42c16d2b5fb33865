// Command agentctl is the CLI front-end for the broker agent: connect to a
// running agent (auto-spawning one if necessary), and either drive its
// request/response protocol or read the database directly for
// human-readable queries.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/broker"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/client"
	"github.com/vimo-ai/ai-cli-session-db/internal/agentdb/store"
	"github.com/vimo-ai/ai-cli-session-db/internal/dbconfig"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

var rootCmd = &cobra.Command{
	Use:   "agentctl",
	Short: "Query and control the ai-cli-session-db broker agent",
}

func main() {
	rootCmd.AddCommand(statusCmd, notifyCmd, watchCmd, queryCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func connectClient() (*client.Client, error) {
	if err := dbconfig.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize config: %w", err)
	}
	return client.ConnectOrStart(rootCmd.Context(), client.Config{
		DataDir:   dbconfig.DataDir(),
		Component: "agentctl",
		Version:   "dev",
	})
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the broker agent's status",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.Request(broker.Request{Type: broker.ReqQuery, QueryType: broker.QueryStatus})
		if err != nil {
			return err
		}
		if resp.Type == broker.RespError {
			return fmt.Errorf("%s (code=%d)", resp.Error, resp.Code)
		}

		var status struct {
			AgentVersion string `json:"agent_version"`
			Connections  int    `json:"connections"`
		}
		if err := json.Unmarshal(resp.Data, &status); err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("agent status"))
		fmt.Printf("  version:     %s\n", status.AgentVersion)
		fmt.Printf("  connections: %d\n", status.Connections)
		return nil
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify <path>",
	Short: "Ask the agent to incrementally scan a single transcript file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.Request(broker.Request{Type: broker.ReqNotifyFileChange, Path: args[0]})
		if err != nil {
			return err
		}
		if resp.Type == broker.RespError {
			return fmt.Errorf("%s (code=%d)", resp.Error, resp.Code)
		}
		fmt.Println(dimStyle.Render("ok"))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to new-message events and print them as they arrive",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connectClient()
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.Subscribe([]broker.EventType{broker.EventNewMessage, broker.EventSessionStart, broker.EventSessionEnd}); err != nil {
			return err
		}

		fmt.Println(headerStyle.Render("watching for events (Ctrl-C to stop)"))
		for {
			push, ok := c.RecvPush()
			if !ok {
				return fmt.Errorf("connection closed")
			}
			fmt.Printf("%s %s session=%s count=%d\n", dimStyle.Render(time.Now().Format(time.Kitchen)), push.Type, push.SessionID, push.Count)
		}
	},
}

var (
	querySince   string
	queryText    string
	queryProject string
	queryLimit   int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Search ingested messages directly against the database",
	Long: `query reads the shared database directly (not through the broker socket)
to run full-text search over ingested messages.

Examples:
  agentctl query --search "migrate the schema"
  agentctl query --search "retry logic" --since "yesterday"
  agentctl query --search "flaky test" --since "3 days ago" --limit 10`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := dbconfig.Initialize(); err != nil {
			return fmt.Errorf("initialize config: %w", err)
		}

		st, err := store.Open(filepath.Join(dbconfig.DataDir(), "db", "ai-cli-session.db"))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer st.Close()

		opts := store.SearchOptions{OrderBy: agentdb.SearchOrderTimeDesc, Limit: queryLimit}

		if querySince != "" {
			start, err := parseSince(querySince)
			if err != nil {
				return fmt.Errorf("parse --since: %w", err)
			}
			startMs := start.UnixMilli()
			opts.StartTimestamp = &startMs
		}

		if queryProject != "" {
			projectID, err := resolveProjectID(cmd, st, queryProject)
			if err != nil {
				return err
			}
			opts.ProjectID = &projectID
		}

		results, err := st.SearchMessages(cmd.Context(), queryText, opts)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if len(results) == 0 {
			fmt.Println(dimStyle.Render("no results"))
			return nil
		}

		for _, r := range results {
			ts := time.UnixMilli(r.Timestamp).Format(time.RFC3339)
			fmt.Printf("%s  %s  %s\n", headerStyle.Render(r.ProjectName), dimStyle.Render(ts), r.Snippet)
		}
		return nil
	},
}

func resolveProjectID(cmd *cobra.Command, st *store.Store, name string) (int64, error) {
	projects, err := st.ListProjects(cmd.Context())
	if err != nil {
		return 0, err
	}
	for _, p := range projects {
		if p.Name == name || p.Path == name {
			return p.ID, nil
		}
	}
	return 0, fmt.Errorf("no project matching %q", name)
}

// parseSince resolves a natural-language or absolute time expression for
// the --since flag, using the same rule set (English + common) as the
// original's indexing-service `when`-based date parsing.
func parseSince(expr string) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(expr, time.Now())
	if err != nil {
		return time.Time{}, err
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("could not parse %q as a time expression", expr)
	}
	return result.Time, nil
}

func init() {
	queryCmd.Flags().StringVar(&queryText, "search", "", "full-text search query")
	queryCmd.Flags().StringVar(&querySince, "since", "", "only messages after this time (e.g. \"yesterday\", \"3 days ago\")")
	queryCmd.Flags().StringVar(&queryProject, "project", "", "restrict to one project, by name or path")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 20, "maximum number of results")
}
