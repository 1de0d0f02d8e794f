// Command agentctl is a cobra-based inspector CLI against
// cmd/mockserver, adapted from cli/main.go's device-listing commands
// to the DLP agent/event model.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	Version   = "dev"
)

type agentSummary struct {
	AgentID       string    `json:"AgentID"`
	Name          string    `json:"Name"`
	Hostname      string    `json:"Hostname"`
	OS            string    `json:"OS"`
	IPAddress     string    `json:"IPAddress"`
	PolicyVersion string    `json:"PolicyVersion"`
	LastSeenAt    time.Time `json:"LastSeenAt"`
}

type eventSummary struct {
	EventID      string    `json:"EventID"`
	EventType    string    `json:"EventType"`
	EventSubtype string    `json:"EventSubtype"`
	Severity     string    `json:"Severity"`
	Action       string    `json:"Action"`
	Description  string    `json:"Description"`
	Timestamp    time.Time `json:"Timestamp"`
}

type agentDetail struct {
	Agent        agentSummary   `json:"agent"`
	RecentEvents []eventSummary `json:"recent_events"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "agentctl",
		Short: "agentctl - inspect DLP agents and their recent events",
		Long:  "Query a mockserver instance for registered agents and the events they have reported",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8443", "mockserver URL")

	rootCmd.AddCommand(
		statusCmd(),
		agentsCmd(),
		agentCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show fleet-wide agent status",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := fetchAgents()
			if err != nil {
				return err
			}

			stale := 0
			for _, a := range agents {
				if time.Since(a.LastSeenAt) > 5*time.Minute {
					stale++
				}
			}

			fmt.Printf("Agent Status\n")
			fmt.Printf("============\n\n")
			fmt.Printf("Total Agents:      %d\n", len(agents))
			fmt.Printf("Stale (>5m):       %d\n", stale)
			fmt.Printf("Healthy:           %d\n", len(agents)-stale)
			return nil
		},
	}
}

func agentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls", "list"},
		Short:   "List all registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			agents, err := fetchAgents()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "AGENT ID\tHOSTNAME\tIP\tPOLICY VERSION\tLAST SEEN")
			fmt.Fprintln(w, "--------\t--------\t--\t--------------\t---------")
			for _, a := range agents {
				lastSeen := time.Since(a.LastSeenAt).Round(time.Second)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s ago\n", a.AgentID, a.Hostname, a.IPAddress, a.PolicyVersion, lastSeen)
			}
			w.Flush()
			return nil
		},
	}
}

func agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent [agent-id]",
		Short: "Show details and recent events for one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			detail, err := fetchAgentDetail(args[0])
			if err != nil {
				return err
			}

			a := detail.Agent
			fmt.Printf("Agent: %s\n", a.AgentID)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Hostname:       %s\n", a.Hostname)
			fmt.Printf("OS:             %s\n", a.OS)
			fmt.Printf("IP Address:     %s\n", a.IPAddress)
			fmt.Printf("Policy Version: %s\n", a.PolicyVersion)
			fmt.Printf("Last Seen:      %s (%s ago)\n\n", a.LastSeenAt.Format(time.RFC3339), time.Since(a.LastSeenAt).Round(time.Second))

			fmt.Printf("Recent Events (%d)\n", len(detail.RecentEvents))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tTYPE\tSEVERITY\tACTION\tDESCRIPTION")
			for _, e := range detail.RecentEvents {
				fmt.Fprintf(w, "%s\t%s/%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.EventSubtype, e.Severity, e.Action, e.Description)
			}
			w.Flush()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentctl version %s\n", Version)
		},
	}
}

func fetchAgents() ([]agentSummary, error) {
	resp, err := http.Get(serverURL + "/agents")
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var agents []agentSummary
	if err := json.Unmarshal(body, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func fetchAgentDetail(agentID string) (*agentDetail, error) {
	resp, err := http.Get(serverURL + "/agents/" + agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent not found")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var detail agentDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}
