// Package health implements the agent's own startup/liveness check,
// adapted from pkg/health/checks.go's server-reachability-plus-drift
// shape but repurposed to the resources spec §6 calls "persistent
// state": the vault directory and the log directory must be writable,
// and the configured server must answer its health endpoint.
package health

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

type Status struct {
	ServerReachable bool     `json:"server_reachable"`
	VaultWritable   bool     `json:"vault_writable"`
	LogDirWritable  bool     `json:"log_dir_writable"`
	Healthy         bool     `json:"healthy"`
	Issues          []string `json:"issues,omitempty"`
}

// Check probes the configured server's /v1/health endpoint and confirms
// the vault and log directories can be written to, the two persistent
// resources spec §6 names.
func Check(serverURL, vaultDir, logDir string) *Status {
	status := &Status{Healthy: true}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(serverURL, "/") + "/v1/health")
	if err != nil {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("cannot reach server: %v", err))
	} else {
		resp.Body.Close()
		status.ServerReachable = resp.StatusCode == http.StatusOK
		if !status.ServerReachable {
			status.Healthy = false
			status.Issues = append(status.Issues, fmt.Sprintf("server unhealthy: %d", resp.StatusCode))
		}
	}

	status.VaultWritable = checkWritable(vaultDir)
	if !status.VaultWritable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("vault directory %q is not writable", vaultDir))
	}

	status.LogDirWritable = checkWritable(logDir)
	if !status.LogDirWritable {
		status.Healthy = false
		status.Issues = append(status.Issues, fmt.Sprintf("log directory %q is not writable", logDir))
	}

	return status
}

func checkWritable(dir string) bool {
	if dir == "" {
		return false
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".health_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return false
	}
	_ = os.Remove(probe)
	return true
}
