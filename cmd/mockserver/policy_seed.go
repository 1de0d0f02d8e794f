package main

import (
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/dlpagent/internal/policy"
)

// seedRule mirrors policy.Rule with yaml tags, the way
// server/main.go's loadPolicy unmarshals pkg/policy.Policy from a YAML
// file on disk rather than expecting JSON. It is converted to JSON and
// fed through policy.ParseBundle so the seed file goes through the same
// normalization (defaulting, USB event expansion) a real server would
// apply before shipping a bundle to an agent.
type seedRule struct {
	PolicyID        string               `yaml:"policy_id"`
	Name            string               `yaml:"name"`
	Enabled         bool                 `yaml:"enabled"`
	Action          string               `yaml:"action"`
	Severity        string               `yaml:"severity"`
	DataTypes       []string             `yaml:"data_types"`
	MonitoredPaths  []string             `yaml:"monitored_paths"`
	FileExtensions  []string             `yaml:"file_extensions"`
	MonitoredEvents []string             `yaml:"monitored_events"`
	MinMatchCount   int                  `yaml:"min_match_count"`
	QuarantinePath  string               `yaml:"quarantine_path"`
	Events          *seedUSBEventFlags   `yaml:"events"`
}

type seedUSBEventFlags struct {
	Connect      bool `yaml:"connect" json:"connect"`
	Disconnect   bool `yaml:"disconnect" json:"disconnect"`
	FileTransfer bool `yaml:"fileTransfer" json:"fileTransfer"`
}

type seedFile struct {
	Version  string                `yaml:"version"`
	Policies map[string][]seedRule `yaml:"policies"`
}

// loadSeedBundle reads a YAML seed-policy file and returns the
// normalized policy.Bundle it represents. A missing file yields an
// empty bundle, matching server/main.go's "warn and continue with zero
// rules" behavior for a missing policies.yaml.
func loadSeedBundle(path string) (*policy.Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &policy.Bundle{Version: "empty", Policies: map[policy.Class][]*policy.Rule{}}, nil
		}
		return nil, err
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, err
	}

	wire := struct {
		Version  string                       `json:"version"`
		Policies map[string][]json.RawMessage `json:"policies"`
	}{Version: seed.Version, Policies: map[string][]json.RawMessage{}}

	for class, rules := range seed.Policies {
		for _, r := range rules {
			raw, err := json.Marshal(struct {
				PolicyID        string             `json:"policy_id"`
				Name            string             `json:"name"`
				Class           string             `json:"class"`
				Enabled         bool               `json:"enabled"`
				Action          string             `json:"action"`
				Severity        string             `json:"severity"`
				DataTypes       []string           `json:"data_types"`
				MonitoredPaths  []string           `json:"monitored_paths"`
				FileExtensions  []string           `json:"file_extensions,omitempty"`
				MonitoredEvents []string           `json:"monitored_events"`
				MinMatchCount   int                `json:"min_match_count"`
				QuarantinePath  string             `json:"quarantine_path,omitempty"`
				Events          *seedUSBEventFlags `json:"events,omitempty"`
			}{
				PolicyID:        r.PolicyID,
				Name:            r.Name,
				Class:           class,
				Enabled:         r.Enabled,
				Action:          r.Action,
				Severity:        r.Severity,
				DataTypes:       r.DataTypes,
				MonitoredPaths:  r.MonitoredPaths,
				FileExtensions:  r.FileExtensions,
				MonitoredEvents: r.MonitoredEvents,
				MinMatchCount:   r.MinMatchCount,
				QuarantinePath:  r.QuarantinePath,
				Events:          r.Events,
			})
			if err != nil {
				return nil, err
			}
			wire.Policies[class] = append(wire.Policies[class], raw)
		}
	}

	data, err = json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	return policy.ParseBundle(data)
}
