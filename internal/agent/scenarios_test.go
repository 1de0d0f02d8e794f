package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/config"
	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/policy"
	"github.com/haasonsaas/dlpagent/internal/transport"
)

// fakeClient is an in-memory transport.Client the supervisor tests
// drive directly, standing in for the real server spec §6 describes.
type fakeClient struct {
	mu             sync.Mutex
	registered     *transport.RegisterRequest
	heartbeats     []transport.HeartbeatRequest
	events         []events.Event
	nextSyncBundle *policy.Bundle
	syncCalls      int
}

func (f *fakeClient) Register(ctx context.Context, req transport.RegisterRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = &req
	return nil
}

func (f *fakeClient) Heartbeat(ctx context.Context, agentID string, req transport.HeartbeatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats = append(f.heartbeats, req)
	return nil
}

func (f *fakeClient) SyncPolicies(ctx context.Context, agentID string, req transport.SyncRequest) (*transport.SyncResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncCalls++
	if f.nextSyncBundle == nil {
		return &transport.SyncResult{UpToDate: true}, nil
	}
	bundle := f.nextSyncBundle
	f.nextSyncBundle = nil
	return &transport.SyncResult{Bundle: bundle}, nil
}

func (f *fakeClient) SendEvent(ctx context.Context, ev events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeClient) Unregister(ctx context.Context, agentID string) error { return nil }

func (f *fakeClient) eventCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func testConfig(t *testing.T) *config.AgentConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.VaultDir = t.TempDir()
	cfg.LogDir = t.TempDir()
	cfg.HeartbeatInterval = 1
	cfg.PolicySyncInterval = 1
	return cfg
}

func TestNoPolicySilenceStartsNoMonitors(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{}
	sup := New(cfg, client, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer sup.Shutdown()

	sup.syncPolicies(ctx) // empty bundle stays up to date

	status := sup.Status()
	for class, running := range status {
		if running {
			t.Fatalf("expected class %s to have no running monitor with an empty policy set", class)
		}
	}
	if client.eventCount() != 0 {
		t.Fatalf("expected zero events with an empty policy set, got %d", client.eventCount())
	}
}

func TestFileSystemRuleStartsFsMonitor(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{}
	sup := New(cfg, client, zerolog.Nop())

	watched := t.TempDir()
	client.nextSyncBundle = &policy.Bundle{
		Version: "v1",
		Policies: map[policy.Class][]*policy.Rule{
			policy.ClassFileSystem: {{
				PolicyID:       "fs1",
				Class:          policy.ClassFileSystem,
				Enabled:        true,
				Action:         policy.ActionQuarantine,
				Severity:       policy.SeverityHigh,
				DataTypes:      []string{"ssn"},
				MonitoredPaths: []string{watched},
				MinMatchCount:  1,
			}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer sup.Shutdown()

	sup.syncPolicies(ctx)

	if !sup.Status()[policy.ClassFileSystem] {
		t.Fatal("expected filesystem monitor to start once a file_system_monitoring rule synced")
	}
	if client.registered == nil || client.registered.AgentID != cfg.AgentID {
		t.Fatalf("expected registration with configured agent id, got %+v", client.registered)
	}
}

func TestHeartbeatLoopSendsPeriodicHeartbeats(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{}
	sup := New(cfg, client, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	defer sup.Shutdown()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		client.mu.Lock()
		n := len(client.heartbeats)
		client.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected at least one heartbeat within 3s at a 1s interval")
}

func TestMalformedBundleLeavesPreviousSetActive(t *testing.T) {
	cfg := testConfig(t)
	client := &fakeClient{}
	sup := New(cfg, client, zerolog.Nop())

	good := &policy.Bundle{Version: "v1", Policies: map[policy.Class][]*policy.Rule{
		policy.ClassClipboard: {{PolicyID: "c1", Class: policy.ClassClipboard, Enabled: true, Action: policy.ActionAlert, Severity: policy.SeverityLow, DataTypes: []string{"ssn"}, MinMatchCount: 1}},
	}}
	if _, err := sup.store.Apply(good); err != nil {
		t.Fatalf("apply good bundle: %v", err)
	}

	badData := []byte(`{"version": 5}`) // version must be a string; parse.go rejects this
	_, err := policy.ParseBundle(badData)
	if err == nil {
		t.Fatal("expected malformed bundle to fail parsing")
	}

	active := sup.store.Active()
	if active.Version != "v1" {
		t.Fatalf("expected previous active set retained, got version %q", active.Version)
	}
}
