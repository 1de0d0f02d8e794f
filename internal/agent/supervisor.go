// Package agent implements the Supervisor (SPEC_FULL §4.9): the
// top-level process that owns the policy store, wires every monitor to
// it, and runs the heartbeat/policy-sync worker loops. Grounded on
// agent/main.go's config -> identity -> report-loop orchestration,
// generalized from one HTTP reporting loop to N independent worker
// loops sharing a *policy.Store.
package agent

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/haasonsaas/dlpagent/internal/baseline"
	"github.com/haasonsaas/dlpagent/internal/config"
	"github.com/haasonsaas/dlpagent/internal/events"
	"github.com/haasonsaas/dlpagent/internal/monitor/clipboard"
	"github.com/haasonsaas/dlpagent/internal/monitor/fsmon"
	"github.com/haasonsaas/dlpagent/internal/monitor/usbdevice"
	"github.com/haasonsaas/dlpagent/internal/monitor/usbtransfer"
	"github.com/haasonsaas/dlpagent/internal/netutil"
	"github.com/haasonsaas/dlpagent/internal/platform"
	"github.com/haasonsaas/dlpagent/internal/policy"
	"github.com/haasonsaas/dlpagent/internal/quarantine"
	"github.com/haasonsaas/dlpagent/internal/transport"
)

// Version is stamped into the registration payload and policy-sync
// requests; overridden at build time via -ldflags the way
// agent/main.go's Version var is.
var Version = "dev"

// Supervisor owns the atomic running flag and the policy.Store spec §5
// lists as the shared mutex-guarded resource every monitor reads.
type Supervisor struct {
	cfg    *config.AgentConfig
	client transport.Client
	log    zerolog.Logger

	store     *policy.Store
	emitter   *events.Emitter
	scheduler *quarantine.Scheduler

	fsMon          *fsmon.Monitor
	clipMon        *clipboard.Monitor
	usbDevMon      *usbdevice.Monitor
	usbTransferMon *usbtransfer.Monitor

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	monMu                                                   sync.Mutex
	fsRunning, clipRunning, usbDevRunning, usbTransferRunning bool
}

func New(cfg *config.AgentConfig, client transport.Client, log zerolog.Logger) *Supervisor {
	store := policy.NewStore(fmt.Sprintf("%s/usb_block_state.json", cfg.VaultDir), log)
	emitter := events.NewEmitter(cfg.AgentID, client, store.Active, log)
	scheduler := quarantine.NewScheduler(quarantine.RealClock, log)
	baselines := baseline.New(baseline.DefaultCapacity)

	s := &Supervisor{
		cfg:       cfg,
		client:    client,
		log:       log,
		store:     store,
		emitter:   emitter,
		scheduler: scheduler,

		fsMon:          fsmon.New(log, store.Active, baselines, scheduler, emitter, cfg.VaultDir),
		clipMon:        clipboard.New(log, store.Active, platform.NewClipboardReader(), platform.NewWindowTitler(), emitter),
		usbDevMon:      usbdevice.New(log, store.Active, platform.NewUSBWatcher(), platform.NewUSBBlocker(), emitter),
		usbTransferMon: usbtransfer.New(log, store.Active, platform.NewRemovableDriveLister(), scheduler, emitter, cfg.VaultDir),
	}
	store.OnUSBBlockingChanged(s.usbDevMon.OnUSBBlockingChanged)
	return s
}

// Run registers with the server and starts the heartbeat and
// policy-sync worker loops; monitors start lazily as policy classes
// become non-empty (SPEC_FULL §9.A: no-policy -> no-monitor-startup).
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("supervisor already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.register(runCtx); err != nil {
		s.running.Store(false)
		return fmt.Errorf("register agent: %w", err)
	}

	if s.store.PersistedUSBBlockingActive() {
		s.log.Info().Msg("usb blocking was active before restart; awaiting policy sync to reconcile enforcement")
	}

	s.wg.Add(2)
	go s.heartbeatLoop(runCtx)
	go s.policySyncLoop(runCtx)
	return nil
}

// Shutdown stops every worker loop and running monitor, re-enabling any
// blocked USB storage before exit (spec §5).
func (s *Supervisor) Shutdown() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.usbDevMon.OnUSBBlockingChanged(false)

	s.monMu.Lock()
	if s.fsRunning {
		s.fsMon.Stop()
	}
	if s.clipRunning {
		s.clipMon.Stop()
	}
	if s.usbDevRunning {
		s.usbDevMon.Stop()
	}
	if s.usbTransferRunning {
		s.usbTransferMon.Stop()
	}
	s.monMu.Unlock()

	s.running.Store(false)
}

func (s *Supervisor) register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	ip, _ := netutil.OutboundIP()
	return s.client.Register(ctx, transport.RegisterRequest{
		AgentID:   s.cfg.AgentID,
		Name:      s.cfg.AgentName,
		Hostname:  hostname,
		OS:        runtime.GOOS,
		OSVersion: runtime.GOARCH,
		IPAddress: ip,
		Version:   Version,
	})
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.HeartbeatInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Supervisor) heartbeat(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("heartbeat loop panicked")
		}
	}()
	ip, _ := netutil.OutboundIP()
	req := transport.HeartbeatRequest{
		Timestamp:     time.Now().UTC(),
		IPAddress:     ip,
		PolicyVersion: s.store.Active().Version,
	}
	if err := s.client.Heartbeat(ctx, s.cfg.AgentID, req); err != nil {
		s.log.Warn().Err(err).Msg("heartbeat failed")
	}
}

func (s *Supervisor) policySyncLoop(ctx context.Context) {
	defer s.wg.Done()
	s.syncPolicies(ctx)

	ticker := time.NewTicker(time.Duration(s.cfg.PolicySyncInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncPolicies(ctx)
		}
	}
}

func (s *Supervisor) syncPolicies(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("policy sync loop panicked")
		}
	}()
	prev := s.store.Active()
	res, err := s.client.SyncPolicies(ctx, s.cfg.AgentID, transport.SyncRequest{
		Platform:         runtime.GOOS,
		InstalledVersion: Version,
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("policy sync failed")
		return
	}
	if res.UpToDate || res.Bundle == nil {
		return
	}

	next, err := s.store.Apply(res.Bundle)
	if err != nil {
		s.log.Error().Err(err).Msg("malformed policy bundle rejected")
		return
	}
	s.reconcileMonitors(ctx, prev, next)
}

// Status reports which monitor classes are currently running, used by
// cmd/agentctl's inspector and by tests asserting the no-policy ->
// no-monitor-startup behavior (SPEC_FULL §9.A).
func (s *Supervisor) Status() map[policy.Class]bool {
	s.monMu.Lock()
	defer s.monMu.Unlock()
	return map[policy.Class]bool{
		policy.ClassFileSystem:      s.fsRunning,
		policy.ClassClipboard:       s.clipRunning,
		policy.ClassUSBDevice:       s.usbDevRunning,
		policy.ClassUSBFileTransfer: s.usbTransferRunning,
	}
}

// reconcileMonitors starts/stops monitor workers as each class
// transitions empty<->non-empty and diffs monitored paths for already
// running monitors (SPEC_FULL §9.A).
func (s *Supervisor) reconcileMonitors(ctx context.Context, prev, next *policy.ActivePolicySet) {
	s.monMu.Lock()
	defer s.monMu.Unlock()

	wantFS := next.HasClass(policy.ClassFileSystem)
	switch {
	case wantFS && !s.fsRunning:
		if err := s.fsMon.Start(ctx); err != nil {
			s.log.Error().Err(err).Msg("failed to start filesystem monitor")
		} else {
			s.fsRunning = true
		}
	case wantFS && s.fsRunning:
		if err := s.fsMon.Reconcile(next.MonitoredDirs); err != nil {
			s.log.Error().Err(err).Msg("failed to reconcile filesystem monitor")
		}
	case !wantFS && s.fsRunning:
		s.fsMon.Stop()
		s.fsRunning = false
	}

	wantClip := next.HasClass(policy.ClassClipboard)
	if wantClip && !s.clipRunning {
		s.clipMon.Start(ctx)
		s.clipRunning = true
	} else if !wantClip && s.clipRunning {
		s.clipMon.Stop()
		s.clipRunning = false
	}

	wantUSBDev := next.HasClass(policy.ClassUSBDevice)
	if wantUSBDev && !s.usbDevRunning {
		if err := s.usbDevMon.Start(ctx); err != nil {
			s.log.Error().Err(err).Msg("failed to start usb device monitor")
		} else {
			s.usbDevRunning = true
		}
	} else if !wantUSBDev && s.usbDevRunning {
		s.usbDevMon.Stop()
		s.usbDevRunning = false
	}

	wantUSBTransfer := next.HasClass(policy.ClassUSBFileTransfer)
	if wantUSBTransfer && !s.usbTransferRunning {
		s.usbTransferMon.Start(ctx)
		s.usbTransferRunning = true
	} else if !wantUSBTransfer && s.usbTransferRunning {
		s.usbTransferMon.Stop()
		s.usbTransferRunning = false
	}
}
