// Package coordinator owns the recording lifecycle state machine. It is the
// single source of truth for whether a recording is in progress: all
// START/STOP requests and capture-host signals funnel through one event loop
// goroutine, so two stops in flight can never both pass the status guard.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"capture-coordinator/internal/bus"
	"capture-coordinator/internal/capture"
	"capture-coordinator/internal/platform/metrics"
)

const (
	// SaveTimeout is the safety watchdog for the saving phase. Minutes-scale
	// because large recordings can take a long time to flush and finalize.
	SaveTimeout = 5 * time.Minute

	// MinFreeSpace is the storage headroom required to start a recording.
	MinFreeSpace = 100 << 20

	// EstimatedBytesPerMinute sizes the capacity warning for long captures.
	EstimatedBytesPerMinute = 20 << 20
)

var (
	// ErrAlreadyActive is returned for START while a session is open.
	ErrAlreadyActive = errors.New("a recording is already in progress")
	// ErrNotRecording is returned for STOP while no recording is open.
	ErrNotRecording = errors.New("no recording in progress")
	// ErrInsufficientCapacity is returned when free space is below the floor.
	ErrInsufficientCapacity = errors.New("not enough free storage space to record")
)

// StartRequest is the coordinator's START input.
type StartRequest struct {
	Mode          capture.Mode `json:"mode"`
	IncludeMic    bool         `json:"includeMic"`
	IncludeSystem bool         `json:"includeSystemAudio"`
	// OverlayTarget identifies the currently focused subject surface, where
	// the control affordance is injected.
	OverlayTarget string `json:"overlayTargetId"`
}

// StartResult reports what START achieved beyond the state transition.
type StartResult struct {
	RecordingID     string
	OverlayInjected bool
}

// Coordinator is the recording lifecycle state machine. All state access runs
// on its event loop; exported methods post closures onto it and wait.
type Coordinator struct {
	headless  capture.Host // nil when headless hosting is unavailable
	visible   capture.Host
	capacity  CapacityChecker
	overlay   OverlayController
	indicator Indicator
	playback  PlaybackOpener
	bus       *bus.Bus
	auth      Verifier
	log       *slog.Logger
	metrics   *metrics.Metrics // may be nil

	saveTimeout time.Duration
	state       State
	cmds        chan func()
}

// Verifier checks the sender token on incoming bus envelopes.
type Verifier interface {
	Verify(token string) error
}

// Config carries the coordinator's collaborators.
type Config struct {
	Headless  capture.Host
	Visible   capture.Host
	Capacity  CapacityChecker
	Overlay   OverlayController
	Indicator Indicator
	Playback  PlaybackOpener
	Bus       *bus.Bus
	Auth      Verifier
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// New returns an idle coordinator. Run must be started for it to make
// progress.
func New(cfg Config) *Coordinator {
	return &Coordinator{
		headless:    cfg.Headless,
		visible:     cfg.Visible,
		capacity:    cfg.Capacity,
		overlay:     cfg.Overlay,
		indicator:   cfg.Indicator,
		playback:    cfg.Playback,
		bus:         cfg.Bus,
		auth:        cfg.Auth,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		saveTimeout: SaveTimeout,
		state:       State{Status: StatusIdle},
		cmds:        make(chan func(), 16),
	}
}

// Run drives the event loop and consumes capture-host signals until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	saved := c.bus.Subscribe(bus.TopicSessionSaved, 4)
	failed := c.bus.Subscribe(bus.TopicSessionError, 4)

	for {
		select {
		case fn := <-c.cmds:
			fn()
		case env := <-saved:
			if c.verified(env) {
				c.onSessionSaved(env.RecordingID)
			}
		case env := <-failed:
			if c.verified(env) {
				c.onSessionError(env.RecordingID, env.Err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) verified(env *bus.Envelope) bool {
	if err := c.auth.Verify(env.Sender); err != nil {
		c.log.Warn("dropping session signal from unauthorized sender", "topic", env.Topic)
		return false
	}
	return true
}

// call posts fn onto the event loop and waits for it to run.
func (c *Coordinator) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.cmds <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start begins a new recording. Only legal from idle.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	var res StartResult
	var err error
	if cerr := c.call(ctx, func() { res, err = c.startLocked(ctx, req) }); cerr != nil {
		return StartResult{}, cerr
	}
	return res, err
}

// Stop ends the active recording and begins the saving phase.
func (c *Coordinator) Stop(ctx context.Context) error {
	var err error
	if cerr := c.call(ctx, func() { err = c.stopLocked(ctx) }); cerr != nil {
		return cerr
	}
	return err
}

// Snapshot returns a copy of the current state.
func (c *Coordinator) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := c.call(ctx, func() { snap = c.state.snapshot() }); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// ActiveRecordingID reports the id of the in-flight session, if any. The
// retention sweeper uses it to exclude live chunk groups from orphan cleanup.
func (c *Coordinator) ActiveRecordingID(ctx context.Context) (string, error) {
	var id string
	if err := c.call(ctx, func() { id = c.state.RecordingID }); err != nil {
		return "", err
	}
	return id, nil
}

func (c *Coordinator) startLocked(ctx context.Context, req StartRequest) (StartResult, error) {
	if c.state.Status != StatusIdle {
		return StartResult{}, ErrAlreadyActive
	}

	if avail, err := c.capacity.Available(); err != nil {
		c.log.Warn("storage capacity check failed; starting anyway", "error", err)
	} else if avail < MinFreeSpace {
		c.log.Error("refusing to record without storage headroom",
			"available", avail, "required", int64(MinFreeSpace))
		return StartResult{}, ErrInsufficientCapacity
	} else {
		c.log.Debug("storage headroom ok",
			"available", avail,
			"estimated_minutes", avail/EstimatedBytesPerMinute,
		)
	}

	recordingID := uuid.NewString()
	host, err := c.pickHost(req.IncludeMic)
	if err != nil {
		return StartResult{}, err
	}

	if err := host.Start(ctx, capture.Request{
		Mode:        req.Mode,
		RecordingID: recordingID,
		SystemAudio: req.IncludeSystem,
		Microphone:  req.IncludeMic,
	}); err != nil {
		return StartResult{}, fmt.Errorf("start capture host: %w", err)
	}

	injected := false
	if req.OverlayTarget != "" {
		ok, oerr := c.overlay.Inject(ctx, req.OverlayTarget, recordingID)
		if oerr != nil {
			c.log.Debug("overlay injection failed", "target", req.OverlayTarget, "error", oerr)
		}
		injected = ok
		if !injected {
			c.log.Info("control overlay unavailable on target surface", "target", req.OverlayTarget)
		}
	}

	c.state.Status = StatusRecording
	c.state.Mode = req.Mode
	c.state.RecordingID = recordingID
	c.state.IncludeMic = req.IncludeMic
	c.state.IncludeSystem = req.IncludeSystem
	c.state.OverlayTarget = req.OverlayTarget
	c.state.HostingVariant = host.Variant()
	c.state.StartedAt = time.Now()
	c.state.lastError = ""
	c.indicator.Set(StatusRecording)
	if c.metrics != nil {
		c.metrics.IncRecordingsStarted()
		c.metrics.SetActiveRecording(true)
	}

	c.log.Info("recording started",
		"recording_id", recordingID,
		"mode", req.Mode,
		"variant", host.Variant(),
		"overlay_injected", injected,
	)
	return StartResult{RecordingID: recordingID, OverlayInjected: injected}, nil
}

// pickHost chooses the hosting variant. Microphone input needs a visible
// surface; otherwise headless is preferred, with visible as a structural
// fallback.
func (c *Coordinator) pickHost(includeMic bool) (capture.Host, error) {
	if includeMic {
		if c.visible == nil {
			return nil, fmt.Errorf("microphone capture requested but no visible host is configured")
		}
		return c.visible, nil
	}
	if c.headless != nil {
		return c.headless, nil
	}
	if c.visible == nil {
		return nil, fmt.Errorf("no capture host is configured")
	}
	return c.visible, nil
}

func (c *Coordinator) stopLocked(ctx context.Context) error {
	if c.state.Status != StatusRecording {
		return ErrNotRecording
	}

	// Flip before any I/O so a concurrent STOP is rejected.
	c.state.Status = StatusSaving
	c.indicator.Set(StatusSaving)

	if c.state.OverlayTarget != "" {
		c.overlay.RequestRemove(c.state.OverlayTarget)
		c.overlay.ForceRemove(c.state.OverlayTarget)
	}

	c.armSafetyTimer(c.state.RecordingID)

	host := c.activeHost()
	if err := host.Stop(ctx); err != nil {
		// The host may still complete through its own signal path; the safety
		// timer covers the case where it never does.
		c.log.Error("stop signal failed; relying on safety timer",
			"recording_id", c.state.RecordingID, "error", err)
		return fmt.Errorf("signal capture host: %w", err)
	}

	c.log.Info("recording stopping", "recording_id", c.state.RecordingID)
	return nil
}

func (c *Coordinator) activeHost() capture.Host {
	if c.state.HostingVariant == capture.VariantHeadless && c.headless != nil {
		return c.headless
	}
	return c.visible
}

// armSafetyTimer posts the timeout back onto the event loop so the forced
// reset is serialized with everything else.
func (c *Coordinator) armSafetyTimer(recordingID string) {
	c.state.stopSafetyTimer()
	c.state.safetyTimer = time.AfterFunc(c.saveTimeout, func() {
		c.cmds <- func() { c.onSafetyTimeout(recordingID) }
	})
}

// onSessionSaved handles the successful finalize signal. Signals for a
// recording that is no longer current are logged and ignored; a session may
// complete after the safety timer already reset the coordinator.
func (c *Coordinator) onSessionSaved(recordingID string) {
	if c.state.Status == StatusIdle || c.state.RecordingID != recordingID {
		c.log.Warn("ignoring completion for stale recording", "recording_id", recordingID)
		return
	}
	c.log.Info("recording saved", "recording_id", recordingID)
	if c.metrics != nil {
		c.metrics.IncRecordingsSaved()
	}
	c.state.lastError = ""
	c.finishSession(recordingID, true)
}

func (c *Coordinator) onSessionError(recordingID, message string) {
	if c.state.Status == StatusIdle || c.state.RecordingID != recordingID {
		c.log.Warn("ignoring failure for stale recording", "recording_id", recordingID)
		return
	}
	c.log.Error("recording failed", "recording_id", recordingID, "error", message)
	if c.metrics != nil {
		c.metrics.IncErrors()
	}
	c.state.lastError = message
	c.finishSession(recordingID, false)
}

func (c *Coordinator) onSafetyTimeout(recordingID string) {
	if c.state.Status != StatusSaving || c.state.RecordingID != recordingID {
		return
	}
	c.log.Warn("save timed out; forcing reset to idle",
		"recording_id", recordingID,
		"timeout", c.saveTimeout,
	)
	if c.metrics != nil {
		c.metrics.IncErrors()
	}
	c.state.lastError = "save timed out"
	c.finishSession(recordingID, false)
}

// finishSession is the single SAVING (or interrupted RECORDING) to IDLE path.
func (c *Coordinator) finishSession(recordingID string, openPreview bool) {
	c.state.stopSafetyTimer()
	if c.state.OverlayTarget != "" {
		c.overlay.ForceRemove(c.state.OverlayTarget)
	}
	if host := c.activeHost(); host != nil {
		if err := host.Release(); err != nil {
			c.log.Debug("host release failed", "error", err)
		}
	}
	c.state.resetSession()
	c.indicator.Set(StatusIdle)
	if c.metrics != nil {
		c.metrics.SetActiveRecording(false)
	}
	if openPreview {
		c.playback.OpenPreview(recordingID)
	}
}
