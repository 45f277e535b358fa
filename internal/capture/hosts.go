package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Variant is the kind of execution surface a session runs in, which determines
// the exclusive-access resources it may request.
type Variant string

const (
	VariantHeadless Variant = "headless"
	VariantVisible  Variant = "visible"
)

// ErrMicrophoneUnsupported is returned when a headless host is asked for
// microphone input, which requires a visible surface.
var ErrMicrophoneUnsupported = errors.New("microphone capture requires a visible host")

// Host is one hosting variant for a capture session. Both variants implement
// the same contract; the coordinator is agnostic to which is active beyond
// knowing where to send STOP.
type Host interface {
	Variant() Variant
	Start(ctx context.Context, req Request) error
	Stop(ctx context.Context) error
	// Release frees the hosting surface once the session has completed.
	Release() error
}

// HeadlessHost runs a session in a host with no user-visible surface. It
// cannot request exclusive-access audio input.
type HeadlessHost struct {
	session *Session
	log     *slog.Logger
}

// NewHeadlessHost wraps session in the headless hosting variant.
func NewHeadlessHost(session *Session, log *slog.Logger) *HeadlessHost {
	return &HeadlessHost{session: session, log: log}
}

func (h *HeadlessHost) Variant() Variant { return VariantHeadless }

func (h *HeadlessHost) Start(ctx context.Context, req Request) error {
	if req.Microphone {
		return ErrMicrophoneUnsupported
	}
	return h.session.Start(ctx, req)
}

func (h *HeadlessHost) Stop(ctx context.Context) error {
	h.session.Stop()
	return nil
}

func (h *HeadlessHost) Release() error {
	if h.session.Active() {
		return nil // still in use
	}
	h.log.Debug("idle headless capture host released")
	return nil
}

// Surface is the dedicated, user-focusable page that hosts the visible
// variant.
type Surface interface {
	Open(recordingID string) error
	Focus() error
	Close() error
}

// VisibleHost runs a session in a dedicated focusable surface and may request
// exclusive-access audio input such as a microphone.
type VisibleHost struct {
	session *Session
	surface Surface
	log     *slog.Logger
}

// NewVisibleHost wraps session in the visible hosting variant.
func NewVisibleHost(session *Session, surface Surface, log *slog.Logger) *VisibleHost {
	return &VisibleHost{session: session, surface: surface, log: log}
}

func (h *VisibleHost) Variant() Variant { return VariantVisible }

func (h *VisibleHost) Start(ctx context.Context, req Request) error {
	if err := h.surface.Open(req.RecordingID); err != nil {
		return fmt.Errorf("open capture surface: %w", err)
	}
	if err := h.surface.Focus(); err != nil {
		h.log.Debug("capture surface focus failed", "error", err)
	}
	if err := h.session.Start(ctx, req); err != nil {
		if cerr := h.surface.Close(); cerr != nil {
			h.log.Debug("capture surface close failed", "error", cerr)
		}
		return err
	}
	return nil
}

func (h *VisibleHost) Stop(ctx context.Context) error {
	h.session.Stop()
	return nil
}

func (h *VisibleHost) Release() error {
	return h.surface.Close()
}
