package coordinator

import (
	"context"
	"time"

	"capture-coordinator/internal/bus"
)

// CapacityChecker reports free space on the volume backing the chunk store.
type CapacityChecker interface {
	Available() (int64, error)
}

// OverlayController manages the on-page control affordance shown while a
// recording is in progress. All three operations are best-effort from the
// coordinator's point of view.
type OverlayController interface {
	// Inject places the overlay on the target surface and reports whether it
	// actually appeared. Restricted surfaces return (false, nil).
	Inject(ctx context.Context, target, recordingID string) (bool, error)
	// RequestRemove asks the overlay to remove itself.
	RequestRemove(target string)
	// ForceRemove tears the overlay down directly, covering the case where the
	// overlay's own listener is already gone.
	ForceRemove(target string)
}

// Indicator is the always-visible recording status indicator.
type Indicator interface {
	Set(status Status)
}

// PlaybackOpener opens a playback surface for a finished recording.
type PlaybackOpener interface {
	OpenPreview(recordingID string)
}

// BusOverlay drives the overlay over the message bus. An absent overlay agent
// is indistinguishable from a restricted surface: inject times out and reports
// not-injected.
type BusOverlay struct {
	bus           *bus.Bus
	token         string
	injectTimeout time.Duration
}

// NewBusOverlay returns an overlay controller publishing on b.
func NewBusOverlay(b *bus.Bus, token string) *BusOverlay {
	return &BusOverlay{bus: b, token: token, injectTimeout: 2 * time.Second}
}

func (o *BusOverlay) Inject(ctx context.Context, target, recordingID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, o.injectTimeout)
	defer cancel()
	res, err := o.bus.Request(ctx, &bus.Envelope{
		Topic:       bus.TopicOverlayInject,
		Sender:      o.token,
		RecordingID: recordingID,
		Body:        target,
	})
	if err != nil {
		return false, nil // no overlay agent on this surface
	}
	return res.OK, nil
}

// OverlayRemove is the body of an overlay.remove envelope. Force skips the
// overlay's own teardown listener and removes it by direct manipulation.
type OverlayRemove struct {
	Target string
	Force  bool
}

func (o *BusOverlay) RequestRemove(target string) {
	o.bus.Publish(&bus.Envelope{Topic: bus.TopicOverlayRemove, Sender: o.token, Body: OverlayRemove{Target: target}})
}

func (o *BusOverlay) ForceRemove(target string) {
	o.bus.Publish(&bus.Envelope{Topic: bus.TopicOverlayRemove, Sender: o.token, Body: OverlayRemove{Target: target, Force: true}})
}
