package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"capture-coordinator/internal/auth"
	"capture-coordinator/internal/bus"
)

func startTopic(v Variant) bus.Topic   { return bus.Topic("capture." + string(v) + ".start") }
func stopTopic(v Variant) bus.Topic    { return bus.Topic("capture." + string(v) + ".stop") }
func releaseTopic(v Variant) bus.Topic { return bus.Topic("capture." + string(v) + ".release") }

// Runner serves a Host over the message bus so the coordinator and the host
// stay independently-lived: if the runner's context dies, the coordinator's
// requests simply time out and its safety timer takes over.
type Runner struct {
	bus  *bus.Bus
	host Host
	auth *auth.Service
	log  *slog.Logger
}

// NewRunner returns a runner serving host on b.
func NewRunner(b *bus.Bus, host Host, authSvc *auth.Service, log *slog.Logger) *Runner {
	return &Runner{bus: b, host: host, auth: authSvc, log: log}
}

// Run serves start/stop/release requests until ctx is cancelled. Envelopes
// from unverifiable senders are dropped without a reply.
func (r *Runner) Run(ctx context.Context) {
	variant := r.host.Variant()
	starts := r.bus.Subscribe(startTopic(variant), 4)
	stops := r.bus.Subscribe(stopTopic(variant), 4)
	releases := r.bus.Subscribe(releaseTopic(variant), 4)

	for {
		select {
		case env := <-starts:
			if !r.verified(env) {
				continue
			}
			req, ok := env.Body.(Request)
			if !ok {
				env.Reply(bus.Result{Err: "malformed start request"})
				continue
			}
			if err := r.host.Start(ctx, req); err != nil {
				env.Reply(bus.Result{Err: err.Error()})
				continue
			}
			env.Reply(bus.Result{OK: true})
		case env := <-stops:
			if !r.verified(env) {
				continue
			}
			if err := r.host.Stop(ctx); err != nil {
				env.Reply(bus.Result{Err: err.Error()})
				continue
			}
			env.Reply(bus.Result{OK: true})
		case env := <-releases:
			if !r.verified(env) {
				continue
			}
			if err := r.host.Release(); err != nil {
				r.log.Debug("host release failed", "variant", variant, "error", err)
			}
			env.Reply(bus.Result{OK: true})
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) verified(env *bus.Envelope) bool {
	if err := r.auth.Verify(env.Sender); err != nil {
		r.log.Warn("dropping control message from unauthorized sender", "topic", env.Topic)
		return false
	}
	return true
}

// HostClient is the coordinator's handle to a remote capture host. It
// implements Host by exchanging envelopes; a dead host surfaces as a request
// timeout, never as corrupted state.
type HostClient struct {
	bus     *bus.Bus
	variant Variant
	token   string

	// startTimeout is generous: acquiring the capture resource may wait on a
	// permission dialog.
	startTimeout time.Duration
	stopTimeout  time.Duration
}

// NewHostClient returns a client addressing the host of the given variant.
func NewHostClient(b *bus.Bus, variant Variant, token string) *HostClient {
	return &HostClient{
		bus:          b,
		variant:      variant,
		token:        token,
		startTimeout: 30 * time.Second,
		stopTimeout:  5 * time.Second,
	}
}

func (c *HostClient) Variant() Variant { return c.variant }

func (c *HostClient) Start(ctx context.Context, req Request) error {
	ctx, cancel := context.WithTimeout(ctx, c.startTimeout)
	defer cancel()
	res, err := c.bus.Request(ctx, &bus.Envelope{
		Topic:       startTopic(c.variant),
		Sender:      c.token,
		RecordingID: req.RecordingID,
		Body:        req,
	})
	if err != nil {
		return fmt.Errorf("send start to %s host: %w", c.variant, err)
	}
	if !res.OK {
		return fmt.Errorf("%s host start failed: %s", c.variant, res.Err)
	}
	return nil
}

func (c *HostClient) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.stopTimeout)
	defer cancel()
	res, err := c.bus.Request(ctx, &bus.Envelope{
		Topic:  stopTopic(c.variant),
		Sender: c.token,
	})
	if err != nil {
		return fmt.Errorf("send stop to %s host: %w", c.variant, err)
	}
	if !res.OK {
		return fmt.Errorf("%s host stop failed: %s", c.variant, res.Err)
	}
	return nil
}

func (c *HostClient) Release() error {
	// Fire-and-forget: releasing an idle surface is best-effort.
	c.bus.Publish(&bus.Envelope{
		Topic:  releaseTopic(c.variant),
		Sender: c.token,
	})
	return nil
}

// BusNotifier publishes session lifecycle signals for the coordinator.
type BusNotifier struct {
	bus   *bus.Bus
	token string
}

// NewBusNotifier returns a Notifier publishing on b with the given sender
// token.
func NewBusNotifier(b *bus.Bus, token string) *BusNotifier {
	return &BusNotifier{bus: b, token: token}
}

func (n *BusNotifier) SessionStarted(recordingID string) {
	n.bus.Publish(&bus.Envelope{Topic: bus.TopicSessionStarted, Sender: n.token, RecordingID: recordingID})
}

func (n *BusNotifier) SessionSaved(recordingID string) {
	n.bus.Publish(&bus.Envelope{Topic: bus.TopicSessionSaved, Sender: n.token, RecordingID: recordingID})
}

func (n *BusNotifier) SessionFailed(recordingID string, err error) {
	n.bus.Publish(&bus.Envelope{Topic: bus.TopicSessionError, Sender: n.token, RecordingID: recordingID, Err: err.Error()})
}
