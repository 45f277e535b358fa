// Package bus is the typed message channel between the coordinator and its
// capture hosts. The two sides are independently-lived actors: either may stop
// serving without corrupting the other's state, so all interaction goes through
// envelopes rather than method calls. Requests carry a reply channel; an absent
// or dead subscriber simply never replies and the caller's context expires.
package bus

import (
	"context"
	"sync"
)

// Topic addresses a class of envelope to its subscribers.
type Topic string

const (
	// Capture host lifecycle acks, consumed by the coordinator.
	TopicSessionStarted Topic = "session.started"
	TopicSessionSaved   Topic = "session.saved"
	TopicSessionError   Topic = "session.error"

	// Overlay control. Inject is a request (the coordinator wants to know
	// whether an overlay actually appeared); remove is a best-effort broadcast.
	TopicOverlayInject Topic = "overlay.inject"
	TopicOverlayRemove Topic = "overlay.remove"
)

// Result is the reply to a request envelope.
type Result struct {
	OK  bool
	Err string
}

// Envelope is one message on the bus. Sender carries the signed runtime token;
// receivers drop envelopes whose sender cannot be verified.
type Envelope struct {
	Topic       Topic
	Sender      string
	RecordingID string
	Err         string
	Body        any

	reply chan Result
}

// Reply answers a request envelope. Replying to a fire-and-forget envelope or
// replying twice is a no-op.
func (e *Envelope) Reply(r Result) {
	if e.reply == nil {
		return
	}
	select {
	case e.reply <- r:
	default:
	}
}

// Bus routes envelopes to topic subscribers.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]chan *Envelope
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]chan *Envelope)}
}

// Subscribe registers a buffered delivery channel for topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan *Envelope {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan *Envelope, buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers env to every subscriber of its topic, fire-and-forget.
// Envelopes to saturated subscribers are dropped rather than blocking the
// publisher; subscribers size their buffers for their message rate.
func (b *Bus) Publish(env *Envelope) {
	b.mu.RLock()
	subs := b.subs[env.Topic]
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- env:
		default:
		}
	}
}

// Request publishes env and waits for a reply or context expiry. A topic with
// no live subscriber behaves exactly like a crashed peer: the request times
// out and the caller falls back to its own recovery path.
func (b *Bus) Request(ctx context.Context, env *Envelope) (Result, error) {
	env.reply = make(chan Result, 1)
	b.Publish(env)
	select {
	case r := <-env.reply:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
