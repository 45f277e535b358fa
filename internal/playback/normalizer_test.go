package playback

import (
	"errors"
	"log/slog"
	"math"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakePlayer is a hand-driven media player: tests mutate its state and fire
// events explicitly.
type fakePlayer struct {
	mu        sync.Mutex
	loaded    bool
	duration  float64
	paused    bool
	current   float64
	seeks     []float64
	seekErrAt float64 // SetCurrentTime to this target fails
	endKnown  bool
	end       float64
	nextID    int
	listeners map[string]map[int]func()
}

func newFakePlayer(duration float64) *fakePlayer {
	return &fakePlayer{loaded: true, duration: duration, listeners: map[string]map[int]func(){}}
}

func (p *fakePlayer) MetadataLoaded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaded
}

func (p *fakePlayer) Duration() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration
}

func (p *fakePlayer) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *fakePlayer) CurrentTime() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePlayer) SetCurrentTime(seconds float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seekErrAt != 0 && seconds == p.seekErrAt {
		return errors.New("seek rejected")
	}
	p.seeks = append(p.seeks, seconds)
	p.current = seconds
	return nil
}

func (p *fakePlayer) SeekableEnd() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.end, p.endKnown
}

func (p *fakePlayer) On(event string, fn func()) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listeners[event] == nil {
		p.listeners[event] = map[int]func(){}
	}
	id := p.nextID
	p.nextID++
	p.listeners[event][id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.listeners[event], id)
	}
}

func (p *fakePlayer) fire(event string) {
	p.mu.Lock()
	fns := make([]func(), 0, len(p.listeners[event]))
	for _, fn := range p.listeners[event] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *fakePlayer) setDuration(d float64) {
	p.mu.Lock()
	p.duration = d
	p.mu.Unlock()
}

func (p *fakePlayer) lastSeek(t *testing.T) float64 {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.seeks) == 0 {
		t.Fatal("no seek happened")
	}
	return p.seeks[len(p.seeks)-1]
}

func TestNormalize_finite_duration_is_immediate(t *testing.T) {
	player := newFakePlayer(12.5)
	n := NewNormalizer(player, testLogger())

	n.Normalize(DefaultTimeout)

	if !n.Stable() {
		t.Fatal("finite duration should stabilize immediately")
	}
	player.mu.Lock()
	defer player.mu.Unlock()
	if len(player.seeks) != 0 {
		t.Errorf("no seek should happen, got %v", player.seeks)
	}
	if player.paused {
		t.Error("playback should not be paused")
	}
}

func TestNormalize_resolves_on_duration_change(t *testing.T) {
	player := newFakePlayer(math.Inf(1))
	n := NewNormalizer(player, testLogger())

	n.Normalize(DefaultTimeout)

	if n.Stable() {
		t.Fatal("indeterminate duration cannot be stable yet")
	}
	player.mu.Lock()
	paused := player.paused
	player.mu.Unlock()
	if !paused {
		t.Error("player should be paused during normalization")
	}
	if got := player.lastSeek(t); got != largeSeekTarget {
		t.Errorf("seek target = %v, want %v", got, largeSeekTarget)
	}

	player.setDuration(42.0)
	player.fire(EventDurationChange)

	if !n.Stable() {
		t.Fatal("finite duration plus signal should resolve")
	}
	if got := player.lastSeek(t); got != 0 {
		t.Errorf("position should reset to zero, got %v", got)
	}

	events := n.Events()
	if len(events) != 1 || events[0].Signal != EventDurationChange || events[0].TimedOut {
		t.Errorf("diagnostics = %+v", events)
	}
}

func TestNormalize_signal_without_finite_duration_is_ignored(t *testing.T) {
	player := newFakePlayer(math.Inf(1))
	n := NewNormalizer(player, testLogger())

	n.Normalize(DefaultTimeout)
	player.fire(EventSeeked)
	player.fire(EventTimeUpdate)

	if n.Stable() {
		t.Error("signals must not resolve while duration is still indeterminate")
	}

	player.setDuration(7.0)
	player.fire(EventTimeUpdate)
	if !n.Stable() {
		t.Error("time update with finite duration should resolve")
	}
}

func TestNormalize_is_idempotent(t *testing.T) {
	player := newFakePlayer(math.Inf(1))
	n := NewNormalizer(player, testLogger())

	n.Normalize(DefaultTimeout)
	n.Normalize(DefaultTimeout) // in progress: no-op

	player.mu.Lock()
	seeks := len(player.seeks)
	player.mu.Unlock()
	if seeks != 1 {
		t.Errorf("re-entrant call seeked again: %d seeks", seeks)
	}

	player.setDuration(3.0)
	player.fire(EventSeeked)
	if !n.Stable() {
		t.Fatal("should be stable")
	}

	n.Normalize(DefaultTimeout) // already stable: no-op
	if got := len(n.Events()); got != 1 {
		t.Errorf("completed normalization re-ran: %d diagnostics", got)
	}
}

func TestNormalize_timeout_forces_stability(t *testing.T) {
	player := newFakePlayer(math.Inf(1))
	n := NewNormalizer(player, testLogger())

	n.Normalize(50 * time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for !n.Stable() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !n.Stable() {
		t.Fatal("timeout must force a stable state")
	}

	events := n.Events()
	if len(events) != 1 || !events[0].TimedOut {
		t.Fatalf("diagnostics = %+v", events)
	}
	if got := player.lastSeek(t); got != 0 {
		t.Errorf("position should reset to zero on forced stabilization, got %v", got)
	}
}

func TestNormalize_defers_until_metadata_loaded(t *testing.T) {
	player := newFakePlayer(math.Inf(1))
	player.loaded = false
	n := NewNormalizer(player, testLogger())

	n.Normalize(DefaultTimeout)
	player.mu.Lock()
	seeks := len(player.seeks)
	player.mu.Unlock()
	if seeks != 0 {
		t.Fatal("must not seek before metadata is loaded")
	}

	player.mu.Lock()
	player.loaded = true
	player.duration = 9.0
	player.mu.Unlock()
	player.fire(EventLoadedMetadata)

	if !n.Stable() {
		t.Error("normalization should retry once metadata arrives")
	}
}

func TestNormalize_falls_back_to_seekable_end(t *testing.T) {
	player := newFakePlayer(math.Inf(1))
	player.seekErrAt = largeSeekTarget
	player.endKnown = true
	player.end = 88.0
	n := NewNormalizer(player, testLogger())

	n.Normalize(DefaultTimeout)

	if got := player.lastSeek(t); got != 88.0 {
		t.Errorf("fallback seek = %v, want seekable end", got)
	}
}
