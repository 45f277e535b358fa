// Package playback serves the recording library and fixes up freshly captured
// containers for playback.
package playback

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Player events the normalizer listens for.
const (
	EventLoadedMetadata = "loadedmetadata"
	EventDurationChange = "durationchange"
	EventSeeked         = "seeked"
	EventTimeUpdate     = "timeupdate"
)

// DefaultTimeout bounds how long the normalizer waits for the player to
// resolve an indeterminate duration before forcing stability.
const DefaultTimeout = 2 * time.Second

// largeSeekTarget forces the player to scan to the end of the stream. Bounded
// below half the maximum safe integer so the underlying time representation
// cannot overflow.
const largeSeekTarget = float64(1<<53-1) / 2

// Player is the slice of a media player the normalizer needs. On registers an
// event listener and returns its cancel function.
type Player interface {
	MetadataLoaded() bool
	Duration() float64
	Pause()
	CurrentTime() float64
	SetCurrentTime(seconds float64) error
	// SeekableEnd reports the end of the seekable range, if known.
	SeekableEnd() (float64, bool)
	On(event string, fn func()) (cancel func())
}

// Diagnostic records how one normalization attempt resolved.
type Diagnostic struct {
	Signal   string
	Elapsed  time.Duration
	TimedOut bool
}

// Normalizer repairs the indeterminate-duration state some containers report
// right after capture: it pauses, seeks far past the end to make the player
// index the whole stream, and resets to zero once the duration turns finite.
// Normalize is idempotent per player instance.
type Normalizer struct {
	player Player
	log    *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	stable     bool
	inProgress bool
	startedAt  time.Time
	timer      *time.Timer
	cancels    []func()
	events     []Diagnostic
}

// NewNormalizer returns a normalizer for one player instance.
func NewNormalizer(player Player, log *slog.Logger) *Normalizer {
	return &Normalizer{player: player, log: log, now: time.Now}
}

// Stable reports whether normalization has completed.
func (n *Normalizer) Stable() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.stable
}

// Events returns the diagnostics recorded so far.
func (n *Normalizer) Events() []Diagnostic {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Diagnostic(nil), n.events...)
}

// Normalize makes the player's duration finite. Calling it again while
// already stable or in progress is a no-op. If media metadata has not loaded
// yet, normalization defers itself until it has.
func (n *Normalizer) Normalize(timeout time.Duration) {
	n.mu.Lock()
	if n.stable || n.inProgress {
		n.mu.Unlock()
		return
	}

	if !n.player.MetadataLoaded() {
		n.mu.Unlock()
		var once sync.Once
		var cancel func()
		cancel = n.player.On(EventLoadedMetadata, func() {
			once.Do(func() {
				cancel()
				n.Normalize(timeout)
			})
		})
		return
	}

	if finitePositive(n.player.Duration()) {
		n.stable = true
		n.events = append(n.events, Diagnostic{Signal: "already-finite"})
		n.mu.Unlock()
		return
	}

	n.inProgress = true
	n.startedAt = n.now()
	n.mu.Unlock()

	n.player.Pause()

	for _, event := range []string{EventDurationChange, EventSeeked, EventTimeUpdate} {
		event := event
		cancel := n.player.On(event, func() { n.maybeResolve(event) })
		n.mu.Lock()
		n.cancels = append(n.cancels, cancel)
		n.mu.Unlock()
	}
	n.mu.Lock()
	n.timer = time.AfterFunc(timeout, n.forceStabilize)
	n.mu.Unlock()

	if err := n.player.SetCurrentTime(largeSeekTarget); err != nil {
		n.log.Debug("large seek rejected; falling back to seekable end", "error", err)
		if end, ok := n.player.SeekableEnd(); ok {
			if serr := n.player.SetCurrentTime(end); serr != nil {
				n.log.Debug("seekable-end fallback failed", "error", serr)
			}
		}
	}
}

// maybeResolve settles normalization if the duration has become finite by the
// time the given signal fired.
func (n *Normalizer) maybeResolve(signal string) {
	n.mu.Lock()
	if !n.inProgress || !finitePositive(n.player.Duration()) {
		n.mu.Unlock()
		return
	}
	n.settleLocked(signal, false)
	n.mu.Unlock()

	if err := n.player.SetCurrentTime(0); err != nil {
		n.log.Debug("reset to start failed", "error", err)
	}
}

// forceStabilize is the timeout path: stop waiting and accept whatever
// duration the player reports rather than staying indeterminate forever.
func (n *Normalizer) forceStabilize() {
	n.mu.Lock()
	if !n.inProgress {
		n.mu.Unlock()
		return
	}
	n.settleLocked("timeout", true)
	elapsed := n.events[len(n.events)-1].Elapsed
	n.mu.Unlock()

	n.log.Warn("duration normalization timed out; forcing stable state", "elapsed", elapsed)
	if err := n.player.SetCurrentTime(0); err != nil {
		n.log.Debug("reset to start failed", "error", err)
	}
}

func (n *Normalizer) settleLocked(signal string, timedOut bool) {
	n.stable = true
	n.inProgress = false
	if n.timer != nil {
		n.timer.Stop()
		n.timer = nil
	}
	for _, cancel := range n.cancels {
		cancel()
	}
	n.cancels = nil
	n.events = append(n.events, Diagnostic{
		Signal:   signal,
		Elapsed:  n.now().Sub(n.startedAt),
		TimedOut: timedOut,
	})
}

func finitePositive(d float64) bool {
	return !math.IsInf(d, 0) && !math.IsNaN(d) && d > 0
}
