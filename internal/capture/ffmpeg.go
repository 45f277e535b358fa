package capture

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// codecEncoders maps the webm codec preference list onto ffmpeg encoder names.
var codecEncoders = map[string]string{
	"video/webm;codecs=av01,opus": "libaom-av1",
	"video/webm;codecs=av1,opus":  "libaom-av1",
	"video/webm;codecs=vp9,opus":  "libvpx-vp9",
	"video/webm;codecs=vp8,opus":  "libvpx",
	"video/webm":                  "libvpx",
}

// FFmpegFactory builds Encoders backed by an ffmpeg process grabbing the
// desktop. It is the default capture-and-encode capability; tests substitute
// their own factories.
type FFmpegFactory struct {
	Path        string // ffmpeg binary, default "ffmpeg"
	Display     string // x11grab source, e.g. ":0.0"
	AudioSource string // pulse source for display audio, e.g. "default"
	MicSource   string // pulse source for microphone input

	log *slog.Logger

	once     sync.Once
	encoders string
}

// NewFFmpegFactory returns a factory using the ffmpeg binary on PATH.
func NewFFmpegFactory(display string, log *slog.Logger) *FFmpegFactory {
	return &FFmpegFactory{
		Path:        "ffmpeg",
		Display:     display,
		AudioSource: "default",
		MicSource:   "default",
		log:         log,
	}
}

// Available reports whether the ffmpeg binary can be executed.
func (f *FFmpegFactory) Available() error {
	out, err := exec.Command(f.Path, "-version").Output()
	if err != nil {
		return fmt.Errorf("ffmpeg not found: %w", err)
	}
	if !strings.Contains(string(out), "ffmpeg version") {
		return fmt.Errorf("ffmpeg not properly installed")
	}
	return nil
}

// Supports reports whether ffmpeg carries the encoder for mimeType.
func (f *FFmpegFactory) Supports(mimeType string) bool {
	encoder, ok := codecEncoders[mimeType]
	if !ok {
		return false
	}
	f.once.Do(func() {
		out, err := exec.Command(f.Path, "-hide_banner", "-encoders").Output()
		if err != nil {
			f.log.Warn("could not list ffmpeg encoders", "error", err)
			return
		}
		f.encoders = string(out)
	})
	return strings.Contains(f.encoders, " "+encoder+" ")
}

// New spawns an ffmpeg process writing webm to stdout and wraps it in an
// Encoder. The process is the capture resource; killing it is Release.
func (f *FFmpegFactory) New(ctx context.Context, req Request) (Encoder, error) {
	encoder, ok := codecEncoders[req.MimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSupportedCodec, req.MimeType)
	}

	args := []string{"-hide_banner", "-loglevel", "error", "-f", "x11grab", "-i", f.Display}
	if req.SystemAudio {
		args = append(args, "-f", "pulse", "-i", f.AudioSource)
	}
	if req.Microphone {
		args = append(args, "-f", "pulse", "-i", f.MicSource)
	}
	args = append(args, "-c:v", encoder, "-c:a", "libopus", "-f", "webm", "pipe:1")

	cmd := exec.CommandContext(ctx, f.Path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe ffmpeg output: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	tracks := []Track{&processTrack{kind: "video"}}
	var displayAudio, micAudio []Track
	if req.SystemAudio {
		displayAudio = []Track{&processTrack{kind: "audio"}}
	}
	if req.Microphone {
		micAudio = []Track{&processTrack{kind: "audio"}}
	}

	return &ffmpegEncoder{
		cmd:      cmd,
		stdout:   stdout,
		mimeType: req.MimeType,
		stream:   &processStream{video: tracks, displayAudio: displayAudio, mic: micAudio},
		chunks:   make(chan []byte, 8),
		flushReq: make(chan struct{}, 1),
		ended:    make(chan struct{}),
		log:      f.log,
	}, nil
}

// processTrack is a pseudo-track for a process-backed capture. Content hints
// have no effect on ffmpeg's encoder selection but are recorded for
// diagnostics.
type processTrack struct {
	kind string
	hint string
}

func (t *processTrack) Kind() string { return t.kind }
func (t *processTrack) SetContentHint(hint string) error {
	t.hint = hint
	return nil
}
func (t *processTrack) Stop() {}

type processStream struct {
	video        []Track
	displayAudio []Track
	mic          []Track
}

func (s *processStream) VideoTracks() []Track        { return s.video }
func (s *processStream) DisplayAudioTracks() []Track { return s.displayAudio }
func (s *processStream) MicrophoneTracks() []Track   { return s.mic }

// ffmpegEncoder adapts one ffmpeg process to the Encoder contract. Fragments
// are time-sliced: bytes read off stdout are buffered and emitted on each
// timeslice tick or explicit flush request.
type ffmpegEncoder struct {
	cmd      *exec.Cmd
	stdout   io.ReadCloser
	mimeType string
	stream   *processStream
	chunks   chan []byte
	flushReq chan struct{}
	ended    chan struct{}
	log      *slog.Logger

	mu       sync.Mutex
	pending  []byte
	stopping bool
	started  bool
	released bool
}

func (e *ffmpegEncoder) MimeType() string             { return e.mimeType }
func (e *ffmpegEncoder) Stream() Stream               { return e.stream }
func (e *ffmpegEncoder) Chunks() <-chan []byte        { return e.chunks }
func (e *ffmpegEncoder) SourceEnded() <-chan struct{} { return e.ended }

func (e *ffmpegEncoder) Start(timeslice time.Duration) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyActive
	}
	e.started = true
	e.mu.Unlock()
	go e.run(timeslice)
	return nil
}

func (e *ffmpegEncoder) run(timeslice time.Duration) {
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 32<<10)
		for {
			n, err := e.stdout.Read(buf)
			if n > 0 {
				e.mu.Lock()
				e.pending = append(e.pending, buf[:n]...)
				e.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.flush()
		case <-e.flushReq:
			e.flush()
		case <-readDone:
			e.flush()
			err := e.cmd.Wait()
			e.mu.Lock()
			stopped := e.stopping
			e.mu.Unlock()
			if !stopped {
				// The process went away without a stop request: the source
				// ended externally.
				if err != nil {
					e.log.Warn("capture process exited", "error", err)
				}
				close(e.ended)
			}
			close(e.chunks)
			return
		}
	}
}

func (e *ffmpegEncoder) flush() {
	e.mu.Lock()
	payload := e.pending
	e.pending = nil
	e.mu.Unlock()
	if len(payload) > 0 {
		e.chunks <- payload
	}
}

func (e *ffmpegEncoder) RequestData() {
	select {
	case e.flushReq <- struct{}{}:
	default:
	}
}

func (e *ffmpegEncoder) Stop() {
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return
	}
	e.stopping = true
	e.mu.Unlock()
	// SIGINT lets ffmpeg finish the container before exiting.
	if err := e.cmd.Process.Signal(os.Interrupt); err != nil {
		e.log.Debug("stop signal failed; process may already be gone", "error", err)
	}
}

func (e *ffmpegEncoder) Release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.released = true
	stopping := e.stopping
	e.mu.Unlock()
	if !stopping && e.cmd.Process != nil {
		_ = e.cmd.Process.Kill()
	}
	for _, t := range e.stream.VideoTracks() {
		t.Stop()
	}
	for _, t := range e.stream.DisplayAudioTracks() {
		t.Stop()
	}
	for _, t := range e.stream.MicrophoneTracks() {
		t.Stop()
	}
}
