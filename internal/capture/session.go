package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"capture-coordinator/internal/platform/metrics"
)

// FlushInterval is how often the encoder is asked to emit a fragment. Smaller
// values improve durability of an interrupted capture; larger values reduce
// storage operation overhead.
const FlushInterval = time.Second

// ErrAlreadyActive is returned when starting a session that already owns an
// open capture.
var ErrAlreadyActive = errors.New("capture already active")

// ChunkSink is the slice of the chunk store a session writes to.
type ChunkSink interface {
	WriteChunk(recordingID string, payload []byte, index int) error
	Finalize(id, mimeType string, durationMillis, size int64) error
}

// Notifier receives session lifecycle signals. Saved and Failed are mutually
// exclusive per session; the coordinator must not treat a failed finalize as a
// success.
type Notifier interface {
	SessionStarted(recordingID string)
	SessionSaved(recordingID string)
	SessionFailed(recordingID string, err error)
}

// Session owns at most one active capture: it acquires the encode resource,
// streams fragments into the sink with strictly increasing indices, and
// finalizes metadata on stop.
type Session struct {
	factory EncoderFactory
	sink    ChunkSink
	notify  Notifier
	log     *slog.Logger
	metrics *metrics.Metrics // may be nil
	now     func() time.Time

	mu  sync.Mutex
	enc Encoder
}

// NewSession returns an idle session. metrics may be nil.
func NewSession(factory EncoderFactory, sink ChunkSink, notify Notifier, log *slog.Logger, m *metrics.Metrics) *Session {
	return &Session{
		factory: factory,
		sink:    sink,
		notify:  notify,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Active reports whether a capture is currently open.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc != nil
}

// Start negotiates a codec, acquires the capture resource, and begins
// time-sliced emission into the sink. Returns ErrAlreadyActive if a capture is
// already open and ErrNoSupportedCodec if no candidate codec is supported.
func (s *Session) Start(ctx context.Context, req Request) error {
	s.mu.Lock()
	if s.enc != nil {
		s.mu.Unlock()
		return ErrAlreadyActive
	}
	s.mu.Unlock()

	mimeType, err := SelectCodec(s.factory.Supports)
	if err != nil {
		return err
	}
	req.MimeType = mimeType
	if req.SystemAudio {
		req.SystemAudioOptions = DisplayAudioProcessing()
	}
	if req.Microphone {
		req.MicrophoneOptions = MicrophoneProcessing()
	}

	enc, err := s.factory.New(ctx, req)
	if err != nil {
		return fmt.Errorf("acquire capture: %w", err)
	}

	ApplyContentHints(enc.Stream(), req.SystemAudio, req.Microphone, s.log)

	if err := enc.Start(FlushInterval); err != nil {
		enc.Release()
		return fmt.Errorf("start encoder: %w", err)
	}

	s.mu.Lock()
	if s.enc != nil {
		s.mu.Unlock()
		enc.Stop()
		enc.Release()
		return ErrAlreadyActive
	}
	s.enc = enc
	s.mu.Unlock()

	started := s.now()
	go s.run(enc, req, started)

	s.log.Info("capture started",
		"recording_id", req.RecordingID,
		"mode", req.Mode,
		"mime_type", mimeType,
		"system_audio", req.SystemAudio,
		"microphone", req.Microphone,
	)
	s.notify.SessionStarted(req.RecordingID)
	return nil
}

// Stop requests a final flush and stops the encoder. No-op when inactive.
func (s *Session) Stop() {
	s.mu.Lock()
	enc := s.enc
	s.mu.Unlock()
	if enc == nil {
		return
	}
	enc.RequestData()
	enc.Stop()
}

// run drains the encoder until its chunk channel closes, then finalizes.
// Resource release is unconditional: it happens even when finalize fails.
func (s *Session) run(enc Encoder, req Request, started time.Time) {
	defer func() {
		enc.Release()
		s.mu.Lock()
		s.enc = nil
		s.mu.Unlock()
	}()

	index := 0
	var size int64
	chunks := enc.Chunks()
	sourceEnded := enc.SourceEnded()

loop:
	for {
		select {
		case payload, ok := <-chunks:
			if !ok {
				break loop
			}
			if len(payload) == 0 {
				continue
			}
			if err := s.sink.WriteChunk(req.RecordingID, payload, index); err != nil {
				// One lost fragment is better than aborting the whole capture.
				s.log.Error("chunk write failed; continuing capture",
					"recording_id", req.RecordingID,
					"index", index,
					"error", err,
				)
			} else if s.metrics != nil {
				s.metrics.AddChunkWritten(len(payload))
			}
			index++
			size += int64(len(payload))
		case <-sourceEnded:
			// Sharing ended externally; flush whatever is buffered and stop
			// exactly as if STOP had been requested.
			sourceEnded = nil
			s.log.Info("capture source ended externally; stopping", "recording_id", req.RecordingID)
			enc.RequestData()
			enc.Stop()
		}
	}

	duration := s.now().Sub(started).Milliseconds()
	if index == 0 {
		s.log.Warn("no chunks flushed; recording may have been too short",
			"recording_id", req.RecordingID,
			"duration_ms", duration,
		)
	}

	mimeType := enc.MimeType()
	if mimeType == "" {
		mimeType = req.MimeType
	}

	if err := s.sink.Finalize(req.RecordingID, mimeType, duration, size); err != nil {
		s.log.Error("finalize failed", "recording_id", req.RecordingID, "error", err)
		s.notify.SessionFailed(req.RecordingID, err)
		return
	}

	s.log.Info("capture finalized",
		"recording_id", req.RecordingID,
		"mime_type", mimeType,
		"duration_ms", duration,
		"chunks", index,
		"size", size,
	)
	s.notify.SessionSaved(req.RecordingID)
}
