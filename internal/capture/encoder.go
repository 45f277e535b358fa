package capture

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Mode is the capture-source category. Actual source selection is delegated to
// the external permission dialog; the mode is informational.
type Mode string

const (
	ModeTab    Mode = "tab"
	ModeWindow Mode = "window"
	ModeScreen Mode = "screen"
)

// AudioProcessing holds the signal-processing toggles applied to an audio
// input: echo cancellation, noise suppression, and automatic gain control.
type AudioProcessing struct {
	EchoCancellation bool `json:"echoCancellation"`
	NoiseSuppression bool `json:"noiseSuppression"`
	AutoGainControl  bool `json:"autoGainControl"`
}

// DisplayAudioProcessing disables all processing: it degrades the fidelity of
// non-speech audio coming off a shared screen or window.
func DisplayAudioProcessing() AudioProcessing {
	return AudioProcessing{}
}

// MicrophoneProcessing enables all processing: it improves speech
// intelligibility. The asymmetry with display audio is deliberate.
func MicrophoneProcessing() AudioProcessing {
	return AudioProcessing{EchoCancellation: true, NoiseSuppression: true, AutoGainControl: true}
}

// Request describes one capture acquisition.
type Request struct {
	Mode        Mode   `json:"mode"`
	RecordingID string `json:"recordingId"`
	// MimeType is the negotiated codec; the encoder's reported value remains
	// authoritative at finalize time.
	MimeType           string          `json:"mimeType"`
	SystemAudio        bool            `json:"systemAudio"`
	Microphone         bool            `json:"microphone"`
	SystemAudioOptions AudioProcessing `json:"systemAudioOptions"`
	MicrophoneOptions  AudioProcessing `json:"microphoneOptions"`
}

// Track is one media track of an acquired stream.
type Track interface {
	Kind() string // "video" or "audio"
	// SetContentHint tags the track for encoder optimization where supported.
	SetContentHint(hint string) error
	Stop()
}

// Stream groups the tracks of an acquired capture.
type Stream interface {
	VideoTracks() []Track
	DisplayAudioTracks() []Track
	MicrophoneTracks() []Track
}

// Encoder is the opaque capture-and-encode capability. It emits timed binary
// fragments on Chunks once started; the channel closes after the encoder
// stops and the final fragment has been delivered. RequestData and Stop are
// no-ops on an inactive encoder.
type Encoder interface {
	// MimeType reports the container/codec actually produced.
	MimeType() string
	Stream() Stream
	// Start begins time-sliced emission, flushing a fragment every timeslice.
	Start(timeslice time.Duration) error
	Chunks() <-chan []byte
	// RequestData asks for buffered-but-unflushed data to be emitted now.
	RequestData()
	Stop()
	// SourceEnded is closed when the underlying source stops sharing
	// externally (e.g. the user closed the shared window).
	SourceEnded() <-chan struct{}
	// Release frees all acquired media resources. Safe to call more than once.
	Release()
}

// EncoderFactory acquires the capture resource and builds an Encoder for it.
type EncoderFactory interface {
	// Supports reports whether the factory can encode the given mime type.
	Supports(mimeType string) bool
	New(ctx context.Context, req Request) (Encoder, error)
}

// ErrNoSupportedCodec means every candidate codec, down to the most generic
// fallback, is unsupported. This is fatal; recording cannot start.
var ErrNoSupportedCodec = errors.New("no supported video codec")

// codecPreference orders candidates most-efficient-compression first,
// most-compatible last.
var codecPreference = []string{
	"video/webm;codecs=av01,opus",
	"video/webm;codecs=av1,opus",
	"video/webm;codecs=vp9,opus",
	"video/webm;codecs=vp8,opus",
	"video/webm",
}

// SelectCodec returns the first supported candidate from the preference list.
func SelectCodec(supports func(string) bool) (string, error) {
	for _, candidate := range codecPreference {
		if supports(candidate) {
			return candidate, nil
		}
	}
	return "", ErrNoSupportedCodec
}

// Content hints for encoder optimization.
const (
	HintDetail = "detail" // screen/text content
	HintMusic  = "music"  // display audio fidelity
	HintSpeech = "speech" // microphone intelligibility
)

// ApplyContentHints tags tracks for encoder optimization. Hint application
// must never fail a capture; individual failures are logged and swallowed.
func ApplyContentHints(stream Stream, systemAudio, microphone bool, log *slog.Logger) {
	for _, t := range stream.VideoTracks() {
		if err := t.SetContentHint(HintDetail); err != nil {
			log.Debug("video content hint not applied", "error", err)
		}
	}
	if systemAudio {
		for _, t := range stream.DisplayAudioTracks() {
			if err := t.SetContentHint(HintMusic); err != nil {
				log.Debug("display audio content hint not applied", "error", err)
			}
		}
	}
	if microphone {
		for _, t := range stream.MicrophoneTracks() {
			if err := t.SetContentHint(HintSpeech); err != nil {
				log.Debug("microphone content hint not applied", "error", err)
			}
		}
	}
}
