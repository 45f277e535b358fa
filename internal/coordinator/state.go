package coordinator

import (
	"time"

	"capture-coordinator/internal/capture"
)

// Status is the coordinator's lifecycle phase.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRecording Status = "recording"
	StatusSaving    Status = "saving"
)

// State is the coordinator's singleton session state. Only the coordinator's
// event loop touches it, so no lock is needed; everything session-scoped is
// cleared together by resetSession.
type State struct {
	Status         Status
	Mode           capture.Mode
	RecordingID    string
	IncludeMic     bool
	IncludeSystem  bool
	OverlayTarget  string
	HostingVariant capture.Variant
	StartedAt      time.Time

	safetyTimer *time.Timer
	lastError   string
}

// resetSession clears every session-scoped field and returns to idle. It is
// the only place session fields are cleared, so a partial reset cannot exist.
func (s *State) resetSession() {
	s.stopSafetyTimer()
	s.Status = StatusIdle
	s.Mode = ""
	s.RecordingID = ""
	s.IncludeMic = false
	s.IncludeSystem = false
	s.OverlayTarget = ""
	s.HostingVariant = ""
	s.StartedAt = time.Time{}
}

func (s *State) stopSafetyTimer() {
	if s.safetyTimer != nil {
		s.safetyTimer.Stop()
		s.safetyTimer = nil
	}
}

// Snapshot is the externally visible copy of State. Recording is derived:
// saving still counts as busy, not idle.
type Snapshot struct {
	Status         Status          `json:"status"`
	Recording      bool            `json:"recording"`
	Mode           capture.Mode    `json:"mode,omitempty"`
	RecordingID    string          `json:"recordingId,omitempty"`
	IncludeMic     bool            `json:"includeMic"`
	IncludeSystem  bool            `json:"includeSystemAudio"`
	OverlayTarget  string          `json:"overlayTargetId,omitempty"`
	HostingVariant capture.Variant `json:"hostingVariant,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
}

func (s *State) snapshot() Snapshot {
	return Snapshot{
		Status:         s.Status,
		Recording:      s.Status != StatusIdle,
		Mode:           s.Mode,
		RecordingID:    s.RecordingID,
		IncludeMic:     s.IncludeMic,
		IncludeSystem:  s.IncludeSystem,
		OverlayTarget:  s.OverlayTarget,
		HostingVariant: s.HostingVariant,
		LastError:      s.lastError,
	}
}
