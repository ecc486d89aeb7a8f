// Package session holds the state of live calls, one per websocket
// connection.
package session

import (
	"sync"
	"time"

	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/chunker"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/control"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/recording"
	"github.com/RenatoCabral2022/WhatsWebService/meeting-relay/internal/transcribe"
)

// SpeakerEvent is one accepted change of the active speaker.
type SpeakerEvent struct {
	Speaker string
	At      time.Time
	// Offset from the start of the audio stream.
	Offset time.Duration
}

// Session is the state of one call. It is owned by the connection's read
// goroutine; only the active speaker and the speaker log are shared with the
// transcript reader and are guarded by mu.
type Session struct {
	ConnID    string
	Meta      control.CallMetaData
	Record    bool
	StartTime time.Time

	Chunker *chunker.Chunker
	Writer  *recording.Writer
	Stream  transcribe.Stream

	mu             sync.Mutex
	initialSpeaker string
	speakerEvents  []SpeakerEvent
	ended          bool
}

// New creates a session for connID. meta is copied; the session owns its
// copy and mutates ActiveSpeaker in place.
func New(connID string, meta control.CallMetaData, start time.Time) *Session {
	return &Session{
		ConnID:         connID,
		Meta:           meta,
		StartTime:      start,
		initialSpeaker: meta.ActiveSpeaker,
	}
}

// CallID is the session's immutable call identifier.
func (s *Session) CallID() string {
	return s.Meta.CallID
}

// ActiveSpeaker returns the current active speaker.
func (s *Session) ActiveSpeaker() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Meta.ActiveSpeaker
}

// SetActiveSpeaker records a speaker change reported at now. A change naming
// the agent is ignored, as is an empty or unchanged speaker. It reports
// whether the change was accepted.
func (s *Session) SetActiveSpeaker(speaker string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if speaker == "" || speaker == s.Meta.AgentID || speaker == s.Meta.ActiveSpeaker {
		return false
	}
	s.Meta.ActiveSpeaker = speaker
	s.speakerEvents = append(s.speakerEvents, SpeakerEvent{
		Speaker: speaker,
		At:      now,
		Offset:  now.Sub(s.StartTime),
	})
	return true
}

// SpeakerAt returns who was speaking at offset into the stream: the last
// change at or before offset, or the speaker the call started with.
func (s *Session) SpeakerAt(offset time.Duration) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.speakerEvents) == 0 {
		return s.Meta.ActiveSpeaker
	}
	speaker := s.initialSpeaker
	for _, ev := range s.speakerEvents {
		if ev.Offset > offset {
			break
		}
		speaker = ev.Speaker
	}
	return speaker
}

// SpeakerEvents returns a copy of the speaker change log.
func (s *Session) SpeakerEvents() []SpeakerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SpeakerEvent, len(s.speakerEvents))
	copy(out, s.speakerEvents)
	return out
}

// MarkEnded flips the ended guard. Only the first call returns true.
func (s *Session) MarkEnded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	return true
}

// Ended reports whether the session has begun ending.
func (s *Session) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}
