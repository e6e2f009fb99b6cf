// Package mock provides a scriptable test double for the session package.
//
// Tests construct a Session, emit events with the Emit* helpers, and inspect
// the recorded SetVolume and End calls:
//
//	sess := mock.New()
//	go bridge.Run(ctx, sess)
//	sess.EmitMode(session.ModeSpeaking)
//	sess.EmitMessage(session.RoleAgent, "Hello there.")
//	sess.CloseEvents()
package mock

import (
	"context"
	"sync"

	"github.com/frostholm/cueline/pkg/audio"
	"github.com/frostholm/cueline/pkg/session"
)

// Session is a mock implementation of session.Session.
type Session struct {
	mu sync.Mutex

	// Format is returned by OutputFormat.
	Format session.OutputFormat

	// SetVolumeErr, if non-nil, is returned by SetVolume.
	SetVolumeErr error

	// VolumeCalls records every level passed to SetVolume.
	VolumeCalls []float64

	// EndCalls counts invocations of End.
	EndCalls int

	events    chan session.Event
	closeOnce sync.Once
}

var _ session.Session = (*Session)(nil)

// New returns a mock session with a generously buffered event channel and a
// default PCM 16 kHz output format.
func New() *Session {
	return &Session{
		Format: session.OutputFormat{Encoding: audio.FormatPCM, SampleRate: 16000},
		events: make(chan session.Event, 64),
	}
}

// Events implements session.Session.
func (s *Session) Events() <-chan session.Event { return s.events }

// OutputFormat implements session.Session.
func (s *Session) OutputFormat() session.OutputFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Format
}

// SetVolume records the call and returns SetVolumeErr.
func (s *Session) SetVolume(level float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VolumeCalls = append(s.VolumeCalls, level)
	return s.SetVolumeErr
}

// End records the call and closes the event stream.
func (s *Session) End(context.Context) error {
	s.mu.Lock()
	s.EndCalls++
	s.mu.Unlock()
	s.CloseEvents()
	return nil
}

// Volumes returns a copy of the recorded SetVolume levels.
func (s *Session) Volumes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]float64, len(s.VolumeCalls))
	copy(out, s.VolumeCalls)
	return out
}

// Emit delivers an arbitrary event.
func (s *Session) Emit(ev session.Event) { s.events <- ev }

// EmitMode delivers a ModeChanged event.
func (s *Session) EmitMode(m session.Mode) { s.events <- session.ModeChanged{Mode: m} }

// EmitInterruption delivers an Interrupted event.
func (s *Session) EmitInterruption(id string) { s.events <- session.Interrupted{EventID: id} }

// EmitMessage delivers a Message event.
func (s *Session) EmitMessage(role session.Role, text string) {
	s.events <- session.Message{Role: role, Text: text}
}

// EmitAudio delivers an AudioFrame event using the mock's output format.
func (s *Session) EmitAudio(data string) {
	s.events <- session.AudioFrame{Data: data, Format: s.OutputFormat()}
}

// CloseEvents closes the event stream. Safe to call multiple times.
func (s *Session) CloseEvents() {
	s.closeOnce.Do(func() { close(s.events) })
}
