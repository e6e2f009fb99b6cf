// Package session defines the boundary to the upstream conversational agent.
//
// The agent's SDK surfaces its activity as callbacks (mode changes,
// interruption notices, transcript messages, raw audio frames). This package
// normalises that surface into a single typed event stream so the bridge can
// react from one owning goroutine instead of a web of ad hoc closures.
//
// Concrete agent transports implement [Session]; tests drive the bridge with
// the mock subpackage.
package session

import (
	"context"

	"github.com/frostholm/cueline/pkg/audio"
)

// Mode is the agent's conversational state as reported by the upstream SDK.
type Mode string

const (
	ModeIdle      Mode = "idle"
	ModeWaiting   Mode = "waiting"
	ModeListening Mode = "listening"
	ModeSpeaking  Mode = "speaking"
)

// Role identifies the author of a transcript message. The upstream SDK does
// not always label messages; RoleUnknown defers classification to the
// consumer's heuristics.
type Role string

const (
	RoleUser    Role = "user"
	RoleAgent   Role = "agent"
	RoleUnknown Role = ""
)

// OutputFormat describes the encoding of the agent's raw audio frames.
type OutputFormat struct {
	// Encoding is the frame sample encoding ("pcm" or "ulaw").
	Encoding audio.Format

	// SampleRate is the frame sample rate in Hz.
	SampleRate int
}

// Event is one occurrence on the agent session. Exactly one of the concrete
// types below is delivered per event.
type Event interface {
	isEvent()
}

// Connected signals that the agent session has been established.
type Connected struct{}

// Disconnected signals that the agent session has ended.
type Disconnected struct{}

// ModeChanged carries a conversational mode transition.
type ModeChanged struct {
	Mode Mode
}

// Interrupted is the agent's explicit interruption notice, emitted when the
// user starts speaking over the agent. Distinct from a speaking→listening
// mode change but requires the same reaction.
type Interrupted struct {
	// EventID is the upstream identifier of the interruption, for logging.
	EventID string
}

// Message carries one text-bearing transcript item.
type Message struct {
	Role Role
	Text string
}

// AudioFrame carries one base64-encoded raw audio frame of agent speech.
type AudioFrame struct {
	Data   string
	Format OutputFormat
}

func (Connected) isEvent()    {}
func (Disconnected) isEvent() {}
func (ModeChanged) isEvent()  {}
func (Interrupted) isEvent()  {}
func (Message) isEvent()      {}
func (AudioFrame) isEvent()   {}

// Session is a live connection to the conversational agent.
type Session interface {
	// Events returns the event stream. The channel is closed when the
	// session ends.
	Events() <-chan Event

	// SetVolume adjusts the agent's local playback volume in [0, 1].
	// Used to mute output instantly on interruption.
	SetVolume(level float64) error

	// OutputFormat reports the negotiated audio frame encoding.
	OutputFormat() OutputFormat

	// End terminates the session.
	End(ctx context.Context) error
}
