// Package jsonl implements a session.Session that replays agent events from
// a JSON-lines stream, one event object per line:
//
//	{"type":"mode","mode":"speaking"}
//	{"type":"message","role":"agent","text":"Hello there."}
//	{"type":"audio","data":"<base64>"}
//	{"type":"interruption","event_id":"evt_42"}
//	{"type":"format","encoding":"ulaw","sample_rate":8000}
//
// It exists so the bridge can be run and exercised end to end without a live
// agent connection: pipe a recorded session into stdin, or craft scenarios
// by hand. Unknown event types and malformed lines are logged and skipped.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/frostholm/cueline/pkg/audio"
	"github.com/frostholm/cueline/pkg/session"
)

// line is the wire schema of one replayed event.
type line struct {
	Type       string `json:"type"`
	Mode       string `json:"mode,omitempty"`
	EventID    string `json:"event_id,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	Data       string `json:"data,omitempty"`
	Encoding   string `json:"encoding,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
}

// Session replays events from a reader. It implements session.Session.
type Session struct {
	mu     sync.Mutex
	format session.OutputFormat

	events    chan session.Event
	closeOnce sync.Once
	done      chan struct{}
}

var _ session.Session = (*Session)(nil)

// New starts reading events from r in a background goroutine. The event
// channel is closed when r is exhausted or the session is ended.
func New(r io.Reader) *Session {
	s := &Session{
		format: session.OutputFormat{Encoding: audio.FormatPCM, SampleRate: 44100},
		events: make(chan session.Event, 64),
		done:   make(chan struct{}),
	}
	go s.read(r)
	return s
}

// Events implements session.Session.
func (s *Session) Events() <-chan session.Event { return s.events }

// OutputFormat implements session.Session. It reflects the most recent
// "format" line seen in the stream.
func (s *Session) OutputFormat() session.OutputFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// SetVolume implements session.Session. A replayed session has no speaker to
// mute, so the call is only logged.
func (s *Session) SetVolume(level float64) error {
	slog.Debug("replay session volume change", "level", level)
	return nil
}

// End implements session.Session and stops the reader.
func (s *Session) End(context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	return nil
}

func (s *Session) read(r io.Reader) {
	defer close(s.events)

	s.events <- session.Connected{}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil {
			slog.Warn("replay session: skipping malformed line", "err", err)
			continue
		}
		ev, ok := s.toEvent(l)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("replay session: read error", "err", err)
	}
	select {
	case s.events <- session.Disconnected{}:
	case <-s.done:
	}
}

func (s *Session) toEvent(l line) (session.Event, bool) {
	switch l.Type {
	case "mode":
		return session.ModeChanged{Mode: session.Mode(l.Mode)}, true
	case "interruption":
		return session.Interrupted{EventID: l.EventID}, true
	case "message":
		return session.Message{Role: session.Role(l.Role), Text: l.Text}, true
	case "audio":
		return session.AudioFrame{Data: l.Data, Format: s.OutputFormat()}, true
	case "format":
		s.mu.Lock()
		if l.Encoding != "" {
			s.format.Encoding = audio.Format(l.Encoding)
		}
		if l.SampleRate > 0 {
			s.format.SampleRate = l.SampleRate
		}
		s.mu.Unlock()
		return nil, false
	default:
		slog.Warn("replay session: unknown event type", "type", l.Type)
		return nil, false
	}
}
