// Package wire defines the text-oriented framing spoken to the downstream
// display sink. Every message is a single UTF-8 string consisting of a short
// marker, a caret separator, and an optional body.
//
// Two markers exist:
//
//	sentence-send^<text>   one complete unit of agent speech
//	action^<name>          a control signal (currently only "pause")
package wire

import "strings"

// Payload is one immutable sink message, already framed and ready to write to
// the socket. Construct values via [Sentence] or [Action]; never mutate one
// after it has been handed to the transport.
type Payload string

const (
	sentencePrefix = "sentence-send^"
	actionPrefix   = "action^"
)

// Pause requests immediate suppression of downstream output.
var Pause = Action("pause")

// Sentence frames one complete unit of agent speech. The sink protocol is
// line-oriented, so embedded newlines are replaced with single spaces.
func Sentence(text string) Payload {
	if strings.ContainsAny(text, "\r\n") {
		text = strings.Join(strings.Fields(text), " ")
	}
	return Payload(sentencePrefix + text)
}

// Action frames a control signal with the given name.
func Action(name string) Payload {
	return Payload(actionPrefix + name)
}

// IsSentence reports whether p carries a sentence-send marker.
func (p Payload) IsSentence() bool {
	return strings.HasPrefix(string(p), sentencePrefix)
}

// Text returns the body of a sentence payload, or "" for control payloads.
func (p Payload) Text() string {
	if !p.IsSentence() {
		return ""
	}
	return strings.TrimPrefix(string(p), sentencePrefix)
}
