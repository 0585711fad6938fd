// Package transport carries call audio between the switch and the engine.
//
// Two variants share one surface: an RTP transport for ExternalMedia channels
// and a framed-TCP transport for AudioSocket channels. Both move bytes at the
// negotiated profile's wire encoding and rate; neither resamples. Peer
// disconnect surfaces as a KindClosed event so the call controller can tear
// the session down.
package transport

import "errors"

// ErrClosed is returned by writes on a transport that has been closed or
// whose peer disconnected.
var ErrClosed = errors.New("transport: closed")

// EventKind discriminates ingress events.
type EventKind int

const (
	// KindAudio carries one chunk of caller audio at the wire format.
	KindAudio EventKind = iota

	// KindDTMF carries one DTMF digit. Only the AudioSocket transport
	// delivers DTMF inline; RTP calls receive digits over the control
	// connection instead.
	KindDTMF

	// KindClosed reports peer disconnect. It is the last event on the
	// channel.
	KindClosed
)

// Event is one item on a transport's ingress stream.
type Event struct {
	Kind  EventKind
	Audio []byte
	Digit byte
}

// Conn is an open per-call audio path. SendEgress accepts bytes at the
// profile's egress wire format; the Events channel delivers ingress audio in
// arrival order and is closed after KindClosed.
type Conn interface {
	// SendEgress queues agent audio for delivery to the switch. Returns
	// ErrClosed after Close or peer disconnect.
	SendEgress(b []byte) error

	// FlushEgress drops queued egress audio that has not gone out on the
	// wire yet, so a cancelled playback stops at the caller's ear instead of
	// draining to its end. Returns ErrClosed after Close or peer disconnect.
	FlushEgress() error

	// Events returns the ingress stream.
	Events() <-chan Event

	// Close tears the path down. Safe to call more than once.
	Close() error
}
