// Package provider defines the capability interface every telephony connector
// implements, the call lifecycle events they surface, and a registry that
// selects a connector from its configured [Type].
//
// A connector is split in two:
//
//   - [Adapter] owns the listening side (an HTTP upgrade route or a TCP
//     listener) and hands out one [Conn] per inbound call leg.
//   - [Conn] is a single call leg. It yields audio frames and lifecycle events
//     in arrival order and accepts outbound audio in the connector's wire
//     format.
//
// Wire parsing never leaves the connector: everything above this package sees
// only [audio.Frame] values and [CallEvent] values.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// ErrAdapterClosed is returned by [Adapter.Accept] once the adapter has been
// closed.
var ErrAdapterClosed = errors.New("provider: adapter closed")

// ErrConnClosed is returned by [Conn.WriteFrame] after the leg has closed.
var ErrConnClosed = errors.New("provider: connection closed")

// Type enumerates the supported telephony connectors.
type Type string

const (
	TypeTwilio        Type = "twilio"
	TypeGenesys       Type = "genesys"
	TypeAvaya         Type = "avaya"
	TypeCisco         Type = "cisco"
	TypeAmazonConnect Type = "amazon_connect"
	TypeFreeSWITCH    Type = "freeswitch"
	TypeAsterisk      Type = "asterisk"
	TypeWebSocket     Type = "websocket"
)

// Types returns every supported connector type.
func Types() []Type {
	return []Type{
		TypeTwilio, TypeGenesys, TypeAvaya, TypeCisco,
		TypeAmazonConnect, TypeFreeSWITCH, TypeAsterisk, TypeWebSocket,
	}
}

// IsValid reports whether t is a supported connector type.
func (t Type) IsValid() bool {
	for _, v := range Types() {
		if v == t {
			return true
		}
	}
	return false
}

// UsesWebSocket reports whether the connector is served from the shared HTTP
// listener rather than its own TCP listener.
func (t Type) UsesWebSocket() bool {
	return t.IsValid() && t != TypeAsterisk
}

// WireConstraint describes the only audio format a connector can carry. A zero
// Codec or SampleRate means the connector accepts any supported value.
type WireConstraint struct {
	Codec      audio.Codec
	SampleRate int
}

// Constraint returns the fixed wire format of t, if it has one.
func (t Type) Constraint() (WireConstraint, bool) {
	switch t {
	case TypeTwilio, TypeGenesys:
		return WireConstraint{Codec: audio.CodecMulaw, SampleRate: 8000}, true
	case TypeAsterisk:
		return WireConstraint{Codec: audio.CodecPCM16, SampleRate: 8000}, true
	case TypeFreeSWITCH:
		return WireConstraint{Codec: audio.CodecPCM16}, true
	}
	return WireConstraint{}, false
}

// Adapter accepts inbound call legs for one connector type.
//
// Implementations must be safe for concurrent use: Accept is called from the
// bridge's accept loop while Close may be called from a shutdown path.
type Adapter interface {
	// Type returns the connector type this adapter serves.
	Type() Type

	// Accept blocks until the next call leg arrives, ctx is cancelled, or the
	// adapter is closed. After Close it returns [ErrAdapterClosed].
	Accept(ctx context.Context) (Conn, error)

	// Close stops accepting new legs. Legs already handed out stay open until
	// their own Close is called.
	Close() error
}

// HTTPAdapter is an [Adapter] whose legs arrive as WebSocket upgrades on the
// shared HTTP listener. The server mounts it under the configured listen path.
type HTTPAdapter interface {
	Adapter
	http.Handler
}

// ListenerAdapter is an [Adapter] that owns its own network listener.
type ListenerAdapter interface {
	Adapter

	// Addr returns the address the adapter is listening on.
	Addr() string
}

// Conn is one inbound telephony call leg.
//
// ReadFrame must only be called from a single goroutine. WriteFrame may be
// called concurrently with ReadFrame but not with itself.
type Conn interface {
	// ID is a connector-local identifier for the leg, stable for its lifetime.
	ID() string

	// Format returns the negotiated wire format. It may change once the
	// Started event has been read, for connectors that announce the format in
	// their start message.
	Format() audio.Format

	// ReadFrame returns the next item from the leg. When the leg ends it
	// yields an [EventEnded] item and then [io.EOF]. Cancelling ctx abandons
	// the wait without consuming an item.
	ReadFrame(ctx context.Context) (Item, error)

	// WriteFrame sends audio to the caller. The frame must already be in the
	// leg's wire format.
	WriteFrame(ctx context.Context, f audio.Frame) error

	// Close terminates the leg. It is safe to call more than once.
	Close() error
}

// Clearer is implemented by legs that can discard audio the provider has
// buffered for playout.
type Clearer interface {
	Clear(ctx context.Context) error
}

// Item is one element read from a [Conn]: either an audio frame or a
// lifecycle event.
type Item struct {
	// Frame is set when Event is nil.
	Frame audio.Frame

	// Event is non-nil for lifecycle items.
	Event *CallEvent
}

// FrameItem wraps f in an [Item].
func FrameItem(f audio.Frame) Item { return Item{Frame: f} }

// EventItem wraps ev in an [Item].
func EventItem(ev CallEvent) Item { return Item{Event: &ev} }

// EventKind enumerates call lifecycle events.
type EventKind int

const (
	// EventStarted carries the call identity. It precedes any audio.
	EventStarted EventKind = iota

	// EventDTMF carries one keypad digit.
	EventDTMF

	// EventHold signals the caller was placed on hold.
	EventHold

	// EventResume signals the caller was taken off hold.
	EventResume

	// EventEnded is the last item a leg yields.
	EventEnded
)

// String returns the lower-case event name.
func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventDTMF:
		return "dtmf"
	case EventHold:
		return "hold"
	case EventResume:
		return "resume"
	case EventEnded:
		return "ended"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// CallEvent is a lifecycle notification from a telephony leg. Only the fields
// relevant to Kind are set.
type CallEvent struct {
	Kind EventKind

	// CallID is the provider-assigned call identifier (Started).
	CallID string

	// From and To are the caller and callee numbers (Started). Empty for
	// non-PSTN legs.
	From string
	To   string

	// Digit is a single DTMF digit: 0-9, *, #, A-D (DTMF).
	Digit string

	// Reason is one of the Reason constants (Ended).
	Reason string

	// Cause is the vendor's own end reason, such as a FreeSWITCH hangup
	// cause or an AudioHook close reason. It is only logged (Ended).
	Cause string
}

// Reasons reported with [EventEnded]. Adapters map every vendor reason onto
// one of these and keep the original in [CallEvent.Cause].
const (
	// ReasonHangup is any orderly end signalled by the provider.
	ReasonHangup = "hangup"

	// ReasonDisconnect is loss of the transport without an end message.
	ReasonDisconnect = "disconnect"

	// ReasonError is an end the provider reported as a failure.
	ReasonError = "error"
)

// Failed reports whether an Ended reason means the call did not end cleanly.
// Unknown reasons count as clean.
func Failed(reason string) bool {
	return reason == ReasonDisconnect || reason == ReasonError
}

// Started returns a Started event.
func Started(callID, from, to string) CallEvent {
	return CallEvent{Kind: EventStarted, CallID: callID, From: from, To: to}
}

// DTMF returns a DTMF event.
func DTMF(digit string) CallEvent { return CallEvent{Kind: EventDTMF, Digit: digit} }

// Ended returns an Ended event.
func Ended(reason string) CallEvent { return CallEvent{Kind: EventEnded, Reason: reason} }

// EndedCause returns an Ended event carrying the vendor's cause.
func EndedCause(reason, cause string) CallEvent {
	return CallEvent{Kind: EventEnded, Reason: reason, Cause: cause}
}

// ValidDigit reports whether d is a single DTMF symbol.
func ValidDigit(d string) bool {
	if len(d) != 1 {
		return false
	}
	c := d[0]
	return (c >= '0' && c <= '9') || c == '*' || c == '#' || (c >= 'A' && c <= 'D')
}
