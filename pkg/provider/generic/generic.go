// Package generic implements the bridge's own WebSocket media protocol, used
// directly by custom integrations and by the media-forking gateways of Avaya,
// Cisco and Amazon Connect.
//
// Audio travels as binary messages in the configured codec. Control travels as
// JSON text messages with a "type" field:
//
//	{"type":"start","call_id":"...","from":"...","to":"...","codec":"mulaw","sample_rate":8000}
//	{"type":"dtmf","digit":"5"}
//	{"type":"hold"} / {"type":"resume"}
//	{"type":"stop","reason":"hangup"}
//
// The gateway variants differ only in which upgrade header carries the call
// identity when the start message omits it.
package generic

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
	"github.com/MrWong99/callbridge/pkg/provider/wsmedia"
)

var errNotStarted = errors.New("generic: audio before start")

// callIDHeaders lists the upgrade header each gateway uses for the call
// identity.
var callIDHeaders = map[provider.Type]string{
	provider.TypeWebSocket:     "X-Call-Id",
	provider.TypeAvaya:         "X-Avaya-Ucid",
	provider.TypeCisco:         "X-Cisco-Call-Id",
	provider.TypeAmazonConnect: "X-Amzn-Contact-Id",
}

// Dialect implements [wsmedia.Dialect] for the generic protocol.
type Dialect struct {
	// Variant is one of websocket, avaya, cisco or amazon_connect.
	Variant provider.Type

	// Input is the wire format assumed until a start message overrides it.
	Input audio.Format
}

// New returns an adapter for variant. input is the default inbound wire
// format.
func New(variant provider.Type, input audio.Format, opts ...wsmedia.Option) (*wsmedia.Adapter, error) {
	if _, ok := callIDHeaders[variant]; !ok {
		return nil, fmt.Errorf("generic: %q does not speak the generic protocol", variant)
	}
	if !input.Codec.IsValid() || !audio.ValidSampleRate(input.SampleRate) {
		return nil, fmt.Errorf("generic: invalid input format %s", input)
	}
	return wsmedia.New(Dialect{Variant: variant, Input: input}, opts...), nil
}

// Type implements [wsmedia.Dialect].
func (d Dialect) Type() provider.Type { return d.Variant }

// NewStream implements [wsmedia.Dialect].
func (d Dialect) NewStream(r *http.Request) wsmedia.Stream {
	s := &stream{format: d.Input}
	if r != nil {
		s.headerCallID = r.Header.Get(callIDHeaders[d.Variant])
		if s.headerCallID == "" {
			s.headerCallID = r.URL.Query().Get("call_id")
		}
	}
	return s
}

type control struct {
	Type       string `json:"type"`
	CallID     string `json:"call_id,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Codec      string `json:"codec,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Digit      string `json:"digit,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type stream struct {
	headerCallID string
	started      bool
	format       audio.Format
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Handle(msg wsmedia.Message) ([]provider.Item, []wsmedia.Message, error) {
	if msg.Binary {
		if !s.started {
			return nil, nil, errNotStarted
		}
		return []provider.Item{provider.FrameItem(audio.Frame{
			Data:       msg.Data,
			Codec:      s.format.Codec,
			SampleRate: s.format.SampleRate,
		})}, nil, nil
	}

	var c control
	if err := json.Unmarshal(msg.Data, &c); err != nil {
		return nil, nil, fmt.Errorf("generic: decode control: %w", err)
	}
	switch c.Type {
	case "start":
		if c.Codec != "" {
			codec, err := audio.ParseCodec(c.Codec)
			if err != nil {
				return nil, nil, err
			}
			s.format.Codec = codec
		}
		if c.SampleRate != 0 {
			if !audio.ValidSampleRate(c.SampleRate) {
				return nil, nil, fmt.Errorf("generic: %w: %d", audio.ErrUnsupportedRate, c.SampleRate)
			}
			s.format.SampleRate = c.SampleRate
		}
		callID := c.CallID
		if callID == "" {
			callID = s.headerCallID
		}
		if callID == "" {
			callID = uuid.NewString()
		}
		s.started = true
		return []provider.Item{provider.EventItem(provider.Started(callID, c.From, c.To))}, nil, nil
	case "dtmf":
		if !provider.ValidDigit(c.Digit) {
			return nil, nil, errors.New("generic: invalid dtmf")
		}
		return []provider.Item{provider.EventItem(provider.DTMF(c.Digit))}, nil, nil
	case "hold":
		return []provider.Item{provider.EventItem(provider.CallEvent{Kind: provider.EventHold})}, nil, nil
	case "resume":
		return []provider.Item{provider.EventItem(provider.CallEvent{Kind: provider.EventResume})}, nil, nil
	case "stop":
		reason := provider.ReasonHangup
		if c.Reason == provider.ReasonError {
			reason = provider.ReasonError
		}
		return []provider.Item{provider.EventItem(provider.EndedCause(reason, c.Reason))}, nil, nil
	}
	return nil, nil, fmt.Errorf("generic: unknown control type %q", c.Type)
}

func (s *stream) Encode(f audio.Frame) (wsmedia.Message, error) {
	return wsmedia.Message{Binary: true, Data: f.Data}, nil
}

func (s *stream) ClearMessage() wsmedia.Message {
	msg, _ := wsmedia.JSON(control{Type: "clear"})
	return msg
}
