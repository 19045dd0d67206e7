// Package genesys implements the Genesys Cloud AudioHook protocol on top of
// [wsmedia].
//
// The client opens with an "open" message offering one or more media formats;
// the server picks one and answers "opened". Audio then flows as binary PCMU
// frames. Every text message carries a sequence number: the client's "seq"
// counts its own messages and "serverseq" echoes the last server message it
// saw, and the server does the reverse with "seq" and "clientseq".
package genesys

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
	"github.com/MrWong99/callbridge/pkg/provider/wsmedia"
)

const protocolVersion = "2"

var errNotOpen = errors.New("genesys: session not open")

// New returns an adapter for Genesys AudioHook.
func New(opts ...wsmedia.Option) *wsmedia.Adapter {
	return wsmedia.New(Dialect{}, opts...)
}

// Dialect implements [wsmedia.Dialect] for AudioHook.
type Dialect struct{}

// Type implements [wsmedia.Dialect].
func (Dialect) Type() provider.Type { return provider.TypeGenesys }

// NewStream implements [wsmedia.Dialect].
func (Dialect) NewStream(*http.Request) wsmedia.Stream {
	return &stream{format: audio.Format{Codec: audio.CodecMulaw, SampleRate: 8000}, channels: 1}
}

type message struct {
	Version    string          `json:"version"`
	Type       string          `json:"type"`
	Seq        int             `json:"seq"`
	ServerSeq  int             `json:"serverseq,omitempty"`
	ClientSeq  int             `json:"clientseq,omitempty"`
	ID         string          `json:"id"`
	Position   string          `json:"position,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
}

type openParameters struct {
	OrganizationID string       `json:"organizationId"`
	ConversationID string       `json:"conversationId"`
	Participant    participant  `json:"participant"`
	Media          []mediaOffer `json:"media"`
	Language       string       `json:"language,omitempty"`
}

type participant struct {
	ID      string `json:"id"`
	ANI     string `json:"ani"`
	ANIName string `json:"aniName"`
	DNIS    string `json:"dnis"`
}

type mediaOffer struct {
	Type     string   `json:"type"`
	Format   string   `json:"format"`
	Channels []string `json:"channels"`
	Rate     int      `json:"rate"`
}

type openedParameters struct {
	StartPaused bool         `json:"startPaused"`
	Media       []mediaOffer `json:"media"`
}

type dtmfParameters struct {
	Digit string `json:"digit"`
}

type closeParameters struct {
	Reason string `json:"reason"`
}

type stream struct {
	sessionID string
	open      bool
	clientSeq int
	serverSeq int
	format    audio.Format
	channels  int
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Handle(msg wsmedia.Message) ([]provider.Item, []wsmedia.Message, error) {
	if msg.Binary {
		if !s.open {
			return nil, nil, errNotOpen
		}
		data := msg.Data
		if s.channels == 2 {
			data = externalChannel(data, s.format.Codec.SampleWidth())
		}
		return []provider.Item{provider.FrameItem(audio.Frame{
			Data:       data,
			Codec:      s.format.Codec,
			SampleRate: s.format.SampleRate,
		})}, nil, nil
	}

	var m message
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return nil, nil, fmt.Errorf("genesys: decode message: %w", err)
	}
	s.clientSeq = m.Seq

	switch m.Type {
	case "open":
		var p openParameters
		if err := json.Unmarshal(m.Parameters, &p); err != nil {
			return nil, nil, fmt.Errorf("genesys: decode open: %w", err)
		}
		offer, err := s.selectMedia(p.Media)
		if err != nil {
			return nil, nil, err
		}
		s.sessionID = m.ID
		s.open = true
		reply, err := s.reply("opened", openedParameters{Media: []mediaOffer{offer}})
		if err != nil {
			return nil, nil, err
		}
		started := provider.Started(p.ConversationID, p.Participant.ANI, p.Participant.DNIS)
		return []provider.Item{provider.EventItem(started)}, []wsmedia.Message{reply}, nil

	case "ping":
		reply, err := s.reply("pong", struct{}{})
		if err != nil {
			return nil, nil, err
		}
		return nil, []wsmedia.Message{reply}, nil

	case "paused":
		return []provider.Item{provider.EventItem(provider.CallEvent{Kind: provider.EventHold})}, nil, nil

	case "resumed":
		return []provider.Item{provider.EventItem(provider.CallEvent{Kind: provider.EventResume})}, nil, nil

	case "dtmf":
		var p dtmfParameters
		if err := json.Unmarshal(m.Parameters, &p); err != nil || !provider.ValidDigit(p.Digit) {
			return nil, nil, errors.New("genesys: invalid dtmf")
		}
		return []provider.Item{provider.EventItem(provider.DTMF(p.Digit))}, nil, nil

	case "close":
		var p closeParameters
		_ = json.Unmarshal(m.Parameters, &p)
		reply, err := s.reply("closed", struct{}{})
		if err != nil {
			return nil, nil, err
		}
		return []provider.Item{provider.EventItem(provider.EndedCause(closeReason(p.Reason), p.Reason))}, []wsmedia.Message{reply}, nil

	case "error":
		return []provider.Item{provider.EventItem(provider.EndedCause(provider.ReasonError, "error"))}, nil, nil

	case "update", "discarded":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("genesys: unknown message type %q", m.Type)
}

// selectMedia prefers a mono offer of the external (caller) channel.
func (s *stream) selectMedia(offers []mediaOffer) (mediaOffer, error) {
	var fallback *mediaOffer
	for i := range offers {
		o := offers[i]
		if o.Type != "audio" {
			continue
		}
		codec, err := audio.ParseCodec(o.Format)
		// AudioHook media is PCMU at 8 kHz.
		if err != nil || codec != audio.CodecMulaw || o.Rate != 8000 {
			continue
		}
		if len(o.Channels) == 1 && o.Channels[0] == "external" {
			s.format = audio.Format{Codec: codec, SampleRate: o.Rate}
			s.channels = 1
			return o, nil
		}
		if fallback == nil && slices.Contains(o.Channels, "external") && len(o.Channels) <= 2 {
			fallback = &offers[i]
		}
	}
	if fallback == nil {
		return mediaOffer{}, errors.New("genesys: no usable media offer")
	}
	codec, _ := audio.ParseCodec(fallback.Format)
	s.format = audio.Format{Codec: codec, SampleRate: fallback.Rate}
	s.channels = len(fallback.Channels)
	return *fallback, nil
}

func (s *stream) reply(typ string, params any) (wsmedia.Message, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return wsmedia.Message{}, err
	}
	s.serverSeq++
	return wsmedia.JSON(message{
		Version:    protocolVersion,
		Type:       typ,
		Seq:        s.serverSeq,
		ClientSeq:  s.clientSeq,
		ID:         s.sessionID,
		Parameters: raw,
	})
}

func (s *stream) Encode(f audio.Frame) (wsmedia.Message, error) {
	if !s.open {
		return wsmedia.Message{}, errNotOpen
	}
	if f.Format() != s.format {
		return wsmedia.Message{}, fmt.Errorf("genesys: cannot send %s on a %s stream", f.Format(), s.format)
	}
	return wsmedia.Message{Binary: true, Data: f.Data}, nil
}

// externalChannel extracts channel 0 from interleaved two-channel audio.
func externalChannel(data []byte, width int) []byte {
	frame := 2 * width
	out := make([]byte, 0, len(data)/2)
	for i := 0; i+frame <= len(data); i += frame {
		out = append(out, data[i:i+width]...)
	}
	return out
}

// closeReason maps an AudioHook close reason onto a provider reason. "end"
// and "disconnect" are orderly; only "error" is a failure.
func closeReason(reason string) string {
	if reason == "error" {
		return provider.ReasonError
	}
	return provider.ReasonHangup
}
