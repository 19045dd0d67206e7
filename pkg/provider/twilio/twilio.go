// Package twilio implements the Twilio Media Streams protocol on top of
// [wsmedia].
//
// Twilio sends JSON text messages: "connected", then "start" with the call and
// stream SIDs, then a "media" message per 20 ms of base64 µ-law, interleaved
// with "dtmf" and "mark", and finally "stop". The bridge answers with "media"
// messages for playback and "clear" to discard queued playback.
package twilio

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider"
	"github.com/MrWong99/callbridge/pkg/provider/wsmedia"
)

var errNoStream = errors.New("twilio: media before start")

// New returns an adapter for Twilio Media Streams.
func New(opts ...wsmedia.Option) *wsmedia.Adapter {
	return wsmedia.New(Dialect{}, opts...)
}

// Dialect implements [wsmedia.Dialect] for Twilio.
type Dialect struct{}

// Type implements [wsmedia.Dialect].
func (Dialect) Type() provider.Type { return provider.TypeTwilio }

// NewStream implements [wsmedia.Dialect].
func (Dialect) NewStream(*http.Request) wsmedia.Stream {
	return &stream{format: audio.Format{Codec: audio.CodecMulaw, SampleRate: 8000}}
}

type mediaMessage struct {
	Event     string        `json:"event"`
	StreamSID string        `json:"streamSid,omitempty"`
	Start     *startMessage `json:"start,omitempty"`
	Media     *mediaPayload `json:"media,omitempty"`
	Mark      *markMessage  `json:"mark,omitempty"`
	Stop      *stopMessage  `json:"stop,omitempty"`
	DTMF      *dtmfMessage  `json:"dtmf,omitempty"`
}

type startMessage struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markMessage struct {
	Name string `json:"name"`
}

type stopMessage struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type dtmfMessage struct {
	Track string `json:"track,omitempty"`
	Digit string `json:"digit"`
}

type stream struct {
	streamSID string
	callSID   string
	format    audio.Format
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Handle(msg wsmedia.Message) ([]provider.Item, []wsmedia.Message, error) {
	if msg.Binary {
		return nil, nil, errors.New("twilio: unexpected binary message")
	}
	var m mediaMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		return nil, nil, fmt.Errorf("twilio: decode message: %w", err)
	}

	switch m.Event {
	case "start":
		if m.Start == nil {
			return nil, nil, errors.New("twilio: start without payload")
		}
		s.streamSID = m.Start.StreamSID
		if s.streamSID == "" {
			s.streamSID = m.StreamSID
		}
		s.callSID = m.Start.CallSID
		if enc := m.Start.MediaFormat.Encoding; enc != "" {
			if c, err := audio.ParseCodec(enc); err == nil {
				s.format.Codec = c
			}
		}
		if r := m.Start.MediaFormat.SampleRate; r > 0 {
			s.format.SampleRate = r
		}
		p := m.Start.CustomParams
		return []provider.Item{provider.EventItem(provider.Started(s.callSID, p["from"], p["to"]))}, nil, nil

	case "media":
		if s.streamSID == "" {
			return nil, nil, errNoStream
		}
		if m.Media == nil || m.Media.Payload == "" {
			return nil, nil, nil
		}
		// Only the caller's audio is relayed to the bot.
		if m.Media.Track != "" && m.Media.Track != "inbound" {
			return nil, nil, nil
		}
		data, err := base64.StdEncoding.DecodeString(m.Media.Payload)
		if err != nil {
			return nil, nil, fmt.Errorf("twilio: decode payload: %w", err)
		}
		return []provider.Item{provider.FrameItem(audio.Frame{
			Data:       data,
			Codec:      s.format.Codec,
			SampleRate: s.format.SampleRate,
		})}, nil, nil

	case "dtmf":
		if m.DTMF == nil || !provider.ValidDigit(m.DTMF.Digit) {
			return nil, nil, errors.New("twilio: invalid dtmf")
		}
		return []provider.Item{provider.EventItem(provider.DTMF(m.DTMF.Digit))}, nil, nil

	case "stop":
		return []provider.Item{provider.EventItem(provider.Ended(provider.ReasonHangup))}, nil, nil

	case "connected", "mark":
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("twilio: unknown event %q", m.Event)
}

func (s *stream) Encode(f audio.Frame) (wsmedia.Message, error) {
	if s.streamSID == "" {
		return wsmedia.Message{}, errNoStream
	}
	if f.Codec != s.format.Codec {
		return wsmedia.Message{}, fmt.Errorf("twilio: cannot send %s on a %s stream", f.Codec, s.format.Codec)
	}
	return wsmedia.JSON(mediaMessage{
		Event:     "media",
		StreamSID: s.streamSID,
		Media:     &mediaPayload{Payload: base64.StdEncoding.EncodeToString(f.Data)},
	})
}

func (s *stream) ClearMessage() wsmedia.Message {
	msg, _ := wsmedia.JSON(mediaMessage{Event: "clear", StreamSID: s.streamSID})
	return msg
}
