// Package freeswitch implements the mod_audio_fork / mod_audio_stream
// WebSocket protocol on top of [wsmedia].
//
// FreeSWITCH sends one JSON metadata text message when the fork starts, then
// binary L16 audio at the announced rate. Later text messages carry events
// such as DTMF. Playback goes back as "streamAudio" JSON with base64 audio;
// "killAudio" flushes it.
package freeswitch

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

var errNoMetadata = errors.New("freeswitch: audio before metadata")

// New returns an adapter for FreeSWITCH media forks. defaultRate is used when
// the metadata does not announce a sample rate.
func New(defaultRate int, opts ...wsmedia.Option) *wsmedia.Adapter {
	if !audio.ValidSampleRate(defaultRate) {
		defaultRate = 8000
	}
	return wsmedia.New(Dialect{DefaultRate: defaultRate}, opts...)
}

// Dialect implements [wsmedia.Dialect] for FreeSWITCH.
type Dialect struct {
	DefaultRate int
}

// Type implements [wsmedia.Dialect].
func (Dialect) Type() provider.Type { return provider.TypeFreeSWITCH }

// NewStream implements [wsmedia.Dialect].
func (d Dialect) NewStream(*http.Request) wsmedia.Stream {
	return &stream{format: audio.Format{Codec: audio.CodecPCM16, SampleRate: d.DefaultRate}, channels: 1}
}

type metadata struct {
	CallID       string `json:"call_id"`
	UUID         string `json:"uuid"`
	CallerNumber string `json:"caller_number"`
	CalleeNumber string `json:"callee_number"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
}

type event struct {
	Event  string `json:"event"`
	Digit  string `json:"digit"`
	Reason string `json:"reason"`
}

type playback struct {
	Type string        `json:"type"`
	Data *playbackData `json:"data,omitempty"`
}

type playbackData struct {
	AudioDataType string `json:"audioDataType"`
	SampleRate    int    `json:"sampleRate"`
	AudioData     string `json:"audioData"`
}

type stream struct {
	started  bool
	format   audio.Format
	channels int
}

func (s *stream) Format() audio.Format { return s.format }

func (s *stream) Handle(msg wsmedia.Message) ([]provider.Item, []wsmedia.Message, error) {
	if msg.Binary {
		if !s.started {
			return nil, nil, errNoMetadata
		}
		data := msg.Data
		if s.channels == 2 {
			data = audio.StereoToMono(data)
		}
		return []provider.Item{provider.FrameItem(audio.Frame{
			Data:       data,
			Codec:      audio.CodecPCM16,
			SampleRate: s.format.SampleRate,
		})}, nil, nil
	}

	if !s.started {
		var md metadata
		if err := json.Unmarshal(msg.Data, &md); err != nil {
			return nil, nil, fmt.Errorf("freeswitch: decode metadata: %w", err)
		}
		if md.SampleRate != 0 {
			if !audio.ValidSampleRate(md.SampleRate) {
				return nil, nil, fmt.Errorf("freeswitch: %w: %d", audio.ErrUnsupportedRate, md.SampleRate)
			}
			s.format.SampleRate = md.SampleRate
		}
		if md.Channels == 2 {
			s.channels = 2
		}
		callID := md.CallID
		if callID == "" {
			callID = md.UUID
		}
		s.started = true
		return []provider.Item{provider.EventItem(provider.Started(callID, md.CallerNumber, md.CalleeNumber))}, nil, nil
	}

	var ev event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return nil, nil, fmt.Errorf("freeswitch: decode event: %w", err)
	}
	switch ev.Event {
	case "dtmf":
		if !provider.ValidDigit(ev.Digit) {
			return nil, nil, errors.New("freeswitch: invalid dtmf")
		}
		return []provider.Item{provider.EventItem(provider.DTMF(ev.Digit))}, nil, nil
	case "hold":
		return []provider.Item{provider.EventItem(provider.CallEvent{Kind: provider.EventHold})}, nil, nil
	case "unhold", "resume":
		return []provider.Item{provider.EventItem(provider.CallEvent{Kind: provider.EventResume})}, nil, nil
	case "hangup":
		// The hangup cause (NORMAL_CLEARING, USER_BUSY, ...) describes the
		// call, not the media fork, which ended in order.
		return []provider.Item{provider.EventItem(provider.EndedCause(provider.ReasonHangup, ev.Reason))}, nil, nil
	}
	// Other notifications (playback progress, status) carry nothing to relay.
	return nil, nil, nil
}

func (s *stream) Encode(f audio.Frame) (wsmedia.Message, error) {
	if f.Codec != audio.CodecPCM16 {
		return wsmedia.Message{}, fmt.Errorf("freeswitch: cannot send %s, stream carries L16", f.Codec)
	}
	return wsmedia.JSON(playback{
		Type: "streamAudio",
		Data: &playbackData{
			AudioDataType: "raw",
			SampleRate:    f.SampleRate,
			AudioData:     base64.StdEncoding.EncodeToString(f.Data),
		},
	})
}

func (s *stream) ClearMessage() wsmedia.Message {
	msg, _ := wsmedia.JSON(playback{Type: "killAudio"})
	return msg
}
