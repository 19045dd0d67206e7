package audio

import (
	"fmt"
	"strings"
	"time"
)

// Codec identifies the encoding of the bytes in a [Frame].
type Codec string

const (
	// CodecPCM16 is signed 16-bit little-endian linear PCM, mono. It is the
	// pivot format every conversion passes through.
	CodecPCM16 Codec = "pcm16"

	// CodecMulaw is ITU-T G.711 µ-law, one byte per sample.
	CodecMulaw Codec = "mulaw"

	// CodecAlaw is ITU-T G.711 A-law, one byte per sample.
	CodecAlaw Codec = "alaw"

	// CodecOpus is one Opus packet per frame.
	CodecOpus Codec = "opus"
)

// IsValid reports whether c is a supported codec.
func (c Codec) IsValid() bool {
	switch c {
	case CodecPCM16, CodecMulaw, CodecAlaw, CodecOpus:
		return true
	}
	return false
}

// SampleWidth returns the number of bytes per sample for sample-oriented
// codecs, or 0 for packetised codecs such as Opus.
func (c Codec) SampleWidth() int {
	switch c {
	case CodecPCM16:
		return 2
	case CodecMulaw, CodecAlaw:
		return 1
	}
	return 0
}

// ParseCodec maps a codec name to a [Codec]. It accepts the canonical names
// plus the aliases telephony platforms commonly use ("ulaw", "pcmu", "l16",
// "slin", "pcma", ...). Matching is case-insensitive.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "pcm16", "pcm", "l16", "linear16", "slin", "slin16", "audio/l16":
		return CodecPCM16, nil
	case "mulaw", "ulaw", "mu-law", "pcmu", "g711u", "audio/x-mulaw", "audio/pcmu":
		return CodecMulaw, nil
	case "alaw", "a-law", "pcma", "g711a", "audio/x-alaw", "audio/pcma":
		return CodecAlaw, nil
	case "opus", "audio/opus":
		return CodecOpus, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
}

// supportedRates are the sample rates the bridge negotiates. Every entry is
// also a rate libopus accepts.
var supportedRates = []int{8000, 16000, 24000, 48000}

// ValidSampleRate reports whether rate is one of the supported sample rates.
func ValidSampleRate(rate int) bool {
	for _, r := range supportedRates {
		if r == rate {
			return true
		}
	}
	return false
}

// SupportedSampleRates returns a copy of the supported sample rates.
func SupportedSampleRates() []int {
	out := make([]int, len(supportedRates))
	copy(out, supportedRates)
	return out
}

// Format is a codec plus sample rate. All audio handled by the bridge is mono.
type Format struct {
	Codec      Codec
	SampleRate int
}

// String returns e.g. "mulaw/8000".
func (f Format) String() string {
	return fmt.Sprintf("%s/%d", f.Codec, f.SampleRate)
}

// Origin says which leg of a call produced a frame.
type Origin int

const (
	// OriginProvider marks frames read from the telephony leg.
	OriginProvider Origin = iota

	// OriginBot marks frames received from the voice-bot backend.
	OriginBot
)

// String returns "provider" or "bot".
func (o Origin) String() string {
	switch o {
	case OriginProvider:
		return "provider"
	case OriginBot:
		return "bot"
	default:
		return "unknown"
	}
}

// Frame is one chunk of audio moving through a session. Ownership of Data
// passes to whoever the frame is handed to; frames never cross sessions.
type Frame struct {
	// Data holds the encoded audio bytes.
	Data []byte

	// Codec is the encoding of Data.
	Codec Codec

	// SampleRate in Hz.
	SampleRate int

	// Origin is the leg the frame was produced by.
	Origin Origin

	// Seq increases monotonically per origin within a session.
	Seq uint64
}

// Format returns the codec and rate of the frame.
func (f Frame) Format() Format {
	return Format{Codec: f.Codec, SampleRate: f.SampleRate}
}

// Duration returns the playout time of the frame for sample-oriented codecs.
// It returns 0 for Opus and for frames with an unknown rate.
func (f Frame) Duration() time.Duration {
	w := f.Codec.SampleWidth()
	if w == 0 || f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / w
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
