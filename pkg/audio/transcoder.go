package audio

import (
	"fmt"

	"layeh.com/gopus"
)

const (
	// opusMaxPacketMs bounds the decode buffer; Opus packets carry at most
	// 120 ms of audio.
	opusMaxPacketMs = 120

	// opusMaxPacketBytes bounds a single encoded packet.
	opusMaxPacketBytes = 4000
)

// Transcoder converts frames between one wire format and the PCM16 pivot.
// It delegates stateless codecs to [ToPivot] and [FromPivot] and keeps Opus
// encoder/decoder state across frames, which is why each session direction
// needs its own Transcoder. Not safe for concurrent use.
type Transcoder struct {
	target    Format
	pivotRate int

	dec     *gopus.Decoder
	decRate int
	enc     *gopus.Encoder
}

// NewTranscoder returns a Transcoder whose [Transcoder.FromPivot] produces
// target and whose [Transcoder.ToPivot] produces PCM16 at pivotRate.
func NewTranscoder(target Format, pivotRate int) (*Transcoder, error) {
	if !target.Codec.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, target.Codec)
	}
	if !ValidSampleRate(target.SampleRate) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRate, target.SampleRate)
	}
	if !ValidSampleRate(pivotRate) {
		return nil, fmt.Errorf("%w: pivot %d", ErrUnsupportedRate, pivotRate)
	}
	return &Transcoder{target: target, pivotRate: pivotRate}, nil
}

// Target returns the format FromPivot encodes to.
func (t *Transcoder) Target() Format { return t.target }

// PivotRate returns the PCM16 rate ToPivot resamples to.
func (t *Transcoder) PivotRate() int { return t.pivotRate }

// ToPivot decodes f, whatever its codec and rate, into PCM16 at the pivot
// rate.
func (t *Transcoder) ToPivot(f Frame) (Frame, error) {
	if f.Codec != CodecOpus {
		return ToPivot(f, t.pivotRate)
	}
	if !ValidSampleRate(f.SampleRate) {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedRate, f.SampleRate)
	}
	if t.dec == nil || t.decRate != f.SampleRate {
		dec, err := gopus.NewDecoder(f.SampleRate, 1)
		if err != nil {
			return Frame{}, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		t.dec, t.decRate = dec, f.SampleRate
	}
	samples, err := t.dec.Decode(f.Data, f.SampleRate*opusMaxPacketMs/1000, false)
	if err != nil {
		return Frame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Frame{
		Data:       ResampleMono16(Bytes(samples), f.SampleRate, t.pivotRate),
		Codec:      CodecPCM16,
		SampleRate: t.pivotRate,
		Origin:     f.Origin,
		Seq:        f.Seq,
	}, nil
}

// FromPivot encodes the PCM16 frame f into the target format. For Opus the
// resampled frame must span a legal Opus frame duration (2.5, 5, 10, 20, 40
// or 60 ms); otherwise a [*FrameAlignmentError] is returned.
func (t *Transcoder) FromPivot(f Frame) (Frame, error) {
	if t.target.Codec != CodecOpus {
		return FromPivot(f, t.target.Codec, t.target.SampleRate)
	}
	if f.Codec != CodecPCM16 {
		return Frame{}, fmt.Errorf("%w: from-pivot input is %s", ErrUnsupportedCodec, f.Codec)
	}
	if err := checkAlignment(f); err != nil {
		return Frame{}, err
	}
	pcm := ResampleMono16(f.Data, f.SampleRate, t.target.SampleRate)
	samples := len(pcm) / 2
	if !validOpusFrame(samples, t.target.SampleRate) {
		return Frame{}, &FrameAlignmentError{
			Codec:  CodecOpus,
			Length: len(pcm),
			Width:  2 * t.target.SampleRate / 50,
		}
	}
	if t.enc == nil {
		enc, err := gopus.NewEncoder(t.target.SampleRate, 1, gopus.Voip)
		if err != nil {
			return Frame{}, fmt.Errorf("audio: create opus encoder: %w", err)
		}
		t.enc = enc
	}
	packet, err := t.enc.Encode(Samples(pcm), samples, opusMaxPacketBytes)
	if err != nil {
		return Frame{}, fmt.Errorf("audio: opus encode: %w", err)
	}
	return Frame{
		Data:       packet,
		Codec:      CodecOpus,
		SampleRate: t.target.SampleRate,
		Origin:     f.Origin,
		Seq:        f.Seq,
	}, nil
}

// validOpusFrame reports whether samples at rate is a legal Opus frame.
func validOpusFrame(samples, rate int) bool {
	// Durations in tenths of a millisecond.
	for _, d := range []int{25, 50, 100, 200, 400, 600} {
		if samples*10000 == rate*d {
			return true
		}
	}
	return false
}
