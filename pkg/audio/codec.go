package audio

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedCodec is returned for codec names or transitions the
	// engine cannot handle.
	ErrUnsupportedCodec = errors.New("audio: unsupported codec")

	// ErrStatefulCodec is returned by the stateless functions when asked to
	// handle Opus. Use a [Transcoder] instead.
	ErrStatefulCodec = errors.New("audio: codec requires a transcoder")

	// ErrUnsupportedRate is returned for sample rates outside
	// [SupportedSampleRates].
	ErrUnsupportedRate = errors.New("audio: unsupported sample rate")
)

// FrameAlignmentError reports a frame whose length is not a whole number of
// samples for its codec. The frame must be dropped; the session continues.
type FrameAlignmentError struct {
	Codec  Codec
	Length int
	Width  int
}

func (e *FrameAlignmentError) Error() string {
	return fmt.Sprintf("audio: %s frame of %d bytes is not a multiple of %d", e.Codec, e.Length, e.Width)
}

// ToPivot decodes f into PCM16 and resamples it to pivotRate. It handles the
// stateless codecs only; Opus yields [ErrStatefulCodec]. The returned frame
// never aliases f.Data.
func ToPivot(f Frame, pivotRate int) (Frame, error) {
	if !ValidSampleRate(pivotRate) {
		return Frame{}, fmt.Errorf("%w: pivot %d", ErrUnsupportedRate, pivotRate)
	}
	pcm, err := decodeLinear(f)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Data:       resampleCopy(pcm, f.SampleRate, pivotRate),
		Codec:      CodecPCM16,
		SampleRate: pivotRate,
		Origin:     f.Origin,
		Seq:        f.Seq,
	}, nil
}

// FromPivot resamples the PCM16 frame f to rate and encodes it with codec.
// Like [ToPivot] it rejects Opus.
func FromPivot(f Frame, codec Codec, rate int) (Frame, error) {
	if f.Codec != CodecPCM16 {
		return Frame{}, fmt.Errorf("%w: from-pivot input is %s", ErrUnsupportedCodec, f.Codec)
	}
	if !ValidSampleRate(rate) {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedRate, rate)
	}
	if err := checkAlignment(f); err != nil {
		return Frame{}, err
	}
	pcm := resampleCopy(f.Data, f.SampleRate, rate)
	data, err := encodeLinear(pcm, codec)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Data:       data,
		Codec:      codec,
		SampleRate: rate,
		Origin:     f.Origin,
		Seq:        f.Seq,
	}, nil
}

// decodeLinear returns PCM16 bytes for a stateless-codec frame at its own rate.
func decodeLinear(f Frame) ([]byte, error) {
	if !ValidSampleRate(f.SampleRate) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedRate, f.SampleRate)
	}
	if err := checkAlignment(f); err != nil {
		return nil, err
	}
	switch f.Codec {
	case CodecPCM16:
		return f.Data, nil
	case CodecMulaw:
		return DecodeMulaw(f.Data), nil
	case CodecAlaw:
		return DecodeAlaw(f.Data), nil
	case CodecOpus:
		return nil, ErrStatefulCodec
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, f.Codec)
}

func encodeLinear(pcm []byte, codec Codec) ([]byte, error) {
	switch codec {
	case CodecPCM16:
		return pcm, nil
	case CodecMulaw:
		return EncodeMulaw(pcm), nil
	case CodecAlaw:
		return EncodeAlaw(pcm), nil
	case CodecOpus:
		return nil, ErrStatefulCodec
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, codec)
}

func checkAlignment(f Frame) error {
	w := f.Codec.SampleWidth()
	if w > 1 && len(f.Data)%w != 0 {
		return &FrameAlignmentError{Codec: f.Codec, Length: len(f.Data), Width: w}
	}
	return nil
}

// resampleCopy resamples pcm and guarantees the result does not share memory
// with the input.
func resampleCopy(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate == dstRate {
		return bytes.Clone(pcm)
	}
	return ResampleMono16(pcm, srcRate, dstRate)
}
