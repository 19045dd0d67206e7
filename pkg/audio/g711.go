package audio

import "github.com/zaf/g711"

// DecodeMulaw expands G.711 µ-law bytes into little-endian PCM16.
func DecodeMulaw(data []byte) []byte {
	return g711.DecodeUlaw(data)
}

// EncodeMulaw compresses little-endian PCM16 into G.711 µ-law. Callers check
// alignment first.
func EncodeMulaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

// DecodeAlaw expands G.711 A-law bytes into little-endian PCM16.
func DecodeAlaw(data []byte) []byte {
	return g711.DecodeAlaw(data)
}

// EncodeAlaw compresses little-endian PCM16 into G.711 A-law.
func EncodeAlaw(pcm []byte) []byte {
	return g711.EncodeAlaw(pcm)
}
