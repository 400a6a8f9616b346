package capture

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
)

// Decoder turns one opus packet into interleaved PCM and returns the
// number of samples per channel written to pcm.
type Decoder interface {
	Decode(data []byte, pcm []int16) (int, error)
}

// DecoderFactory creates one decoder per segment. Opus decoders are stateful.
type DecoderFactory func() (Decoder, error)

// NewOpusDecoder creates a decoder producing the fixed capture format.
func NewOpusDecoder() (Decoder, error) {
	dec, err := opus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return dec, nil
}
