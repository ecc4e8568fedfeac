package codec

import (
	"context"
	"hash/fnv"
	"math"

	"github.com/loqalabs/loqa-tts/internal/audio"
)

const mockCodebookSize = 4096

type mockCodec struct {
	sampleRate int
	frameRate  int
}

// NewMockCodec emits one deterministic token per frame derived from the frame's
// samples. Identical audio always yields identical codes.
func NewMockCodec(sampleRate, frameRate int) Codec {
	return &mockCodec{sampleRate: sampleRate, frameRate: frameRate}
}

func (m *mockCodec) SampleRate() int { return m.sampleRate }
func (m *mockCodec) FrameRate() int  { return m.frameRate }

func (m *mockCodec) Encode(ctx context.Context, buf *audio.Buffer) (Codes, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return nil, audio.ErrEmptyAudio
	}
	in := buf.Resample(m.sampleRate)
	frames := int(math.Round(in.Duration() * float64(m.frameRate)))
	if frames == 0 {
		return nil, ErrNoCodes
	}
	hop := float64(in.Len()) / float64(frames)

	codes := make([]int, frames)
	for i := range codes {
		seg := in.Slice(int(float64(i)*hop), int(float64(i+1)*hop))
		h := fnv.New32a()
		for _, s := range seg.Samples {
			bits := math.Float32bits(s)
			h.Write([]byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)})
		}
		codes[i] = int((h.Sum32() + uint32(i)) % mockCodebookSize)
	}
	return Codes{codes}, nil
}
