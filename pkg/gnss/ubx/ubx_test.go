package ubx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// S4 - UBX ACK decoding.
func TestParserDecodesExactACKFrame(t *testing.T) {
	raw := []byte{0xB5, 0x62, 0x05, 0x01, 0x02, 0x00, 0x06, 0x01, 0x0F, 0x38}

	var p Parser
	p.Feed(raw)
	frames := p.Frames()

	require.Len(t, frames, 1)
	assert.EqualValues(t, 0x05, frames[0].Class)
	assert.EqualValues(t, 0x01, frames[0].ID)
	assert.Equal(t, []byte{0x06, 0x01}, frames[0].Payload)
}

// Invariant 6 - the parser must recover every embedded valid frame
// from a stream interleaved with noise, and drop everything else.
func TestParserRecoversFramesAmongNoise(t *testing.T) {
	frame1 := Build(0x01, 0x07, []byte{0x01, 0x02, 0x03})
	frame2 := Build(0x0A, 0x09, nil)

	var stream []byte
	stream = append(stream, 0xDE, 0xAD, 0xBE, 0xEF)
	stream = append(stream, frame1...)
	stream = append(stream, 0x00, 0xB5, 0x01) // sync1 with a mismatched sync2, must be skipped
	stream = append(stream, frame2...)
	stream = append(stream, 0xFF)

	var p Parser
	p.Feed(stream)
	frames := p.Frames()

	require.Len(t, frames, 2)
	assert.EqualValues(t, 0x01, frames[0].Class)
	assert.EqualValues(t, 0x07, frames[0].ID)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, frames[0].Payload)
	assert.EqualValues(t, 0x0A, frames[1].Class)
	assert.EqualValues(t, 0x09, frames[1].ID)
	assert.Empty(t, frames[1].Payload)
}

func TestParserRejectsBadChecksum(t *testing.T) {
	raw := []byte{0xB5, 0x62, 0x05, 0x01, 0x02, 0x00, 0x06, 0x01, 0x00, 0x00}
	var p Parser
	p.Feed(raw)
	assert.Empty(t, p.Frames())
}

func TestParserHandlesSplitFeeds(t *testing.T) {
	raw := Build(0x02, 0x03, []byte{0xAA, 0xBB, 0xCC, 0xDD})
	var p Parser
	p.Feed(raw[:5])
	assert.Empty(t, p.Frames())
	p.Feed(raw[5:])
	frames := p.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC, 0xDD}, frames[0].Payload)
}
