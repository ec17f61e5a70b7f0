package realtime

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestEncodeAudioAppend(t *testing.T) {
	chunk := []byte{1, 2, 3, 4}
	ev := EncodeAudioAppend(chunk)

	assert.Equal(t, "input_audio_buffer.append", ev.Type)
	assert.NotEmpty(t, ev.EventID)
	assert.Equal(t, base64.StdEncoding.EncodeToString(chunk), ev.Audio)
}

func TestEncodeAudioAppend_UniqueEventIDs(t *testing.T) {
	a := EncodeAudioAppend([]byte{1})
	b := EncodeAudioAppend([]byte{1})
	assert.NotEqual(t, a.EventID, b.EventID)
}

func TestAlignmentBuffer_HoldsSubFrameTail(t *testing.T) {
	buf := NewAlignmentBuffer(2, 1, NoOpLogger{}, 0)

	out := buf.Push([]byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2}, out)

	out = buf.Push([]byte{4})
	assert.Equal(t, []byte{3, 4}, out)
}

func TestAlignmentBuffer_DecodeAudioDelta(t *testing.T) {
	buf := NewAlignmentBuffer(2, 2, NoOpLogger{}, 0)
	payload := base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4})

	out, err := buf.DecodeAudioDelta(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, out)
}

func TestAlignmentBuffer_InvalidBase64Errors(t *testing.T) {
	buf := NewAlignmentBuffer(2, 1, NoOpLogger{}, 0)
	_, err := buf.DecodeAudioDelta("not-valid-base64!!")
	assert.Error(t, err)
}

type countingLogger struct {
	NoOpLogger
	warns int
}

func (c *countingLogger) Warn(msg string, args ...interface{}) { c.warns++ }

func TestAlignmentBuffer_RateLimitsMisalignmentWarnings(t *testing.T) {
	log := &countingLogger{}
	buf := NewAlignmentBuffer(2, 1, log, 2)

	for i := 0; i < 10; i++ {
		buf.Push([]byte{1, 2, 3})
	}
	assert.EqualValues(t, 10, buf.misalignedCount.Load())
	assert.Equal(t, 2, log.warns)
}

func TestAlignmentBuffer_ConcatenationMatchesStreamedPush(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		frameBytes := rapid.SampledFrom([]int{2, 4}).Draw(t, "frameBytes")
		chunks := rapid.SliceOfN(rapid.SliceOfN(rapid.Byte(), 0, 37), 0, 8).Draw(t, "chunks")

		var all []byte
		for _, c := range chunks {
			all = append(all, c...)
		}

		bulk := NewAlignmentBuffer(frameBytes, 1, NoOpLogger{}, 0)
		bulkOut := bulk.Push(all)

		streamed := NewAlignmentBuffer(frameBytes, 1, NoOpLogger{}, 0)
		streamedOut := []byte{}
		for _, c := range chunks {
			streamedOut = append(streamedOut, streamed.Push(c)...)
		}

		assert.Equal(t, bulkOut, streamedOut)
		// Total released bytes plus whatever sub-frame remainder is held
		// back must equal the total input, for both orderings.
		assert.Equal(t, len(all), len(bulkOut)+len(bulk.tail))
		assert.Equal(t, len(all), len(streamedOut)+len(streamed.tail))
	})
}
