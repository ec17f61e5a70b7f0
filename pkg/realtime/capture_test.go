package realtime

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureSource_GetChunkReturnsEnqueuedChunk(t *testing.T) {
	c := newQueueOnlyCapture(16000, 1, 4)
	c.pushRaw([]byte{1, 2, 3, 4})

	chunk, ok, err := c.GetChunk(context.Background(), time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, chunk)
}

func TestCaptureSource_GetChunkTimesOut(t *testing.T) {
	c := newQueueOnlyCapture(16000, 1, 4)
	_, ok, err := c.GetChunk(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaptureSource_GetChunkHonorsContextCancellation(t *testing.T) {
	c := newQueueOnlyCapture(16000, 1, 4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := c.GetChunk(ctx, time.Second)
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestCaptureSource_DropOldestOnQueueOverflow(t *testing.T) {
	c := newQueueOnlyCapture(16000, 1, 2)
	c.pushRaw([]byte{1})
	c.pushRaw([]byte{2})
	c.pushRaw([]byte{3}) // queue full: drops {1}, keeps {2,3}

	assert.EqualValues(t, 1, c.Dropped())

	first, _, _ := c.GetChunk(context.Background(), time.Second)
	second, _, _ := c.GetChunk(context.Background(), time.Second)
	assert.Equal(t, []byte{2}, first)
	assert.Equal(t, []byte{3}, second)
}

func TestCaptureSource_DroppedCountIsMonotonic(t *testing.T) {
	c := newQueueOnlyCapture(16000, 1, 1)
	c.pushRaw([]byte{1})
	for i := 0; i < 5; i++ {
		c.pushRaw([]byte{byte(i)})
	}
	assert.EqualValues(t, 5, c.Dropped())
}

func TestBlockSizeFrames(t *testing.T) {
	assert.EqualValues(t, 320, blockSizeFrames(16000, 20))
	assert.EqualValues(t, 480, blockSizeFrames(48000, 10))
}

func TestLoopbackQuantizer_ClipsAndQuantizesToInt16(t *testing.T) {
	q := newLoopbackQuantizer(1, 8000, 1000) // 1s chunks: 8000 frames * 2 bytes
	raw := float32LEBytes(1.5, -2.0, 0.0)
	chunks := q.push(repeatBytes(raw, 8000/3+1))

	require.NotEmpty(t, chunks)
	assert.Equal(t, 16000, len(chunks[0]))
	// 1.5 clips to 1.0 -> 32767, -2.0 clips to -1.0 -> -32767, 0.0 -> 0.
	assert.Equal(t, []byte{0xFF, 0x7F, 0x01, 0x80, 0x00, 0x00}, chunks[0][:6])
}

func TestLoopbackQuantizer_PreservesSubFrameAndSubChunkRemainders(t *testing.T) {
	q := newLoopbackQuantizer(1, 8000, 1) // 8 frames per chunk = 16 bytes

	// Feed 3 bytes (three-quarters of one float32 sample): nothing should
	// be assembled yet, and the partial float bytes must be held.
	out := q.push([]byte{0x01, 0x02, 0x03})
	assert.Empty(t, out)
	assert.Equal(t, 3, len(q.leftoverFloatBytes))

	// One more byte completes the float32; its PCM16 sample is held as a
	// sub-chunk remainder until a full 16-byte chunk has been assembled.
	out = q.push([]byte{0x00})
	assert.Empty(t, out)
	assert.Empty(t, q.leftoverFloatBytes)
	assert.Equal(t, 2, len(q.assembled))
}

func float32LEBytes(vals ...float32) []byte {
	out := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		out = append(out, float32ToLEBytes(v)...)
	}
	return out
}

func float32ToLEBytes(f float32) []byte {
	bits := math.Float32bits(f)
	return []byte{byte(bits), byte(bits >> 8), byte(bits >> 16), byte(bits >> 24)}
}

func repeatBytes(b []byte, n int) []byte {
	out := make([]byte, 0, len(b)*n)
	for i := 0; i < n; i++ {
		out = append(out, b...)
	}
	return out
}
