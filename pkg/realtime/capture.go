package realtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// CaptureSource is component A: it produces frame-aligned PCM16 chunks
// from an audio device and hands them to callers via GetChunk, applying a
// bounded drop-oldest queue between the device callback and the reader so
// the audio thread never blocks. Grounded on the teacher's
// cmd/agent/main.go onSamples capture path and on abra5umente/blackbox's
// loopback recorder, whose non-blocking "select default" send and
// "copy buffer to avoid reuse by backend" discipline this mirrors.
type CaptureSource struct {
	device   *malgo.Device
	chunks   chan []byte
	dropped  atomic.Int64
	rate     int
	channels int

	closeOnce sync.Once
	closed    chan struct{}
}

// blockSizeFrames returns round(rate * chunkMs / 1000), the device
// callback period in frames, per spec §4.A.
func blockSizeFrames(rate, chunkMs int) uint32 {
	return uint32(math.Round(float64(rate) * float64(chunkMs) / 1000.0))
}

// enqueueDropOldest sends b on ch without blocking. If the channel is
// full, it drops the oldest queued chunk, counts the drop, then enqueues
// b. Both steps are individually non-blocking so the audio callback that
// calls this can never stall.
func enqueueDropOldest(ch chan []byte, b []byte, dropped *atomic.Int64) {
	select {
	case ch <- b:
		return
	default:
	}
	select {
	case <-ch:
		dropped.Add(1)
	default:
	}
	select {
	case ch <- b:
	default:
		// Another producer raced us and refilled the slot; count this
		// chunk as dropped too rather than blocking.
		dropped.Add(1)
	}
}

// NewMicCapture opens a microphone input stream at the requested rate and
// channel count, signed 16-bit. The host may negotiate a different
// effective rate, reported via EffectiveSampleRate.
func NewMicCapture(mctx *malgo.AllocatedContext, deviceName string, rate, channels, chunkMs, queueMaxChunks int) (*CaptureSource, error) {
	if queueMaxChunks <= 0 {
		queueMaxChunks = DefaultQueueMaxChunks
	}

	c := &CaptureSource{
		chunks:   make(chan []byte, queueMaxChunks),
		rate:     rate,
		channels: channels,
		closed:   make(chan struct{}),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(rate)
	deviceConfig.PeriodSizeInFrames = blockSizeFrames(rate, chunkMs)
	deviceConfig.Alsa.NoMMap = 1

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			if len(pInput) == 0 {
				return
			}
			b := make([]byte, len(pInput))
			copy(b, pInput)
			enqueueDropOldest(c.chunks, b, &c.dropped)
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceOpenFailed, err)
	}
	c.device = device
	c.rate = int(device.SampleRate())
	return c, nil
}

// Start begins capture.
func (c *CaptureSource) Start() error {
	if c.device == nil {
		return nil
	}
	return c.device.Start()
}

// Stop halts capture and releases the device. Idempotent.
func (c *CaptureSource) Stop() error {
	var stopErr error
	c.closeOnce.Do(func() {
		if c.device != nil {
			stopErr = c.device.Stop()
			c.device.Uninit()
		}
		close(c.closed)
	})
	return stopErr
}

// EffectiveSampleRate returns the rate actually negotiated with the host.
func (c *CaptureSource) EffectiveSampleRate() int { return c.rate }

// Channels returns the channel count this source captures.
func (c *CaptureSource) Channels() int { return c.channels }

// Dropped returns the count of chunks discarded by queue overflow so far.
func (c *CaptureSource) Dropped() int64 { return c.dropped.Load() }

// GetChunk waits up to timeout for the next capture chunk. It returns
// ok=false on timeout, and a nil chunk with an error if the source has
// been stopped.
func (c *CaptureSource) GetChunk(ctx context.Context, timeout time.Duration) (chunk []byte, ok bool, err error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.closed:
		return nil, false, fmt.Errorf("%w: capture source stopped", ErrCancelled)
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case b := <-c.chunks:
		return b, true, nil
	case <-timer.C:
		return nil, false, nil
	}
}

// pushRaw feeds an externally-produced chunk into the bounded queue. Used
// by platform-specific process-loopback sources, which quantize float32
// samples into PCM16 themselves (see loopbackQuantizer) before handing
// complete, chunk_ms-sized buffers to the shared queue/Stop/GetChunk
// machinery here.
func (c *CaptureSource) pushRaw(b []byte) {
	enqueueDropOldest(c.chunks, b, &c.dropped)
}

// newQueueOnlyCapture builds a CaptureSource with no malgo device of its
// own; the caller (a platform-specific loopback implementation) drives it
// via pushRaw and may assign its own device to c.device, which Stop then
// stops and releases.
func newQueueOnlyCapture(rate, channels, queueMaxChunks int) *CaptureSource {
	if queueMaxChunks <= 0 {
		queueMaxChunks = DefaultQueueMaxChunks
	}
	return &CaptureSource{
		chunks:   make(chan []byte, queueMaxChunks),
		rate:     rate,
		channels: channels,
		closed:   make(chan struct{}),
	}
}

// loopbackQuantizer converts a stream of interleaved float32 PCM into
// chunk_ms-sized PCM16 buffers, preserving both the sub-float32 leftover
// bytes and the sub-chunk leftover samples across calls, per spec §4.A's
// process-loopback variant.
type loopbackQuantizer struct {
	leftoverFloatBytes []byte
	assembled          []byte
	chunkBytes         int
}

func newLoopbackQuantizer(channels, rate, chunkMs int) *loopbackQuantizer {
	frames := int(blockSizeFrames(rate, chunkMs))
	return &loopbackQuantizer{
		chunkBytes: frames * channels * 2,
	}
}

// push quantizes raw interleaved float32 bytes and returns zero or more
// complete, chunk-sized PCM16 buffers. Each returned buffer is an
// independent copy safe to hand off to another goroutine.
func (q *loopbackQuantizer) push(raw []byte) [][]byte {
	data := raw
	if len(q.leftoverFloatBytes) > 0 {
		data = append(append([]byte(nil), q.leftoverFloatBytes...), raw...)
	}

	nFloats := len(data) / 4
	usable := nFloats * 4

	pcm := make([]byte, nFloats*2)
	for i := 0; i < nFloats; i++ {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		f := math.Float32frombits(bits)
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := int16(f * 32767)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}

	if usable < len(data) {
		q.leftoverFloatBytes = append([]byte(nil), data[usable:]...)
	} else {
		q.leftoverFloatBytes = nil
	}

	q.assembled = append(q.assembled, pcm...)

	var out [][]byte
	for len(q.assembled) >= q.chunkBytes {
		c := make([]byte, q.chunkBytes)
		copy(c, q.assembled[:q.chunkBytes])
		out = append(out, c)
		q.assembled = q.assembled[q.chunkBytes:]
	}
	if len(out) > 0 {
		rem := make([]byte, len(q.assembled))
		copy(rem, q.assembled)
		q.assembled = rem
	}
	return out
}
