package realtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
)

// PlaybackSink is component B: it buffers PCM16 for the output device
// callback, tracks play epochs, and supports flush-on-barge-in.
// Generalizes the teacher's playbackMu/playbackBytes pair in
// cmd/agent/main.go's onSamples closure into an owned type; the play
// epoch concept itself has no teacher analogue and is built fresh per
// spec §3/§4.B.
type PlaybackSink struct {
	device *malgo.Device

	mu   sync.Mutex
	buf  []byte
	tail []byte

	nextEpoch    uint64
	pendingEpoch uint64
	hasPending   bool

	frameBytes int
	rate       int
	channels   int

	lastNonSilent atomic.Int64
	epochCh       chan uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewPlaybackDevice opens a playback output stream at the requested rate
// and channel count, signed 16-bit.
func NewPlaybackDevice(mctx *malgo.AllocatedContext, rate, channels int) (*PlaybackSink, error) {
	s := &PlaybackSink{
		frameBytes: channels * 2,
		rate:       rate,
		channels:   channels,
		closed:     make(chan struct{}),
		epochCh:    make(chan uint64, 1),
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(rate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: s.onSamples,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceOpenFailed, err)
	}
	s.device = device
	s.rate = int(device.SampleRate())
	return s, nil
}

// onSamples is the device callback. It must never block: all state access
// is guarded by a plain mutex (no syscalls, no channel sends that can
// stall), and epoch signalling is a non-blocking channel send.
func (s *PlaybackSink) onSamples(pOutput, pInput []byte, frameCount uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.buf)
	if n > len(pOutput) {
		n = len(pOutput)
	}

	copy(pOutput, s.buf[:n])
	s.buf = s.buf[n:]

	nonZero := false
	for _, b := range pOutput[:n] {
		if b != 0 {
			nonZero = true
			break
		}
	}

	for i := n; i < len(pOutput); i++ {
		pOutput[i] = 0
	}

	if nonZero {
		s.lastNonSilent.Store(monoMs(time.Now()))
		if s.hasPending {
			select {
			case s.epochCh <- s.pendingEpoch:
			default:
			}
			s.hasPending = false
		}
	}
}

// Start begins playback.
func (s *PlaybackSink) Start() error {
	if s.device == nil {
		return nil
	}
	return s.device.Start()
}

// Stop halts playback and releases the device. Idempotent.
func (s *PlaybackSink) Stop() error {
	var err error
	s.closeOnce.Do(func() {
		if s.device != nil {
			err = s.device.Stop()
			s.device.Uninit()
		}
		close(s.closed)
	})
	return err
}

// EffectiveSampleRate returns the rate actually negotiated with the host.
func (s *PlaybackSink) EffectiveSampleRate() int { return s.rate }

// AppendPCM16 appends a PCM16 buffer to the sink. Only whole frames move
// from the combined tail+b into the main buffer; any sub-frame remainder
// is kept as the new tail. It returns a newly issued epoch iff this
// append transitioned the buffer from empty to non-empty.
func (s *PlaybackSink) AppendPCM16(b []byte) (epoch uint64, issued bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	combined := make([]byte, 0, len(s.tail)+len(b))
	combined = append(combined, s.tail...)
	combined = append(combined, b...)

	nFrames := len(combined) / s.frameBytes
	n := nFrames * s.frameBytes

	wasEmpty := len(s.buf) == 0

	s.buf = append(s.buf, combined[:n]...)
	s.tail = append([]byte(nil), combined[n:]...)

	if wasEmpty && n > 0 {
		s.nextEpoch++
		epoch = s.nextEpoch
		s.pendingEpoch = epoch
		s.hasPending = true
		issued = true
	}
	return epoch, issued
}

// AppendPCM24 validates that b is a multiple of 3 bytes, down-converts
// each 24-bit little-endian sample to 16-bit by taking its top 16 bits,
// and delegates to AppendPCM16.
func (s *PlaybackSink) AppendPCM24(b []byte) (uint64, bool, error) {
	if len(b)%3 != 0 {
		return 0, false, fmt.Errorf("%w: pcm24 buffer length %d not a multiple of 3", ErrInvalidConfig, len(b))
	}

	n := len(b) / 3
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		b0, b1, b2 := b[i*3], b[i*3+1], b[i*3+2]
		v := int32(b0) | int32(b1)<<8 | int32(b2)<<16
		if b2&0x80 != 0 {
			v |= -1 << 24
		}
		sample16 := int16(v >> 8)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(sample16))
	}

	epoch, issued := s.AppendPCM16(out)
	return epoch, issued, nil
}

// PendingBytes returns a best-effort count of buffered audio.
func (s *PlaybackSink) PendingBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) + len(s.tail)
}

// IsAudible reports whether the device callback has emitted non-silent
// frames within the last withinMs milliseconds.
func (s *PlaybackSink) IsAudible(withinMs int) bool {
	last := s.lastNonSilent.Load()
	if last == 0 {
		return false
	}
	return monoMs(time.Now())-last <= int64(withinMs)
}

// Flush atomically clears the main buffer and tail, discards any pending
// epoch, and returns the number of dropped bytes. Any in-flight play-start
// marker from a pre-flush append cannot match a post-flush turn because
// the discarded epoch is never sent.
func (s *PlaybackSink) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := len(s.buf) + len(s.tail)
	s.buf = nil
	s.tail = nil
	s.hasPending = false
	s.pendingEpoch = 0
	return dropped
}

// NextPlayStarted awaits the next play-start event, returning the epoch
// that began playing.
func (s *PlaybackSink) NextPlayStarted(ctx context.Context) (uint64, bool) {
	select {
	case e := <-s.epochCh:
		return e, true
	case <-ctx.Done():
		return 0, false
	case <-s.closed:
		return 0, false
	}
}
