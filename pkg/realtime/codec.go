package realtime

import (
	"encoding/base64"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// EventEnvelope is the minimal shape shared by every event this client
// sends or receives: a type tag, a unique ID, and whatever type-specific
// fields protocol.go unmarshals separately. Generalized from the teacher's
// raw-binary coder/websocket frames (pkg/providers/tts/lokutor.go sends
// and receives websocket.MessageBinary directly) into the base64-in-JSON
// event envelope the Qwen-Omni-Realtime wire protocol actually uses, per
// original_source's qwen_realtime.py.
type EventEnvelope struct {
	EventID string `json:"event_id,omitempty"`
	Type    string `json:"type"`
}

// AudioAppendEvent is the outbound event D.encode produces from a
// frame-aligned wire-rate PCM16 chunk.
type AudioAppendEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
	Audio   string `json:"audio"`
}

// newEventID returns an event ID incorporating a millisecond timestamp (monoMs) and a
// small random suffix, matching the event_<monotonic_ms>_<nnnn> shape
// original_source's _event_id() produces.
func newEventID() string {
	return fmt.Sprintf("event_%d_%04d", monoMs(time.Now()), 1000+rand.Intn(9000))
}

// EncodeAudioAppend base64-encodes a frame-aligned PCM16 chunk at the wire
// rate and channels and wraps it in an audio_append event with a fresh
// event_id.
func EncodeAudioAppend(chunk []byte) AudioAppendEvent {
	return AudioAppendEvent{
		EventID: newEventID(),
		Type:    "input_audio_buffer.append",
		Audio:   base64.StdEncoding.EncodeToString(chunk),
	}
}

// AlignmentBuffer accumulates decoded inbound audio bytes and releases
// only whole wire frames downstream, holding back any sub-frame
// remainder across calls. It also rate-limits the "misaligned decode"
// warning so a persistently broken wire format doesn't flood logs.
type AlignmentBuffer struct {
	bytesPerSample int
	frameBytes     int
	tail           []byte

	misalignedCount  atomic.Int64
	misalignedWarned int64 // not read or written; Push limits warnings via misalignedCount and warnLimit
	warnLimit        int64

	log Logger
}

// NewAlignmentBuffer constructs a buffer for frames of bytesPerSample *
// wireChannels bytes. warnLimit bounds how many misalignment warnings get
// logged per session; pass 0 to use a sensible default.
func NewAlignmentBuffer(bytesPerSample, wireChannels int, log Logger, warnLimit int64) *AlignmentBuffer {
	if warnLimit <= 0 {
		warnLimit = 5
	}
	if log == nil {
		log = NoOpLogger{}
	}
	return &AlignmentBuffer{
		bytesPerSample: bytesPerSample,
		frameBytes:     bytesPerSample * wireChannels,
		log:            log,
		warnLimit:      warnLimit,
	}
}

// DecodeAudioDelta base64-decodes payload, feeds the decoded bytes into
// the alignment buffer, and returns any whole wire frames now ready to
// hand downstream. Decode errors return a nil slice and a non-nil error;
// callers should log and drop the delta rather than treat it as fatal.
func (a *AlignmentBuffer) DecodeAudioDelta(payload string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, err
	}
	return a.Push(decoded), nil
}

// Push feeds already-decoded bytes into the alignment buffer.
func (a *AlignmentBuffer) Push(decoded []byte) []byte {
	if len(decoded)%a.bytesPerSample != 0 {
		n := a.misalignedCount.Add(1)
		if n <= a.warnLimit {
			a.log.Warn("audio_wire_chunk_not_sample_aligned", "len", len(decoded), "bytes_per_sample", a.bytesPerSample)
		}
	}

	combined := make([]byte, 0, len(a.tail)+len(decoded))
	combined = append(combined, a.tail...)
	combined = append(combined, decoded...)

	nFrames := len(combined) / a.frameBytes
	n := nFrames * a.frameBytes

	a.tail = append([]byte(nil), combined[n:]...)
	return combined[:n]
}
