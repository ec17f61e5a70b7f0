package realtime

import (
	"context"
	"sync/atomic"
	"time"
)

// responseCanceller is the slice of Session that BargeInController needs:
// moving the active response into the cancelled set and sending
// response.cancel. Kept as a narrow interface so this file doesn't need
// to know about websocket connections.
type responseCanceller interface {
	cancelActiveResponse(ctx context.Context) error
}

// BargeInController is component G. It decides whether the user started
// speaking while the agent was still audible or had buffered audio, and
// if so runs the full barge-in sequence: cancel the active response,
// flush playback, and clear epoch attribution. Grounded on
// original_source's _should_barge_in_cancel / _cancel_active_response,
// which is the only place in the corpus that implements this exact
// debounced-cancel-then-flush sequence; the teacher's echo-aware RMS
// threshold in cmd/agent/main.go solves an adjacent but different
// problem (self-interruption suppression) and is not reused here.
type BargeInController struct {
	sink       *PlaybackSink
	epochMap   *EpochTurnMap
	canceller  responseCanceller
	debounceMs int64
	log        Logger

	lastCancelMs atomic.Int64
}

// NewBargeInController wires a controller for one session. debounceMs
// matches spec's 400ms debounce window.
func NewBargeInController(sink *PlaybackSink, epochMap *EpochTurnMap, canceller responseCanceller, debounceMs int, log Logger) *BargeInController {
	if log == nil {
		log = NoOpLogger{}
	}
	return &BargeInController{
		sink:       sink,
		epochMap:   epochMap,
		canceller:  canceller,
		debounceMs: int64(debounceMs),
		log:        log,
	}
}

// isAgentSpeaking reports whether the agent is currently audible or has
// buffered audio pending playback.
func (b *BargeInController) isAgentSpeaking() bool {
	return b.sink.IsAudible(400) || b.sink.PendingBytes() > 0
}

// debounceOK reports whether enough time has passed since the last cancel
// to attempt another one, and if so records now as the new last-cancel
// time.
func (b *BargeInController) debounceOK(now time.Time) bool {
	nowMs := monoMs(now)
	last := b.lastCancelMs.Load()
	if nowMs-last < b.debounceMs {
		return false
	}
	return b.lastCancelMs.CompareAndSwap(last, nowMs)
}

// HandleSpeechStarted evaluates the barge-in condition on receipt of a
// speech_started event and, if it fires, cancels the active response,
// flushes B, and clears the epoch attribution map. It reports whether a
// barge-in was executed.
func (b *BargeInController) HandleSpeechStarted(ctx context.Context, now time.Time) bool {
	if !b.isAgentSpeaking() {
		return false
	}
	if !b.debounceOK(now) {
		return false
	}

	if err := b.canceller.cancelActiveResponse(ctx); err != nil {
		b.log.Warn("response_cancel_send_failed", "error", err, "reason", "speech_started")
	}

	dropped := b.sink.Flush()
	b.epochMap.Clear()

	b.log.Info("barge_in_cancel", "reason", "speech_started", "dropped_bytes", dropped)
	return true
}
