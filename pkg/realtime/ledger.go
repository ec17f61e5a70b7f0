package realtime

import (
	"sync"
	"time"
)

// TurnLedger is component F: a per-turn timestamp ledger keyed by the
// remote-assigned turn ID (the protocol's item_id). Directly generalizes
// the teacher's ad hoc per-ManagedStream timestamp fields
// (sttStartTime, ttsFirstChunkTime, ...) into a proper map so multiple
// turns can be in flight, grounded on the same fields original_source's
// TurnTtfa dataclass tracks (eos_proxy_ms, first_audio_delta_ms,
// first_audio_played_ms).
//
// The receive task is the sole writer of eos_proxy_ms and
// first_audio_delta_ms; the play-start observer is the sole writer of
// first_audible_ms. No lock is strictly required for that split, but one
// is kept anyway since both call sites and logging readers share the map.
type TurnLedger struct {
	mu    sync.Mutex
	turns map[string]*TurnState
	log   Logger
}

// NewTurnLedger constructs an empty ledger.
func NewTurnLedger(log Logger) *TurnLedger {
	if log == nil {
		log = NoOpLogger{}
	}
	return &TurnLedger{
		turns: make(map[string]*TurnState),
		log:   log,
	}
}

func (l *TurnLedger) getLocked(turnID string) *TurnState {
	t, ok := l.turns[turnID]
	if !ok {
		t = &TurnState{}
		l.turns[turnID] = t
	}
	return t
}

// StampEOS records eos_proxy_ms for turnID, once.
func (l *TurnLedger) StampEOS(turnID string, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.getLocked(turnID)
	if !t.hasEOS() {
		t.EOSProxyMs = monoMs(now)
	}
}

// StampFirstAudioDelta records first_audio_delta_ms for turnID, once, logs
// the first_audio_delta event, and reports whether this call was the one
// that stamped it (callers use this to decide whether to register an
// epoch->turn binding).
func (l *TurnLedger) StampFirstAudioDelta(turnID string, now time.Time) bool {
	l.mu.Lock()
	t := l.getLocked(turnID)
	if t.hasFirstDelta() {
		l.mu.Unlock()
		return false
	}
	t.FirstAudioDeltaMs = monoMs(now)
	snapshot := *t
	l.mu.Unlock()

	fields := []interface{}{"turn_id", turnID, "first_audio_delta_ms", snapshot.FirstAudioDeltaMs}
	if snapshot.hasEOS() {
		fields = append(fields, "eos_proxy_ms", snapshot.EOSProxyMs)
	}
	l.log.Info("first_audio_delta", fields...)
	return true
}

// StampFirstAudible records first_audible_ms for turnID, once, and logs
// the turn's known latency fields.
func (l *TurnLedger) StampFirstAudible(turnID string, now time.Time) {
	l.mu.Lock()
	t := l.getLocked(turnID)
	if t.hasFirstAudible() {
		l.mu.Unlock()
		return
	}
	t.FirstAudibleMs = monoMs(now)
	snapshot := *t
	l.mu.Unlock()

	l.logTTFA(turnID, snapshot)
}

func (l *TurnLedger) logTTFA(turnID string, t TurnState) {
	fields := []interface{}{"turn_id", turnID}
	if t.hasEOS() {
		fields = append(fields, "eos_proxy_ms", t.EOSProxyMs)
	}
	if t.hasFirstDelta() {
		fields = append(fields, "first_audio_delta_ms", t.FirstAudioDeltaMs)
	}
	if t.hasFirstAudible() {
		fields = append(fields, "first_audible_ms", t.FirstAudibleMs)
	}
	if t.hasEOS() && t.hasFirstDelta() {
		fields = append(fields, "ttf_delta_ms", t.FirstAudioDeltaMs-t.EOSProxyMs)
	}
	if t.hasEOS() && t.hasFirstAudible() {
		fields = append(fields, "ttfa_ms", t.FirstAudibleMs-t.EOSProxyMs)
	}
	l.log.Info("ttfa", fields...)
}

// Snapshot returns a copy of a turn's current state, for tests and
// diagnostics.
func (l *TurnLedger) Snapshot(turnID string) (TurnState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.turns[turnID]
	if !ok {
		return TurnState{}, false
	}
	return *t, true
}

// EpochTurnMap binds play epochs to the turn whose first audio delta
// produced them, per spec's epoch attribution discipline: only the first
// delta for a turn registers a binding, and a barge-in flush clears the
// whole map so later turns cannot inherit stale attributions.
type EpochTurnMap struct {
	mu sync.Mutex
	m  map[uint64]string
}

// NewEpochTurnMap constructs an empty map.
func NewEpochTurnMap() *EpochTurnMap {
	return &EpochTurnMap{m: make(map[uint64]string)}
}

// Bind records that epoch corresponds to turnID.
func (e *EpochTurnMap) Bind(epoch uint64, turnID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[epoch] = turnID
}

// Take reads and removes the turn bound to epoch, if any.
func (e *EpochTurnMap) Take(epoch uint64) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	turnID, ok := e.m[epoch]
	if ok {
		delete(e.m, epoch)
	}
	return turnID, ok
}

// Clear discards all bindings, as done on a barge-in flush.
func (e *EpochTurnMap) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m = make(map[uint64]string)
}
