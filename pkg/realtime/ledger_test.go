package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTurnLedger_StampsAreWriteOnce(t *testing.T) {
	l := NewTurnLedger(NoOpLogger{})
	base := time.Now()

	l.StampEOS("T1", base)
	l.StampEOS("T1", base.Add(time.Second))

	snap, ok := l.Snapshot("T1")
	require.True(t, ok)
	assert.Equal(t, monoMs(base), snap.EOSProxyMs)
}

func TestTurnLedger_StampFirstAudioDeltaReturnsTrueOnlyOnce(t *testing.T) {
	l := NewTurnLedger(NoOpLogger{})
	now := time.Now()

	first := l.StampFirstAudioDelta("T1", now)
	second := l.StampFirstAudioDelta("T1", now.Add(time.Millisecond))

	assert.True(t, first)
	assert.False(t, second)
}

func TestTurnLedger_OrderingInvariant(t *testing.T) {
	l := NewTurnLedger(NoOpLogger{})
	base := time.Now()

	l.StampEOS("T1", base)
	l.StampFirstAudioDelta("T1", base.Add(50*time.Millisecond))
	l.StampFirstAudible("T1", base.Add(120*time.Millisecond))

	snap, ok := l.Snapshot("T1")
	require.True(t, ok)
	assert.LessOrEqual(t, snap.EOSProxyMs, snap.FirstAudioDeltaMs)
	assert.LessOrEqual(t, snap.FirstAudioDeltaMs, snap.FirstAudibleMs)
}

func TestTurnLedger_StampFirstAudibleIsWriteOnce(t *testing.T) {
	l := NewTurnLedger(NoOpLogger{})
	base := time.Now()

	l.StampFirstAudible("T1", base)
	l.StampFirstAudible("T1", base.Add(time.Second))

	snap, _ := l.Snapshot("T1")
	assert.Equal(t, monoMs(base), snap.FirstAudibleMs)
}

func TestTurnLedger_SnapshotOfUnknownTurn(t *testing.T) {
	l := NewTurnLedger(NoOpLogger{})
	_, ok := l.Snapshot("nope")
	assert.False(t, ok)
}

func TestEpochTurnMap_BindAndTakeOnce(t *testing.T) {
	m := NewEpochTurnMap()
	m.Bind(1, "T1")

	turnID, ok := m.Take(1)
	assert.True(t, ok)
	assert.Equal(t, "T1", turnID)

	_, ok = m.Take(1)
	assert.False(t, ok, "Take removes the binding")
}

func TestEpochTurnMap_ClearDiscardsAllBindings(t *testing.T) {
	m := NewEpochTurnMap()
	m.Bind(1, "T1")
	m.Bind(2, "T2")

	m.Clear()

	_, ok1 := m.Take(1)
	_, ok2 := m.Take(2)
	assert.False(t, ok1)
	assert.False(t, ok2)
}
