package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBuildCapture_RejectsUnknownSource(t *testing.T) {
	audio := AudioConfig{Input: AudioInputConfig{Source: "bluetooth-headset", SampleRate: 16000, Channels: 1, ChunkMs: 20}}

	_, err := buildCapture(nil, audio)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSupervisorState_DefaultsAndTransitions(t *testing.T) {
	s := &Supervisor{}
	assert.Equal(t, SupervisorState(""), s.State())

	s.setState(StateConnecting)
	assert.Equal(t, StateConnecting, s.State())

	s.setState(StateRunning)
	assert.Equal(t, StateRunning, s.State())
}

func TestBackoffConstants_WithinSpecRange(t *testing.T) {
	assert.True(t, cleanLifetimeForBackoffReset >= time.Second)
	assert.True(t, cleanLifetimeForBackoffReset <= maxBackoff)
}
