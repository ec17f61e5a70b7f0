//go:build !windows

package realtime

import "github.com/gen2brain/malgo"

// NewProcessLoopbackCapture fails fast on platforms with no loopback
// support, per spec §4.A's "missing platform support -> fail fast at
// start".
func NewProcessLoopbackCapture(mctx *malgo.AllocatedContext, pid int, processName string, rate, channels, chunkMs, queueMaxChunks int) (*CaptureSource, error) {
	return nil, ErrLoopbackUnsupported
}
