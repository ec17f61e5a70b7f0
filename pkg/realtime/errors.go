package realtime

import "errors"

// Error kinds per spec §7. Configuration and platform errors are meant to
// be raised to the caller before any I/O starts; the rest are captured at
// the session boundary and drive reconnect/backoff instead of aborting.
var (
	// Configuration errors: fail fast, before any I/O.
	ErrMissingAPIKey = errors.New("realtime: qwen api key is empty")
	ErrInvalidConfig = errors.New("realtime: invalid configuration")

	// Platform errors: fail fast at start.
	ErrLoopbackUnsupported = errors.New("realtime: process-loopback capture is not supported on this platform")
	ErrProcessNotFound     = errors.New("realtime: no matching process for loopback target")
	ErrProcessAmbiguous    = errors.New("realtime: multiple processes match loopback target")

	// Device errors.
	ErrDeviceOpenFailed = errors.New("realtime: audio device failed to open")

	// Protocol transport errors.
	ErrConnectFailed   = errors.New("realtime: failed to connect to realtime endpoint")
	ErrSendAfterClose  = errors.New("realtime: send on closed session")
	ErrSessionRotating = errors.New("realtime: session rotating")

	// Cancellation.
	ErrCancelled = errors.New("realtime: operation cancelled")
)
