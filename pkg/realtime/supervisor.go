package realtime

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"
	"golang.org/x/sync/errgroup"
)

// SupervisorState names the Loop Supervisor's state machine per spec
// §4.H. It exists mainly for logging and tests; the control flow itself
// is the ordinary Go loop in Supervisor.Run.
type SupervisorState string

const (
	StateConnecting SupervisorState = "CONNECTING"
	StateRunning    SupervisorState = "RUNNING"
	StateDraining   SupervisorState = "DRAINING"
	StateBackoff    SupervisorState = "BACKOFF"
	StateStopped    SupervisorState = "STOPPED"
)

const (
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 10 * time.Second
	// cleanLifetimeForBackoffReset is this repo's resolution of spec's
	// open question on what counts as a "clean session lifetime" for
	// resetting backoff to its floor: a session that ran at least this
	// long before ending is treated as having connected successfully,
	// even if it then failed. See DESIGN.md.
	cleanLifetimeForBackoffReset = 2 * time.Second

	capturePullTimeout = 200 * time.Millisecond
)

// Supervisor is component H. It owns one capture source, one playback
// sink, and (per session) one protocol client, and runs the connect ->
// run -> drain -> backoff -> reconnect loop. Grounded on
// original_source's QwenRealtimeClient.run/_run_one_session for the
// overall shape, generalizing the teacher's single malgo duplex device
// (cmd/agent/main.go) into independently owned capture and playback
// devices plus explicit backoff absent from the teacher entirely.
type Supervisor struct {
	cfg Config
	log Logger

	mctx     *malgo.AllocatedContext
	capture  *CaptureSource
	playback *PlaybackSink

	sessionMaxAge time.Duration

	state atomic.Value // SupervisorState
}

// NewSupervisor constructs a Supervisor: opens the audio context, the
// capture source selected by cfg.Audio.Input.Source, and the playback
// device. The caller owns calling Close when done.
func NewSupervisor(cfg Config, log Logger, sessionMaxAge time.Duration) (*Supervisor, error) {
	if log == nil {
		log = NoOpLogger{}
	}
	if sessionMaxAge <= 0 {
		sessionMaxAge = 28 * time.Minute
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceOpenFailed, err)
	}

	capture, err := buildCapture(mctx, cfg.Audio)
	if err != nil {
		mctx.Uninit()
		return nil, err
	}

	playback, err := NewPlaybackDevice(mctx, cfg.Audio.Output.SampleRate, cfg.Audio.Output.Channels)
	if err != nil {
		capture.Stop()
		mctx.Uninit()
		return nil, err
	}

	s := &Supervisor{
		cfg:           cfg,
		log:           log,
		mctx:          mctx,
		capture:       capture,
		playback:      playback,
		sessionMaxAge: sessionMaxAge,
	}
	s.setState(StateConnecting)
	return s, nil
}

func buildCapture(mctx *malgo.AllocatedContext, audio AudioConfig) (*CaptureSource, error) {
	in := audio.Input
	queueMax := DefaultQueueMaxChunks

	switch in.Source {
	case SourceProcessLoopback:
		return NewProcessLoopbackCapture(mctx, audio.Loopback.PID, audio.Loopback.ProcessName, in.SampleRate, in.Channels, in.ChunkMs, queueMax)
	case SourceMic, "":
		return NewMicCapture(mctx, in.Device, in.SampleRate, in.Channels, in.ChunkMs, queueMax)
	default:
		return nil, fmt.Errorf("%w: unknown audio.input.source %q", ErrInvalidConfig, in.Source)
	}
}

func (s *Supervisor) setState(st SupervisorState) {
	s.state.Store(st)
}

// State returns the supervisor's current lifecycle state.
func (s *Supervisor) State() SupervisorState {
	v, _ := s.state.Load().(SupervisorState)
	return v
}

// Run drives the connect/run/drain/backoff loop until ctx is cancelled.
// Backoff starts at 0.5s, doubles on each non-clean session exit, caps at
// 10s, and resets to 0.5s whenever a session ran at least
// cleanLifetimeForBackoffReset before ending.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.capture.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceOpenFailed, err)
	}
	if err := s.playback.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceOpenFailed, err)
	}
	defer s.capture.Stop()
	defer s.playback.Stop()

	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			s.setState(StateStopped)
			return ctx.Err()
		}

		s.setState(StateConnecting)
		start := time.Now()
		err := s.runSession(ctx)
		age := time.Since(start)

		s.setState(StateDraining)

		if ctx.Err() != nil {
			s.setState(StateStopped)
			return ctx.Err()
		}

		s.log.Warn("realtime_session_error", "error", err, "backoff_s", backoff.Seconds())

		if age >= cleanLifetimeForBackoffReset {
			backoff = initialBackoff
		}

		s.setState(StateBackoff)
		select {
		case <-ctx.Done():
			s.setState(StateStopped)
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runSession connects one protocol session, wires its converters and
// barge-in controller, and runs its child tasks until any one of them
// terminates.
func (s *Supervisor) runSession(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	session, err := Connect(sessCtx, s.cfg.Qwen, s.log)
	if err != nil {
		return err
	}
	defer session.Close()

	rt := s.cfg.Qwen.Realtime

	var inConv *Converter
	if s.capture.EffectiveSampleRate() != rt.InputSampleRateHz || s.capture.Channels() != rt.InputChannels {
		inConv, err = NewConverter(2, s.capture.Channels(), s.capture.EffectiveSampleRate(), rt.InputChannels, rt.InputSampleRateHz)
		if err != nil {
			return err
		}
		s.log.Info("audio_in_adapt",
			"device_rate_hz", s.capture.EffectiveSampleRate(), "device_channels", s.capture.Channels(),
			"wire_rate_hz", rt.InputSampleRateHz, "wire_channels", rt.InputChannels)
	}

	var outConv *Converter
	if rt.OutputSampleRateHz != s.playback.EffectiveSampleRate() || rt.OutputChannels != s.cfg.Audio.Output.Channels {
		outConv, err = NewConverter(2, rt.OutputChannels, rt.OutputSampleRateHz, s.cfg.Audio.Output.Channels, s.playback.EffectiveSampleRate())
		if err != nil {
			return err
		}
		s.log.Info("audio_out_adapt",
			"wire_rate_hz", rt.OutputSampleRateHz, "wire_channels", rt.OutputChannels,
			"device_rate_hz", s.playback.EffectiveSampleRate(), "device_channels", s.cfg.Audio.Output.Channels)
	}

	bytesPerSample := rt.OutputBytesPerSample
	if bytesPerSample <= 0 {
		bytesPerSample = 2
	}
	alignBuf := NewAlignmentBuffer(bytesPerSample, rt.OutputChannels, s.log, 5)

	bargein := NewBargeInController(s.playback, session.EpochTurnMap(), session, 400, s.log)
	session.AttachSession(s.playback, alignBuf, outConv, bargein)

	s.setState(StateRunning)

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return session.RunReceive(gctx) })
	g.Go(func() error { return s.runSender(gctx, session, inConv) })
	g.Go(func() error { return s.runPlayObserver(gctx, session) })
	g.Go(func() error { return s.runRotationTimer(gctx, session) })

	return g.Wait()
}

// runSender pulls capture chunks, applies the input converter if wired,
// and sends them as audio_append events. The short capture pull timeout
// lets this loop notice context cancellation promptly even when the user
// is silent, per spec §5's timeout guidance.
func (s *Supervisor) runSender(ctx context.Context, session *Session, inConv *Converter) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunk, ok, err := s.capture.GetChunk(ctx, capturePullTimeout)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		send := chunk
		if inConv != nil {
			send = inConv.Convert(chunk)
		}
		if len(send) == 0 {
			continue
		}

		if err := session.SendAudioAppend(ctx, send); err != nil {
			return err
		}
	}
}

// runPlayObserver awaits each play-start epoch and, if it is bound to a
// turn, stamps first_audible_ms. This is the second writer of the TTFA
// ledger; it never touches eos_proxy_ms or first_audio_delta_ms, so there
// is no collision with the receive task.
func (s *Supervisor) runPlayObserver(ctx context.Context, session *Session) error {
	for {
		epoch, ok := s.playback.NextPlayStarted(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}

		turnID, found := session.EpochTurnMap().Take(epoch)
		if !found {
			continue
		}
		session.Ledger().StampFirstAudible(turnID, time.Now())
	}
}

// runRotationTimer closes the session gracefully once it reaches
// sessionMaxAge, so the supervisor's outer loop reconnects with a fresh
// session rather than letting the server terminate it unexpectedly.
func (s *Supervisor) runRotationTimer(ctx context.Context, session *Session) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.sessionMaxAge):
		s.log.Info("realtime_session_rotation_requested", "max_age_s", s.sessionMaxAge.Seconds())
		session.CloseForRotation()
		return ErrSessionRotating
	}
}

// Close releases the audio context and all device streams. Call after
// Run returns.
func (s *Supervisor) Close() error {
	s.capture.Stop()
	s.playback.Stop()
	s.mctx.Uninit()
	return nil
}
