package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// sessionUpdatePayload is the nested "session" object of a session.update
// event, mirroring qwen.realtime.* fields verbatim. Field names and the
// server_vad turn_detection shape are taken directly from
// original_source's qwen_realtime.py _run_one_session, the only place in
// the corpus that shows this wire schema end to end.
type sessionUpdatePayload struct {
	Modalities        []string          `json:"modalities"`
	Voice             string            `json:"voice"`
	InputAudioFormat  string            `json:"input_audio_format"`
	OutputAudioFormat string            `json:"output_audio_format"`
	Instructions      string            `json:"instructions"`
	TurnDetection     turnDetectionWire `json:"turn_detection"`
}

type turnDetectionWire struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type sessionUpdateEvent struct {
	EventID string               `json:"event_id"`
	Type    string               `json:"type"`
	Session sessionUpdatePayload `json:"session"`
}

type responseCancelEvent struct {
	EventID string `json:"event_id"`
	Type    string `json:"type"`
}

// inboundEvent covers every field used by any wire event type this
// client dispatches, per original_source's flat json.loads + data.get(...)
// handling translated into typed fields.
type inboundEvent struct {
	Type string `json:"type"`

	Response *struct {
		ID string `json:"id"`
	} `json:"response,omitempty"`

	ItemID     string                 `json:"item_id,omitempty"`
	AudioEndMs int64                  `json:"audio_end_ms,omitempty"`
	Transcript string                 `json:"transcript,omitempty"`
	Delta      string                 `json:"delta,omitempty"`
	ResponseID string                 `json:"response_id,omitempty"`
	Error      map[string]interface{} `json:"error,omitempty"`
}

// Session is component E: one bidirectional realtime protocol connection.
// It owns the connection's send serialization and the active-response /
// cancelled-set bookkeeping that the barge-in controller and the receive
// loop both touch. Generalizes the teacher's single-purpose
// getConn/StreamSynthesize in pkg/providers/tts/lokutor.go into the full
// session lifecycle (connect, session config, inbound dispatch,
// reconnect/rotation handled one level up by the Loop Supervisor).
type Session struct {
	conn *websocket.Conn

	sendMu sync.Mutex

	mu                 sync.Mutex
	activeResponseID   string
	cancelledResponses map[string]bool

	playback *PlaybackSink
	ledger   *TurnLedger
	epochMap *EpochTurnMap
	bargein  *BargeInController
	alignBuf *AlignmentBuffer

	outConverter *Converter

	log       Logger
	createdAt time.Time
}

// Connect dials the realtime endpoint, waits for session.created, and
// sends the session configuration event. The returned Session has no
// BargeInController wired yet; call AttachSession before RunReceive.
func Connect(ctx context.Context, cfg QwenConfig, log Logger) (*Session, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if log == nil {
		log = NoOpLogger{}
	}

	url := cfg.Realtime.URL + "?model=" + cfg.Realtime.Model
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + cfg.APIKey},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}

	s := &Session{
		conn:               conn,
		cancelledResponses: make(map[string]bool),
		ledger:             NewTurnLedger(log),
		epochMap:           NewEpochTurnMap(),
		log:                log,
		createdAt:          time.Now(),
	}

	if err := s.waitSessionCreated(ctx); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "handshake failed")
		return nil, err
	}

	if err := s.sendSessionUpdate(ctx, cfg.Realtime); err != nil {
		conn.Close(websocket.StatusAbnormalClosure, "session update failed")
		return nil, err
	}

	return s, nil
}

func (s *Session) waitSessionCreated(ctx context.Context) error {
	_, payload, err := s.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	var ev inboundEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return fmt.Errorf("%w: malformed handshake payload: %v", ErrConnectFailed, err)
	}
	if ev.Type != "session.created" {
		return fmt.Errorf("%w: expected session.created, got %q", ErrConnectFailed, ev.Type)
	}
	return nil
}

func (s *Session) sendSessionUpdate(ctx context.Context, rt RealtimeConfig) error {
	ev := sessionUpdateEvent{
		EventID: newEventID(),
		Type:    "session.update",
		Session: sessionUpdatePayload{
			Modalities:        []string{"text", "audio"},
			Voice:             rt.Voice,
			InputAudioFormat:  rt.InputAudioFormat,
			OutputAudioFormat: rt.OutputAudioFormat,
			Instructions:      rt.Instructions,
			TurnDetection: turnDetectionWire{
				Type:              "server_vad",
				Threshold:         rt.TurnDetection.Threshold,
				SilenceDurationMs: rt.TurnDetection.SilenceDurationMs,
			},
		},
	}
	return s.send(ctx, ev)
}

// AttachSession wires the playback sink, alignment buffer, output
// converter (nil if wire and device formats match) and barge-in
// controller that the receive loop needs. Called once by the supervisor
// after Connect, before RunReceive.
func (s *Session) AttachSession(playback *PlaybackSink, alignBuf *AlignmentBuffer, outConverter *Converter, bargein *BargeInController) {
	s.playback = playback
	s.alignBuf = alignBuf
	s.outConverter = outConverter
	s.bargein = bargein
}

// Ledger returns the session's turn ledger.
func (s *Session) Ledger() *TurnLedger { return s.ledger }

// EpochTurnMap returns the session's epoch attribution map.
func (s *Session) EpochTurnMap() *EpochTurnMap { return s.epochMap }

// Age returns how long this session has been open.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// send serializes a single write; the protocol framing is not safe for
// concurrent writers (spec §4.E), matching the teacher's own per-call
// mutex in lokutor.go's StreamSynthesize.
func (s *Session) send(ctx context.Context, v interface{}) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("%w: %v", ErrSendAfterClose, err)
	}
	return nil
}

// SendAudioAppend base64-encodes a frame-aligned wire-rate PCM16 chunk
// and sends it as an input_audio_buffer.append event.
func (s *Session) SendAudioAppend(ctx context.Context, chunk []byte) error {
	return s.send(ctx, EncodeAudioAppend(chunk))
}

// cancelActiveResponse implements responseCanceller for
// BargeInController: it moves the active response into the cancelled
// set and sends response.cancel. A response ID stays in the cancelled
// set until response.done arrives for it, tolerating any audio deltas
// that trail the cancel (an explicit Open Question resolution: see
// DESIGN.md).
func (s *Session) cancelActiveResponse(ctx context.Context) error {
	s.mu.Lock()
	id := s.activeResponseID
	if id != "" {
		s.cancelledResponses[id] = true
	}
	s.activeResponseID = ""
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	return s.send(ctx, responseCancelEvent{EventID: newEventID(), Type: "response.cancel"})
}

// RunReceive reads and dispatches inbound events until the connection
// closes or ctx is cancelled. It is the sole writer of eos_proxy_ms and
// first_audio_delta_ms in the ledger and the epoch->turn map, per spec's
// single-writer discipline.
func (s *Session) RunReceive(ctx context.Context) error {
	for {
		_, payload, err := s.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("realtime: receive loop ended: %w", err)
		}

		var ev inboundEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			s.log.Warn("realtime: failed to decode inbound event", "error", err)
			continue
		}

		s.handleEvent(ctx, time.Now(), ev)
	}
}

func (s *Session) handleEvent(ctx context.Context, now time.Time, ev inboundEvent) {
	switch ev.Type {
	case "session.created", "session.updated":
		s.log.Info("realtime_session", "type", ev.Type)

	case "response.created":
		if ev.Response != nil {
			s.mu.Lock()
			s.activeResponseID = ev.Response.ID
			s.mu.Unlock()
			s.log.Info("response_created", "response_id", ev.Response.ID)
		}

	case "response.done":
		if ev.Response != nil {
			s.mu.Lock()
			if s.activeResponseID == ev.Response.ID {
				s.activeResponseID = ""
			}
			delete(s.cancelledResponses, ev.Response.ID)
			s.mu.Unlock()
			s.log.Info("response_done", "response_id", ev.Response.ID)
		}

	case "input_audio_buffer.speech_started":
		if s.bargein != nil {
			s.bargein.HandleSpeechStarted(ctx, now)
		}

	case "input_audio_buffer.speech_stopped":
		s.ledger.StampEOS(ev.ItemID, now)
		s.log.Info("speech_stopped", "turn_id", ev.ItemID, "audio_end_ms", ev.AudioEndMs)

	case "conversation.item.input_audio_transcription.completed":
		s.log.Info("asr_completed", "turn_id", ev.ItemID, "transcript", ev.Transcript)

	case "response.audio_transcript.delta":
		s.log.Debug("tts_transcript_delta", "delta", ev.Delta, "response_id", ev.ResponseID)

	case "response.audio.delta":
		s.handleAudioDelta(now, ev)

	case "response.audio.done":
		s.log.Info("audio_done", "response_id", ev.ResponseID, "turn_id", ev.ItemID)

	case "error":
		s.log.Error("realtime_error", "error", ev.Error)

	default:
		s.log.Debug("realtime_event", "type", ev.Type)
	}
}

func (s *Session) handleAudioDelta(now time.Time, ev inboundEvent) {
	s.mu.Lock()
	cancelled := s.cancelledResponses[ev.ResponseID]
	s.mu.Unlock()
	if cancelled {
		return
	}

	decoded, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		s.log.Warn("realtime: audio delta decode failed", "error", err)
		return
	}

	aligned := s.alignBuf.Push(decoded)
	if len(aligned) == 0 {
		return
	}

	pcm16 := aligned
	if s.outConverter != nil {
		pcm16 = s.outConverter.Convert(pcm16)
	}
	if len(pcm16) == 0 {
		return
	}

	epoch, issued := s.playback.AppendPCM16(pcm16)

	if ev.ItemID != "" && s.ledger.StampFirstAudioDelta(ev.ItemID, now) && issued {
		s.epochMap.Bind(epoch, ev.ItemID)
	}
}

// Close closes the underlying connection with a normal closure code.
func (s *Session) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// CloseForRotation closes the connection with a code distinguishing a
// planned rotation from an error close, per spec §4.E's "close with a
// graceful code" on rotation.
func (s *Session) CloseForRotation() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session rotation")
}
