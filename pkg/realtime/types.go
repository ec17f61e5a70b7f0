package realtime

import "time"

// Logger is the structured logging seam every component in this package
// writes through. Production code satisfies it with an adapter over
// github.com/charmbracelet/log (see logger.go); tests use NoOpLogger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// NoOpLogger discards everything. Useful as a safe default and in tests
// that don't care about log output.
type NoOpLogger struct{}

func (NoOpLogger) Debug(msg string, args ...interface{}) {}
func (NoOpLogger) Info(msg string, args ...interface{})  {}
func (NoOpLogger) Warn(msg string, args ...interface{})  {}
func (NoOpLogger) Error(msg string, args ...interface{}) {}

// AudioSource identifies where capture audio comes from.
type AudioSource string

const (
	SourceMic             AudioSource = "mic"
	SourceProcessLoopback AudioSource = "process_loopback"
)

// TurnDetectionConfig mirrors qwen.realtime.turn_detection.*.
type TurnDetectionConfig struct {
	Threshold         float64
	SilenceDurationMs int
}

// RealtimeConfig mirrors qwen.realtime.*.
type RealtimeConfig struct {
	URL                string
	Model              string
	Voice              string
	Instructions       string
	TurnDetection      TurnDetectionConfig
	InputSampleRateHz  int
	OutputSampleRateHz int
	InputChannels      int
	OutputChannels     int

	// InputAudioFormat/OutputAudioFormat are sent verbatim in
	// session.update. OutputBytesPerSample declares how many bytes the
	// wire uses per sample of output audio; it sizes the alignment
	// buffer's frames only. The output converter and the playback sink
	// always treat the aligned bytes as PCM16, so a value other than 2 is
	// not down-converted before playback.
	//
	// Open question (spec.md, unresolved by the distilled spec): some
	// DashScope-style servers label a 16kHz/16-bit output format "pcm24"
	// as a sample-rate tag rather than true 24-bit samples (see
	// original_source's qwen_realtime.py receiver comment). This client
	// trusts OutputBytesPerSample as configured rather than
	// auto-detecting from the first delta; operators wiring against a
	// real endpoint should confirm the true byte width of the first
	// response.audio.delta matches this value.
	InputAudioFormat     string
	OutputAudioFormat    string
	OutputBytesPerSample int
}

// QwenConfig mirrors qwen.*.
type QwenConfig struct {
	APIKey   string
	Realtime RealtimeConfig
}

// AudioInputConfig mirrors audio.input.*.
type AudioInputConfig struct {
	Device     string
	SampleRate int
	Channels   int
	Source     AudioSource
	ChunkMs    int
}

// AudioLoopbackConfig mirrors audio.loopback.*.
type AudioLoopbackConfig struct {
	PID         int
	ProcessName string
}

// AudioOutputConfig mirrors audio.output.*.
type AudioOutputConfig struct {
	Device     string
	SampleRate int
	Channels   int
}

// AudioVADConfig mirrors audio.vad.*.
type AudioVADConfig struct {
	SilenceDurationMs int
}

// AudioConfig mirrors audio.*.
type AudioConfig struct {
	Input    AudioInputConfig
	Loopback AudioLoopbackConfig
	Output   AudioOutputConfig
	VAD      AudioVADConfig
}

// Config is the full external configuration consumed by the Loop
// Supervisor. The core never loads it from a file or the environment;
// that is the job of an external collaborator (cmd/agent in this repo).
type Config struct {
	Qwen  QwenConfig
	Audio AudioConfig
}

// DefaultQueueMaxChunks bounds a capture source's internal drop-oldest queue.
const DefaultQueueMaxChunks = 64

// TurnState is a per-turn record in the TTFA ledger. Each timestamp field
// is written at most once. See ledger.go for write discipline.
type TurnState struct {
	EOSProxyMs        int64 // ms from monoMs; 0 means unset
	FirstAudioDeltaMs int64
	FirstAudibleMs    int64
}

func (t TurnState) hasEOS() bool        { return t.EOSProxyMs != 0 }
func (t TurnState) hasFirstDelta() bool { return t.FirstAudioDeltaMs != 0 }
func (t TurnState) hasFirstAudible() bool {
	return t.FirstAudibleMs != 0
}

// monoMs returns t as milliseconds since the Unix epoch, suitable only for
// subtracting against other monoMs values. It reads the wall clock:
// UnixNano drops Go's monotonic clock reading, so a wall-clock adjustment
// between two calls shifts their difference. Callers pass time.Now()
// captured once so tests can control it.
func monoMs(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}
