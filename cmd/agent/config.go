package main

import (
	"fmt"
	"io"
	"os"

	"github.com/lokutor-ai/qwen-realtime-agent/pkg/realtime"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML shape consumed by this external collaborator. Its
// field names mirror the dotted keys of spec §6 (qwen.*, audio.*)
// verbatim, the same "struct tags mirror dotted config keys" pattern
// MrWong99-glyphoxa's internal/config/config.go uses for its own
// providers.*/npcs[].* schema. The realtime core never sees this type; it
// only ever sees the realtime.Config that loadConfig builds.
type fileConfig struct {
	Qwen struct {
		APIKey   string `yaml:"api_key"`
		Realtime struct {
			URL               string `yaml:"url"`
			Model             string `yaml:"model"`
			Voice             string `yaml:"voice"`
			Instructions      string `yaml:"instructions"`
			TurnDetection     struct {
				Threshold         float64 `yaml:"threshold"`
				SilenceDurationMs int     `yaml:"silence_duration_ms"`
			} `yaml:"turn_detection"`
			InputSampleRateHz    int    `yaml:"input_sample_rate_hz"`
			OutputSampleRateHz   int    `yaml:"output_sample_rate_hz"`
			InputChannels        int    `yaml:"input_channels"`
			OutputChannels       int    `yaml:"output_channels"`
			InputAudioFormat     string `yaml:"input_audio_format"`
			OutputAudioFormat    string `yaml:"output_audio_format"`
			OutputBytesPerSample int    `yaml:"output_bytes_per_sample"`
		} `yaml:"realtime"`
	} `yaml:"qwen"`

	Audio struct {
		Input struct {
			Device     string `yaml:"device"`
			SampleRate int    `yaml:"sample_rate"`
			Channels   int    `yaml:"channels"`
			Source     string `yaml:"source"`
			ChunkMs    int    `yaml:"chunk_ms"`
		} `yaml:"input"`
		Loopback struct {
			PID         int    `yaml:"pid"`
			ProcessName string `yaml:"process_name"`
		} `yaml:"loopback"`
		Output struct {
			Device     string `yaml:"device"`
			SampleRate int    `yaml:"sample_rate"`
			Channels   int    `yaml:"channels"`
		} `yaml:"output"`
		VAD struct {
			SilenceDurationMs int `yaml:"silence_duration_ms"`
		} `yaml:"vad"`
	} `yaml:"audio"`
}

// loadConfig reads path (if it exists) and overlays environment variables,
// returning the realtime.Config the Loop Supervisor accepts. A missing
// file is not an error: every field still resolves from defaults/env, so
// the agent can run purely off .env in the simplest case.
func loadConfig(path string) (realtime.Config, error) {
	var fc fileConfig
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			f, err := os.Open(path)
			if err != nil {
				return realtime.Config{}, fmt.Errorf("config: open %q: %w", path, err)
			}
			defer f.Close()
			if err := decodeYAML(f, &fc); err != nil {
				return realtime.Config{}, fmt.Errorf("config: parse %q: %w", path, err)
			}
		}
	}

	// qwen.api_key is sourced from environment expansion per spec §6: the
	// YAML value (e.g. "${QWEN_API_KEY}") is expanded against the process
	// environment, the same way the teacher's cmd/agent/main.go read its
	// provider keys straight from os.Getenv after godotenv.Load. A bare
	// QWEN_API_KEY env var is honored even if qwen.api_key is omitted from
	// the file entirely.
	apiKey := os.ExpandEnv(fc.Qwen.APIKey)
	if apiKey == "" {
		apiKey = os.Getenv("QWEN_API_KEY")
	}

	cfg := realtime.Config{
		Qwen: realtime.QwenConfig{
			APIKey: apiKey,
			Realtime: realtime.RealtimeConfig{
				URL:          orDefault(fc.Qwen.Realtime.URL, "wss://dashscope.aliyuncs.com/api-ws/v1/realtime"),
				Model:        orDefault(fc.Qwen.Realtime.Model, "qwen-omni-turbo-realtime"),
				Voice:        orDefault(fc.Qwen.Realtime.Voice, "Cherry"),
				Instructions: fc.Qwen.Realtime.Instructions,
				TurnDetection: realtime.TurnDetectionConfig{
					Threshold:         orDefaultF(fc.Qwen.Realtime.TurnDetection.Threshold, 0.5),
					SilenceDurationMs: orDefaultI(fc.Qwen.Realtime.TurnDetection.SilenceDurationMs, 500),
				},
				InputSampleRateHz:    orDefaultI(fc.Qwen.Realtime.InputSampleRateHz, 16000),
				OutputSampleRateHz:   orDefaultI(fc.Qwen.Realtime.OutputSampleRateHz, 24000),
				InputChannels:        orDefaultI(fc.Qwen.Realtime.InputChannels, 1),
				OutputChannels:       orDefaultI(fc.Qwen.Realtime.OutputChannels, 1),
				InputAudioFormat:     orDefault(fc.Qwen.Realtime.InputAudioFormat, "pcm16"),
				OutputAudioFormat:    orDefault(fc.Qwen.Realtime.OutputAudioFormat, "pcm16"),
				OutputBytesPerSample: orDefaultI(fc.Qwen.Realtime.OutputBytesPerSample, 2),
			},
		},
		Audio: realtime.AudioConfig{
			Input: realtime.AudioInputConfig{
				Device:     fc.Audio.Input.Device,
				SampleRate: orDefaultI(fc.Audio.Input.SampleRate, 16000),
				Channels:   orDefaultI(fc.Audio.Input.Channels, 1),
				Source:     realtime.AudioSource(orDefault(fc.Audio.Input.Source, string(realtime.SourceMic))),
				ChunkMs:    orDefaultI(fc.Audio.Input.ChunkMs, 20),
			},
			Loopback: realtime.AudioLoopbackConfig{
				PID:         fc.Audio.Loopback.PID,
				ProcessName: fc.Audio.Loopback.ProcessName,
			},
			Output: realtime.AudioOutputConfig{
				Device:     fc.Audio.Output.Device,
				SampleRate: orDefaultI(fc.Audio.Output.SampleRate, 48000),
				Channels:   orDefaultI(fc.Audio.Output.Channels, 2),
			},
			VAD: realtime.AudioVADConfig{
				SilenceDurationMs: orDefaultI(fc.Audio.VAD.SilenceDurationMs, 500),
			},
		},
	}

	if cfg.Qwen.APIKey == "" {
		return realtime.Config{}, fmt.Errorf("%w: QWEN_API_KEY is not set and qwen.api_key is empty in %q", realtime.ErrMissingAPIKey, path)
	}

	return cfg, nil
}

func decodeYAML(r io.Reader, v *fileConfig) error {
	dec := yaml.NewDecoder(r)
	return dec.Decode(v)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orDefaultI(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultF(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}
