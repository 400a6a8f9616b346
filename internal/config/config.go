package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the configuration for the recorder service.
type Config struct {
	Recording RecordingConfig `yaml:"recording"`
	Mixdown   MixdownConfig   `yaml:"mixdown"`
	Voice     VoiceConfig     `yaml:"voice"`
	HTTP      HTTPConfig      `yaml:"http"`
	Events    EventsConfig    `yaml:"events"`
	Logging   LoggingConfig   `yaml:"logging"`

	DrainTimeout time.Duration `yaml:"drain_timeout"`
	PProfAddr    string        `yaml:"pprof_addr"`
}

// RecordingConfig controls sessions and the per-speaker capture pipeline.
type RecordingConfig struct {
	Dir               string        `yaml:"dir"`
	MaxDuration       time.Duration `yaml:"max_duration"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	SilenceTimeout    time.Duration `yaml:"silence_timeout"`
	FlushTimeout      time.Duration `yaml:"flush_timeout"`
	MaxDecodeErrors   int           `yaml:"max_decode_errors"`
	LegacySingleBurst bool          `yaml:"legacy_single_burst"`
}

// MixdownConfig controls the post-stop mixdown.
type MixdownConfig struct {
	Format      string        `yaml:"format"` // mp3, ogg, wav
	FFmpegPath  string        `yaml:"ffmpeg_path"`
	FFmpegArgs  string        `yaml:"ffmpeg_args"`
	Timeout     time.Duration `yaml:"timeout"`
	SampleRate  int           `yaml:"sample_rate"` // output rate for wav; 0 keeps 48000
	KeepSources bool          `yaml:"keep_sources"`
}

// VoiceConfig selects and configures the voice provider.
type VoiceConfig struct {
	Provider string        `yaml:"provider"` // discord, livekit
	BurstGap time.Duration `yaml:"burst_gap"`
	Discord  DiscordConfig `yaml:"discord"`
	LiveKit  LiveKitConfig `yaml:"livekit"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
}

type LiveKitConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Identity  string `yaml:"identity"`
}

type HTTPConfig struct {
	Addr        string   `yaml:"addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration used when no file or env overrides are present.
func Default() Config {
	return Config{
		Recording: RecordingConfig{
			Dir:             "./recordings",
			MaxDuration:     6 * time.Hour,
			ConnectTimeout:  30 * time.Second,
			SilenceTimeout:  1000 * time.Millisecond,
			FlushTimeout:    5 * time.Second,
			MaxDecodeErrors: 50,
		},
		Mixdown: MixdownConfig{
			Format:     "mp3",
			FFmpegPath: "ffmpeg",
			FFmpegArgs: "-b:a 128k",
			Timeout:    10 * time.Minute,
		},
		Voice: VoiceConfig{
			Provider: "discord",
			BurstGap: 250 * time.Millisecond,
			LiveKit: LiveKitConfig{
				Identity: "voice-recorder",
			},
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8085",
		},
		Events: EventsConfig{
			SubjectPrefix: "recorder",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		DrainTimeout: 2 * time.Minute,
	}
}

// Load loads configuration from an optional .env file, an optional YAML file
// and RECORDER_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for commands that only need some sections.
func Read(path string) (*Config, error) {
	cfg := Default()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Recording.Dir, "RECORDER_RECORDINGS_DIR")
	overrideDuration(&cfg.Recording.MaxDuration, "RECORDER_MAX_DURATION")
	overrideDuration(&cfg.Recording.ConnectTimeout, "RECORDER_CONNECT_TIMEOUT")
	overrideDuration(&cfg.Recording.SilenceTimeout, "RECORDER_SILENCE_TIMEOUT")
	overrideDuration(&cfg.Recording.FlushTimeout, "RECORDER_FLUSH_TIMEOUT")
	overrideInt(&cfg.Recording.MaxDecodeErrors, "RECORDER_MAX_DECODE_ERRORS")
	overrideBool(&cfg.Recording.LegacySingleBurst, "RECORDER_LEGACY_SINGLE_BURST")
	overrideString(&cfg.Mixdown.Format, "RECORDER_MIXDOWN_FORMAT")
	overrideString(&cfg.Mixdown.FFmpegPath, "RECORDER_FFMPEG_PATH")
	overrideString(&cfg.Mixdown.FFmpegArgs, "RECORDER_FFMPEG_ARGS")
	overrideDuration(&cfg.Mixdown.Timeout, "RECORDER_MIXDOWN_TIMEOUT")
	overrideInt(&cfg.Mixdown.SampleRate, "RECORDER_MIXDOWN_SAMPLE_RATE")
	overrideBool(&cfg.Mixdown.KeepSources, "RECORDER_MIXDOWN_KEEP_SOURCES")
	overrideString(&cfg.Voice.Provider, "RECORDER_VOICE_PROVIDER")
	overrideDuration(&cfg.Voice.BurstGap, "RECORDER_VOICE_BURST_GAP")
	overrideString(&cfg.Voice.Discord.Token, "DISCORD_TOKEN")
	overrideString(&cfg.Voice.LiveKit.URL, "LIVEKIT_URL")
	overrideString(&cfg.Voice.LiveKit.APIKey, "LIVEKIT_API_KEY")
	overrideString(&cfg.Voice.LiveKit.APISecret, "LIVEKIT_API_SECRET")
	overrideString(&cfg.Voice.LiveKit.Identity, "RECORDER_LIVEKIT_IDENTITY")
	overrideString(&cfg.HTTP.Addr, "RECORDER_HTTP_ADDR")
	overrideStringSlice(&cfg.HTTP.CORSOrigins, "RECORDER_HTTP_CORS_ORIGINS")
	overrideString(&cfg.Events.NATSURL, "RECORDER_NATS_URL")
	overrideString(&cfg.Events.SubjectPrefix, "RECORDER_EVENTS_SUBJECT_PREFIX")
	overrideString(&cfg.Logging.Level, "RECORDER_LOG_LEVEL")
	overrideString(&cfg.Logging.Format, "RECORDER_LOG_FORMAT")
	overrideString(&cfg.Logging.Output, "RECORDER_LOG_OUTPUT")
	overrideDuration(&cfg.DrainTimeout, "RECORDER_DRAIN_TIMEOUT")
	overrideString(&cfg.PProfAddr, "RECORDER_PPROF_ADDR")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideDuration(target *time.Duration, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if d, err := time.ParseDuration(value); err == nil {
			*target = d
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

// Validate performs validation of every section.
func (c *Config) Validate() error {
	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}
	if err := c.Mixdown.Validate(); err != nil {
		return fmt.Errorf("mixdown config: %w", err)
	}
	if err := c.Voice.Validate(); err != nil {
		return fmt.Errorf("voice config: %w", err)
	}
	// A burst that resumes after a handle closed on silence must raise a new
	// speaking event, so the gap cannot be longer than the silence timeout.
	if c.Voice.BurstGap > c.Recording.SilenceTimeout {
		return fmt.Errorf("voice.burst_gap (%v) must not exceed recording.silence_timeout (%v)", c.Voice.BurstGap, c.Recording.SilenceTimeout)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	if c.DrainTimeout <= 0 {
		return errors.New("drain_timeout must be positive")
	}
	return nil
}

// Validate validates recording configuration.
func (r *RecordingConfig) Validate() error {
	if r.Dir == "" {
		return errors.New("dir cannot be empty")
	}
	if r.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive, got %v", r.MaxDuration)
	}
	if r.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be positive, got %v", r.ConnectTimeout)
	}
	if r.SilenceTimeout < 20*time.Millisecond {
		return fmt.Errorf("silence_timeout must be at least 20ms (one opus frame), got %v", r.SilenceTimeout)
	}
	if r.FlushTimeout <= 0 {
		return fmt.Errorf("flush_timeout must be positive, got %v", r.FlushTimeout)
	}
	if r.MaxDecodeErrors < 1 {
		return fmt.Errorf("max_decode_errors must be at least 1, got %d", r.MaxDecodeErrors)
	}
	return nil
}

// Validate validates mixdown configuration.
func (m *MixdownConfig) Validate() error {
	switch m.Format {
	case "mp3", "ogg":
		if m.FFmpegPath == "" {
			return fmt.Errorf("ffmpeg_path cannot be empty for format %s", m.Format)
		}
	case "wav":
	default:
		return fmt.Errorf("format must be one of [mp3, ogg, wav], got '%s'", m.Format)
	}
	if m.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", m.Timeout)
	}
	if m.SampleRate < 0 {
		return fmt.Errorf("sample_rate cannot be negative, got %d", m.SampleRate)
	}
	return nil
}

// Validate validates voice provider configuration.
func (v *VoiceConfig) Validate() error {
	switch v.Provider {
	case "discord":
		if v.Discord.Token == "" {
			return errors.New("discord.token is required when provider=discord")
		}
	case "livekit":
		if v.LiveKit.URL == "" {
			return errors.New("livekit.url is required when provider=livekit")
		}
		if v.LiveKit.APIKey == "" || v.LiveKit.APISecret == "" {
			return errors.New("livekit.api_key and livekit.api_secret are required when provider=livekit")
		}
	default:
		return fmt.Errorf("provider must be one of [discord, livekit], got '%s'", v.Provider)
	}
	if v.BurstGap <= 0 {
		return fmt.Errorf("burst_gap must be positive, got %v", v.BurstGap)
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}
