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

// DefaultAgentID is the coaching agent used when none is configured.
const DefaultAgentID = "agent_1001kc3t20gxesr94xg3ec7yxy0y"

const (
	TokenModeDirect = "direct"
	TokenModeProxy  = "proxy"
)

// Config stores runtime configuration for the app, the CLI and the token server.
type Config struct {
	ElevenLabs ElevenLabsConfig `yaml:"elevenlabs"`
	Token      TokenConfig      `yaml:"token"`
	Network    NetworkConfig    `yaml:"network"`
	Audio      AudioConfig      `yaml:"audio"`
	Session    SessionConfig    `yaml:"session"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

type ElevenLabsConfig struct {
	APIKey     string `yaml:"api_key"`
	APIBaseURL string `yaml:"api_base"`
	AgentID    string `yaml:"agent_id"`
}

// TokenConfig selects where signed URLs come from: ElevenLabs directly, or
// a token server that holds the key.
type TokenConfig struct {
	Mode      string `yaml:"mode"`
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

func (t TokenConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutMS) * time.Millisecond
}

type NetworkConfig struct {
	SOCKSProxy string `yaml:"socks_proxy"`
}

type AudioConfig struct {
	RecorderCommand string `yaml:"ffmpeg_command"`
	PlaybackCommand string `yaml:"ffplay_command"`
	Playback        bool   `yaml:"playback"`
	InputFormat     string `yaml:"input_format"`
	InputDevice     string `yaml:"input_device"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
}

type SessionConfig struct {
	ChunkSize int `yaml:"chunk_size"`
}

type ServerConfig struct {
	ListenAddr    string `yaml:"listen_addr"`
	AllowedOrigin string `yaml:"allowed_origin"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Options overrides file locations, typically from command line flags.
type Options struct {
	EnvFile    string
	ConfigFile string
}

// Load resolves configuration from .env, the optional YAML file and the
// environment, in that order of increasing precedence.
func Load() (Config, error) {
	return LoadWith(Options{})
}

func LoadWith(opts Options) (Config, error) {
	if err := loadEnvFile(firstNonEmpty(opts.EnvFile, os.Getenv("COACH_ENV_FILE"))); err != nil {
		return Config{}, err
	}

	cfg := defaults()

	if path := firstNonEmpty(opts.ConfigFile, os.Getenv("COACH_CONFIG_FILE")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := sanitize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaults() Config {
	return Config{
		ElevenLabs: ElevenLabsConfig{
			APIBaseURL: "https://api.elevenlabs.io",
			AgentID:    DefaultAgentID,
		},
		Token: TokenConfig{
			TimeoutMS: 15000,
		},
		Audio: AudioConfig{
			RecorderCommand: "ffmpeg",
			PlaybackCommand: "ffplay",
			Playback:        true,
			InputFormat:     "pulse",
			InputDevice:     "default",
			SampleRate:      16000,
			Channels:        1,
		},
		Session: SessionConfig{
			ChunkSize: 4096,
		},
		Server: ServerConfig{
			ListenAddr:    ":8787",
			AllowedOrigin: "*",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// loadEnvFile never overrides variables already set in the process. A
// missing default .env is fine; a missing explicit one is not.
func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ElevenLabs.APIKey = envOrDefault("ELEVENLABS_API_KEY", cfg.ElevenLabs.APIKey)
	cfg.ElevenLabs.APIBaseURL = envOrDefault("ELEVENLABS_API_BASE", cfg.ElevenLabs.APIBaseURL)
	cfg.ElevenLabs.AgentID = envOrDefault("COACH_AGENT_ID", cfg.ElevenLabs.AgentID)

	cfg.Token.Mode = envOrDefault("COACH_TOKEN_MODE", cfg.Token.Mode)
	cfg.Token.URL = envOrDefault("COACH_TOKEN_URL", cfg.Token.URL)
	cfg.Token.APIKey = envOrDefault("COACH_TOKEN_API_KEY", cfg.Token.APIKey)
	cfg.Token.TimeoutMS = envOrDefaultInt("COACH_TOKEN_TIMEOUT_MS", cfg.Token.TimeoutMS)

	cfg.Network.SOCKSProxy = firstNonEmpty(
		os.Getenv("COACH_SOCKS_PROXY"),
		os.Getenv("ALL_PROXY"),
		cfg.Network.SOCKSProxy,
	)

	cfg.Audio.RecorderCommand = envOrDefault("COACH_FFMPEG_COMMAND", cfg.Audio.RecorderCommand)
	cfg.Audio.PlaybackCommand = envOrDefault("COACH_FFPLAY_COMMAND", cfg.Audio.PlaybackCommand)
	cfg.Audio.Playback = envOrDefaultBool("COACH_PLAYBACK", cfg.Audio.Playback)
	cfg.Audio.InputFormat = envOrDefault("COACH_AUDIO_INPUT_FORMAT", cfg.Audio.InputFormat)
	cfg.Audio.InputDevice = firstNonEmpty(
		os.Getenv("COACH_AUDIO_INPUT_DEVICE"),
		os.Getenv("PULSE_SOURCE"),
		cfg.Audio.InputDevice,
	)
	cfg.Audio.SampleRate = envOrDefaultInt("COACH_SAMPLE_RATE", cfg.Audio.SampleRate)
	cfg.Audio.Channels = envOrDefaultInt("COACH_CHANNELS", cfg.Audio.Channels)

	cfg.Session.ChunkSize = envOrDefaultInt("COACH_AUDIO_CHUNK_SIZE", cfg.Session.ChunkSize)

	cfg.Server.ListenAddr = envOrDefault("COACH_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.AllowedOrigin = envOrDefault("COACH_ALLOWED_ORIGIN", cfg.Server.AllowedOrigin)

	cfg.Log.Level = envOrDefault("COACH_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("COACH_LOG_FORMAT", cfg.Log.Format)
}

func sanitize(cfg *Config) error {
	def := defaults()

	if strings.TrimSpace(cfg.ElevenLabs.AgentID) == "" {
		cfg.ElevenLabs.AgentID = DefaultAgentID
	}
	if strings.TrimSpace(cfg.ElevenLabs.APIBaseURL) == "" {
		cfg.ElevenLabs.APIBaseURL = def.ElevenLabs.APIBaseURL
	}
	if cfg.Audio.SampleRate <= 0 {
		cfg.Audio.SampleRate = def.Audio.SampleRate
	}
	if cfg.Audio.Channels <= 0 {
		cfg.Audio.Channels = def.Audio.Channels
	}
	if cfg.Session.ChunkSize < 256 {
		cfg.Session.ChunkSize = def.Session.ChunkSize
	}
	if cfg.Token.TimeoutMS <= 0 {
		cfg.Token.TimeoutMS = def.Token.TimeoutMS
	}
	if strings.TrimSpace(cfg.Server.ListenAddr) == "" {
		cfg.Server.ListenAddr = def.Server.ListenAddr
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format != "json" {
		cfg.Log.Format = def.Log.Format
	}

	cfg.Token.Mode = strings.ToLower(strings.TrimSpace(cfg.Token.Mode))
	switch cfg.Token.Mode {
	case "":
		if cfg.Token.URL != "" {
			cfg.Token.Mode = TokenModeProxy
		} else {
			cfg.Token.Mode = TokenModeDirect
		}
	case TokenModeDirect:
	case TokenModeProxy:
		if cfg.Token.URL == "" {
			return errors.New("COACH_TOKEN_URL is required when COACH_TOKEN_MODE=proxy")
		}
	default:
		return fmt.Errorf("unsupported COACH_TOKEN_MODE %q", cfg.Token.Mode)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func envOrDefault(key string, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func envOrDefaultInt(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envOrDefaultBool(key string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
