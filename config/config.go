package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// DefaultAppID is used when PTT_APP_ID is not set.
const DefaultAppID = "ptt-demo-app"

// Microphone permission modes.
const (
	PermissionPrompt  = "prompt"
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

type Config struct {
	AppID     string `env:"PTT_APP_ID"`
	ServerURL string `env:"PTT_SERVER_URL" envDefault:"ws://localhost:8787"`
	Channel   string `env:"PTT_CHANNEL"    envDefault:"lobby"`
	Token     string `env:"PTT_TOKEN"`
	LocalID   string `env:"PTT_LOCAL_ID"`

	CueDir   string `env:"PTT_CUE_DIR"   envDefault:"cues"`
	StartCue string `env:"PTT_START_CUE" envDefault:"start"`
	EndCue   string `env:"PTT_END_CUE"   envDefault:"end"`

	JoinTimeout time.Duration `env:"PTT_JOIN_TIMEOUT" envDefault:"15s"`

	Audio AudioConfig
	TTS   TTSConfig

	LogLevel      string `env:"PTT_LOG_LEVEL"      envDefault:"info"`
	MicPermission string `env:"PTT_MIC_PERMISSION" envDefault:"prompt"`
}

type AudioConfig struct {
	SampleRate      float64 `env:"PTT_SAMPLE_RATE"       envDefault:"16000"`
	FramesPerBuffer int     `env:"PTT_FRAMES_PER_BUFFER" envDefault:"320"`
	WindowSize      int     `env:"PTT_WINDOW_SIZE"       envDefault:"60"`
}

// TTSConfig enables spoken cues ("say:<text>") through Yandex SpeechKit.
// It stays off while ApiKey is empty.
type TTSConfig struct {
	ApiKey   string `env:"PTT_YANDEX_API_KEY"`
	FolderID string `env:"PTT_YANDEX_FOLDER_ID"`
	Voice    string `env:"PTT_TTS_VOICE" envDefault:"marina"`
}

// LoadConfig reads an optional .env file and then the process environment.
func LoadConfig(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.AppID == "" {
		cfg.AppID = DefaultAppID
	}
	if cfg.LocalID == "" {
		cfg.LocalID = uuid.NewString()
	}
	if cfg.Audio.WindowSize <= 0 {
		cfg.Audio.WindowSize = 60
	}

	switch cfg.MicPermission {
	case PermissionPrompt, PermissionGranted, PermissionDenied:
	default:
		return nil, fmt.Errorf("invalid PTT_MIC_PERMISSION %q", cfg.MicPermission)
	}

	return &cfg, nil
}
