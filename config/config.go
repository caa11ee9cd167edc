package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/d1nch8g/intentd/engine"
	"github.com/d1nch8g/intentd/stt"
	"github.com/d1nch8g/intentd/tts"
)

// ErrMissingCredentials is returned by Validate when SpeechKit cannot be
// authenticated.
var ErrMissingCredentials = errors.New("IAM_TOKEN or API_KEY and FOLDER_ID must be set")

// Keys double as environment variable names in upper case.
const (
	KeyIamToken        = "iam_token"
	KeyApiKey          = "api_key"
	KeyFolderID        = "folder_id"
	KeyEndpoint        = "stt_endpoint"
	KeyInsecure        = "stt_insecure"
	KeyLanguage        = "language"
	KeySampleRate      = "sample_rate"
	KeyWindowMs        = "window_ms"
	KeyClassifier      = "classifier"
	KeyIntentThreshold = "intent_threshold"
	KeySessionID       = "session_id"
	KeyReadyTimeout    = "ready_timeout"
	KeyInputFile       = "input_file"
	KeyMonitor         = "monitor"
	KeyContinuous      = "continuous"
	KeyAnnounce        = "announce"
	KeyVoice           = "voice"
	KeyLogLevel        = "log_level"
)

type Config struct {
	IamToken string
	ApiKey   string
	FolderID string
	Endpoint string
	Insecure bool

	Language        string
	SampleRate      int
	WindowMs        int
	Classifier      string
	IntentThreshold float64
	SessionID       string
	ReadyTimeout    time.Duration

	InputFile  string
	Monitor    bool
	Continuous bool
	Announce   bool
	Voice      string
	LogLevel   string
}

// SetDefaults registers the defaults of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyEndpoint, stt.YandexSTTEndpoint)
	v.SetDefault(KeyLanguage, engine.DefaultLanguageCode)
	v.SetDefault(KeySampleRate, 16000)
	v.SetDefault(KeyWindowMs, 100)
	v.SetDefault(KeyIntentThreshold, stt.DefaultIntentThreshold)
	v.SetDefault(KeyReadyTimeout, time.Duration(0))
	v.SetDefault(KeyVoice, tts.GetDefaultSynthesisOptions().Voice)
	v.SetDefault(KeyLogLevel, "info")
}

// LoadEnvFile loads variables from a .env file. A missing file is not an
// error.
func LoadEnvFile(paths ...string) error {
	err := godotenv.Load(paths...)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// Load reads the configuration from v, falling back to the environment.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		IamToken:        v.GetString(KeyIamToken),
		ApiKey:          v.GetString(KeyApiKey),
		FolderID:        v.GetString(KeyFolderID),
		Endpoint:        v.GetString(KeyEndpoint),
		Insecure:        v.GetBool(KeyInsecure),
		Language:        v.GetString(KeyLanguage),
		SampleRate:      v.GetInt(KeySampleRate),
		WindowMs:        v.GetInt(KeyWindowMs),
		Classifier:      v.GetString(KeyClassifier),
		IntentThreshold: v.GetFloat64(KeyIntentThreshold),
		SessionID:       v.GetString(KeySessionID),
		ReadyTimeout:    v.GetDuration(KeyReadyTimeout),
		InputFile:       v.GetString(KeyInputFile),
		Monitor:         v.GetBool(KeyMonitor),
		Continuous:      v.GetBool(KeyContinuous),
		Announce:        v.GetBool(KeyAnnounce),
		Voice:           v.GetString(KeyVoice),
		LogLevel:        v.GetString(KeyLogLevel),
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid %s: %d", KeySampleRate, cfg.SampleRate)
	}
	if cfg.WindowMs <= 0 {
		return nil, fmt.Errorf("invalid %s: %d", KeyWindowMs, cfg.WindowMs)
	}
	if cfg.ReadyTimeout < 0 {
		return nil, fmt.Errorf("invalid %s: %s", KeyReadyTimeout, cfg.ReadyTimeout)
	}
	return cfg, nil
}

// Validate checks that SpeechKit credentials are present.
func (c *Config) Validate() error {
	if (c.IamToken == "" && c.ApiKey == "") || c.FolderID == "" {
		return ErrMissingCredentials
	}
	return nil
}

// WindowSize is the number of bytes of 16-bit mono PCM per window.
func (c *Config) WindowSize() int {
	return c.SampleRate * c.WindowMs / 1000 * 2
}

func (c *Config) Detector() engine.Config {
	return engine.Config{
		LanguageCode:    c.Language,
		SampleRate:      c.SampleRate,
		WindowSize:      c.WindowSize(),
		SessionID:       c.SessionID,
		SingleUtterance: true,
		ReadyTimeout:    c.ReadyTimeout,
	}
}

func (c *Config) Yandex() stt.YandexConfig {
	return stt.YandexConfig{
		Endpoint:        c.Endpoint,
		Insecure:        c.Insecure,
		IamToken:        c.IamToken,
		ApiKey:          c.ApiKey,
		FolderID:        c.FolderID,
		Classifier:      c.Classifier,
		IntentThreshold: c.IntentThreshold,
	}
}

func (c *Config) TTS() tts.YandexConfig {
	options := tts.GetDefaultSynthesisOptions()
	options.Voice = c.Voice
	options.SampleRate = c.SampleRate
	return tts.YandexConfig{
		IamToken: c.IamToken,
		ApiKey:   c.ApiKey,
		FolderID: c.FolderID,
		Options:  options,
	}
}
