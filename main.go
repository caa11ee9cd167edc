package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/d1nch8g/intentd/audio"
	"github.com/d1nch8g/intentd/config"
	"github.com/d1nch8g/intentd/device"
	"github.com/d1nch8g/intentd/engine"
	"github.com/d1nch8g/intentd/intent"
	"github.com/d1nch8g/intentd/sound"
	"github.com/d1nch8g/intentd/stt"
	"github.com/d1nch8g/intentd/tts"
)

// stopTimeout bounds the wait for the capture loop on shutdown.
const stopTimeout = 2 * time.Second

var (
	v      = viper.New()
	logger = log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
)

var rootCmd = &cobra.Command{
	Use:          "intentd",
	Short:        "Detect spoken intents with Yandex SpeechKit",
	Long:         "Streams the microphone, or a recorded MP3 utterance, to SpeechKit and reports the detected intent.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("env-file", ".env", "Load environment variables from this file when it exists")
	flags.String("language", engine.DefaultLanguageCode, "Recognition language code")
	flags.String("classifier", "", "SpeechKit classifier whose labels are reported as intents")
	flags.Float64("intent-threshold", stt.DefaultIntentThreshold, "Minimal classifier confidence for an intent")
	flags.String("input-file", "", "Read the utterance from an MP3 file instead of the microphone")
	flags.Duration("ready-timeout", 0, "Give up on a stream that is not ready within this duration (0 waits)")
	flags.Bool("monitor", false, "Play captured audio back on the default output device")
	flags.Bool("continuous", false, "Start a new detection attempt after each one ends")
	flags.Bool("announce", false, "Speak the name of every detected intent")
	flags.String("voice", "marina", "SpeechKit voice used to announce intents")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")

	for key, flag := range map[string]string{
		config.KeyLanguage:        "language",
		config.KeyClassifier:      "classifier",
		config.KeyIntentThreshold: "intent-threshold",
		config.KeyInputFile:       "input-file",
		config.KeyReadyTimeout:    "ready-timeout",
		config.KeyMonitor:         "monitor",
		config.KeyContinuous:      "continuous",
		config.KeyAnnounce:        "announce",
		config.KeyVoice:           "voice",
		config.KeyLogLevel:        "log-level",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	logger.SetLevel(level)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (set them in %s or the environment)", err, envFile)
	}

	client, err := stt.NewYandexClient(cfg.Yandex(), logger)
	if err != nil {
		return err
	}

	var announcer *tts.Announcer
	if cfg.Announce {
		synth, err := tts.NewYandexTTSClient(cfg.TTS(), logger)
		if err != nil {
			return errors.Join(err, client.Close())
		}
		announcer = tts.NewAnnouncer(synth, device.NewSpeaker(cfg.SampleRate, 0, logger), logger)
		defer announcer.Close()
	}

	var announcing sync.WaitGroup
	defer announcing.Wait()

	results := make(chan error, 1)
	observer := newObserver(results, announcer, &announcing)
	detector := engine.NewDetector(cfg.Detector(), newSource(cfg), client, observer, logger)
	initializer := func(s *audio.CaptureSession) {
		if cfg.Monitor {
			speaker := device.NewSpeaker(cfg.SampleRate, cfg.WindowSize()/2, logger)
			s.AddReceiver(sound.NewMonitor(speaker, sound.DefaultQueueSize, logger))
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	if err := detector.StartIntentDetection(initializer); err != nil {
		return errors.Join(err, detector.Close())
	}
	logger.Info("listening, press Ctrl-C to stop", "language", cfg.Language, "session", cfg.SessionID)

	for {
		select {
		case <-sig:
			logger.Info("stopping")
			return shutdown(detector)
		case err := <-results:
			if !cfg.Continuous {
				return errors.Join(err, shutdown(detector))
			}
			if err := detector.StartIntentDetection(initializer); err != nil {
				return errors.Join(err, shutdown(detector))
			}
		}
	}
}

// shutdown waits for the capture loop to exit and closes the detector.
func shutdown(d *engine.Detector) error {
	stopped := make(chan struct{})
	d.RequestStop(func() { close(stopped) })

	select {
	case <-stopped:
	case <-time.After(stopTimeout):
		logger.Warn("audio capture did not stop in time")
	}
	return d.Close()
}

func newSource(cfg *config.Config) audio.Source {
	if cfg.InputFile != "" {
		logger.Info("reading utterance from file", "path", cfg.InputFile)
		return audio.NewMP3Source(cfg.InputFile, cfg.SampleRate, true)
	}
	return device.NewMic(cfg.SampleRate, logger)
}

// newObserver logs detection events and reports the end of every attempt
// on results. A non-nil announcer speaks detected intents, tracked by wg.
func newObserver(results chan<- error, announcer *tts.Announcer, wg *sync.WaitGroup) engine.Observer {
	report := func(err error) {
		select {
		case results <- err:
		default:
			logger.Warn("previous attempt result not consumed", "err", err)
		}
	}

	return &engine.ObserverFuncs{
		Start: func(*engine.Detector, stt.Controller) {
			logger.Debug("recognition started")
		},
		Response: func(_ *engine.Detector, r *stt.Response) {
			if r != nil && r.Transcript != "" {
				logger.Debug("transcript", "text", r.Transcript, "final", r.Final)
			}
		},
		Intent: func(_ *engine.Detector, r *stt.Response) {
			res := intent.Parse(r)
			logger.Info("intent detected",
				"intent", res.Name(),
				"confidence", res.Confidence(),
				"transcript", res.Transcript(),
			)
			if announcer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := announcer.Announce(context.Background(), res.Name()); err != nil {
						logger.Error("failed to announce intent", "err", err)
					}
				}()
			}
		},
		EndOfUtterance: func(_ *engine.Detector, r *stt.Response) {
			logger.Info("end of utterance", "intent", intent.Parse(r).Name())
		},
		Error: func(_ *engine.Detector, err error) {
			logger.Error("intent detection failed", "err", err)
			report(err)
		},
		Complete: func(*engine.Detector) {
			logger.Debug("recognition completed")
			report(nil)
		},
	}
}
