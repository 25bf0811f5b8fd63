// Package config loads transfer settings from defaults, an optional dotenv
// file and the process environment.
//
// Every field has a default taken from the limits package, so an empty
// environment yields a working configuration:
//
//	cfg, err := config.Load(".env")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	settings := cfg.ToSettings()
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/Netflix/go-env"
	"github.com/ellomessenger/transfercore/checkpoint"
	"github.com/ellomessenger/transfercore/chunk"
	"github.com/ellomessenger/transfercore/file"
	"github.com/ellomessenger/transfercore/limits"
	"github.com/ellomessenger/transfercore/transport"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("chunkkb", func(fl validator.FieldLevel) bool {
		return limits.ValidateChunkSizeKB(int(fl.Field().Int())) == nil
	})
	return v
}

// Config is the runtime configuration of a transfer core.
type Config struct {
	LogLevel string `env:"TRANSFER_LOG_LEVEL" validate:"required,oneof=panic fatal error warn warning info debug trace"`

	// CheckpointDir holds the Badger checkpoint database. Empty keeps
	// checkpoints in memory.
	CheckpointDir string `env:"TRANSFER_CHECKPOINT_DIR"`
	// CheckpointSealKey is a hex encoded 32-byte key sealing cipher material
	// in checkpoints.
	CheckpointSealKey string `env:"TRANSFER_CHECKPOINT_SEAL_KEY" validate:"omitempty,hexadecimal,len=64"`
	PrivateRoot       string `env:"TRANSFER_PRIVATE_ROOT" validate:"omitempty,dir"`
	TempDir           string `env:"TRANSFER_TEMP_DIR"`

	UploadMaxParts        int           `env:"TRANSFER_UPLOAD_MAX_PARTS" validate:"min=1"`
	UploadMaxPartsPremium int           `env:"TRANSFER_UPLOAD_MAX_PARTS_PREMIUM" validate:"gtefield=UploadMaxParts"`
	PremiumSizeThreshold  int64         `env:"TRANSFER_PREMIUM_SIZE_THRESHOLD" validate:"min=1"`
	MinChunkKB            int           `env:"TRANSFER_MIN_CHUNK_KB" validate:"chunkkb"`
	MinChunkSlowKB        int           `env:"TRANSFER_MIN_CHUNK_SLOW_KB" validate:"chunkkb"`
	MaxUploadingKB        int           `env:"TRANSFER_MAX_UPLOADING_KB" validate:"gtefield=MinChunkKB"`
	MaxUploadingSlowKB    int           `env:"TRANSFER_MAX_UPLOADING_SLOW_KB" validate:"gtefield=MinChunkSlowKB"`
	InitialRequests       int           `env:"TRANSFER_INITIAL_REQUESTS" validate:"min=1"`
	InitialRequestsSlow   int           `env:"TRANSFER_INITIAL_REQUESTS_SLOW" validate:"min=1"`
	CheckpointEvery       int           `env:"TRANSFER_CHECKPOINT_EVERY" validate:"min=1"`
	BigFileThreshold      int64         `env:"TRANSFER_BIG_FILE_THRESHOLD" validate:"min=1"`
	BigFileExpiry         time.Duration `env:"TRANSFER_BIG_FILE_EXPIRY" validate:"gt=0"`
	SmallFileExpiry       time.Duration `env:"TRANSFER_SMALL_FILE_EXPIRY" validate:"gt=0"`

	DownloadChunkKB        int   `env:"TRANSFER_DOWNLOAD_CHUNK_KB" validate:"chunkkb,max=1024"`
	DownloadChunkBigKB     int   `env:"TRANSFER_DOWNLOAD_CHUNK_BIG_KB" validate:"chunkkb,max=1024,gtefield=DownloadChunkKB"`
	MaxDownloadRequests    int   `env:"TRANSFER_MAX_DOWNLOAD_REQUESTS" validate:"min=1"`
	MaxDownloadRequestsBig int   `env:"TRANSFER_MAX_DOWNLOAD_REQUESTS_BIG" validate:"min=1"`
	LargeLaneThreshold     int64 `env:"TRANSFER_LARGE_LANE_THRESHOLD" validate:"min=1"`

	LargeFileLaneWidth int `env:"TRANSFER_LANE_LARGE_FILES" validate:"min=1,max=32"`
	FileLaneWidth      int `env:"TRANSFER_LANE_FILES" validate:"min=1,max=32"`
	ImageLaneWidth     int `env:"TRANSFER_LANE_IMAGES" validate:"min=1,max=32"`
	AudioLaneWidth     int `env:"TRANSFER_LANE_AUDIO" validate:"min=1,max=32"`

	SlowLatency        time.Duration `env:"TRANSFER_SLOW_LATENCY" validate:"gt=0"`
	SlowThroughputKBps int           `env:"TRANSFER_SLOW_THROUGHPUT_KBPS" validate:"min=1"`
	NetworkMinSamples  int           `env:"TRANSFER_NETWORK_MIN_SAMPLES" validate:"min=1"`
	ForceSlowNetwork   bool          `env:"TRANSFER_FORCE_SLOW_NETWORK"`
}

// Default returns the protocol defaults.
func Default() Config {
	thresholds := transport.DefaultThresholds()
	expiry := checkpoint.DefaultPolicy()
	return Config{
		LogLevel:               "info",
		UploadMaxParts:         limits.UploadMaxParts,
		UploadMaxPartsPremium:  limits.UploadMaxPartsPremium,
		PremiumSizeThreshold:   limits.DefaultMaxFileSize,
		MinChunkKB:             limits.MinUploadChunkKB,
		MinChunkSlowKB:         limits.MinUploadChunkSlowKB,
		MaxUploadingKB:         limits.MaxUploadingKB,
		MaxUploadingSlowKB:     limits.MaxUploadingSlowKB,
		InitialRequests:        limits.InitialRequests,
		InitialRequestsSlow:    limits.InitialRequestsSlow,
		CheckpointEvery:        limits.CheckpointEvery,
		BigFileThreshold:       limits.BigFileThreshold,
		BigFileExpiry:          expiry.BigExpiry,
		SmallFileExpiry:        expiry.SmallExpiry,
		DownloadChunkKB:        limits.DownloadChunkSize / limits.KB,
		DownloadChunkBigKB:     limits.DownloadChunkSizeBig / limits.KB,
		MaxDownloadRequests:    limits.MaxDownloadRequests,
		MaxDownloadRequestsBig: limits.MaxDownloadRequestsBig,
		LargeLaneThreshold:     limits.LargeLaneThreshold,
		LargeFileLaneWidth:     2,
		FileLaneWidth:          3,
		ImageLaneWidth:         6,
		AudioLaneWidth:         3,
		SlowLatency:            thresholds.MaxLatency,
		SlowThroughputKBps:     int(thresholds.MinThroughput) / limits.KB,
		NetworkMinSamples:      int(thresholds.MinSamples),
	}
}

// Load returns the defaults overridden by dotenvPath, when it exists, and
// then by the process environment. Variables already set in the environment
// win over the dotenv file.
func Load(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if err := godotenv.Load(dotenvPath); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("load %s: %w", dotenvPath, err)
			}
			logrus.WithFields(logrus.Fields{
				"function": "Load",
				"path":     dotenvPath,
			}).Debug("No dotenv file, using environment only")
		}
	}

	cfg := Default()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function":       "Load",
		"log_level":      cfg.LogLevel,
		"checkpoint_dir": cfg.CheckpointDir,
		"sealed":         cfg.CheckpointSealKey != "",
	}).Info("Configuration loaded")
	return cfg, nil
}

// Validate checks field ranges and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Level returns the configured logrus level.
func (c Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// SealKey decodes CheckpointSealKey. It returns nil when no key is set.
func (c Config) SealKey() ([]byte, error) {
	if c.CheckpointSealKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.CheckpointSealKey)
	if err != nil {
		return nil, fmt.Errorf("%w: seal key: %v", ErrInvalidConfig, err)
	}
	return key, nil
}

// ToSettings converts the configuration into operation settings.
func (c Config) ToSettings() file.Settings {
	s := file.DefaultSettings()
	s.Sizing = chunk.Sizing{
		MinChunkKB:       c.MinChunkKB,
		MinChunkSlowKB:   c.MinChunkSlowKB,
		MaxUploadingKB:   c.MaxUploadingKB,
		MaxUploadingSlow: c.MaxUploadingSlowKB,
	}
	s.UploadMaxParts = c.UploadMaxParts
	s.UploadMaxPartsPremium = c.UploadMaxPartsPremium
	s.PremiumSizeThreshold = c.PremiumSizeThreshold
	s.InitialRequests = c.InitialRequests
	s.InitialRequestsSlow = c.InitialRequestsSlow
	s.CheckpointEvery = c.CheckpointEvery
	s.BigFileThreshold = c.BigFileThreshold
	s.Expiry = checkpoint.Policy{
		BigExpiry:   c.BigFileExpiry,
		SmallExpiry: c.SmallFileExpiry,
	}
	s.DownloadChunkSize = c.DownloadChunkKB * limits.KB
	s.DownloadChunkSizeBig = c.DownloadChunkBigKB * limits.KB
	s.MaxDownloadRequests = c.MaxDownloadRequests
	s.MaxDownloadRequestsBig = c.MaxDownloadRequestsBig
	s.LargeLaneThreshold = c.LargeLaneThreshold
	s.LargeFileLaneWidth = c.LargeFileLaneWidth
	s.FileLaneWidth = c.FileLaneWidth
	s.ImageLaneWidth = c.ImageLaneWidth
	s.AudioLaneWidth = c.AudioLaneWidth
	s.PrivateRoot = c.PrivateRoot
	s.TempDir = c.TempDir
	return s
}

// Thresholds returns the network monitor thresholds.
func (c Config) Thresholds() transport.Thresholds {
	return transport.Thresholds{
		MaxLatency:    c.SlowLatency,
		MinThroughput: float64(c.SlowThroughputKBps * limits.KB),
		MinSamples:    uint64(c.NetworkMinSamples),
	}
}
