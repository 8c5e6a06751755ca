// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	RedisConfig      RedisConfig      `mapstructure:"redis" validate:"required"`
	AssetStoreConfig AssetStoreConfig `mapstructure:"asset_store" validate:"required"`

	// Upstream credentials
	DeepgramApiKey string `mapstructure:"deepgram_api_key"`
	OpenAiApiKey   string `mapstructure:"openai_api_key"`
	ExportWebhook  string `mapstructure:"export_webhook"`

	// Control API of the external capture host
	CaptureHostURL string `mapstructure:"capture_host_url" validate:"required"`

	Recording RecordingConfig `mapstructure:"recording"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

type AssetStoreConfig struct {
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Region    string `mapstructure:"region" validate:"required"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// RecordingConfig carries every tunable of the recording lifecycle and the
// chunked transfer protocol.
type RecordingConfig struct {
	// ChunkSize bounds a single transfer message so it respects transport
	// limits.
	ChunkSize int `mapstructure:"chunk_size"`

	// MaxDuration forces a stop independent of user action.
	MaxDuration time.Duration `mapstructure:"max_duration"`

	// SettleDelay is paid after closing the capture host before a new one is
	// created; audio devices take measurable time to release.
	SettleDelay time.Duration `mapstructure:"settle_delay"`

	// HostInitDelay is the wait between host creation and the readiness race.
	HostInitDelay time.Duration `mapstructure:"host_init_delay"`

	// ReadyTimeout bounds the readiness race (ready broadcast vs ping).
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// HostAttempts is the supervised creation attempt budget.
	HostAttempts int `mapstructure:"host_attempts"`

	// UploadRetries bounds persist attempts; BackoffBase seeds the
	// base*2^attempt schedule between them.
	UploadRetries int           `mapstructure:"upload_retries"`
	BackoffBase   time.Duration `mapstructure:"backoff_base"`

	// TranscriptionDelay lets the storage write settle before the
	// transcription stage reads it back.
	TranscriptionDelay time.Duration `mapstructure:"transcription_delay"`

	// LargePayloadThreshold routes declared sizes above it through the
	// storage-backed staging path instead of memory.
	LargePayloadThreshold int64 `mapstructure:"large_payload_threshold"`

	// StopDrainCeiling caps the size-proportional wait for an in-flight
	// large payload before the host is torn down.
	StopDrainCeiling time.Duration `mapstructure:"stop_drain_ceiling"`

	// ReconnectDelay is the sender-side pause before re-dialing a dropped
	// channel that still has unacknowledged chunks.
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`

	// IdempotencyWindow is how many recent one-shot request ids are
	// remembered for duplicate rejection.
	IdempotencyWindow int `mapstructure:"idempotency_window"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "capture-orchestrator")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9098)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("DEEPGRAM_API_KEY", "")
	v.SetDefault("OPENAI_API_KEY", "")
	v.SetDefault("EXPORT_WEBHOOK", "")
	v.SetDefault("CAPTURE_HOST_URL", "http://127.0.0.1:9099")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DATABASE", 0)

	v.SetDefault("ASSET_STORE__BUCKET", "rapida-recordings")
	v.SetDefault("ASSET_STORE__REGION", "us-east-1")
	v.SetDefault("ASSET_STORE__ENDPOINT", "")
	v.SetDefault("ASSET_STORE__ACCESS_KEY", "")
	v.SetDefault("ASSET_STORE__SECRET_KEY", "")

	v.SetDefault("RECORDING__CHUNK_SIZE", 150*1024)
	v.SetDefault("RECORDING__MAX_DURATION", "4h")
	v.SetDefault("RECORDING__SETTLE_DELAY", "500ms")
	v.SetDefault("RECORDING__HOST_INIT_DELAY", "1500ms")
	v.SetDefault("RECORDING__READY_TIMEOUT", "5s")
	v.SetDefault("RECORDING__HOST_ATTEMPTS", 3)
	v.SetDefault("RECORDING__UPLOAD_RETRIES", 3)
	v.SetDefault("RECORDING__BACKOFF_BASE", "1s")
	v.SetDefault("RECORDING__TRANSCRIPTION_DELAY", "2s")
	v.SetDefault("RECORDING__LARGE_PAYLOAD_THRESHOLD", 64*1024*1024)
	v.SetDefault("RECORDING__STOP_DRAIN_CEILING", "30s")
	v.SetDefault("RECORDING__RECONNECT_DELAY", "1s")
	v.SetDefault("RECORDING__IDEMPOTENCY_WINDOW", 20)
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
