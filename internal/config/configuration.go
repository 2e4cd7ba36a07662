package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"reflect"
	"runtime"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	// Queue Configuration
	QueueURL                string `mapstructure:"SQS_QUEUE_URL" validate:"required,url"`
	DLQURL                  string `mapstructure:"SQS_DLQ_URL" validate:"omitempty,url"`
	WaitTimeSeconds         int    `mapstructure:"SQS_WAIT_TIME_SECONDS" validate:"min=0,max=20"`
	VisibilityTimeoutSecs   int    `mapstructure:"SQS_VISIBILITY_TIMEOUT_SECONDS" validate:"min=30,max=43200"`
	RequeueDelaySeconds     int    `mapstructure:"SQS_REQUEUE_DELAY_SECONDS" validate:"min=0,max=900"`
	StopOnIdle              bool   `mapstructure:"SQS_STOP_ON_IDLE"`
	NotReadyEscalationCount int    `mapstructure:"SQS_NOT_READY_ESCALATION_COUNT" validate:"min=1"`

	// Transcoding Configuration
	MaxConcurrentProcessing int    `mapstructure:"MAX_CONCURRENT_PROCESSING" validate:"min=1"`
	MaxConcurrentUploads    int    `mapstructure:"MAX_CONCURRENT_UPLOADS" validate:"omitempty,min=1"`
	FFmpegPreset            string `mapstructure:"FFMPEG_PRESET"`
	TempDir                 string `mapstructure:"TEMP_DIR"`
	CleanupTempFiles        bool   `mapstructure:"CLEANUP_TEMP_FILES"`

	// Database Configuration
	DBHost          string `mapstructure:"DB_HOST" validate:"required"`
	DBPort          int    `mapstructure:"DB_PORT" validate:"min=1,max=65535"`
	DBName          string `mapstructure:"DB_NAME" validate:"required"`
	DBUser          string `mapstructure:"DB_USER" validate:"required"`
	DBPassword      string `mapstructure:"DB_PASSWORD" validate:"required"`
	DBPoolMinSize   int    `mapstructure:"DB_POOL_MIN_SIZE" validate:"min=1"`
	DBPoolMaxSize   int    `mapstructure:"DB_POOL_MAX_SIZE" validate:"min=1"`
	DatabaseRetries int    `mapstructure:"DATABASE_RETRIES"`
	UpdateBatchSize int    `mapstructure:"DB_UPDATE_BATCH_SIZE" validate:"min=1"`

	// Storage Configuration
	SinglePutMaxBytes int64 `mapstructure:"S3_SINGLE_PUT_MAX_BYTES" validate:"min=1"`

	// Lifecycle Configuration
	ProactiveProtection  bool   `mapstructure:"ECS_PROACTIVE_PROTECTION"`
	ECSClusterName       string `mapstructure:"ECS_CLUSTER_NAME"`
	StrictBlockSigterm   bool   `mapstructure:"STRICT_BLOCK_SIGTERM"`
	CriticalDrainTimeout int    `mapstructure:"CRITICAL_SESSION_DRAIN_TIMEOUT" validate:"min=1"`
	SpotDrainTimeout     int    `mapstructure:"SPOT_DRAIN_TIMEOUT" validate:"min=1"`

	// Observability Configuration
	MetricNamespace string `mapstructure:"METRIC_NAMESPACE" validate:"required"`
	OpsListenAddr   string `mapstructure:"OPS_LISTEN_ADDR"`
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		tag := field.Tag.Get("mapstructure")

		if tag != "" {
			viper.BindEnv(tag)
		}

		// Handle nested structs
		if field.Type.Kind() == reflect.Struct && tag == "" {
			nestedTyp := fieldVal.Type()
			for j := 0; j < fieldVal.NumField(); j++ {
				nestedField := nestedTyp.Field(j)
				nestedTag := nestedField.Tag.Get("mapstructure")
				if nestedTag != "" {
					viper.BindEnv(nestedTag)
				}
			}
		}
	}
}

func LoadConfig(ctx context.Context) (*Config, error) {
	bindEnv(Config{})
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("SQS_WAIT_TIME_SECONDS", 20)
	viper.SetDefault("SQS_VISIBILITY_TIMEOUT_SECONDS", 14400)
	viper.SetDefault("SQS_REQUEUE_DELAY_SECONDS", 180)
	viper.SetDefault("SQS_NOT_READY_ESCALATION_COUNT", 3)
	viper.SetDefault("MAX_CONCURRENT_PROCESSING", defaultProcessingConcurrency(runtime.NumCPU()))
	viper.SetDefault("FFMPEG_PRESET", defaultPreset(RunningOnFargate()))
	viper.SetDefault("CLEANUP_TEMP_FILES", true)
	viper.SetDefault("DB_PORT", 5432)
	viper.SetDefault("DB_POOL_MIN_SIZE", 1)
	viper.SetDefault("DB_POOL_MAX_SIZE", 10)
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("DB_UPDATE_BATCH_SIZE", 20)
	viper.SetDefault("S3_SINGLE_PUT_MAX_BYTES", 128*1024*1024)
	viper.SetDefault("ECS_PROACTIVE_PROTECTION", true)
	viper.SetDefault("STRICT_BLOCK_SIGTERM", false)
	viper.SetDefault("CRITICAL_SESSION_DRAIN_TIMEOUT", 30)
	viper.SetDefault("SPOT_DRAIN_TIMEOUT", 95)
	viper.SetDefault("METRIC_NAMESPACE", "Clipsmith")

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Upload concurrency tracks processing concurrency unless pinned.
	if cfg.MaxConcurrentUploads == 0 {
		cfg.MaxConcurrentUploads = defaultUploadConcurrency(cfg.MaxConcurrentProcessing)
	}

	slog.Info("Loaded configuration",
		"queue_url", cfg.QueueURL,
		"visibility_timeout_sec", cfg.VisibilityTimeoutSecs,
		"max_concurrent_processing", cfg.MaxConcurrentProcessing,
		"max_concurrent_uploads", cfg.MaxConcurrentUploads,
		"ffmpeg_preset", cfg.FFmpegPreset,
		"db_host", cfg.DBHost,
		"db_name", cfg.DBName,
		"proactive_protection", cfg.ProactiveProtection,
	)

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// DatabaseDSN assembles a postgres connection string from the discrete
// DB_* settings. Credentials are URL-escaped so passwords with reserved
// characters survive the round trip through pgx's URL parser.
func (c *Config) DatabaseDSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:   c.DBName,
	}
	return u.String()
}

// RunningOnFargate reports whether the process appears to be inside an ECS
// Fargate task, going by the environment Fargate injects.
func RunningOnFargate() bool {
	if strings.Contains(os.Getenv("AWS_EXECUTION_ENV"), "FARGATE") {
		return true
	}
	return os.Getenv("ECS_CONTAINER_METADATA_URI_V4") != ""
}

// defaultProcessingConcurrency leaves half the cores for ffmpeg's own
// threading, with a floor of two so small tasks still overlap download
// and encode work.
func defaultProcessingConcurrency(numCPU int) int {
	n := (numCPU + 1) / 2
	if n < 2 {
		n = 2
	}
	return n
}

// defaultUploadConcurrency allows two uploads per concurrent encode,
// clamped to [2, 16]. Uploads are network-bound and much lighter than
// encodes, but unbounded fan-out starves the encoder of sockets.
func defaultUploadConcurrency(processing int) int {
	n := processing * 2
	if n < 2 {
		n = 2
	}
	if n > 16 {
		n = 16
	}
	return n
}

// defaultPreset picks the encoder preset for the runtime. Fargate vCPUs
// are slower than metal, so trade bitrate efficiency for wall-clock time
// there.
func defaultPreset(onFargate bool) string {
	if onFargate {
		return "veryfast"
	}
	return "medium"
}
