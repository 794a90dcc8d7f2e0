// Package config loads and validates the application configuration from
// config.yaml and FIELDLOG_-prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds the configuration for all application components.
type Config struct {
	Log       LogConfig       `mapstructure:"log"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Database  DatabaseConfig  `mapstructure:"database"`
	S3        S3Config        `mapstructure:"s3"`
	Gemini    GeminiConfig    `mapstructure:"gemini"`
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Survey    SurveyConfig    `mapstructure:"survey"`
}

// LogConfig controls log level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"  validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// TelegramConfig holds the bot token and update-fetch parameters.
type TelegramConfig struct {
	Token       string        `mapstructure:"token"        validate:"required"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" validate:"min=1s,max=1m"`
	BatchLimit  int           `mapstructure:"batch_limit"  validate:"min=1,max=100"`
}

// DatabaseConfig holds the SQLite database path.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// S3Config holds the S3-compatible object storage settings used for
// relayed media files.
type S3Config struct {
	Bucket          string        `mapstructure:"bucket"            validate:"required"`
	Endpoint        string        `mapstructure:"endpoint"`
	Region          string        `mapstructure:"region"            validate:"required"`
	AccessKeyID     string        `mapstructure:"access_key_id"     validate:"required"`
	SecretAccessKey string        `mapstructure:"secret_access_key" validate:"required"`
	PresignTTL      time.Duration `mapstructure:"presign_ttl"       validate:"min=1m,max=168h"`
}

// GeminiConfig holds the Gemini API settings and the default prompts
// used for media description, transcription, and summarization.
type GeminiConfig struct {
	APIKey           string        `mapstructure:"api_key"           validate:"required"`
	Model            string        `mapstructure:"model"             validate:"required"`
	DescribePrompt   string        `mapstructure:"describe_prompt"`
	TranscribePrompt string        `mapstructure:"transcribe_prompt"`
	SummarizePrompt  string        `mapstructure:"summarize_prompt"`
	MaxRetries       int           `mapstructure:"max_retries"       validate:"min=0,max=10"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"       validate:"min=1s,max=5m"`
}

// ServerConfig holds the HTTP query API settings.
type ServerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
}

// SchedulerConfig controls how often the fetch loop and maintenance
// tasks run.
type SchedulerConfig struct {
	FetchInterval       time.Duration `mapstructure:"fetch_interval"       validate:"min=10s"`
	MaintenanceSchedule string        `mapstructure:"maintenance_schedule" validate:"required"`
}

// SurveyConfig defines the survey start command and the ordered,
// immutable question list driven by the conversation state machine.
type SurveyConfig struct {
	Command   string   `mapstructure:"command"   validate:"required,startswith=/"`
	Questions []string `mapstructure:"questions" validate:"min=1,dive,required"`
}

// Load reads configuration from the given path, applies defaults and
// FIELDLOG_ environment overrides, and validates the result.
// A missing config file is not an error; all values can come from
// defaults and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("FIELDLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("telegram.poll_timeout", 10*time.Second)
	v.SetDefault("telegram.batch_limit", 100)

	v.SetDefault("database.path", "fieldlog.db")

	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.presign_ttl", time.Hour)

	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.describe_prompt", "Describe this image. Be concise and objective.")
	v.SetDefault("gemini.transcribe_prompt", "Transcribe this audio. Only return the transcribed text.")
	v.SetDefault("gemini.summarize_prompt", "Summarize the following field notes, messages, descriptions, and transcriptions into a concise report. Group observations by theme or location if possible:")
	v.SetDefault("gemini.max_retries", 2)
	v.SetDefault("gemini.retry_delay", 5*time.Second)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen_addr", ":8080")

	v.SetDefault("scheduler.fetch_interval", 5*time.Minute)
	v.SetDefault("scheduler.maintenance_schedule", "0 4 * * *")

	v.SetDefault("survey.command", "/start_trip")
	v.SetDefault("survey.questions", []string{
		"Where are you right now?",
		"What are you observing?",
		"Any issues or blockers to report?",
		"What is the plan for the rest of the day?",
	})
}
