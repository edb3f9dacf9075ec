package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the GAS pipeline processes.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Accounts  AccountsConfig
	Redis     RedisConfig
	Queues    QueueConfig
	Topics    TopicConfig
	Objects   ObjectConfig
	Vault     VaultConfig
	Archive   ArchiveConfig
	Annotator AnnotatorConfig
	Mail      MailConfig
	Notify    NotifyConfig
}

type ServerConfig struct {
	Port     int    `envconfig:"GAS_PORT" default:"8080"`
	Env      string `envconfig:"GAS_ENV" default:"development"`
	LogLevel string `envconfig:"GAS_LOG_LEVEL" default:"info"`

	SubmitRatePerMinute int `envconfig:"GAS_SUBMIT_RATE_PER_MINUTE" default:"30"`
}

type DatabaseConfig struct {
	URL             string        `envconfig:"DATABASE_URL"`
	MaxOpenConns    int           `envconfig:"DATABASE_MAX_OPEN_CONNS" default:"25"`
	MaxIdleConns    int           `envconfig:"DATABASE_MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"DATABASE_CONN_MAX_LIFETIME" default:"5m"`
}

// AccountsConfig points at the database holding user profiles. It is owned
// by the web tier and defaults to the jobs database when unset.
type AccountsConfig struct {
	URL string `envconfig:"ACCOUNTS_DATABASE_URL"`
}

type RedisConfig struct {
	URL string `envconfig:"REDIS_URL"`
}

type QueueConfig struct {
	Requests          string        `envconfig:"QUEUE_JOB_REQUESTS" default:"job_requests"`
	Notify            string        `envconfig:"QUEUE_JOB_RESULTS_NOTIFY" default:"job_results_notify"`
	Archive           string        `envconfig:"QUEUE_JOB_RESULTS_ARCHIVE" default:"job_results_archive"`
	Thaw              string        `envconfig:"QUEUE_THAW_REQUESTS" default:"thaw_requests"`
	Restore           string        `envconfig:"QUEUE_RESTORE_EVENTS" default:"restore_events"`
	MaxMessages       int           `envconfig:"QUEUE_MAX_MESSAGES" default:"10"`
	WaitTime          time.Duration `envconfig:"QUEUE_WAIT_TIME" default:"20s"`
	VisibilityTimeout time.Duration `envconfig:"QUEUE_VISIBILITY_TIMEOUT" default:"5m"`
}

type TopicConfig struct {
	Requests string `envconfig:"TOPIC_JOB_REQUESTS" default:"job_requests"`
	Results  string `envconfig:"TOPIC_JOB_RESULTS" default:"job_results"`
	Thaw     string `envconfig:"TOPIC_THAW_REQUESTS" default:"thaw_requests"`
}

type ObjectConfig struct {
	Endpoint      string        `envconfig:"S3_ENDPOINT"`
	AccessKey     string        `envconfig:"S3_ACCESS_KEY"`
	SecretKey     string        `envconfig:"S3_SECRET_KEY"`
	Region        string        `envconfig:"S3_REGION" default:"us-east-1"`
	UseSSL        bool          `envconfig:"S3_USE_SSL" default:"true"`
	InputsBucket  string        `envconfig:"S3_INPUTS_BUCKET" default:"gas-inputs"`
	ResultsBucket string        `envconfig:"S3_RESULTS_BUCKET" default:"gas-results"`
	KeyPrefix     string        `envconfig:"S3_KEY_PREFIX"`
	PresignTTL    time.Duration `envconfig:"S3_PRESIGN_TTL" default:"10m"`
}

type VaultConfig struct {
	Region        string `envconfig:"AWS_REGION" default:"us-east-1"`
	AccountID     string `envconfig:"GLACIER_ACCOUNT_ID" default:"-"`
	Name          string `envconfig:"GLACIER_VAULT"`
	CallbackTopic string `envconfig:"GLACIER_SNS_TOPIC"`
}

type ArchiveConfig struct {
	GraceWindow  time.Duration `envconfig:"ARCHIVE_GRACE_WINDOW" default:"3m"`
	PollInterval time.Duration `envconfig:"ARCHIVE_POLL_INTERVAL" default:"5s"`
	Lease        time.Duration `envconfig:"ARCHIVE_LEASE" default:"5m"`
}

type AnnotatorConfig struct {
	WorkDir     string `envconfig:"ANNOTATOR_WORK_DIR" default:"/var/lib/gas/jobs"`
	ToolCommand string `envconfig:"ANNOTATOR_TOOL" default:"anntools"`
	Executable  string `envconfig:"ANNOTATOR_EXECUTABLE"`
	WebBaseURL  string `envconfig:"GAS_WEB_BASE_URL" default:"https://localhost:4433"`
}

type MailConfig struct {
	Host     string `envconfig:"SMTP_HOST" default:"localhost"`
	Port     int    `envconfig:"SMTP_PORT" default:"25"`
	Username string `envconfig:"SMTP_USERNAME"`
	Password string `envconfig:"SMTP_PASSWORD"`
	Sender   string `envconfig:"MAIL_DEFAULT_SENDER" default:"noreply@gas.local"`
}

type NotifyConfig struct {
	UTCOffsetHours int `envconfig:"NOTIFY_UTC_OFFSET_HOURS" default:"-6"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if cfg.Accounts.URL == "" {
		cfg.Accounts.URL = cfg.Database.URL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Objects.Endpoint == "" {
		return fmt.Errorf("S3_ENDPOINT is required")
	}
	if strings.Contains(c.Objects.Endpoint, "://") {
		return fmt.Errorf("S3_ENDPOINT must be host[:port] without a scheme, got %q", c.Objects.Endpoint)
	}

	if c.Vault.Name == "" {
		return fmt.Errorf("GLACIER_VAULT is required")
	}

	if c.Archive.GraceWindow <= 0 {
		return fmt.Errorf("ARCHIVE_GRACE_WINDOW must be positive, got %s", c.Archive.GraceWindow)
	}
	if c.Archive.PollInterval <= 0 {
		return fmt.Errorf("ARCHIVE_POLL_INTERVAL must be positive, got %s", c.Archive.PollInterval)
	}
	if c.Archive.Lease <= 0 {
		return fmt.Errorf("ARCHIVE_LEASE must be positive, got %s", c.Archive.Lease)
	}

	if c.Queues.MaxMessages < 1 || c.Queues.MaxMessages > 10 {
		return fmt.Errorf("QUEUE_MAX_MESSAGES must be between 1 and 10, got %d", c.Queues.MaxMessages)
	}
	if c.Queues.VisibilityTimeout <= 0 {
		return fmt.Errorf("QUEUE_VISIBILITY_TIMEOUT must be positive, got %s", c.Queues.VisibilityTimeout)
	}

	if c.Notify.UTCOffsetHours < -12 || c.Notify.UTCOffsetHours > 14 {
		return fmt.Errorf("NOTIFY_UTC_OFFSET_HOURS must be between -12 and 14, got %d", c.Notify.UTCOffsetHours)
	}

	if c.Server.SubmitRatePerMinute < 1 {
		return fmt.Errorf("GAS_SUBMIT_RATE_PER_MINUTE must be positive, got %d", c.Server.SubmitRatePerMinute)
	}

	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("GAS_LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	return nil
}

// Location returns the fixed zone used to render completion times.
func (n NotifyConfig) Location() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", n.UTCOffsetHours), n.UTCOffsetHours*3600)
}
