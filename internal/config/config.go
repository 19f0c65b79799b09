package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Port     int    `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
	Env      string `env:"ENV,default=development"`

	// Timezone is the zone offer dates and reminder days are evaluated in.
	Timezone string `env:"TIMEZONE,default=Europe/Berlin"`

	// Store selects the registration store: postgres or sqlite.
	Store      string `env:"STORE,default=postgres"`
	SQLitePath string `env:"SQLITE_PATH,default=preorder.db"`

	DB        DBConfig        `env:",prefix=DB_"`
	Redis     RedisConfig     `env:",prefix=REDIS_"`
	AWS       AWSConfig       `env:",prefix=AWS_"`
	Reminder  ReminderConfig  `env:",prefix=REMINDER_"`
	Export    ExportConfig    `env:",prefix=EXPORT_"`
	RateLimit RateLimitConfig `env:",prefix=RATE_LIMIT_"`
}

type DBConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     int    `env:"PORT,default=5432"`
	User     string `env:"USER,default=preorder"`
	Password string `env:"PASSWORD"`
	Name     string `env:"NAME,default=preorder"`
	SSLMode  string `env:"SSLMODE,default=disable"`
	MaxConns int32  `env:"MAX_CONNS,default=25"`
	MinConns int32  `env:"MIN_CONNS,default=5"`
}

type RedisConfig struct {
	Host     string `env:"HOST,default=localhost"`
	Port     int    `env:"PORT,default=6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB,default=0"`
}

// AWSConfig holds the notification collaborators. Empty values disable the
// corresponding integration.
type AWSConfig struct {
	Region           string `env:"REGION,default=eu-central-1"`
	SESFromEmail     string `env:"SES_FROM_EMAIL"`
	SQSRetryQueueURL string `env:"SQS_RETRY_QUEUE_URL"`
	SNSTopicARN      string `env:"SNS_TOPIC_ARN"`

	// Endpoint overrides the AWS endpoint, e.g. for LocalStack.
	Endpoint string `env:"ENDPOINT"`
}

type ReminderConfig struct {
	// Interval of the in-process reminder loop; zero leaves scheduling to cmd/reminders.
	Interval time.Duration `env:"INTERVAL,default=0s"`
}

type ExportConfig struct {
	Bucket string `env:"BUCKET"`
}

type RateLimitConfig struct {
	Requests int           `env:"REQUESTS,default=30"`
	Window   time.Duration `env:"WINDOW,default=1m"`
}

// Load reads configuration from environment variables with sensible defaults
func Load(ctx context.Context) (*Config, error) {
	return LoadWith(ctx, envconfig.OsLookuper())
}

// LoadWith reads configuration through the given lookuper.
func LoadWith(ctx context.Context, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: l,
	}); err != nil {
		return nil, fmt.Errorf("process environment config: %w", err)
	}

	if cfg.Store != StorePostgres && cfg.Store != StoreSQLite {
		return nil, fmt.Errorf("invalid STORE %q: want %s or %s", cfg.Store, StorePostgres, StoreSQLite)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	return &cfg, nil
}

// Location returns the configured timezone. Load has already validated it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DSN returns the PostgreSQL connection string.
func (c DBConfig) DSN() string {
	if c.Password == "" {
		return fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Name, c.SSLMode)
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
