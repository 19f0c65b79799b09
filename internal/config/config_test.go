package config

import (
	"context"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{}))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected log level 'info', got %s", cfg.LogLevel)
	}
	if cfg.Env != "development" {
		t.Errorf("expected env 'development', got %s", cfg.Env)
	}
	if cfg.Store != StorePostgres {
		t.Errorf("expected store %q, got %q", StorePostgres, cfg.Store)
	}
	if cfg.Timezone != "Europe/Berlin" {
		t.Errorf("expected timezone Europe/Berlin, got %s", cfg.Timezone)
	}
	if cfg.DB.Port != 5432 {
		t.Errorf("expected db port 5432, got %d", cfg.DB.Port)
	}
	if cfg.Reminder.Interval != 0 {
		t.Errorf("expected reminder loop disabled, got %v", cfg.Reminder.Interval)
	}
	if cfg.RateLimit.Window != time.Minute {
		t.Errorf("expected rate limit window 1m, got %v", cfg.RateLimit.Window)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	cfg, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"PORT":                    "9000",
		"LOG_LEVEL":               "debug",
		"ENV":                     "production",
		"STORE":                   "sqlite",
		"SQLITE_PATH":             "/tmp/p.db",
		"DB_HOST":                 "db.internal",
		"REDIS_PORT":              "6380",
		"AWS_SES_FROM_EMAIL":      "shop@example.com",
		"AWS_SQS_RETRY_QUEUE_URL": "https://sqs.local/retry",
		"REMINDER_INTERVAL":       "1h",
		"EXPORT_BUCKET":           "exports",
	}))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Port)
	}
	if cfg.Env != "production" {
		t.Errorf("expected env 'production', got %s", cfg.Env)
	}
	if cfg.Store != StoreSQLite || cfg.SQLitePath != "/tmp/p.db" {
		t.Errorf("unexpected store settings: %s %s", cfg.Store, cfg.SQLitePath)
	}
	if cfg.DB.Host != "db.internal" {
		t.Errorf("expected db host db.internal, got %s", cfg.DB.Host)
	}
	if cfg.Redis.Addr() != "localhost:6380" {
		t.Errorf("expected redis addr localhost:6380, got %s", cfg.Redis.Addr())
	}
	if cfg.AWS.SESFromEmail != "shop@example.com" {
		t.Errorf("expected SES sender, got %s", cfg.AWS.SESFromEmail)
	}
	if cfg.Reminder.Interval != time.Hour {
		t.Errorf("expected reminder interval 1h, got %v", cfg.Reminder.Interval)
	}
	if cfg.Export.Bucket != "exports" {
		t.Errorf("expected bucket exports, got %s", cfg.Export.Bucket)
	}
}

func TestLoad_InvalidStore(t *testing.T) {
	_, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{"STORE": "mysql"}))
	if err == nil {
		t.Fatal("expected error for unknown store")
	}
}

func TestLoad_InvalidTimezone(t *testing.T) {
	_, err := LoadWith(context.Background(), envconfig.MapLookuper(map[string]string{"TIMEZONE": "Mars/Olympus"}))
	if err == nil {
		t.Fatal("expected error for unknown timezone")
	}
}

func TestDBConfig_DSN(t *testing.T) {
	c := DBConfig{Host: "h", Port: 5432, User: "u", Name: "n", SSLMode: "disable"}
	if got := c.DSN(); got != "host=h port=5432 user=u dbname=n sslmode=disable" {
		t.Errorf("unexpected dsn: %s", got)
	}
	c.Password = "secret"
	if got := c.DSN(); got != "host=h port=5432 user=u password=secret dbname=n sslmode=disable" {
		t.Errorf("unexpected dsn with password: %s", got)
	}
}
