package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Mail holds the SMTP relay settings.
type Mail struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// SenderAddress is the envelope sender for all outgoing notices.
	SenderAddress string `yaml:"senderAddress"`
	SenderName    string `yaml:"senderName"`
	// InsecureSkipVerify disables TLS certificate verification for the
	// STARTTLS session. Only for internal relays with self-signed certs.
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`
	// TimeoutSeconds bounds session establishment and message transmission.
	TimeoutSeconds int `yaml:"timeoutSeconds"`
}

// Dispatch controls chunking and the per-recipient retry policy.
type Dispatch struct {
	// ChunkSize is the number of recipients per bulk transport call.
	// Non-positive means a single chunk for the whole batch. Chase notices
	// carry per-owner content, so the default is 1.
	ChunkSize int `yaml:"chunkSize"`
	// MaxRetries is the number of individual retry attempts per recipient
	// after the bulk attempt failed.
	MaxRetries int `yaml:"maxRetries"`
	// BackoffBaseMs is the initial delay between retries; the delay doubles
	// after each failed attempt.
	BackoffBaseMs int `yaml:"backoffBaseMs"`
	// RatePerSecond caps outbound transport calls. Zero disables the limiter.
	RatePerSecond float64 `yaml:"ratePerSecond"`
}

// Chase holds the escalation policy windows.
type Chase struct {
	// CooldownDays is the minimum age of the last successful primary notice
	// before an owner becomes eligible for chasing.
	CooldownDays int `yaml:"cooldownDays"`
	// DedupWindowHours is the minimum spacing between chase attempts for the
	// same ownership, regardless of outcome.
	DedupWindowHours int    `yaml:"dedupWindowHours"`
	Subject          string `yaml:"subject"`
	// Schedule is a cron spec evaluated in serve mode.
	Schedule string `yaml:"schedule"`
}

// Store holds the ledger database settings.
type Store struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busyTimeoutMs"`
}

type Server struct {
	MetricsAddress string `yaml:"metricsAddress"`
}

// Audit configures the optional Kafka audit sink. Events are always written
// to the structured log; Kafka is additional when brokers are set.
type Audit struct {
	Brokers             []string `yaml:"brokers"`
	Topic               string   `yaml:"topic"`
	ClientID            string   `yaml:"clientID"`
	WriteTimeoutSeconds int      `yaml:"writeTimeoutSeconds"`
}

// Ingest configures the raw-data pickup pipeline.
type Ingest struct {
	PickupPath string `yaml:"pickupPath"`
	BatchRows  int    `yaml:"batchRows"`
	LoadFor    string `yaml:"loadFor"`
}

type Config struct {
	// Env gates dispatch runs; chase notices go out only in "PROD".
	Env      string   `yaml:"env"`
	Mail     Mail     `yaml:"mail"`
	Dispatch Dispatch `yaml:"dispatch"`
	Chase    Chase    `yaml:"chase"`
	Store    Store    `yaml:"store"`
	Server   Server   `yaml:"server"`
	Audit    Audit    `yaml:"audit"`
	Ingest   Ingest   `yaml:"ingest"`
}

// Load loads the chaser configuration from a file path.
// If configPath is empty, defaults to "./config.yaml".
// The config file path can also be overridden via the CHASER_CONFIG_PATH
// environment variable.
func Load(configPath ...string) (Config, error) {
	var path string

	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if env := os.Getenv("CHASER_CONFIG_PATH"); env != "" {
		path = env
	} else {
		path = "./config.yaml"
	}

	var config Config

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("trying to open chaser config file %s: %w", path, err)
	}

	err = yaml.Unmarshal(content, &config)
	if err != nil {
		return config, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}
	config.Normalize()
	return config, nil
}

// Normalize fills in defaults for unset fields.
func (c *Config) Normalize() {
	if c.Env == "" {
		c.Env = "DEV"
	}
	if c.Mail.Port <= 0 {
		c.Mail.Port = 25
	}
	if c.Mail.SenderAddress == "" {
		c.Mail.SenderAddress = "noreply@di-dashboard.telekom.de"
	}
	if c.Mail.SenderName == "" {
		c.Mail.SenderName = "DI Dashboard"
	}
	if c.Mail.TimeoutSeconds <= 0 {
		c.Mail.TimeoutSeconds = 30
	}
	if c.Dispatch.ChunkSize == 0 {
		c.Dispatch.ChunkSize = 1
	}
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.BackoffBaseMs <= 0 {
		c.Dispatch.BackoffBaseMs = 2000
	}
	if c.Chase.CooldownDays <= 0 {
		c.Chase.CooldownDays = 7
	}
	if c.Chase.DedupWindowHours <= 0 {
		c.Chase.DedupWindowHours = 24
	}
	if c.Chase.Subject == "" {
		c.Chase.Subject = "Reminder: HR Data Remediation Required - Action Needed"
	}
	if c.Chase.Schedule == "" {
		c.Chase.Schedule = "0 7 * * *"
	}
	if c.Store.BusyTimeoutMs <= 0 {
		c.Store.BusyTimeoutMs = 5000
	}
	if c.Server.MetricsAddress == "" {
		c.Server.MetricsAddress = ":9090"
	}
	if c.Audit.Topic == "" {
		c.Audit.Topic = "chaser-audit"
	}
	if c.Audit.WriteTimeoutSeconds <= 0 {
		c.Audit.WriteTimeoutSeconds = 10
	}
	if c.Ingest.PickupPath == "" {
		c.Ingest.PickupPath = "./ovr_pickup"
	}
	if c.Ingest.BatchRows <= 0 {
		c.Ingest.BatchRows = 500000
	}
	if c.Ingest.LoadFor == "" {
		c.Ingest.LoadFor = "OVR"
	}
}

// Validate reports fatal configuration problems. A config that fails
// validation must abort process start.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Mail.Host) == "" {
		return fmt.Errorf("mail.host is required")
	}
	if c.Mail.Port <= 0 || c.Mail.Port > 65535 {
		return fmt.Errorf("mail.port %d is out of range", c.Mail.Port)
	}
	if strings.TrimSpace(c.Mail.SenderAddress) == "" {
		return fmt.Errorf("mail.senderAddress is required")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path is required")
	}
	return nil
}

// MailTimeout returns the transport session timeout.
func (c *Config) MailTimeout() time.Duration {
	return time.Duration(c.Mail.TimeoutSeconds) * time.Second
}

// Cooldown returns the primary-notice cooldown window.
func (c *Config) Cooldown() time.Duration {
	return time.Duration(c.Chase.CooldownDays) * 24 * time.Hour
}

// DedupWindow returns the chase dedup window.
func (c *Config) DedupWindow() time.Duration {
	return time.Duration(c.Chase.DedupWindowHours) * time.Hour
}

// BackoffBase returns the initial retry backoff delay.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.Dispatch.BackoffBaseMs) * time.Millisecond
}

// IsProduction reports whether chase dispatch is allowed to send mail.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "PROD")
}
