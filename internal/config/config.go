package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Public base URL for tracking pixels, click redirects, and OAuth
	// callbacks (e.g. https://outreach.example.com).
	BaseURL string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// OAuth apps for mailbox linking
	GmailClientID       string
	GmailClientSecret   string
	OutlookClientID     string
	OutlookClientSecret string

	// Secret for signing OAuth link state and verifying email-provider
	// webhook signatures.
	WebhookSecret string

	// AWS (SES adapter)
	AWSRegion string

	// Credential refresh skew: tokens expiring within this window are
	// refreshed before use.
	CredentialSkew time.Duration

	// Dispatch tuning
	DispatchWorkers   int
	DispatchBatchSize int
	PollInterval      time.Duration
	MaxAttempts       int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	SendTimeout       time.Duration
	VisibilityTimeout time.Duration

	// Per-provider send ceilings (messages per second) and burst
	GmailSendRate    float64
	OutlookSendRate  float64
	WhatsAppSendRate float64
	SESSendRate      float64
	SendBurst        int
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",
		BaseURL:  "http://localhost:8080",

		// Local postgres defaults
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "outreach",
		DBPassword: "",
		DBName:     "outreach",
		DBSSLMode:  "disable",

		// Redis defaults
		RedisHost:     "localhost",
		RedisPort:     6379,
		RedisPassword: "",
		RedisDB:       0,

		AWSRegion: "us-east-1",

		CredentialSkew: 5 * time.Minute,

		DispatchWorkers:   8,
		DispatchBatchSize: 50,
		PollInterval:      2 * time.Second,
		MaxAttempts:       5,
		RetryBaseDelay:    30 * time.Second,
		RetryMaxDelay:     30 * time.Minute,
		SendTimeout:       30 * time.Second,
		VisibilityTimeout: 5 * time.Minute,

		// Documented provider ceilings; override per deployment.
		GmailSendRate:    2,
		OutlookSendRate:  2,
		WhatsAppSendRate: 20,
		SESSendRate:      14,
		SendBurst:        10,
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = p
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	if url := os.Getenv("BASE_URL"); url != "" {
		cfg.BaseURL = url
	}

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid DB_PORT: %w", err)
		}
		cfg.DBPort = p
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if port := os.Getenv("REDIS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		cfg.RedisPort = p
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		d, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
		}
		cfg.RedisDB = d
	}

	// OAuth apps
	cfg.GmailClientID = os.Getenv("GMAIL_CLIENT_ID")
	cfg.GmailClientSecret = os.Getenv("GMAIL_CLIENT_SECRET")
	cfg.OutlookClientID = os.Getenv("OUTLOOK_CLIENT_ID")
	cfg.OutlookClientSecret = os.Getenv("OUTLOOK_CLIENT_SECRET")

	if secret := os.Getenv("WEBHOOK_SECRET"); secret != "" {
		cfg.WebhookSecret = secret
	}

	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if skew := os.Getenv("CREDENTIAL_SKEW"); skew != "" {
		d, err := time.ParseDuration(skew)
		if err != nil {
			return nil, fmt.Errorf("invalid CREDENTIAL_SKEW: %w", err)
		}
		cfg.CredentialSkew = d
	}

	if workers := os.Getenv("DISPATCH_WORKERS"); workers != "" {
		n, err := strconv.Atoi(workers)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_WORKERS: %w", err)
		}
		cfg.DispatchWorkers = n
	}

	if batch := os.Getenv("DISPATCH_BATCH_SIZE"); batch != "" {
		n, err := strconv.Atoi(batch)
		if err != nil {
			return nil, fmt.Errorf("invalid DISPATCH_BATCH_SIZE: %w", err)
		}
		cfg.DispatchBatchSize = n
	}

	if interval := os.Getenv("POLL_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return nil, fmt.Errorf("invalid POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		n, err := strconv.Atoi(attempts)
		if err != nil {
			return nil, fmt.Errorf("invalid MAX_ATTEMPTS: %w", err)
		}
		cfg.MaxAttempts = n
	}

	if delay := os.Getenv("RETRY_BASE_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_BASE_DELAY: %w", err)
		}
		cfg.RetryBaseDelay = d
	}

	if delay := os.Getenv("RETRY_MAX_DELAY"); delay != "" {
		d, err := time.ParseDuration(delay)
		if err != nil {
			return nil, fmt.Errorf("invalid RETRY_MAX_DELAY: %w", err)
		}
		cfg.RetryMaxDelay = d
	}

	if timeout := os.Getenv("SEND_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_TIMEOUT: %w", err)
		}
		cfg.SendTimeout = d
	}

	if timeout := os.Getenv("VISIBILITY_TIMEOUT"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid VISIBILITY_TIMEOUT: %w", err)
		}
		cfg.VisibilityTimeout = d
	}

	if rate := os.Getenv("GMAIL_SEND_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid GMAIL_SEND_RATE: %w", err)
		}
		cfg.GmailSendRate = r
	}

	if rate := os.Getenv("OUTLOOK_SEND_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid OUTLOOK_SEND_RATE: %w", err)
		}
		cfg.OutlookSendRate = r
	}

	if rate := os.Getenv("WHATSAPP_SEND_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid WHATSAPP_SEND_RATE: %w", err)
		}
		cfg.WhatsAppSendRate = r
	}

	if rate := os.Getenv("SES_SEND_RATE"); rate != "" {
		r, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid SES_SEND_RATE: %w", err)
		}
		cfg.SESSendRate = r
	}

	if burst := os.Getenv("SEND_BURST"); burst != "" {
		n, err := strconv.Atoi(burst)
		if err != nil {
			return nil, fmt.Errorf("invalid SEND_BURST: %w", err)
		}
		cfg.SendBurst = n
	}

	return cfg, nil
}

// SendRate returns the configured ceiling for a provider kind, in
// messages per second.
func (c *Config) SendRate(provider string) float64 {
	switch provider {
	case "gmail":
		return c.GmailSendRate
	case "outlook":
		return c.OutlookSendRate
	case "whatsapp":
		return c.WhatsAppSendRate
	case "ses":
		return c.SESSendRate
	}
	return 1
}
