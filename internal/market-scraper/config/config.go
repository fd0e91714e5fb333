package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Browser  BrowserConfig
	Scraper  ScraperConfig
}

type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int32
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type BrowserConfig struct {
	Headless bool
	Timeout  time.Duration
	Proxy    string
}

type ScraperConfig struct {
	// ScrapeInterval is how stale a listing must be before the scheduler
	// queues it again.
	ScrapeInterval   time.Duration
	ScheduleInterval time.Duration
	PollInterval     time.Duration
	BatchSize        int
	MaxAttempts      int
	MaxReviews       int
	CollectReviews   bool
	RateLimitMin     time.Duration
	RateLimitMax     time.Duration
	SessionsPath     string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("PORT", 8094),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Name:     getEnv("DB_NAME", "market_scraper"),
			MaxConns: int32(getEnvInt("DB_MAX_CONNS", 20)),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Browser: BrowserConfig{
			Headless: getEnvBool("BROWSER_HEADLESS", true),
			Timeout:  getEnvDuration("BROWSER_TIMEOUT", 30*time.Second),
			Proxy:    getEnv("BROWSER_PROXY", ""),
		},
		Scraper: ScraperConfig{
			ScrapeInterval:   getEnvDuration("SCRAPE_INTERVAL", 6*time.Hour),
			ScheduleInterval: getEnvDuration("SCHEDULE_INTERVAL", time.Minute),
			PollInterval:     getEnvDuration("WORKER_POLL_INTERVAL", 10*time.Second),
			BatchSize:        getEnvInt("WORKER_BATCH_SIZE", 5),
			MaxAttempts:      getEnvInt("SCRAPE_MAX_ATTEMPTS", 3),
			MaxReviews:       getEnvInt("SCRAPER_MAX_REVIEWS", 30),
			CollectReviews:   getEnvBool("SCRAPER_COLLECT_REVIEWS", true),
			RateLimitMin:     getEnvDuration("RATE_LIMIT_MIN", 5*time.Second),
			RateLimitMax:     getEnvDuration("RATE_LIMIT_MAX", 90*time.Second),
			SessionsPath:     getEnv("SESSIONS_PATH", "data/sessions.json"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Scraper.BatchSize < 1 {
		return fmt.Errorf("worker batch size must be at least 1")
	}

	if c.Scraper.MaxAttempts < 1 {
		return fmt.Errorf("at least 1 scrape attempt is required")
	}

	if c.Scraper.ScrapeInterval <= 0 {
		return fmt.Errorf("scrape interval must be positive")
	}

	if c.Scraper.RateLimitMin > c.Scraper.RateLimitMax {
		return fmt.Errorf("rate limit minimum cannot exceed maximum")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
