package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Poller    PollerConfig
	Journal   JournalConfig
	Engine    EngineConfig
	R2        R2Config
	SMTP      SMTPConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// SchedulerConfig is the static configuration handed to the scheduler at startup.
type SchedulerConfig struct {
	MaxConcurrent    int
	MaxRetries       int
	ExecutionTimeout time.Duration
	QueueSize        int
	DispatchInterval time.Duration
	RotationInterval time.Duration
}

// PollerConfig controls how submitted workflows are checked on the engine.
type PollerConfig struct {
	InitialInterval        time.Duration
	MaxInterval            time.Duration
	GrowthFactor           float64
	MaxConsecutiveFailures int
	RequestTimeout         time.Duration
}

type JournalConfig struct {
	Backend   string // "file" or "badger"
	Dir       string
	CacheSize int
}

type EngineConfig struct {
	BaseURL     string
	Timeout     int // seconds
	ClientID    string
	WorkflowDir string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

type RateLimitConfig struct {
	SubmitPerHour int
}

// DefaultSchedulerConfig mirrors the defaults applied by Load.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent:    3,
		MaxRetries:       3,
		ExecutionTimeout: 30 * time.Minute,
		QueueSize:        1024,
		DispatchInterval: 50 * time.Millisecond,
		RotationInterval: time.Hour,
	}
}

// DefaultPollerConfig mirrors the defaults applied by Load.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		InitialInterval:        10 * time.Second,
		MaxInterval:            30 * time.Second,
		GrowthFactor:           1.5,
		MaxConsecutiveFailures: 5,
		RequestTimeout:         10 * time.Second,
	}
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("SMTP_PASSWORD")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("scheduler.max_concurrent", "TASK_MAX_CONCURRENT")
	_ = viper.BindEnv("scheduler.max_retries", "TASK_MAX_RETRY")
	_ = viper.BindEnv("scheduler.execution_timeout", "TASK_TIMEOUT")
	_ = viper.BindEnv("scheduler.queue_size", "TASK_QUEUE_SIZE")
	_ = viper.BindEnv("scheduler.dispatch_interval", "TASK_DISPATCH_INTERVAL")
	_ = viper.BindEnv("scheduler.rotation_interval", "TASK_ROTATION_INTERVAL")
	_ = viper.BindEnv("poller.initial_interval", "POLL_INITIAL_INTERVAL")
	_ = viper.BindEnv("poller.max_interval", "POLL_MAX_INTERVAL")
	_ = viper.BindEnv("poller.growth_factor", "POLL_GROWTH_FACTOR")
	_ = viper.BindEnv("poller.max_consecutive_failures", "POLL_MAX_FAILURES")
	_ = viper.BindEnv("poller.request_timeout", "POLL_REQUEST_TIMEOUT")
	_ = viper.BindEnv("journal.backend", "JOURNAL_BACKEND")
	_ = viper.BindEnv("journal.dir", "JOURNAL_DIR")
	_ = viper.BindEnv("journal.cache_size", "JOURNAL_CACHE_SIZE")
	_ = viper.BindEnv("engine.base_url", "ENGINE_BASE_URL")
	_ = viper.BindEnv("engine.timeout", "ENGINE_TIMEOUT")
	_ = viper.BindEnv("engine.client_id", "ENGINE_CLIENT_ID")
	_ = viper.BindEnv("engine.workflow_dir", "ENGINE_WORKFLOW_DIR")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("smtp.host", "SMTP_HOST")
	_ = viper.BindEnv("smtp.port", "SMTP_PORT")
	_ = viper.BindEnv("smtp.username", "SMTP_USERNAME")
	_ = viper.BindEnv("smtp.password", "SMTP_PASSWORD")
	_ = viper.BindEnv("smtp.from", "SMTP_FROM")
	_ = viper.BindEnv("smtp.to", "SMTP_TO")
	_ = viper.BindEnv("ratelimit.submit_per_hour", "RATELIMIT_SUBMIT_PER_HOUR")

	// Defaults
	viper.SetDefault("server.port", "8000")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("ratelimit.submit_per_hour", 120)

	// Scheduler defaults
	sched := DefaultSchedulerConfig()
	viper.SetDefault("scheduler.max_concurrent", sched.MaxConcurrent)
	viper.SetDefault("scheduler.max_retries", sched.MaxRetries)
	viper.SetDefault("scheduler.execution_timeout", sched.ExecutionTimeout)
	viper.SetDefault("scheduler.queue_size", sched.QueueSize)
	viper.SetDefault("scheduler.dispatch_interval", sched.DispatchInterval)
	viper.SetDefault("scheduler.rotation_interval", sched.RotationInterval)

	// Poller defaults
	poll := DefaultPollerConfig()
	viper.SetDefault("poller.initial_interval", poll.InitialInterval)
	viper.SetDefault("poller.max_interval", poll.MaxInterval)
	viper.SetDefault("poller.growth_factor", poll.GrowthFactor)
	viper.SetDefault("poller.max_consecutive_failures", poll.MaxConsecutiveFailures)
	viper.SetDefault("poller.request_timeout", poll.RequestTimeout)

	// Journal defaults
	viper.SetDefault("journal.backend", "file")
	viper.SetDefault("journal.dir", "./data")
	viper.SetDefault("journal.cache_size", 1024)

	// Engine defaults
	viper.SetDefault("engine.base_url", "http://127.0.0.1:8188")
	viper.SetDefault("engine.timeout", 120)
	viper.SetDefault("engine.client_id", "genqueue")
	viper.SetDefault("engine.workflow_dir", "./workflows")

	// SMTP defaults
	viper.SetDefault("smtp.port", 587)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:     viper.GetString("server.port"),
			Env:      viper.GetString("server.env"),
			LogLevel: viper.GetString("server.log_level"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:    viper.GetInt("scheduler.max_concurrent"),
			MaxRetries:       viper.GetInt("scheduler.max_retries"),
			ExecutionTimeout: viper.GetDuration("scheduler.execution_timeout"),
			QueueSize:        viper.GetInt("scheduler.queue_size"),
			DispatchInterval: viper.GetDuration("scheduler.dispatch_interval"),
			RotationInterval: viper.GetDuration("scheduler.rotation_interval"),
		},
		Poller: PollerConfig{
			InitialInterval:        viper.GetDuration("poller.initial_interval"),
			MaxInterval:            viper.GetDuration("poller.max_interval"),
			GrowthFactor:           viper.GetFloat64("poller.growth_factor"),
			MaxConsecutiveFailures: viper.GetInt("poller.max_consecutive_failures"),
			RequestTimeout:         viper.GetDuration("poller.request_timeout"),
		},
		Journal: JournalConfig{
			Backend:   strings.ToLower(viper.GetString("journal.backend")),
			Dir:       viper.GetString("journal.dir"),
			CacheSize: viper.GetInt("journal.cache_size"),
		},
		Engine: EngineConfig{
			BaseURL:     viper.GetString("engine.base_url"),
			Timeout:     viper.GetInt("engine.timeout"),
			ClientID:    viper.GetString("engine.client_id"),
			WorkflowDir: viper.GetString("engine.workflow_dir"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		SMTP: SMTPConfig{
			Host:     viper.GetString("smtp.host"),
			Port:     viper.GetInt("smtp.port"),
			Username: viper.GetString("smtp.username"),
			Password: viper.GetString("smtp.password"),
			From:     viper.GetString("smtp.from"),
			To:       splitList(viper.GetString("smtp.to")),
		},
		RateLimit: RateLimitConfig{
			SubmitPerHour: viper.GetInt("ratelimit.submit_per_hour"),
		},
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
