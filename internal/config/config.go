package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Env  string
	Port int

	DBURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	OTLPEndpoint string

	// Agent endpoints. The paid URL is only tried after a 429 on submit.
	AgentURLFree        string `validate:"required,url"`
	AgentURLPaid        string `validate:"omitempty,url"`
	AgentTimeoutSeconds int

	EmailProviderURL string `validate:"omitempty,url"`
	EmailProviderKey string

	WebhookRequestTimeoutSeconds int
	WebhookMaxAttempts           int
	WebhookRetryBaseMinutes      int

	SpamDailyLimit  int
	SpamHourlyLimit int

	EmailCodeTTLMinutes  int
	EmailCodeMaxAttempts int
	EmailCodeHourlyLimit int

	StaleExecutionMinutes       int
	StaleReapIntervalMinutes    int
	WebhookSweepIntervalMinutes int

	// Capacity reported by /stats, not enforced by the core.
	MaxUsers int

	// Dev convenience: when both are set, a monitoring task is created at
	// startup if that user has none with the same query.
	SeedUserID    string `validate:"omitempty,uuid"`
	SeedTaskQuery string
}

func Load() Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	env := getEnv("APP_ENV", "dev")
	port := getEnvInt("PORT", 8080)

	return Config{
		Env:  env,
		Port: port,

		DBURL: buildDBURL(),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		OTLPEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4317"),

		AgentURLFree:        getEnv("AGENT_URL_FREE", "http://127.0.0.1:9000"),
		AgentURLPaid:        getEnv("AGENT_URL_PAID", ""),
		AgentTimeoutSeconds: getEnvInt("AGENT_TIMEOUT_SECONDS", 300),

		EmailProviderURL: getEnv("EMAIL_PROVIDER_URL", ""),
		EmailProviderKey: getEnv("EMAIL_PROVIDER_KEY", ""),

		WebhookRequestTimeoutSeconds: getEnvInt("WEBHOOK_REQUEST_TIMEOUT_SECONDS", 10),
		WebhookMaxAttempts:           getEnvInt("WEBHOOK_MAX_ATTEMPTS", 5),
		WebhookRetryBaseMinutes:      getEnvInt("WEBHOOK_RETRY_BASE_MINUTES", 1),

		SpamDailyLimit:  getEnvInt("SPAM_DAILY_LIMIT", 100),
		SpamHourlyLimit: getEnvInt("SPAM_HOURLY_LIMIT", 10),

		EmailCodeTTLMinutes:  getEnvInt("EMAIL_CODE_TTL_MINUTES", 15),
		EmailCodeMaxAttempts: getEnvInt("EMAIL_CODE_MAX_ATTEMPTS", 5),
		EmailCodeHourlyLimit: getEnvInt("EMAIL_CODE_HOURLY_LIMIT", 3),

		StaleExecutionMinutes:       getEnvInt("STALE_EXECUTION_MINUTES", 30),
		StaleReapIntervalMinutes:    getEnvInt("STALE_REAP_INTERVAL_MINUTES", 15),
		WebhookSweepIntervalMinutes: getEnvInt("WEBHOOK_SWEEP_INTERVAL_MINUTES", 5),

		MaxUsers: getEnvInt("MAX_USERS", 500),

		SeedUserID:    getEnv("SEED_USER_ID", ""),
		SeedTaskQuery: getEnv("SEED_TASK_QUERY", ""),
	}
}

// Validate rejects configs that would otherwise only fail at first use.

func (c Config) Validate() error {
	v := validator.New()
	return v.Struct(c)
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

func (c Config) WebhookRequestTimeout() time.Duration {
	return time.Duration(c.WebhookRequestTimeoutSeconds) * time.Second
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "torale")
	pass := getEnv("DB_PASSWORD", "torale")
	name := getEnv("DB_NAME", "torale")
	ssl := getEnv("DB_SSLMODE", "disable")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name + "?sslmode=" + ssl
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			fmt.Println(err)
			return fallback
		}

		return num
	}
	return fallback
}
