package ragline

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/ragline/ragline/pkg/chat"
	"github.com/ragline/ragline/pkg/db"
	"github.com/ragline/ragline/pkg/llm"
	"github.com/ragline/ragline/pkg/logger"
	"github.com/ragline/ragline/pkg/mailer/resend"
)

// Config is the application configuration, populated from the
// environment. A .env file in the working directory is loaded first
// when present.
type Config struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	RedisURL       string        `env:"REDIS_URL,required"`
	ResultTTL      time.Duration `env:"RESULT_TTL" envDefault:"1h"`
	TaskSeedFile   string        `env:"TASK_SEED_FILE"`
	AlertRecipient string        `env:"ALERT_RECIPIENT"`

	DB        db.Config
	Sentry    logger.SentryConfig
	LLM       llm.Config
	Retriever chat.RetrieverConfig
	Resend    resend.Config
}

// LoadConfig reads the configuration from .env and the environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("ragline: parse config: %w", err)
	}
	return cfg, nil
}
