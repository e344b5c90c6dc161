package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port        string `env:"APP_PORT" envDefault:"8080"`
	Env         string `env:"APP_ENV" envDefault:"dev"`
	DatabaseDSN string `env:"DATABASE_DSN" envDefault:"host=localhost user=postgres password=postgres dbname=teamchat port=5432 sslmode=disable TimeZone=UTC"`

	JWTSecret       string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	AccessTokenTTL  time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`

	// BacklogLimit is the number of recent messages pushed to a client
	// right after a successful join.
	BacklogLimit int `env:"BACKLOG_LIMIT" envDefault:"50"`

	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`

	// When set, session credentials are assumed via STS and refreshed in
	// the background instead of using the static keys above.
	STSRoleARN         string        `env:"STS_ROLE_ARN"`
	STSSessionDuration time.Duration `env:"STS_SESSION_DURATION" envDefault:"1h"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
