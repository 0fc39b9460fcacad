package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV,notEmpty"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	MetricsAddr   string `env:"METRICS_ADDR" envDefault:":9090"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	MigrateOnStart bool `env:"MIGRATE_ON_START" envDefault:"false"`

	Worker Worker
	Mpesa  Mpesa
	Router Router
	Radius Radius
	Notify Notify
}

type Worker struct {
	Concurrency         int           `env:"WORKER_CONCURRENCY" envDefault:"1"`
	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	StuckJobTimeout     time.Duration `env:"STUCK_JOB_TIMEOUT" envDefault:"15m"`
	StuckSweepSchedule  string        `env:"STUCK_SWEEP_SCHEDULE" envDefault:"@every 5m"`
	ExpirySweepSchedule string        `env:"EXPIRY_SWEEP_SCHEDULE" envDefault:"@every 1m"`
	TrialSweepSchedule  string        `env:"TRIAL_SWEEP_SCHEDULE" envDefault:"@every 1h"`
	StaleTxAfter        time.Duration `env:"STALE_TRANSACTION_AFTER" envDefault:"30m"`
	// SandboxPayments enables the simulated confirmation path for tenants
	// without gateway credentials. Never set in production.
	SandboxPayments bool `env:"SANDBOX_PAYMENTS" envDefault:"false"`
}

type Mpesa struct {
	BaseURL string        `env:"MPESA_BASE_URL" envDefault:"https://sandbox.safaricom.co.ke"`
	Timeout time.Duration `env:"MPESA_TIMEOUT" envDefault:"30s"`
}

type Router struct {
	Timeout time.Duration `env:"ROUTER_TIMEOUT" envDefault:"15s"`
}

type Radius struct {
	Timeout time.Duration `env:"RADIUS_TIMEOUT" envDefault:"5s"`
	CoAPort int           `env:"RADIUS_COA_PORT" envDefault:"3799"`
}

type Notify struct {
	SmsGatewayURL string `env:"SMS_GATEWAY_URL"`
	SmsAPIKey     string `env:"SMS_API_KEY"`
	SmsSenderID   string `env:"SMS_SENDER_ID"`
	AMQPURL       string `env:"AMQP_URL"`
	Exchange      string `env:"NOTIFY_EXCHANGE" envDefault:"notifications"`
}

func Parse() (Config, error) {
	var c Config
	err := env.Parse(&c)
	return c, err
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
