// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"5001"`

	// BrokerURL selects amqp:// or amqps:// transport. When empty, broker
	// dispatch is disabled and the dispatcher runs scans in-process.
	BrokerURL    string `env:"BROKER_URL"`
	BrokerCACert string `env:"BROKER_CA_CERT" envDefault:"/etc/rabbitmq/certs/ca.crt"`

	// DataPath is the root for the shared store and per-scan task-local stores.
	DataPath string `env:"DATA_PATH" envDefault:"/var/lib/scanfleet"`

	// APIURL is the control-plane base URL workers heartbeat against.
	APIURL     string `env:"API_URL" envDefault:"http://localhost:5001"`
	WorkerName string `env:"WORKER_NAME"`
	// WorkerCleanupTimeout is how long a worker may stay offline before
	// its registry row is deleted.
	WorkerCleanupTimeout time.Duration `env:"WORKER_CLEANUP_TIMEOUT" envDefault:"300s"`

	// SlowModules overrides the built-in slow-queue module set.
	SlowModules []string `env:"SLOW_MODULES" envSeparator:","`

	// Broker connection behaviour.
	BrokerConnectAttempts int           `env:"BROKER_CONNECT_ATTEMPTS" envDefault:"10"`
	BrokerConnectDelay    time.Duration `env:"BROKER_CONNECT_DELAY" envDefault:"5s"`
	BrokerSocketTimeout   time.Duration `env:"BROKER_SOCKET_TIMEOUT" envDefault:"10s"`

	// Supervisor behaviour.
	MonitorInterval      time.Duration `env:"MONITOR_INTERVAL" envDefault:"10s"`
	StaleConsumerTimeout time.Duration `env:"STALE_CONSUMER_TIMEOUT" envDefault:"10m"`
	WorkerSweepInterval  time.Duration `env:"WORKER_SWEEP_INTERVAL" envDefault:"2m"`
	WorkerStaleAfter     time.Duration `env:"WORKER_STALE_AFTER" envDefault:"60s"`

	// Correlation runner.
	CorrelationRulesDir string        `env:"CORRELATION_RULES_DIR" envDefault:"correlations"`
	CorrelationTimeout  time.Duration `env:"CORRELATION_TIMEOUT" envDefault:"15m"`

	// Worker runtime.
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	AbortBridgeInterval time.Duration `env:"ABORT_BRIDGE_INTERVAL" envDefault:"3s"`

	// HTTP server.
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// BrokerEnabled reports whether broker dispatch is configured.
func (c Config) BrokerEnabled() bool { return c.BrokerURL != "" }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }
