package config

import (
	"fmt"
	"strings"
	"time"

	"chatcall-backend/pkg/constants"
	"chatcall-backend/pkg/env"
)

const minSecretLength = 32

// Config holds all configuration for the call service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	JWT       JWTConfig
	Call      CallConfig
	WebSocket WebSocketConfig
	Tracing   TracingConfig
	CORS      CORSConfig
	Log       LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port            int
	Environment     string // development, staging, production
	ServiceName     string
	RequestTimeout  time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
	// ConnectRetries bounds startup attempts before limited mode
	ConnectRetries int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host                string
	Port                int
	Password            string
	DB                  int
	PoolSize            int
	Timeout             time.Duration
	HealthCheckInterval time.Duration
}

// KafkaConfig holds the call event stream settings. No brokers disables it.
type KafkaConfig struct {
	Brokers   []string
	CallTopic string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret            string
	Audience          string
	AccessTokenExpiry time.Duration
	SignalingTokenTTL time.Duration
}

// CallConfig holds call policy
type CallConfig struct {
	RingTimeout        time.Duration
	SweepInterval      time.Duration
	InitiateRateLimit  int
	InitiateRateWindow time.Duration
}

// WebSocketConfig holds signaling socket limits
type WebSocketConfig struct {
	MaxSignalingConnections int
}

// TracingConfig holds OpenTelemetry settings. No endpoint disables export.
type TracingConfig struct {
	Endpoint    string
	SampleRatio float64
}

// CORSConfig holds browser origins allowed besides the local defaults
type CORSConfig struct {
	AllowedOrigins []string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            env.GetInt("PORT", 8083),
			Environment:     env.GetString("ENV", "development"),
			ServiceName:     env.GetString("SERVICE_NAME", "call-service"),
			RequestTimeout:  env.GetDuration("REQUEST_TIMEOUT", constants.DefaultTimeout),
			ShutdownTimeout: env.GetDuration("SHUTDOWN_TIMEOUT", constants.GracefulShutdownTimeout),
		},
		Database: DatabaseConfig{
			Host:           env.GetString("DB_HOST", "localhost"),
			Port:           env.GetInt("DB_PORT", 26257),
			User:           env.GetString("DB_USER", "root"),
			Password:       env.GetStringFromFile("DB_PASSWORD", ""),
			Database:       env.GetString("DB_NAME", "chatcall"),
			SSLMode:        env.GetString("DB_SSL_MODE", "disable"),
			MaxConns:       env.GetInt("DB_MAX_CONNS", 25),
			MinConns:       env.GetInt("DB_MIN_CONNS", 5),
			ConnectRetries: env.GetInt("DB_CONNECT_RETRIES", 5),
		},
		Redis: RedisConfig{
			Host:                env.GetString("REDIS_HOST", "localhost"),
			Port:                env.GetInt("REDIS_PORT", 6379),
			Password:            env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:                  env.GetInt("REDIS_DB", 0),
			PoolSize:            env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:             env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
			HealthCheckInterval: env.GetDuration("REDIS_HEALTH_CHECK_INTERVAL", 10*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers:   env.GetStringSlice("KAFKA_BROKERS", nil),
			CallTopic: env.GetString("KAFKA_CALL_TOPIC", "call-events"),
		},
		JWT: JWTConfig{
			Secret:            env.GetStringFromFile("JWT_SECRET", ""),
			Audience:          env.GetString("JWT_AUDIENCE", ""),
			AccessTokenExpiry: env.GetDuration("JWT_ACCESS_EXPIRY", constants.AccessTokenExpiry),
			SignalingTokenTTL: env.GetDuration("SIGNALING_TOKEN_TTL", constants.SignalingTokenExpiry),
		},
		Call: CallConfig{
			RingTimeout:        env.GetDuration("CALL_RING_TIMEOUT", constants.CallRingTimeout),
			SweepInterval:      env.GetDuration("CALL_SWEEP_INTERVAL", constants.CallSweepInterval),
			InitiateRateLimit:  env.GetInt("CALL_INITIATE_RATE_LIMIT", 10),
			InitiateRateWindow: time.Minute,
		},
		WebSocket: WebSocketConfig{
			MaxSignalingConnections: env.GetInt("WS_MAX_SIGNALING_CONNECTIONS", constants.MaxSignalingConnections),
		},
		Tracing: TracingConfig{
			Endpoint:    env.GetString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			SampleRatio: env.GetFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
		CORS: CORSConfig{
			AllowedOrigins: env.GetStringSlice("CORS_ALLOWED_ORIGINS", nil),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
	}

	// Validate critical configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < minSecretLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters", minSecretLength)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"REQUEST_TIMEOUT", c.Server.RequestTimeout},
		{"CALL_RING_TIMEOUT", c.Call.RingTimeout},
		{"CALL_SWEEP_INTERVAL", c.Call.SweepInterval},
		{"SIGNALING_TOKEN_TTL", c.JWT.SignalingTokenTTL},
		{"JWT_ACCESS_EXPIRY", c.JWT.AccessTokenExpiry},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}

	if c.Call.InitiateRateLimit <= 0 {
		return fmt.Errorf("CALL_INITIATE_RATE_LIMIT must be positive")
	}
	if c.WebSocket.MaxSignalingConnections <= 0 {
		return fmt.Errorf("WS_MAX_SIGNALING_CONNECTIONS must be positive")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if len(c.Kafka.Brokers) > 0 && strings.TrimSpace(c.Kafka.CallTopic) == "" {
		return fmt.Errorf("KAFKA_CALL_TOPIC is required when KAFKA_BROKERS is set")
	}

	return nil
}

// IsProduction reports whether the service runs in production
func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

// DatabaseURL returns the pgx connection string
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}
