package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	BackendREST      = "rest"
	BackendFirestore = "firestore"
)

type Config struct {
	APIBaseURL string
	SocketURL  string
	Backend    string

	FirebaseAPIKey     string
	FirebaseProject    string
	ServiceAccountPath string

	Environment string
	LogLevel    string

	ReconnectMaxAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	RequestTimeout        time.Duration
	RetryMaxElapsed       time.Duration
	PollInterval          time.Duration
	TypingQuietPeriod     time.Duration

	SnapshotPath string
	MetricsAddr  string
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("api_base_url", "http://localhost:8080")
	v.SetDefault("socket_url", "ws://localhost:8080/ws")
	v.SetDefault("backend", BackendREST)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("reconnect_max_attempts", 5)
	v.SetDefault("reconnect_initial_delay", time.Second)
	v.SetDefault("reconnect_max_delay", 5*time.Second)
	v.SetDefault("request_timeout", 15*time.Second)
	v.SetDefault("retry_max_elapsed", 10*time.Second)
	v.SetDefault("poll_interval", 30*time.Second)
	v.SetDefault("typing_quiet_period", 2*time.Second)
	v.SetDefault("snapshot_path", "")
	v.SetDefault("metrics_addr", "")

	cfg := &Config{
		APIBaseURL:            strings.TrimRight(v.GetString("api_base_url"), "/"),
		SocketURL:             v.GetString("socket_url"),
		Backend:               strings.ToLower(v.GetString("backend")),
		FirebaseAPIKey:        v.GetString("firebase_api_key"),
		FirebaseProject:       v.GetString("firebase_project_id"),
		ServiceAccountPath:    v.GetString("firebase_service_account_path"),
		Environment:           v.GetString("environment"),
		LogLevel:              v.GetString("log_level"),
		ReconnectMaxAttempts:  v.GetInt("reconnect_max_attempts"),
		ReconnectInitialDelay: v.GetDuration("reconnect_initial_delay"),
		ReconnectMaxDelay:     v.GetDuration("reconnect_max_delay"),
		RequestTimeout:        v.GetDuration("request_timeout"),
		RetryMaxElapsed:       v.GetDuration("retry_max_elapsed"),
		PollInterval:          v.GetDuration("poll_interval"),
		TypingQuietPeriod:     v.GetDuration("typing_quiet_period"),
		SnapshotPath:          v.GetString("snapshot_path"),
		MetricsAddr:           v.GetString("metrics_addr"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Backend {
	case BackendREST, BackendFirestore:
	default:
		return fmt.Errorf("config: unknown BACKEND %q", c.Backend)
	}
	if c.Backend == BackendFirestore && c.FirebaseProject == "" {
		return fmt.Errorf("config: FIREBASE_PROJECT_ID is required for the firestore backend")
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("config: RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return fmt.Errorf("config: RECONNECT_MAX_DELAY must be >= RECONNECT_INITIAL_DELAY")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be positive")
	}
	return nil
}
