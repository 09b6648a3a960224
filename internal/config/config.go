package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Store selects and configures the durable event store backend
type Store struct {
	Driver string // sqlite | postgres | memory
	Path   string // SQLite database file
	User   string
	Pass   string
	Host   string
	Port   string
	Name   string
}

type Engine struct {
	Workers          int             // Maximum concurrent uploads
	BackoffSchedule  []time.Duration // Retry backoff durations
	JitterPercent    float64         // Backoff jitter percentage (0.0-1.0)
	RequestTimeout   time.Duration   // Per-attempt HTTP timeout, 0 disables
	MaxResponseBytes int64           // Response body bytes kept for success events
}

type Dispatch struct {
	SubscriberBuffer int // Outbound messages buffered per subscription
}

type NSQ struct {
	Enabled     bool   // Relay outbound events to NSQ
	NsqdTCPAddr string // e.g. nsqd:4150
	EventsTopic string // NSQ topic for upload events
}

type Auth struct {
	PublicKeyPEM string // RSA public key
	JWKSURL      string // used when PublicKeyPEM is empty; auth is disabled when both are
	Issuer       string
	Audience     string
}

type FakeReceiver struct {
	FailFirstN      int           // Number of requests to fail initially
	ResponseDelayMS int           // Simulated response delay in milliseconds
	Port            string        // Server listen port
	ReadTimeout     time.Duration // HTTP read timeout
	WriteTimeout    time.Duration // HTTP write timeout
	IdleTimeout     time.Duration // HTTP idle timeout
}

type Config struct {
	AppName      string
	HTTPPort     string // :8080
	GRPCPort     string // :50051
	Store        Store
	Engine       Engine
	Dispatch     Dispatch
	NSQ          NSQ
	Auth         Auth
	FakeReceiver FakeReceiver
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func defaultBackoff() []time.Duration {
	return []time.Duration{1 * time.Second, 4 * time.Second, 16 * time.Second, 1 * time.Minute}
}

func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}

	if len(durations) == 0 {
		// Fallback to default if parsing failed
		return defaultBackoff()
	}

	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "harborupload"),
		HTTPPort: getenv("HTTP_PORT", ":8080"),
		GRPCPort: getenv("GRPC_PORT", ":50051"),
		Store: Store{
			Driver: getenv("STORE_DRIVER", "sqlite"),
			Path:   getenv("STORE_PATH", "data/events.db"),
			User:   getenv("DB_USER", "postgres"),
			Pass:   getenv("DB_PASS", "postgres"),
			Host:   getenv("DB_HOST", "postgres"),
			Port:   getenv("DB_PORT", "5432"),
			Name:   getenv("DB_NAME", "harborupload"),
		},
		Engine: Engine{
			Workers:          getenvInt("ENGINE_WORKERS", 4),
			BackoffSchedule:  parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			JitterPercent:    getenvFloat("BACKOFF_JITTER_PCT", 0.25),
			RequestTimeout:   getenvDuration("UPLOAD_REQUEST_TIMEOUT", 0),
			MaxResponseBytes: int64(getenvInt("MAX_RESPONSE_BYTES", 64<<10)),
		},
		Dispatch: Dispatch{
			SubscriberBuffer: getenvInt("SUBSCRIBER_BUFFER", 256),
		},
		NSQ: NSQ{
			Enabled:     getenvBool("NSQ_RELAY_ENABLED", false),
			NsqdTCPAddr: getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			EventsTopic: getenv("NSQ_EVENTS_TOPIC", "upload_events"),
		},
		Auth: Auth{
			PublicKeyPEM: getenv("JWT_PUBLIC_KEY", ""),
			JWKSURL:      getenv("JWKS_URL", ""),
			Issuer:       getenv("JWT_ISSUER", "harborupload"),
			Audience:     getenv("JWT_AUDIENCE", "harborupload-api"),
		},
		FakeReceiver: FakeReceiver{
			FailFirstN:      getenvInt("FAIL_FIRST_N", 0),
			ResponseDelayMS: getenvInt("RESPONSE_DELAY_MS", 0),
			Port:            getenv("FAKE_RECEIVER_PORT", ":8081"),
			ReadTimeout:     getenvDuration("FAKE_RECEIVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getenvDuration("FAKE_RECEIVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getenvDuration("FAKE_RECEIVER_IDLE_TIMEOUT", 60*time.Second),
		},
	}
}

// DSN returns the Postgres connection string for the postgres store driver
func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.Store.User, c.Store.Pass, c.Store.Host, c.Store.Port, c.Store.Name)
}
