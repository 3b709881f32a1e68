package config

import (
	"bufio"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// NATS Configuration
	NatsURL        string
	JobsStream     string
	JobsSubject    string
	ResultsStream  string
	ResultsSubject string
	StatusStream   string
	StatusSubject  string
	AnalyzerGroup  string
	RouterGroup    string
	MaxMsgs        int
	MaxAge         time.Duration
	AckWait        time.Duration
	MaxDeliver     int
	Concurrency    int

	// Producer Configuration
	MaxPayloadBytes int64
	PublishTimeout  time.Duration
	PublishRetries  int
	ConnectRetries  int
	RetryBackoff    time.Duration

	// Correlation Store Configuration
	RedisAddr      string
	RedisDB        int
	CorrelationTTL time.Duration

	// HTTP Configuration
	HTTPAddr     string
	WriteTimeout time.Duration

	// Retention Configuration
	ResultRetention time.Duration

	// Telemetry Configuration
	StatusInterval        time.Duration
	BackpressureThreshold int

	// Database Configuration
	DBPath string
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := loadDotEnv(envFile); err != nil {
			slog.Warn("Could not load env file", "file", envFile, "error", err)
		} else {
			slog.Info("Environment loaded", "file", envFile)
		}
	}

	return &Config{
		NatsURL:        getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		JobsStream:     getEnv("JOBS_STREAM", "IMAGE_UPLOADS"),
		JobsSubject:    getEnv("JOBS_SUBJECT", "images.uploads"),
		ResultsStream:  getEnv("RESULTS_STREAM", "ANALYSIS_RESULTS"),
		ResultsSubject: getEnv("RESULTS_SUBJECT", "images.results"),
		StatusStream:   getEnv("STATUS_STREAM", "SYSTEM_STATUS"),
		StatusSubject:  getEnv("STATUS_SUBJECT", "status.>"),
		AnalyzerGroup:  getEnv("ANALYZER_GROUP", "analyzers"),
		RouterGroup:    getEnv("ROUTER_GROUP", "routers"),
		MaxMsgs:        getEnvInt("QUEUE_MAX_MSGS", 2000),
		MaxAge:         getEnvDuration("QUEUE_MAX_AGE", "1h"),
		AckWait:        getEnvDuration("ACK_WAIT", "60s"),
		MaxDeliver:     getEnvInt("MAX_DELIVER", 5),
		Concurrency:    getEnvInt("WORKER_CONCURRENCY", 2),

		MaxPayloadBytes: getEnvInt64("MAX_PAYLOAD_BYTES", 10*1024*1024),
		PublishTimeout:  getEnvDuration("PUBLISH_TIMEOUT", "30s"),
		PublishRetries:  getEnvInt("PUBLISH_RETRIES", 3),
		ConnectRetries:  getEnvInt("CONNECT_RETRIES", 5),
		RetryBackoff:    getEnvDuration("RETRY_BACKOFF", "300ms"),

		RedisAddr:      getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisDB:        getEnvInt("REDIS_DB", 0),
		CorrelationTTL: getEnvDuration("CORRELATION_TTL", "3600s"),

		HTTPAddr:     getEnv("HTTP_ADDR", ":8080"),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", "10s"),

		ResultRetention: getEnvDuration("RESULT_RETENTION", "24h"),

		StatusInterval:        getEnvDuration("STATUS_INTERVAL", "10s"),
		BackpressureThreshold: getEnvInt("BACKPRESSURE_THRESHOLD", 100),

		DBPath: getEnv("DB_PATH", "data/jobs.sqlite"),
	}, nil
}

func loadDotEnv(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key, defaultVal string) time.Duration {
	val := getEnv(key, defaultVal)
	if d, err := time.ParseDuration(val); err == nil {
		return d
	}
	d, _ := time.ParseDuration(defaultVal)
	return d
}
