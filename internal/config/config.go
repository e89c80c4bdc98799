// Package config loads settings for the controller and worker binaries.
//
// Precedence, lowest first: built-in defaults, an optional YAML file, a .env file in the
// working directory, and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the application.
type Config struct {
	// Catalog database (tenants, dispatch queue, DLQ).
	DatabaseURL string
	// TenantDSNTemplate is a DSN with a {database} placeholder for per-tenant databases.
	TenantDSNTemplate string

	HTTPPort       int
	MetricsPort    int
	InternalSecret string
	LogLevel       string

	QueueBackend      string
	RabbitMQURL       string
	RabbitMQQueue     string
	VisibilityTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	S3Endpoint       string
	S3AccessKey      string
	S3SecretKey      string
	S3Bucket         string
	S3Region         string
	S3UseSSL         bool
	MaxDocumentBytes int64

	// WorkerID names this process in job leases and telemetry. Defaults to the host name.
	WorkerID                string
	WorkerConcurrency       int
	WorkerPollInterval      time.Duration
	WorkerMaxBackoff        time.Duration
	WorkerHeartbeatInterval time.Duration
	VisibilityExtension     time.Duration

	DefaultMaxAttempts    int
	StageTimeout          time.Duration
	RetryBaseDelay        time.Duration
	RetryMaxDelay         time.Duration
	JobLeaseDuration      time.Duration
	JobLeaseRenewInterval time.Duration

	// StageRuntime backs the command stage: exec, docker, kubernetes or none.
	StageRuntime       string
	RuntimeWorkDir     string
	KubeNamespace      string
	KubeServiceAccount string
	KubeCPULimit       string
	KubeMemoryLimit    string

	DefaultRateLimit      float64
	DefaultRateLimitBurst int

	OTELEndpoint string
}

// envNames maps config keys to environment variables where the two differ by more than case.
var envNames = map[string]string{
	"http_port":     "PORT",
	"otel_endpoint": "OTEL_EXPORTER_OTLP_ENDPOINT",
}

var defaults = map[string]any{
	"tenant_dsn_template":       "",
	"http_port":                 6161,
	"metrics_port":              6162,
	"internal_secret":           "",
	"log_level":                 "info",
	"queue_backend":             "postgres",
	"rabbitmq_url":              "",
	"rabbitmq_queue":            "docflow.dispatch",
	"visibility_timeout":        "5m",
	"redis_addr":                "",
	"redis_password":            "",
	"redis_db":                  0,
	"s3_endpoint":               "",
	"s3_access_key":             "",
	"s3_secret_key":             "",
	"s3_bucket":                 "docflow-documents",
	"s3_region":                 "",
	"s3_use_ssl":                false,
	"max_document_bytes":        64 << 20,
	"worker_id":                 "",
	"worker_concurrency":        1,
	"worker_poll_interval":      "1s",
	"worker_max_backoff":        "30s",
	"worker_heartbeat_interval": "2m",
	"visibility_extension":      "5m",
	"default_max_attempts":      3,
	"stage_timeout":             "15m",
	"retry_base_delay":          "5s",
	"retry_max_delay":           "5m",
	"job_lease_duration":        "10m",
	"job_lease_renew_interval":  "0s",
	"stage_runtime":             "exec",
	"runtime_workdir":           "",
	"kube_namespace":            "default",
	"kube_service_account":      "",
	"kube_cpu_limit":            "500m",
	"kube_memory_limit":         "256Mi",
	"default_rate_limit":        10.0,
	"default_rate_limit_burst":  20,
	"otel_endpoint":             "localhost:4317",
}

// EnvName returns the environment variable bound to a config key.
func EnvName(key string) string {
	if env, ok := envNames[key]; ok {
		return env
	}
	return strings.ToUpper(key)
}

// Load reads configuration. path names an optional YAML file; when empty, docflow.yaml in
// the working directory is used if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	keys := append([]string{"database_url"}, keysOf(defaults)...)
	for _, key := range keys {
		if err := v.BindEnv(key, EnvName(key)); err != nil {
			return nil, err
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName("docflow")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	r := reader{v: v}
	cfg := &Config{
		DatabaseURL:       v.GetString("database_url"),
		TenantDSNTemplate: v.GetString("tenant_dsn_template"),
		HTTPPort:          r.getInt("http_port"),
		MetricsPort:       r.getInt("metrics_port"),
		InternalSecret:    v.GetString("internal_secret"),
		LogLevel:          v.GetString("log_level"),

		QueueBackend:      strings.ToLower(v.GetString("queue_backend")),
		RabbitMQURL:       v.GetString("rabbitmq_url"),
		RabbitMQQueue:     v.GetString("rabbitmq_queue"),
		VisibilityTimeout: r.getDuration("visibility_timeout"),

		RedisAddr:     v.GetString("redis_addr"),
		RedisPassword: v.GetString("redis_password"),
		RedisDB:       r.getInt("redis_db"),

		S3Endpoint:       v.GetString("s3_endpoint"),
		S3AccessKey:      v.GetString("s3_access_key"),
		S3SecretKey:      v.GetString("s3_secret_key"),
		S3Bucket:         v.GetString("s3_bucket"),
		S3Region:         v.GetString("s3_region"),
		S3UseSSL:         r.getBool("s3_use_ssl"),
		MaxDocumentBytes: int64(r.getInt("max_document_bytes")),

		WorkerID:                v.GetString("worker_id"),
		WorkerConcurrency:       r.getInt("worker_concurrency"),
		WorkerPollInterval:      r.getDuration("worker_poll_interval"),
		WorkerMaxBackoff:        r.getDuration("worker_max_backoff"),
		WorkerHeartbeatInterval: r.getDuration("worker_heartbeat_interval"),
		VisibilityExtension:     r.getDuration("visibility_extension"),

		DefaultMaxAttempts:    r.getInt("default_max_attempts"),
		StageTimeout:          r.getDuration("stage_timeout"),
		RetryBaseDelay:        r.getDuration("retry_base_delay"),
		RetryMaxDelay:         r.getDuration("retry_max_delay"),
		JobLeaseDuration:      r.getDuration("job_lease_duration"),
		JobLeaseRenewInterval: r.getDuration("job_lease_renew_interval"),

		StageRuntime:       strings.ToLower(v.GetString("stage_runtime")),
		RuntimeWorkDir:     v.GetString("runtime_workdir"),
		KubeNamespace:      v.GetString("kube_namespace"),
		KubeServiceAccount: v.GetString("kube_service_account"),
		KubeCPULimit:       v.GetString("kube_cpu_limit"),
		KubeMemoryLimit:    v.GetString("kube_memory_limit"),

		DefaultRateLimit:      r.getFloat("default_rate_limit"),
		DefaultRateLimitBurst: r.getInt("default_rate_limit_burst"),

		OTELEndpoint: v.GetString("otel_endpoint"),
	}
	if r.err != nil {
		return nil, r.err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID, _ = os.Hostname()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return required("database_url")
	}
	if c.TenantDSNTemplate == "" {
		tmpl, err := DeriveTenantDSNTemplate(c.DatabaseURL)
		if err != nil {
			return invalid("database_url", err.Error())
		}
		c.TenantDSNTemplate = tmpl
	}
	if !strings.Contains(c.TenantDSNTemplate, "{database}") {
		return invalid("tenant_dsn_template", "must contain {database}")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return invalid("http_port", "must be between 1 and 65535")
	}
	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return invalid("metrics_port", "must be between 1 and 65535")
	}

	switch c.QueueBackend {
	case "postgres":
	case "rabbitmq":
		if c.RabbitMQURL == "" {
			return fmt.Errorf("rabbitmq_url is required when queue_backend is rabbitmq (env: %s)", EnvName("rabbitmq_url"))
		}
	default:
		return invalid("queue_backend", "must be postgres or rabbitmq")
	}

	switch c.StageRuntime {
	case "exec", "docker", "kubernetes", "none":
	default:
		return invalid("stage_runtime", "must be exec, docker, kubernetes or none")
	}

	if c.WorkerConcurrency < 1 {
		return invalid("worker_concurrency", "must be at least 1")
	}
	if c.DefaultMaxAttempts < 1 {
		return invalid("default_max_attempts", "must be at least 1")
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return invalid("retry_max_delay", "must not be less than retry_base_delay")
	}
	if c.StageTimeout < 0 {
		return invalid("stage_timeout", "must not be negative")
	}
	if c.DefaultRateLimit <= 0 {
		return invalid("default_rate_limit", "must be positive")
	}
	return nil
}

// DeriveTenantDSNTemplate replaces the database name of a postgres URL with {database}.
func DeriveTenantDSNTemplate(databaseURL string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("cannot derive a tenant DSN from a non-URL connection string; set tenant_dsn_template")
	}
	query := u.RawQuery
	u.Path, u.RawPath, u.RawQuery = "", "", ""
	tmpl := u.String() + "/{database}"
	if query != "" {
		tmpl += "?" + query
	}
	return tmpl, nil
}

func required(key string) error {
	return fmt.Errorf("%s is required (env: %s)", key, EnvName(key))
}

func invalid(key, why string) error {
	return fmt.Errorf("invalid %s (env: %s): %s", key, EnvName(key), why)
}

func keysOf(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// reader converts raw viper values and remembers the first parse error. Values from the
// environment arrive as strings, values from YAML as typed scalars.
type reader struct {
	v   *viper.Viper
	err error
}

func (r *reader) fail(key string, raw any, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("invalid %s (env: %s): %q: %v", key, EnvName(key), fmt.Sprint(raw), err)
	}
}

func (r *reader) getDuration(key string) time.Duration {
	switch raw := r.v.Get(key).(type) {
	case time.Duration:
		return raw
	case int:
		return time.Duration(raw) * time.Second
	case string:
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			r.fail(key, raw, err)
		}
		return d
	case nil:
		return 0
	default:
		r.fail(key, raw, errors.New("expected a duration such as 30s"))
		return 0
	}
}

func (r *reader) getInt(key string) int {
	switch raw := r.v.Get(key).(type) {
	case int:
		return raw
	case int64:
		return int(raw)
	case float64:
		return int(raw)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			r.fail(key, raw, err)
		}
		return n
	case nil:
		return 0
	default:
		r.fail(key, raw, errors.New("expected an integer"))
		return 0
	}
}

func (r *reader) getFloat(key string) float64 {
	switch raw := r.v.Get(key).(type) {
	case float64:
		return raw
	case int:
		return float64(raw)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			r.fail(key, raw, err)
		}
		return f
	case nil:
		return 0
	default:
		r.fail(key, raw, errors.New("expected a number"))
		return 0
	}
}

func (r *reader) getBool(key string) bool {
	switch raw := r.v.Get(key).(type) {
	case bool:
		return raw
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			r.fail(key, raw, err)
		}
		return b
	case nil:
		return false
	default:
		r.fail(key, raw, errors.New("expected true or false"))
		return false
	}
}
