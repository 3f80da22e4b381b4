package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr string
	GRPCAddr string // "" disables the health server

	Env string // "dev" | "prod"

	// Storage
	StoreDriver string // "sqlite" | "memory"
	DBPath      string // e.g. "./data/vguard.db"

	// RedisURL enables the shared scan lock; empty uses an in-process lock.
	RedisURL string
	LockTTL  time.Duration
	LockWait time.Duration

	// Kafka notifications are in addition to the log notifier.
	KafkaBrokers []string
	KafkaTopic   string

	EmbedderURL     string
	EmbedderTimeout time.Duration

	// Gate
	AllowedGateIPs   []string
	Timezone         string // IANA name or "Local"
	StoreTimeout     time.Duration
	CheckoutCooldown time.Duration

	// QR credential policy
	QRExpiryGrace time.Duration
	QRCooldown    time.Duration
	QRMaxScans    int

	// Face matching
	MatchThreshold  float64
	StrongThreshold float64
	TwinMargin      float64
	EmbeddingDim    int

	// Expiring-visit notices
	ExpiryNoticeWindow time.Duration // negative disables
	ExpiryInterval     time.Duration

	LogLevel string // debug | info | warn | error
}

// Defaults returns the configuration used when nothing is overridden.
func Defaults() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":9090",
		Env:         "dev",
		StoreDriver: "sqlite",
		DBPath:      "./data/vguard.db",
		LockTTL:     10 * time.Second,
		LockWait:    2 * time.Second,
		KafkaTopic:  "vguard.notifications",

		EmbedderURL:     "http://127.0.0.1:5001/embed",
		EmbedderTimeout: 5 * time.Second,

		Timezone:         "Local",
		StoreTimeout:     3 * time.Second,
		CheckoutCooldown: 60 * time.Second,

		QRExpiryGrace: 36 * time.Hour,
		QRCooldown:    60 * time.Second,
		QRMaxScans:    2,

		MatchThreshold:  0.6,
		StrongThreshold: 0.45,
		TwinMargin:      0.08,
		EmbeddingDim:    128,

		ExpiryNoticeWindow: 30 * time.Minute,
		ExpiryInterval:     5 * time.Minute,

		LogLevel: "info",
	}
}

// file mirrors the YAML layout of vguard.yaml.
type file struct {
	Server struct {
		HTTPAddr string `yaml:"http_addr"`
		GRPCAddr string `yaml:"grpc_addr"`
		Env      string `yaml:"env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"server"`
	Store struct {
		Driver  string        `yaml:"driver"`
		Path    string        `yaml:"path"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"store"`
	Redis struct {
		URL      string        `yaml:"url"`
		LockTTL  time.Duration `yaml:"lock_ttl"`
		LockWait time.Duration `yaml:"lock_wait"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers []string `yaml:"brokers"`
		Topic   string   `yaml:"topic"`
	} `yaml:"kafka"`
	Embedder struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"embedder"`
	Gate struct {
		AllowedIPs       []string      `yaml:"allowed_ips"`
		Timezone         string        `yaml:"timezone"`
		CheckoutCooldown time.Duration `yaml:"checkout_cooldown"`
	} `yaml:"gate"`
	QR struct {
		ExpiryGrace time.Duration `yaml:"expiry_grace"`
		Cooldown    time.Duration `yaml:"cooldown"`
		MaxScans    int           `yaml:"max_scans"`
	} `yaml:"qr"`
	Match struct {
		Threshold       float64 `yaml:"threshold"`
		StrongThreshold float64 `yaml:"strong_threshold"`
		TwinMargin      float64 `yaml:"twin_margin"`
		Dimension       int     `yaml:"dimension"`
	} `yaml:"match"`
	Expiry struct {
		NoticeWindow time.Duration `yaml:"notice_window"`
		Interval     time.Duration `yaml:"interval"`
	} `yaml:"expiry"`
}

// Load resolves configuration as defaults, then the YAML file at path (if
// path is non-empty), then VGUARD_* environment variables. The result is
// validated.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		var f file
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
		cfg.applyFile(f)
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(f file) {
	setString(&c.HTTPAddr, f.Server.HTTPAddr)
	setString(&c.GRPCAddr, f.Server.GRPCAddr)
	setString(&c.Env, f.Server.Env)
	setString(&c.LogLevel, f.Server.LogLevel)

	setString(&c.StoreDriver, f.Store.Driver)
	setString(&c.DBPath, f.Store.Path)
	setDuration(&c.StoreTimeout, f.Store.Timeout)

	setString(&c.RedisURL, f.Redis.URL)
	setDuration(&c.LockTTL, f.Redis.LockTTL)
	setDuration(&c.LockWait, f.Redis.LockWait)

	if len(f.Kafka.Brokers) > 0 {
		c.KafkaBrokers = f.Kafka.Brokers
	}
	setString(&c.KafkaTopic, f.Kafka.Topic)

	setString(&c.EmbedderURL, f.Embedder.URL)
	setDuration(&c.EmbedderTimeout, f.Embedder.Timeout)

	if len(f.Gate.AllowedIPs) > 0 {
		c.AllowedGateIPs = f.Gate.AllowedIPs
	}
	setString(&c.Timezone, f.Gate.Timezone)
	setDuration(&c.CheckoutCooldown, f.Gate.CheckoutCooldown)

	setDuration(&c.QRExpiryGrace, f.QR.ExpiryGrace)
	setDuration(&c.QRCooldown, f.QR.Cooldown)
	if f.QR.MaxScans > 0 {
		c.QRMaxScans = f.QR.MaxScans
	}

	setFloat(&c.MatchThreshold, f.Match.Threshold)
	setFloat(&c.StrongThreshold, f.Match.StrongThreshold)
	setFloat(&c.TwinMargin, f.Match.TwinMargin)
	if f.Match.Dimension > 0 {
		c.EmbeddingDim = f.Match.Dimension
	}

	// A negative window is meaningful (disabled), so only zero is "unset".
	if f.Expiry.NoticeWindow != 0 {
		c.ExpiryNoticeWindow = f.Expiry.NoticeWindow
	}
	setDuration(&c.ExpiryInterval, f.Expiry.Interval)
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenvDefault("VGUARD_HTTP_ADDR", c.HTTPAddr)
	if v, ok := os.LookupEnv("VGUARD_GRPC_ADDR"); ok {
		c.GRPCAddr = strings.TrimSpace(v)
	}
	c.Env = strings.ToLower(getenvDefault("VGUARD_ENV", c.Env))
	c.LogLevel = strings.ToLower(getenvDefault("VGUARD_LOG_LEVEL", c.LogLevel))

	c.StoreDriver = strings.ToLower(getenvDefault("VGUARD_STORE", c.StoreDriver))
	c.DBPath = getenvDefault("VGUARD_DB_PATH", c.DBPath)
	c.StoreTimeout = getenvDuration("VGUARD_STORE_TIMEOUT", c.StoreTimeout)

	c.RedisURL = getenvDefault("VGUARD_REDIS_URL", c.RedisURL)
	c.LockTTL = getenvDuration("VGUARD_LOCK_TTL", c.LockTTL)
	c.LockWait = getenvDuration("VGUARD_LOCK_WAIT", c.LockWait)

	if brokers := splitCSV(os.Getenv("VGUARD_KAFKA_BROKERS")); len(brokers) > 0 {
		c.KafkaBrokers = brokers
	}
	c.KafkaTopic = getenvDefault("VGUARD_KAFKA_TOPIC", c.KafkaTopic)

	c.EmbedderURL = getenvDefault("VGUARD_EMBEDDER_URL", c.EmbedderURL)
	c.EmbedderTimeout = getenvDuration("VGUARD_EMBEDDER_TIMEOUT", c.EmbedderTimeout)

	if ips := splitCSV(os.Getenv("VGUARD_ALLOWED_GATE_IPS")); len(ips) > 0 {
		c.AllowedGateIPs = ips
	}
	c.Timezone = getenvDefault("VGUARD_TIMEZONE", c.Timezone)
	c.CheckoutCooldown = getenvDuration("VGUARD_CHECKOUT_COOLDOWN", c.CheckoutCooldown)

	c.QRExpiryGrace = getenvDuration("VGUARD_QR_EXPIRY_GRACE", c.QRExpiryGrace)
	c.QRCooldown = getenvDuration("VGUARD_QR_COOLDOWN", c.QRCooldown)
	c.QRMaxScans = getenvInt("VGUARD_QR_MAX_SCANS", c.QRMaxScans)

	c.MatchThreshold = getenvFloat("VGUARD_MATCH_THRESHOLD", c.MatchThreshold)
	c.StrongThreshold = getenvFloat("VGUARD_MATCH_STRONG_THRESHOLD", c.StrongThreshold)
	c.TwinMargin = getenvFloat("VGUARD_MATCH_TWIN_MARGIN", c.TwinMargin)
	c.EmbeddingDim = getenvInt("VGUARD_EMBEDDING_DIM", c.EmbeddingDim)

	c.ExpiryNoticeWindow = getenvDuration("VGUARD_EXPIRY_NOTICE_WINDOW", c.ExpiryNoticeWindow)
	c.ExpiryInterval = getenvDuration("VGUARD_EXPIRY_INTERVAL", c.ExpiryInterval)
}

// Validate rejects settings the gate cannot run with.
func (c Config) Validate() error {
	var errs []error

	if c.Env != "dev" && c.Env != "prod" {
		errs = append(errs, fmt.Errorf("env must be dev or prod, got %q", c.Env))
	}
	switch c.StoreDriver {
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("store driver must be sqlite or memory, got %q", c.StoreDriver))
	}
	if c.StoreDriver == "sqlite" && strings.TrimSpace(c.DBPath) == "" {
		errs = append(errs, errors.New("db path is required for the sqlite store"))
	}
	if c.MatchThreshold <= 0 {
		errs = append(errs, errors.New("match threshold must be positive"))
	}
	if c.StrongThreshold <= 0 || c.StrongThreshold > c.MatchThreshold {
		errs = append(errs, fmt.Errorf("strong threshold %.3f must be in (0, %.3f]", c.StrongThreshold, c.MatchThreshold))
	}
	if c.TwinMargin < 0 {
		errs = append(errs, errors.New("twin margin must not be negative"))
	}
	if c.EmbeddingDim <= 0 {
		errs = append(errs, errors.New("embedding dimension must be positive"))
	}
	if c.QRMaxScans < 1 {
		errs = append(errs, errors.New("qr max scans must be at least 1"))
	}
	if c.QRExpiryGrace <= 0 {
		errs = append(errs, errors.New("qr expiry grace must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func setString(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v > 0 {
		*dst = v
	}
}

func setFloat(dst *float64, v float64) {
	if v > 0 {
		*dst = v
	}
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func getenvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return def
	}
	return f
}

// getenvDuration accepts Go durations ("90s", "36h") or bare seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return def
}

func splitCSV(v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
