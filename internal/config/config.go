package config

import (
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr            string `yaml:"addr" env:"ADDR"`
	AdminToken      string `yaml:"admin_token" env:"ADMIN_TOKEN"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_seconds"`
	GinMode         string `yaml:"gin_mode" env:"GIN_MODE"`
}

type Log struct {
	Level       string `yaml:"level" env:"LEVEL"`
	Encoding    string `yaml:"encoding" env:"ENCODING"` // json | console
	Development bool   `yaml:"development"`
}

type Webhook struct {
	Secret           string   `yaml:"secret" env:"SECRET"`
	IPWhitelist      []string `yaml:"ip_whitelist" env:"IP_WHITELIST" envSeparator:","`
	RateLimitPerMin  int      `yaml:"rate_limit_per_min"` // 0 disables
	DedupeWindowSecs int      `yaml:"dedupe_window_seconds"`
	TimeBucketSecs   int      `yaml:"time_bucket_seconds"`
	ResolveTimeoutMs int      `yaml:"resolve_timeout_ms"`
	DefaultLots      int64    `yaml:"default_lots"` // 0 makes lots or qty mandatory
}

type Idempotency struct {
	Backend       string `yaml:"backend" env:"BACKEND"` // memory | redis
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

type Instruments struct {
	MasterURL    string             `yaml:"master_url" env:"MASTER_URL"`
	CachePath    string             `yaml:"cache_path"`
	RefreshSpec  string             `yaml:"refresh_spec"`
	ExpiryPolicy string             `yaml:"expiry_policy"` // nearest | monthly
	StrikeSteps  map[string]float64 `yaml:"strike_steps"`
}

type Broker struct {
	BaseURL     string `yaml:"base_url" env:"BASE_URL"`
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	AccessToken string `yaml:"access_token" env:"ACCESS_TOKEN"`
	TimeoutMs   int    `yaml:"timeout_ms"`
	LTPPerSec   int    `yaml:"ltp_per_sec"`
	LTPCacheMs  int    `yaml:"ltp_cache_ms"`
	LTPStaleSec int    `yaml:"ltp_stale_seconds"`
}

// Enabled reports whether live credentials are configured.
func (b Broker) Enabled() bool { return b.ClientID != "" && b.AccessToken != "" }

type Dispatch struct {
	RatePerSec      int    `yaml:"rate_per_sec"`
	SubmitTimeoutMs int    `yaml:"submit_timeout_ms"`
	CancelTimeoutMs int    `yaml:"cancel_timeout_ms"`
	RecentResults   int    `yaml:"recent_results"`
	PollSpec        string `yaml:"poll_spec"`
}

type Paper struct {
	SettingsPath   string  `yaml:"settings_path"`
	DefaultEnabled bool    `yaml:"default_enabled"`
	Charge         float64 `yaml:"charge"`
	BuySlippage    float64 `yaml:"buy_slippage"`
	SellSlippage   float64 `yaml:"sell_slippage"`
	LatencyMsMin   int     `yaml:"latency_ms_min"`
	LatencyMsMax   int     `yaml:"latency_ms_max"`
	MarkSpec       string  `yaml:"mark_spec"`
}

type Ledger struct {
	Backend string `yaml:"backend" env:"BACKEND"` // file | postgres
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn" env:"DSN"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic   string   `yaml:"topic" env:"TOPIC"`
}

type Slack struct {
	WebhookURL string `yaml:"webhook_url" env:"WEBHOOK_URL"`
	Channel    string `yaml:"channel"`
}

type Feed struct {
	Capacity int   `yaml:"capacity"`
	TTLSecs  int   `yaml:"ttl_seconds"`
	Kafka    Kafka `yaml:"kafka" envPrefix:"KAFKA_"`
	Slack    Slack `yaml:"slack" envPrefix:"SLACK_"`
}

type Root struct {
	Server      Server      `yaml:"server" envPrefix:"SERVER_"`
	Log         Log         `yaml:"log" envPrefix:"LOG_"`
	Webhook     Webhook     `yaml:"webhook" envPrefix:"WEBHOOK_"`
	Idempotency Idempotency `yaml:"idempotency" envPrefix:"IDEMPOTENCY_"`
	Instruments Instruments `yaml:"instruments" envPrefix:"INSTRUMENTS_"`
	Broker      Broker      `yaml:"broker" envPrefix:"BROKER_"`
	Dispatch    Dispatch    `yaml:"dispatch"`
	Paper       Paper       `yaml:"paper"`
	Ledger      Ledger      `yaml:"ledger" envPrefix:"LEDGER_"`
	Feed        Feed        `yaml:"feed" envPrefix:"FEED_"`
}

// EnvPrefix namespaces every environment override, e.g.
// ALERT_BRIDGE_WEBHOOK_SECRET or ALERT_BRIDGE_BROKER_ACCESS_TOKEN.
const EnvPrefix = "ALERT_BRIDGE_"

// Load reads the YAML file at path (a missing file means defaults only), then
// applies .env and environment overrides, then fills defaults.
func Load(path string) (Root, error) {
	var c Root
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, errors.Wrapf(err, "parse %s", path)
			}
		case os.IsNotExist(err):
		default:
			return c, errors.Wrapf(err, "read %s", path)
		}
	}
	_ = godotenv.Load()
	if err := env.ParseWithOptions(&c, env.Options{Prefix: EnvPrefix}); err != nil {
		return c, errors.Wrap(err, "parse environment")
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8000"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Encoding == "" {
		c.Log.Encoding = "json"
	}
	if c.Webhook.DedupeWindowSecs == 0 {
		c.Webhook.DedupeWindowSecs = 90
	}
	if c.Webhook.TimeBucketSecs == 0 {
		c.Webhook.TimeBucketSecs = 60
	}
	if c.Webhook.ResolveTimeoutMs == 0 {
		c.Webhook.ResolveTimeoutMs = 10000
	}
	if c.Idempotency.Backend == "" {
		c.Idempotency.Backend = "memory"
	}
	if c.Idempotency.KeyPrefix == "" {
		c.Idempotency.KeyPrefix = "alert-bridge:"
	}
	if c.Instruments.MasterURL == "" {
		c.Instruments.MasterURL = "https://images.dhan.co/api-data/api-scrip-master.csv"
	}
	if c.Instruments.CachePath == "" {
		c.Instruments.CachePath = "data/scrip-master.csv"
	}
	if c.Instruments.RefreshSpec == "" {
		c.Instruments.RefreshSpec = "0 0 8 * * *"
	}
	if c.Instruments.ExpiryPolicy == "" {
		c.Instruments.ExpiryPolicy = "nearest"
	}
	if c.Broker.BaseURL == "" {
		c.Broker.BaseURL = "https://api.dhan.co/v2"
	}
	if c.Broker.TimeoutMs == 0 {
		c.Broker.TimeoutMs = 15000
	}
	if c.Broker.LTPPerSec == 0 {
		c.Broker.LTPPerSec = 1
	}
	if c.Broker.LTPCacheMs == 0 {
		c.Broker.LTPCacheMs = 1000
	}
	if c.Broker.LTPStaleSec == 0 {
		c.Broker.LTPStaleSec = 300
	}
	if c.Dispatch.RatePerSec == 0 {
		c.Dispatch.RatePerSec = 25
	}
	if c.Dispatch.SubmitTimeoutMs == 0 {
		c.Dispatch.SubmitTimeoutMs = 15000
	}
	if c.Dispatch.CancelTimeoutMs == 0 {
		c.Dispatch.CancelTimeoutMs = 10000
	}
	if c.Dispatch.RecentResults == 0 {
		c.Dispatch.RecentResults = 200
	}
	if c.Dispatch.PollSpec == "" {
		c.Dispatch.PollSpec = "@every 5s"
	}
	if c.Paper.SettingsPath == "" {
		c.Paper.SettingsPath = "data/paper_settings.json"
	}
	if c.Paper.Charge == 0 {
		c.Paper.Charge = 600
	}
	if c.Paper.BuySlippage == 0 {
		c.Paper.BuySlippage = 5
	}
	if c.Paper.SellSlippage == 0 {
		c.Paper.SellSlippage = 7
	}
	if c.Paper.MarkSpec == "" {
		c.Paper.MarkSpec = "@every 30s"
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "file"
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/trades.jsonl"
	}
	if c.Feed.Capacity == 0 {
		c.Feed.Capacity = 100
	}
	if c.Feed.TTLSecs == 0 {
		c.Feed.TTLSecs = 20
	}
}

func (w Webhook) DedupeWindow() time.Duration {
	return time.Duration(w.DedupeWindowSecs) * time.Second
}

func (w Webhook) TimeBucket() time.Duration {
	return time.Duration(w.TimeBucketSecs) * time.Second
}

func (w Webhook) ResolveTimeout() time.Duration {
	return time.Duration(w.ResolveTimeoutMs) * time.Millisecond
}

func (d Dispatch) SubmitTimeout() time.Duration {
	return time.Duration(d.SubmitTimeoutMs) * time.Millisecond
}

func (d Dispatch) CancelTimeout() time.Duration {
	return time.Duration(d.CancelTimeoutMs) * time.Millisecond
}

func (f Feed) TTL() time.Duration {
	return time.Duration(f.TTLSecs) * time.Second
}

func (b Broker) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}
