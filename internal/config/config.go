package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Venues    VenuesConfig    `yaml:"venues"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Retry     RetryConfig     `yaml:"retry"`
	State     StateConfig     `yaml:"state"`
	Journal   JournalConfig   `yaml:"journal"`
	Timescale TimescaleConfig `yaml:"timescale"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type VenuesConfig struct {
	A VenueConfig `yaml:"a"`
	B VenueConfig `yaml:"b"`
}

// VenueConfig points at one venue service. Instrument overrides hedge.instrument for
// venues that name the market differently.
type VenueConfig struct {
	Name         string          `yaml:"name"`
	BaseURL      string          `yaml:"base_url"`
	Timeout      time.Duration   `yaml:"timeout"`
	StreamURL    string          `yaml:"stream_url"`
	StreamMaxAge time.Duration   `yaml:"stream_max_age"`
	Instrument   string          `yaml:"instrument"`
	MinSize      decimal.Decimal `yaml:"min_size"`
	LotSize      decimal.Decimal `yaml:"lot_size"`
}

type HedgeConfig struct {
	Instrument        string          `yaml:"instrument"`
	Quantity          decimal.Decimal `yaml:"quantity"`
	DirectionA        string          `yaml:"direction_a"`
	Iterations        int             `yaml:"iterations"`
	PollInterval      time.Duration   `yaml:"poll_interval"`
	LegTimeout        time.Duration   `yaml:"leg_timeout"`
	CycleTimeout      time.Duration   `yaml:"cycle_timeout"`
	UnwindTimeout     time.Duration   `yaml:"unwind_timeout"`
	QuoteMaxAge       time.Duration   `yaml:"quote_max_age"`
	FillTolerance     decimal.Decimal `yaml:"fill_tolerance"`
	CycleDelay        time.Duration   `yaml:"cycle_delay"`
	MaxNetExposure    decimal.Decimal `yaml:"max_net_exposure"`
	HaltOnResidual    *bool           `yaml:"halt_on_residual"`
	CancelStaleOrders *bool           `yaml:"cancel_stale_orders"`
}

func (h HedgeConfig) HaltOnResidualValue() bool {
	return h.HaltOnResidual == nil || *h.HaltOnResidual
}

func (h HedgeConfig) CancelStaleOrdersValue() bool {
	return h.CancelStaleOrders == nil || *h.CancelStaleOrders
}

type RetryConfig struct {
	PlaceAttempts  int           `yaml:"place_attempts"`
	ReadAttempts   int           `yaml:"read_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type JournalConfig struct {
	CSVPath string `yaml:"csv_path"`
}

type TimescaleConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	Schema          string        `yaml:"schema"`
	QueueSize       int           `yaml:"queue_size"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

func (m MetricsConfig) EnabledValue() bool {
	return m.Enabled == nil || *m.Enabled
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	applyVenueDefaults(&cfg.Venues.A, "venue-a", "http://localhost:8001")
	applyVenueDefaults(&cfg.Venues.B, "venue-b", "http://localhost:8002")
	h := &cfg.Hedge
	if h.DirectionA == "" {
		h.DirectionA = "buy"
	}
	if h.Iterations == 0 {
		h.Iterations = 20
	}
	if h.PollInterval == 0 {
		h.PollInterval = 500 * time.Millisecond
	}
	if h.LegTimeout == 0 {
		h.LegTimeout = 10 * time.Second
	}
	if h.CycleTimeout == 0 {
		h.CycleTimeout = h.LegTimeout + 5*time.Second
	}
	if h.UnwindTimeout == 0 {
		h.UnwindTimeout = 5 * time.Second
	}
	if h.QuoteMaxAge == 0 {
		h.QuoteMaxAge = 2 * time.Second
	}
	if h.FillTolerance.IsZero() {
		h.FillTolerance = decimal.New(1, -9)
	}
	if h.CycleDelay == 0 {
		h.CycleDelay = 3 * time.Second
	}
	if h.MaxNetExposure.IsZero() {
		h.MaxNetExposure = decimal.RequireFromString("0.2")
	}
	if h.HaltOnResidual == nil {
		enabled := true
		h.HaltOnResidual = &enabled
	}
	if h.CancelStaleOrders == nil {
		enabled := true
		h.CancelStaleOrders = &enabled
	}
	if cfg.Retry.PlaceAttempts == 0 {
		cfg.Retry.PlaceAttempts = 1
	}
	if cfg.Retry.ReadAttempts == 0 {
		cfg.Retry.ReadAttempts = 3
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/hedge-bot.db"
	}
	if cfg.Timescale.Schema == "" {
		cfg.Timescale.Schema = "public"
	}
	if cfg.Timescale.QueueSize == 0 {
		cfg.Timescale.QueueSize = 256
	}
	if cfg.Metrics.Enabled == nil {
		enabled := true
		cfg.Metrics.Enabled = &enabled
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9001"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
}

func applyVenueDefaults(v *VenueConfig, name, baseURL string) {
	if v.Name == "" {
		v.Name = name
	}
	if v.BaseURL == "" {
		v.BaseURL = baseURL
	}
	v.BaseURL = strings.TrimRight(v.BaseURL, "/")
	if v.Timeout == 0 {
		v.Timeout = 30 * time.Second
	}
	if v.StreamMaxAge == 0 {
		v.StreamMaxAge = time.Second
	}
}

func applyEnvOverrides(cfg *Config) {
	if url := strings.TrimSpace(os.Getenv("HEDGE_VENUE_A_URL")); url != "" {
		cfg.Venues.A.BaseURL = strings.TrimRight(url, "/")
	}
	if url := strings.TrimSpace(os.Getenv("HEDGE_VENUE_B_URL")); url != "" {
		cfg.Venues.B.BaseURL = strings.TrimRight(url, "/")
	}
	if token := strings.TrimSpace(os.Getenv("HEDGE_TELEGRAM_TOKEN")); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := strings.TrimSpace(os.Getenv("HEDGE_TELEGRAM_CHAT_ID")); chatID != "" {
		cfg.Telegram.ChatID = chatID
	}
	if dsn := strings.TrimSpace(os.Getenv("HEDGE_TIMESCALE_DSN")); dsn != "" {
		cfg.Timescale.DSN = dsn
	}
}

func validate(cfg *Config) error {
	var err error
	h := cfg.Hedge
	if strings.TrimSpace(h.Instrument) == "" {
		err = multierr.Append(err, errors.New("hedge.instrument is required"))
	}
	if !h.Quantity.IsPositive() {
		err = multierr.Append(err, errors.New("hedge.quantity must be > 0"))
	}
	switch strings.ToLower(h.DirectionA) {
	case "buy", "sell":
	default:
		err = multierr.Append(err, fmt.Errorf("hedge.direction_a must be buy or sell, got %q", h.DirectionA))
	}
	if h.Iterations < 0 {
		err = multierr.Append(err, errors.New("hedge.iterations must be >= 0"))
	}
	if h.PollInterval <= 0 || h.LegTimeout <= 0 || h.CycleTimeout <= 0 || h.UnwindTimeout <= 0 || h.QuoteMaxAge <= 0 {
		err = multierr.Append(err, errors.New("hedge timeouts and intervals must be > 0"))
	}
	if h.CycleDelay < 0 {
		err = multierr.Append(err, errors.New("hedge.cycle_delay must be >= 0"))
	}
	if h.PollInterval >= h.LegTimeout {
		err = multierr.Append(err, errors.New("hedge.poll_interval must be < hedge.leg_timeout"))
	}
	if h.LegTimeout >= h.CycleTimeout {
		err = multierr.Append(err, errors.New("hedge.leg_timeout must be < hedge.cycle_timeout"))
	}
	if h.UnwindTimeout >= h.CycleTimeout {
		err = multierr.Append(err, errors.New("hedge.unwind_timeout must be < hedge.cycle_timeout"))
	}
	if h.FillTolerance.IsNegative() {
		err = multierr.Append(err, errors.New("hedge.fill_tolerance must be >= 0"))
	}
	if h.MaxNetExposure.IsNegative() {
		err = multierr.Append(err, errors.New("hedge.max_net_exposure must be >= 0"))
	}
	err = multierr.Append(err, validateVenue("venues.a", cfg.Venues.A))
	err = multierr.Append(err, validateVenue("venues.b", cfg.Venues.B))
	if cfg.Venues.A.BaseURL == cfg.Venues.B.BaseURL {
		err = multierr.Append(err, errors.New("venues.a and venues.b must use different base urls"))
	}
	if cfg.Retry.PlaceAttempts < 1 || cfg.Retry.ReadAttempts < 1 {
		err = multierr.Append(err, errors.New("retry attempts must be >= 1"))
	}
	if cfg.Retry.InitialBackoff < 0 {
		err = multierr.Append(err, errors.New("retry.initial_backoff must be >= 0"))
	}
	if !strings.HasPrefix(cfg.Metrics.Path, "/") {
		err = multierr.Append(err, errors.New("metrics.path must start with /"))
	}
	if cfg.Timescale.Enabled && strings.TrimSpace(cfg.Timescale.DSN) == "" {
		err = multierr.Append(err, errors.New("timescale.dsn is required when timescale is enabled"))
	}
	if cfg.Telegram.Enabled && (strings.TrimSpace(cfg.Telegram.Token) == "" || strings.TrimSpace(cfg.Telegram.ChatID) == "") {
		err = multierr.Append(err, errors.New("telegram.token and telegram.chat_id are required when telegram is enabled"))
	}
	return err
}

func validateVenue(prefix string, v VenueConfig) error {
	var err error
	if !strings.HasPrefix(v.BaseURL, "http://") && !strings.HasPrefix(v.BaseURL, "https://") {
		err = multierr.Append(err, fmt.Errorf("%s.base_url must be an http(s) url", prefix))
	}
	if v.Timeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("%s.timeout must be > 0", prefix))
	}
	if v.MinSize.IsNegative() || v.LotSize.IsNegative() {
		err = multierr.Append(err, fmt.Errorf("%s.min_size and lot_size must be >= 0", prefix))
	}
	return err
}
