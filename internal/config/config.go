// Package config provides configuration management for the condor bot.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/scranton_condor/internal/condor"
)

const (
	defaultTimezone       = "America/New_York"
	defaultEntryTime      = "15:40"
	defaultManagementTime = "15:50"
	defaultFillTimeout    = 2 * time.Minute
	defaultPollInterval   = 5 * time.Second
	defaultBrokerTimeout  = 30 * time.Second
	defaultDashboardPort  = 8080
	defaultVolatility     = "VIX"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Orders      OrdersConfig      `yaml:"orders"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string        `yaml:"provider"` // tradier | mock
	APIKey      string        `yaml:"api_key"`
	APIEndpoint string        `yaml:"api_endpoint"`
	AccountID   string        `yaml:"account_id"`
	Timeout     time.Duration `yaml:"timeout"`
}

// StrategyConfig holds the condor engine parameters.
type StrategyConfig struct {
	Underlying           string          `yaml:"underlying"`
	VolatilitySymbol     string          `yaml:"volatility_symbol"`
	RiskCapFraction      decimal.Decimal `yaml:"risk_cap_fraction"`
	ShortDelta           decimal.Decimal `yaml:"short_delta"`
	WingWidth            decimal.Decimal `yaml:"wing_width"`
	VIXMin               *decimal.Decimal `yaml:"vix_min"`
	IVRMin               *decimal.Decimal `yaml:"ivr_min"`
	CreditTargetFraction *decimal.Decimal `yaml:"credit_target_fraction"`
	ProfitTargetPct      decimal.Decimal `yaml:"profit_target_pct"`
	LossStopMult         decimal.Decimal `yaml:"loss_stop_mult"`
	DeltaRollTrigger     decimal.Decimal `yaml:"delta_roll_trigger"`
	MinUnitRisk          decimal.Decimal `yaml:"min_unit_risk"`
	Tick                 decimal.Decimal `yaml:"tick"`
	DTEMin               int             `yaml:"dte_min"`
	DTEMax               int             `yaml:"dte_max"`
	TimeExitDays         *int            `yaml:"time_exit_days"`
	Multiplier           int             `yaml:"multiplier"`
	MaxContracts         int             `yaml:"max_contracts"`
	IVRLookbackDays      int             `yaml:"ivr_lookback_days"`
}

// OrdersConfig controls how order intents are executed.
type OrdersConfig struct {
	FillTimeout  time.Duration `yaml:"fill_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Duration     string        `yaml:"duration"` // day | gtc
}

// ScheduleConfig defines when the engine's ticks fire.
type ScheduleConfig struct {
	Timezone       string   `yaml:"timezone"`        // e.g., "America/New_York"
	EntryDays      []string `yaml:"entry_days"`      // e.g., [monday, wednesday]
	EntryTime      string   `yaml:"entry_time"`      // "HH:MM"
	ManagementTime string   `yaml:"management_time"` // "HH:MM"
}

// StorageConfig defines storage settings for position data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only reporting server.
type DashboardConfig struct {
	AuthToken string `yaml:"auth_token"`
	Port      int    `yaml:"port"`
	Enabled   bool   `yaml:"enabled"`
}

// Load reads and parses the configuration file from the specified path.
// A .env file in the working directory, if present, is loaded first so that
// ${VAR} references can be satisfied from it.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate fills defaults and checks that all configuration values are valid
// and consistent.
func (c *Config) Validate() error {
	c.normalize()

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}
	if _, err := logrus.ParseLevel(c.Environment.LogLevel); err != nil {
		return fmt.Errorf("environment.log_level invalid: %w", err)
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case "mock":
		if !c.IsPaperTrading() {
			return fmt.Errorf("broker.provider 'mock' requires environment.mode 'paper'")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'mock'")
	}
	if c.Broker.Timeout <= 0 {
		return fmt.Errorf("broker.timeout must be > 0")
	}

	if err := c.EngineParams().Validate(); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}

	if c.Orders.PollInterval <= 0 || c.Orders.FillTimeout < c.Orders.PollInterval {
		return fmt.Errorf("orders.fill_timeout must be >= orders.poll_interval > 0")
	}
	if c.Orders.Duration != "day" && c.Orders.Duration != "gtc" {
		return fmt.Errorf("orders.duration must be 'day' or 'gtc'")
	}

	if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil && c.Schedule.Timezone != defaultTimezone {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	if _, err := c.EntryWeekdays(); err != nil {
		return err
	}
	if _, _, err := parseClock(c.Schedule.EntryTime); err != nil {
		return fmt.Errorf("schedule.entry_time invalid: %w", err)
	}
	if _, _, err := parseClock(c.Schedule.ManagementTime); err != nil {
		return fmt.Errorf("schedule.management_time invalid: %w", err)
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}

	return nil
}

// normalize sets default values for unset fields
func (c *Config) normalize() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = defaultBrokerTimeout
	}

	d := condor.DefaultParams()
	s := &c.Strategy
	if s.Underlying == "" {
		s.Underlying = d.Underlying
	}
	if s.VolatilitySymbol == "" {
		s.VolatilitySymbol = defaultVolatility
	}
	setDecimal(&s.RiskCapFraction, d.RiskCapFraction)
	setDecimal(&s.ShortDelta, d.ShortDelta)
	setDecimal(&s.WingWidth, d.WingWidth)
	setDecimal(&s.ProfitTargetPct, d.ProfitTargetPct)
	setDecimal(&s.LossStopMult, d.LossStopMult)
	setDecimal(&s.DeltaRollTrigger, d.DeltaRollTrigger)
	setDecimal(&s.Tick, d.Tick)
	// thresholds where zero is meaningful: only an absent key takes the default
	s.VIXMin = decimalOr(s.VIXMin, d.VIXMin)
	s.IVRMin = decimalOr(s.IVRMin, d.IVRMin)
	s.CreditTargetFraction = decimalOr(s.CreditTargetFraction, d.CreditTargetFraction)
	if s.DTEMin == 0 && s.DTEMax == 0 {
		s.DTEMin, s.DTEMax = d.DTEMin, d.DTEMax
	}
	if s.TimeExitDays == nil {
		days := d.TimeExitDays
		s.TimeExitDays = &days
	}
	if s.Multiplier == 0 {
		s.Multiplier = d.Multiplier
	}
	if s.IVRLookbackDays == 0 {
		s.IVRLookbackDays = d.IVRLookbackDays
	}

	if c.Orders.FillTimeout == 0 {
		c.Orders.FillTimeout = defaultFillTimeout
	}
	if c.Orders.PollInterval == 0 {
		c.Orders.PollInterval = defaultPollInterval
	}
	if c.Orders.Duration == "" {
		c.Orders.Duration = "day"
	}

	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if len(c.Schedule.EntryDays) == 0 {
		c.Schedule.EntryDays = []string{"monday", "wednesday"}
	}
	if c.Schedule.EntryTime == "" {
		c.Schedule.EntryTime = defaultEntryTime
	}
	if c.Schedule.ManagementTime == "" {
		c.Schedule.ManagementTime = defaultManagementTime
	}

	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
}

func setDecimal(dst *decimal.Decimal, def decimal.Decimal) {
	if dst.IsZero() {
		*dst = def
	}
}

func decimalOr(v *decimal.Decimal, def decimal.Decimal) *decimal.Decimal {
	if v == nil {
		return &def
	}
	return v
}

// EngineParams builds the immutable engine configuration. A zero MinUnitRisk
// or MaxContracts means "derive" and "uncapped" respectively.
func (c *Config) EngineParams() condor.Params {
	s := c.Strategy
	d := condor.DefaultParams()
	timeExit := d.TimeExitDays
	if s.TimeExitDays != nil {
		timeExit = *s.TimeExitDays
	}
	return condor.Params{
		Underlying:           s.Underlying,
		RiskCapFraction:      s.RiskCapFraction,
		ShortDelta:           s.ShortDelta,
		WingWidth:            s.WingWidth,
		VIXMin:               *decimalOr(s.VIXMin, d.VIXMin),
		IVRMin:               *decimalOr(s.IVRMin, d.IVRMin),
		CreditTargetFraction: *decimalOr(s.CreditTargetFraction, d.CreditTargetFraction),
		ProfitTargetPct:      s.ProfitTargetPct,
		LossStopMult:         s.LossStopMult,
		DeltaRollTrigger:     s.DeltaRollTrigger,
		MinUnitRisk:          s.MinUnitRisk,
		Tick:                 s.Tick,
		DTEMin:               s.DTEMin,
		DTEMax:               s.DTEMax,
		TimeExitDays:         timeExit,
		Multiplier:           s.Multiplier,
		MaxContracts:         s.MaxContracts,
		IVRLookbackDays:      s.IVRLookbackDays,
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the schedule time zone.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// EntryWeekdays parses schedule.entry_days.
func (c *Config) EntryWeekdays() ([]time.Weekday, error) {
	out := make([]time.Weekday, 0, len(c.Schedule.EntryDays))
	seen := map[time.Weekday]bool{}
	for _, name := range c.Schedule.EntryDays {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return nil, fmt.Errorf("schedule.entry_days: unknown weekday %q", name)
		}
		if wd == time.Saturday || wd == time.Sunday {
			return nil, fmt.Errorf("schedule.entry_days: %s is not a trading day", name)
		}
		if !seen[wd] {
			seen[wd] = true
			out = append(out, wd)
		}
	}
	return out, nil
}

// EntryClock returns the entry tick time of day.
func (c *Config) EntryClock() (hour, minute int) {
	hour, minute, _ = parseClock(c.Schedule.EntryTime)
	return hour, minute
}

// ManagementClock returns the management tick time of day.
func (c *Config) ManagementClock() (hour, minute int) {
	hour, minute, _ = parseClock(c.Schedule.ManagementTime)
	return hour, minute
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday,
	"wednesday": time.Wednesday, "thursday": time.Thursday, "friday": time.Friday,
	"saturday": time.Saturday,
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

// NewLogger builds the process logger from the environment settings.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if lvl, err := logrus.ParseLevel(c.Environment.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if c.Environment.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
