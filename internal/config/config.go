package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/predict-risk/internal/alerts"
	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

type Allocation struct {
	Bankroll         float64       `yaml:"bankroll"`
	DriftThreshold   float64       `yaml:"drift_threshold"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	OutboxPath       string        `yaml:"outbox_path"`
	DedupeWindow     time.Duration `yaml:"dedupe_window"`
	portfolio.Params `yaml:",inline"`
}

type Slack struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
}

type Telegram struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type Alerts struct {
	alerts.DispatcherConfig `yaml:",inline"`
	Slack                   Slack    `yaml:"slack"`
	Telegram                Telegram `yaml:"telegram"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Operator struct {
	Name        string   `yaml:"name"`
	Token       string   `yaml:"token"`
	Permissions []string `yaml:"permissions"`
}

type Server struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Operators       []Operator    `yaml:"operators"`
}

type Root struct {
	Allocation Allocation       `yaml:"allocation"`
	KillSwitch risk.Config      `yaml:"kill_switch"`
	Alerts     Alerts           `yaml:"alerts"`
	Redis      Redis            `yaml:"redis"`
	Logging    observ.LogConfig `yaml:"logging"`
	Server     Server           `yaml:"server"`
}

// Load reads the YAML file at path (optional when empty), overlays secrets
// from the environment and from envFiles (".env" when none are given), fills
// defaults and validates. Real environment variables win over env files.
func Load(path string, envFiles ...string) (Root, error) {
	c := Root{}
	c.KillSwitch.Lock = true

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	dotenv, err := readEnvFiles(envFiles)
	if err != nil {
		return c, err
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := applyEnv(&c, lookup); err != nil {
		return c, err
	}

	applyDefaults(&c)
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

func readEnvFiles(files []string) (map[string]string, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	out := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", f, err)
		}
		for k, v := range vals {
			out[k] = v
		}
	}
	return out, nil
}

func applyEnv(c *Root, lookup func(string) (string, bool)) error {
	if v, ok := lookup("SLACK_WEBHOOK_URL"); ok && v != "" {
		c.Alerts.Slack.WebhookURL = v
		c.Alerts.Slack.Enabled = true
	}
	if v, ok := lookup("TELEGRAM_BOT_TOKEN"); ok && v != "" {
		c.Alerts.Telegram.BotToken = v
		c.Alerts.Telegram.Enabled = true
	}
	if v, ok := lookup("TELEGRAM_CHAT_ID"); ok && v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		c.Alerts.Telegram.ChatID = id
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Redis.Addr = v
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Redis.Password = v
	}
	if v, ok := lookup("RISK_STATE_PATH"); ok && v != "" {
		c.KillSwitch.StatePath = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("RISK_OPERATOR_TOKENS"); ok && v != "" {
		ops, err := parseOperators(v)
		if err != nil {
			return err
		}
		c.Server.Operators = append(c.Server.Operators, ops...)
	}
	return nil
}

// parseOperators reads "name:token:perm|perm,name2:token2:perm".
func parseOperators(s string) ([]Operator, error) {
	var ops []Operator
	for _, entry := range strings.Split(s, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid RISK_OPERATOR_TOKENS entry %q: want name:token:perm|perm", entry)
		}
		ops = append(ops, Operator{
			Name:        parts[0],
			Token:       parts[1],
			Permissions: strings.Split(parts[2], "|"),
		})
	}
	return ops, nil
}

func applyDefaults(c *Root) {
	if c.Allocation.DriftThreshold == 0 {
		c.Allocation.DriftThreshold = portfolio.DefaultDriftThreshold
	}
	if c.Allocation.FractionalKelly == 0 {
		c.Allocation.FractionalKelly = portfolio.DefaultFractionalKelly
	}
	if c.Allocation.VaRConfidence == 0 {
		c.Allocation.VaRConfidence = portfolio.DefaultVaRConfidence
	}
	if c.Allocation.SectorLimits == nil {
		c.Allocation.SectorLimits = portfolio.DefaultSectorLimits()
	}
	if c.Allocation.OutboxPath == "" {
		c.Allocation.OutboxPath = "data/outbox.jsonl"
	}
	if c.Allocation.DedupeWindow == 0 {
		c.Allocation.DedupeWindow = 5 * time.Minute
	}

	if c.KillSwitch.StatePath == "" {
		c.KillSwitch.StatePath = "data/killswitch.json"
	}
	if c.KillSwitch.CircuitBreakerPct == 0 {
		c.KillSwitch.CircuitBreakerPct = risk.DefaultCircuitBreakerPct
	}
	if c.KillSwitch.DailyLossLimitPct == 0 {
		c.KillSwitch.DailyLossLimitPct = risk.DefaultDailyLossLimitPct
	}
	if c.KillSwitch.CooldownHours == 0 {
		c.KillSwitch.CooldownHours = risk.DefaultCooldownHours
	}
	if c.KillSwitch.MaxHistory == 0 {
		c.KillSwitch.MaxHistory = risk.DefaultMaxHistory
	}
	if c.KillSwitch.ResponseTimeout == 0 {
		c.KillSwitch.ResponseTimeout = risk.DefaultResponseTimeout
	}

	if c.Alerts.Timeout == 0 {
		c.Alerts.Timeout = 5 * time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
}

// Validate rejects settings that would make a threshold meaningless.
func (c Root) Validate() error {
	if c.Allocation.Bankroll < 0 {
		return fmt.Errorf("allocation.bankroll must not be negative")
	}
	if c.Allocation.DriftThreshold < 0 {
		return fmt.Errorf("allocation.drift_threshold must not be negative")
	}
	if c.Allocation.FractionalKelly <= 0 || c.Allocation.FractionalKelly > 1 {
		return fmt.Errorf("allocation.fractional_kelly must be in (0, 1]")
	}
	for s, v := range c.Allocation.SectorLimits {
		if v < 0 || v > 1 {
			return fmt.Errorf("allocation.sector_limits.%s must be in [0, 1]", s)
		}
	}
	if c.KillSwitch.CircuitBreakerPct >= 0 {
		return fmt.Errorf("kill_switch.circuit_breaker_pct must be negative, got %v", c.KillSwitch.CircuitBreakerPct)
	}
	if c.KillSwitch.DailyLossLimitPct >= 0 {
		return fmt.Errorf("kill_switch.daily_loss_limit_pct must be negative, got %v", c.KillSwitch.DailyLossLimitPct)
	}
	if c.KillSwitch.CooldownHours < 0 {
		return fmt.Errorf("kill_switch.cooldown_hours must not be negative")
	}
	if c.Alerts.Slack.Enabled && c.Alerts.Slack.WebhookURL == "" {
		return fmt.Errorf("alerts.slack.enabled requires a webhook_url")
	}
	if c.Alerts.Telegram.Enabled && (c.Alerts.Telegram.BotToken == "" || c.Alerts.Telegram.ChatID == 0) {
		return fmt.Errorf("alerts.telegram.enabled requires bot_token and chat_id")
	}
	seen := map[string]bool{}
	for _, op := range c.Server.Operators {
		if op.Token == "" {
			return fmt.Errorf("operator %q has no token", op.Name)
		}
		if seen[op.Token] {
			return fmt.Errorf("operator %q reuses another operator's token", op.Name)
		}
		seen[op.Token] = true
	}
	return nil
}
