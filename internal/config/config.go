// Package config defines all configuration for the information-market server.
// Every knob has a default; values can come from an optional YAML file and
// are overridable via INFONOMY_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	DBPath     string `mapstructure:"db_path"`
	ListenAddr string `mapstructure:"listen_addr"`

	// Inspection-engine wait loop: poll fast inside the bot-response
	// window, then slow until the hard deadline.
	BotFastPollS   int `mapstructure:"bot_fast_poll_s"`
	BotSlowPollS   int `mapstructure:"bot_slow_poll_s"`
	BotFastWindowS int `mapstructure:"bot_fast_window_s"`
	BotDeadlineS   int `mapstructure:"bot_deadline_s"`

	// Recursion bounds for the inspection tree.
	InspMaxDepth   int `mapstructure:"insp_max_depth"`
	InspMaxBreadth int `mapstructure:"insp_max_breadth"`

	// How many times the agent is re-prompted after an invalid reply.
	AgentMaxRetries int `mapstructure:"agent_max_retries"`

	LLMBaseURL            string  `mapstructure:"llm_base_url"`
	LLMAPIKeyEnv          string  `mapstructure:"llm_api_key_env"`
	LLMDefaultMaxTokens   int     `mapstructure:"llm_default_max_tokens"`
	LLMDefaultTemperature float64 `mapstructure:"llm_default_temperature"`

	DailyBonusDefault float64 `mapstructure:"daily_bonus_default"`
	SessionTTLHours   int     `mapstructure:"session_ttl_h"`
	WorkerCount       int     `mapstructure:"worker_count"`
}

// Default returns the built-in configuration used when no file and no
// environment overrides are present.
func Default() *Config {
	cfg, _ := Load("")
	return cfg
}

// Load reads configuration from an optional YAML file at path, then applies
// INFONOMY_* environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INFONOMY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("db_path", "infonomy.db")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("bot_fast_poll_s", 1)
	v.SetDefault("bot_slow_poll_s", 3)
	v.SetDefault("bot_fast_window_s", 30)
	v.SetDefault("bot_deadline_s", 60)
	v.SetDefault("insp_max_depth", 3)
	v.SetDefault("insp_max_breadth", 3)
	v.SetDefault("agent_max_retries", 4)
	v.SetDefault("llm_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm_api_key_env", "OPENAI_API_KEY")
	v.SetDefault("llm_default_max_tokens", 500)
	v.SetDefault("llm_default_temperature", 0.7)
	v.SetDefault("daily_bonus_default", 10.0)
	v.SetDefault("session_ttl_h", 720)
	v.SetDefault("worker_count", 4)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks value ranges. Called once at startup.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.BotFastPollS <= 0 || c.BotSlowPollS <= 0 {
		return fmt.Errorf("poll intervals must be > 0")
	}
	if c.BotDeadlineS < c.BotFastWindowS {
		return fmt.Errorf("bot_deadline_s must be >= bot_fast_window_s")
	}
	if c.InspMaxDepth < 1 || c.InspMaxBreadth < 1 {
		return fmt.Errorf("inspection depth and breadth bounds must be >= 1")
	}
	if c.AgentMaxRetries < 1 {
		return fmt.Errorf("agent_max_retries must be >= 1")
	}
	if c.LLMDefaultMaxTokens <= 0 {
		return fmt.Errorf("llm_default_max_tokens must be > 0")
	}
	if c.LLMDefaultTemperature < 0 || c.LLMDefaultTemperature > 2 {
		return fmt.Errorf("llm_default_temperature must be in [0, 2]")
	}
	if c.DailyBonusDefault < 0 {
		return fmt.Errorf("daily_bonus_default must be >= 0")
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be >= 1")
	}
	return nil
}

// Duration helpers so callers don't repeat second-to-duration conversions.

func (c *Config) FastPoll() time.Duration   { return time.Duration(c.BotFastPollS) * time.Second }
func (c *Config) SlowPoll() time.Duration   { return time.Duration(c.BotSlowPollS) * time.Second }
func (c *Config) FastWindow() time.Duration { return time.Duration(c.BotFastWindowS) * time.Second }
func (c *Config) BotDeadline() time.Duration {
	return time.Duration(c.BotDeadlineS) * time.Second
}
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLHours) * time.Hour
}
