package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/anthropics/governance-core/internal/domain"
)

// maxHistoryCap is the global cap on the bus history log.
const maxHistoryCap = 100

// BusConfig tunes the event bus.
type BusConfig struct {
	HistoryCap int `json:"history_cap" yaml:"history_cap"`
}

// GatewayConfig tunes the permission gateway and its default authority.
type GatewayConfig struct {
	CacheTTLSec        int                `json:"cache_ttl_sec" yaml:"cache_ttl_sec"`
	TrustedEngines     []string           `json:"trusted_engines" yaml:"trusted_engines"`
	BypassEvents       []domain.EventType `json:"bypass_events" yaml:"bypass_events"`
	AutoRegister       bool               `json:"auto_register" yaml:"auto_register"`
	AutoRegisterEvents []domain.EventType `json:"auto_register_events" yaml:"auto_register_events"`
	EscalationRate     float64            `json:"escalation_rate" yaml:"escalation_rate"`
	EscalationBurst    int                `json:"escalation_burst" yaml:"escalation_burst"`
	MaxDelayMs         int                `json:"max_delay_ms" yaml:"max_delay_ms"`
}

// BreakerConfig tunes the safety circuit breaker.
type BreakerConfig struct {
	LoopThreshold       int     `json:"loop_threshold" yaml:"loop_threshold"`
	LoopWindowSec       int     `json:"loop_window_sec" yaml:"loop_window_sec"`
	DegradedThreshold   float64 `json:"degraded_threshold" yaml:"degraded_threshold"`
	SafeModeThreshold   float64 `json:"safe_mode_threshold" yaml:"safe_mode_threshold"`
	RunawayActions      int     `json:"runaway_actions" yaml:"runaway_actions"`
	MaxLoad             float64 `json:"max_load" yaml:"max_load"`
	MaxActionsPerMinute float64 `json:"max_actions_per_minute" yaml:"max_actions_per_minute"`
	RecoveryLogCap      int     `json:"recovery_log_cap" yaml:"recovery_log_cap"`
}

// TemporalConfig tunes temporal memory.
type TemporalConfig struct {
	Capacity           int `json:"capacity" yaml:"capacity"`
	AnalyzeIntervalSec int `json:"analyze_interval_sec" yaml:"analyze_interval_sec"`
}

// AdaptiveConfig tunes the adaptive parameter loop.
type AdaptiveConfig struct {
	IntervalSec int `json:"interval_sec" yaml:"interval_sec"`
	LogCapacity int `json:"log_capacity" yaml:"log_capacity"`
	RiskCeiling int `json:"risk_ceiling" yaml:"risk_ceiling"`
}

// Config holds the governance core's runtime configuration.
type Config struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	DBPath     string `json:"db_path" yaml:"db_path"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	LogFormat  string `json:"log_format" yaml:"log_format"`

	Bus      BusConfig      `json:"bus" yaml:"bus"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	Breaker  BreakerConfig  `json:"breaker" yaml:"breaker"`
	Temporal TemporalConfig `json:"temporal" yaml:"temporal"`
	Adaptive AdaptiveConfig `json:"adaptive" yaml:"adaptive"`

	Engines []domain.EngineConfig `json:"engines" yaml:"engines"`
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads a YAML or JSON config file (by extension), applies defaults,
// and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config JSON: %w", err)
		}
	case ".yaml", ".yml", "":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":9810"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "json"
	}
	if c.Bus.HistoryCap == 0 {
		c.Bus.HistoryCap = maxHistoryCap
	}

	if c.Gateway.CacheTTLSec == 0 {
		c.Gateway.CacheTTLSec = 30
	}
	if len(c.Gateway.AutoRegisterEvents) == 0 {
		c.Gateway.AutoRegisterEvents = []domain.EventType{domain.EventUIDisplayInsight}
	}
	if c.Gateway.EscalationRate == 0 {
		c.Gateway.EscalationRate = 20
	}
	if c.Gateway.EscalationBurst == 0 {
		c.Gateway.EscalationBurst = 10
	}
	if c.Gateway.MaxDelayMs == 0 {
		c.Gateway.MaxDelayMs = 2000
	}

	if c.Breaker.LoopThreshold == 0 {
		c.Breaker.LoopThreshold = 50
	}
	if c.Breaker.LoopWindowSec == 0 {
		c.Breaker.LoopWindowSec = 10
	}
	if c.Breaker.DegradedThreshold == 0 {
		c.Breaker.DegradedThreshold = 0.6
	}
	if c.Breaker.SafeModeThreshold == 0 {
		c.Breaker.SafeModeThreshold = 0.8
	}
	if c.Breaker.RunawayActions == 0 {
		c.Breaker.RunawayActions = 10
	}
	if c.Breaker.MaxLoad == 0 {
		c.Breaker.MaxLoad = 0.95
	}
	if c.Breaker.MaxActionsPerMinute == 0 {
		c.Breaker.MaxActionsPerMinute = 120
	}
	if c.Breaker.RecoveryLogCap == 0 {
		c.Breaker.RecoveryLogCap = 20
	}

	if c.Temporal.Capacity == 0 {
		c.Temporal.Capacity = 50
	}
	if c.Temporal.AnalyzeIntervalSec == 0 {
		c.Temporal.AnalyzeIntervalSec = 15
	}

	if c.Adaptive.IntervalSec == 0 {
		c.Adaptive.IntervalSec = 30
	}
	if c.Adaptive.LogCapacity == 0 {
		c.Adaptive.LogCapacity = 200
	}
	if c.Adaptive.RiskCeiling == 0 {
		c.Adaptive.RiskCeiling = 10
	}
}

func (c *Config) validate() error {
	var problems []string

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		problems = append(problems, "log_format must be json or text")
	}
	if c.Bus.HistoryCap < 0 || c.Bus.HistoryCap > maxHistoryCap {
		problems = append(problems, fmt.Sprintf("bus.history_cap must be between 1 and %d", maxHistoryCap))
	}
	if c.Gateway.CacheTTLSec < 0 {
		problems = append(problems, "gateway.cache_ttl_sec must be positive")
	}
	if c.Gateway.EscalationRate < 0 || c.Gateway.EscalationBurst < 0 || c.Gateway.MaxDelayMs < 0 {
		problems = append(problems, "gateway escalation limits must be positive")
	}

	b := c.Breaker
	if !inUnitInterval(b.DegradedThreshold) {
		problems = append(problems, "breaker.degraded_threshold must be in (0,1]")
	}
	if !inUnitInterval(b.SafeModeThreshold) {
		problems = append(problems, "breaker.safe_mode_threshold must be in (0,1]")
	}
	if b.DegradedThreshold >= b.SafeModeThreshold {
		problems = append(problems, "breaker.degraded_threshold must be below breaker.safe_mode_threshold")
	}
	if b.LoopThreshold < 0 || b.LoopWindowSec < 0 || b.RunawayActions < 0 || b.RecoveryLogCap < 0 {
		problems = append(problems, "breaker limits must be positive")
	}
	if b.MaxLoad < 0 || b.MaxActionsPerMinute < 0 {
		problems = append(problems, "breaker ceilings must be positive")
	}

	if c.Temporal.Capacity < 0 || c.Temporal.AnalyzeIntervalSec < 0 {
		problems = append(problems, "temporal settings must be positive")
	}
	if c.Adaptive.IntervalSec < 0 || c.Adaptive.LogCapacity < 0 || c.Adaptive.RiskCeiling < 0 {
		problems = append(problems, "adaptive settings must be positive")
	}

	seen := make(map[string]bool, len(c.Engines))
	for i, e := range c.Engines {
		if e.ID == "" {
			problems = append(problems, fmt.Sprintf("engines[%d].id is required", i))
			continue
		}
		if seen[e.ID] {
			problems = append(problems, fmt.Sprintf("engines[%d]: duplicate id %q", i, e.ID))
		}
		seen[e.ID] = true
		if _, err := domain.ParsePrivilege(e.Privilege); err != nil {
			problems = append(problems, fmt.Sprintf("engines[%d]: unknown privilege %q", i, e.Privilege))
		}
	}

	if len(problems) > 0 {
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

func inUnitInterval(v float64) bool {
	return v > 0 && v <= 1
}

// Validate re-checks a configuration built in code.
func (c *Config) Validate() error {
	return c.validate()
}
