// Package configmodel holds the agent's policy document (spec.md §3):
// MasterConfig, ReceiverConfig, and the aggregate CopierConfig with its
// deterministic content fingerprint. The document is authored as YAML on
// disk (pkg/config is env/flags; this is the receiver/risk policy) and
// reloaded only on explicit resync, per spec.md §3's immutability note.
package configmodel

import (
	"encoding/json"
	"hash/fnv"
	"os"

	"gopkg.in/yaml.v3"

	"saturn-copier/pkg/persist"
)

// RiskMode enumerates the Lot Calculator's risk modes.
type RiskMode string

const (
	RiskModeFixedLot          RiskMode = "fixed_lot"
	RiskModeLotMultiplier     RiskMode = "lot_multiplier"
	RiskModeBalanceMultiplier RiskMode = "balance_multiplier"
	RiskModeRiskPercent       RiskMode = "risk_percent"
	RiskModeRiskDollar        RiskMode = "risk_dollar"
	RiskModeIntent            RiskMode = "intent"
	RiskModeMirror            RiskMode = "mirror"
)

// SymbolMapping is one master->receiver symbol override, plus the
// receiver-side contract facts the Lot Calculator needs to classify a
// risk-from-SL conversion for that symbol (spec.md §4.4/§4.5).
type SymbolMapping struct {
	MasterSymbol   string `yaml:"master_symbol" json:"master_symbol"`
	ReceiverSymbol string `yaml:"receiver_symbol" json:"receiver_symbol"`
	Enabled        bool   `yaml:"enabled" json:"enabled"`

	// SymbolType classifies the receiver symbol for risk-from-SL
	// conversion: forex, index, cfd, commodity, or crypto.
	SymbolType string  `yaml:"symbol_type,omitempty" json:"symbol_type,omitempty"`
	MinLot     float64 `yaml:"min_lot,omitempty" json:"min_lot,omitempty"`
	MaxLot     float64 `yaml:"max_lot,omitempty" json:"max_lot,omitempty"`
	LotStep    float64 `yaml:"lot_step,omitempty" json:"lot_step,omitempty"`
}

// ReceiverConfig is the per-receiver policy (spec.md §3).
type ReceiverConfig struct {
	ReceiverID        string          `yaml:"receiver_id" json:"receiver_id"`
	AccountNumber     string          `yaml:"account_number" json:"account_number"`
	Broker            string          `yaml:"broker" json:"broker"`
	TerminalID        string          `yaml:"terminal_id" json:"terminal_id"`
	RiskMode          RiskMode        `yaml:"risk_mode" json:"risk_mode"`
	RiskValue         float64         `yaml:"risk_value" json:"risk_value"`
	MaxSlippagePips   float64         `yaml:"max_slippage_pips" json:"max_slippage_pips"`
	MaxDailyLossR     float64         `yaml:"max_daily_loss_r" json:"max_daily_loss_r"`
	PropFirmSafeMode  bool            `yaml:"prop_firm_safe_mode" json:"prop_firm_safe_mode"`
	SymbolMappings    []SymbolMapping `yaml:"symbol_mappings" json:"symbol_mappings"`

	// Safety thresholds (spec.md §4.2), mapped per-receiver.
	MaxDailyLossPercent *float64 `yaml:"max_daily_loss_percent,omitempty" json:"max_daily_loss_percent,omitempty"`
	MaxDailyLossAmount  *float64 `yaml:"max_daily_loss_amount,omitempty" json:"max_daily_loss_amount,omitempty"`
	MaxDrawdownPercent  *float64 `yaml:"max_drawdown_percent,omitempty" json:"max_drawdown_percent,omitempty"`
	MinEquity           *float64 `yaml:"min_equity,omitempty" json:"min_equity,omitempty"`
	MaxTradesPerDay     *int     `yaml:"max_trades_per_day,omitempty" json:"max_trades_per_day,omitempty"`
	MaxConsecutiveLoss  *int     `yaml:"max_consecutive_losses,omitempty" json:"max_consecutive_losses,omitempty"`
}

// MasterConfig identifies the master terminal.
type MasterConfig struct {
	TerminalID string `yaml:"terminal_id" json:"terminal_id"`
	Account    string `yaml:"account" json:"account"`
	Broker     string `yaml:"broker" json:"broker"`
}

// CopierConfig aggregates master + receivers + version + content hash.
type CopierConfig struct {
	Version    int              `yaml:"version" json:"version"`
	Master     MasterConfig     `yaml:"master" json:"master"`
	Receivers  []ReceiverConfig `yaml:"receivers" json:"receivers"`
	ConfigHash string           `yaml:"-" json:"config_hash"`

	// DailyResetHourUTC parameterizes the Safety Ledger's trading-day
	// boundary (spec.md §4.2). 0-23.
	DailyResetHourUTC int `yaml:"daily_reset_hour_utc" json:"daily_reset_hour_utc"`
}

// canonicalJSON produces the deterministic serialization config_hash is
// computed over: everything except the hash field itself, with Go's
// json.Marshal struct-field order (stable: declaration order), which is
// what makes two configs with equal canonical serializations hash equal
// regardless of platform or load order (spec.md §8 invariant 4).
func (c CopierConfig) canonicalJSON() ([]byte, error) {
	shadow := c
	shadow.ConfigHash = ""
	return json.Marshal(shadow)
}

// ComputeHash returns the FNV-1a 64-bit fingerprint of the canonical
// serialization, rendered as 16 lowercase hex digits.
func (c CopierConfig) ComputeHash() (string, error) {
	data, err := c.canonicalJSON()
	if err != nil {
		return "", err
	}
	h := fnv.New64a()
	_, _ = h.Write(data)
	return hex16(h.Sum64()), nil
}

func hex16(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

// WithHash returns a copy of c with ConfigHash recomputed.
func (c CopierConfig) WithHash() (CopierConfig, error) {
	h, err := c.ComputeHash()
	if err != nil {
		return c, err
	}
	c.ConfigHash = h
	return c, nil
}

// Load reads the YAML policy document at path and stamps its content hash.
func Load(path string) (CopierConfig, error) {
	var cfg CopierConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg.WithHash()
}

// Save writes cfg as YAML to path (policy authoring/editing path). No
// JSON copier-config.json for receivers is generated anywhere in this
// module; internal/cmdemit writes only command files.
func Save(path string, cfg CopierConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return persist.WriteFile(path, data)
}

// ReceiverByID finds a receiver's config by id.
func (c CopierConfig) ReceiverByID(id string) (ReceiverConfig, bool) {
	for _, r := range c.Receivers {
		if r.ReceiverID == id {
			return r, true
		}
	}
	return ReceiverConfig{}, false
}
