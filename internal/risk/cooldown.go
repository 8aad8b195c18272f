package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
	"github.com/Rajchodisetti/flowdesk/internal/persist"
)

// CooldownManager blocks re-entry into a symbol for a period after its
// last entry or exit.
type CooldownManager struct {
	mu             sync.RWMutex
	config         CooldownConfig
	lastTradeTimes map[string]TradeInfo // symbol -> last trade info
}

// TradeInfo stores information about the last trade for cooldown calculations
type TradeInfo struct {
	Timestamp time.Time `json:"timestamp"`
	Side      string    `json:"side"`   // long | short
	Intent    string    `json:"intent"` // ENTRY | EXIT
}

// CooldownConfig defines cooldown policies
type CooldownConfig struct {
	Enforce            bool           `json:"enforce"`
	DefaultCooldownSec int            `json:"default_cooldown_sec"`
	ExitCooldownSec    int            `json:"exit_cooldown_sec"` // 0 falls back to DefaultCooldownSec
	SymbolCooldowns    map[string]int `json:"symbol_cooldowns"`
	PersistPath        string         `json:"persist_path"`
}

// CooldownInfo explains a cooldown decision.
type CooldownInfo struct {
	Symbol             string        `json:"symbol"`
	LastTradeTime      time.Time     `json:"last_trade_time"`
	LastTradeIntent    string        `json:"last_trade_intent"`
	TimeSinceLastTrade time.Duration `json:"time_since_last_trade"`
	CooldownPeriod     time.Duration `json:"cooldown_period"`
	RemainingCooldown  time.Duration `json:"remaining_cooldown"`
}

type cooldownState struct {
	UpdatedAt      time.Time            `json:"updated_at"`
	LastTradeTimes map[string]TradeInfo `json:"last_trade_times"`
}

func NewCooldownManager(config CooldownConfig) *CooldownManager {
	return &CooldownManager{
		config:         config,
		lastTradeTimes: make(map[string]TradeInfo),
	}
}

// Load restores last trade times from PersistPath.
func (cm *CooldownManager) Load() error {
	if cm.config.PersistPath == "" {
		return nil
	}
	var st cooldownState
	found, err := persist.ReadJSON(cm.config.PersistPath, &st)
	if err != nil {
		return fmt.Errorf("load cooldowns: %w", err)
	}
	if !found || st.LastTradeTimes == nil {
		return nil
	}
	cm.mu.Lock()
	cm.lastTradeTimes = st.LastTradeTimes
	cm.mu.Unlock()
	return nil
}

// CanTrade reports whether an entry into symbol is allowed at timestamp.
func (cm *CooldownManager) CanTrade(symbol string, timestamp time.Time) (bool, *CooldownInfo) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	lastTrade, ok := cm.lastTradeTimes[symbol]
	if !ok {
		return true, &CooldownInfo{Symbol: symbol}
	}

	since := timestamp.Sub(lastTrade.Timestamp)
	period := cm.cooldownPeriod(symbol, lastTrade)
	info := &CooldownInfo{
		Symbol:             symbol,
		LastTradeTime:      lastTrade.Timestamp,
		LastTradeIntent:    lastTrade.Intent,
		TimeSinceLastTrade: since,
		CooldownPeriod:     period,
	}
	if since >= period {
		return true, info
	}
	info.RemainingCooldown = period - since

	if !cm.config.Enforce {
		observ.IncCounter("cooldown_warnings_total", nil)
		return true, info
	}
	observ.IncCounter("cooldown_blocks_total", nil)
	return false, info
}

// RecordTrade starts a cooldown for symbol and persists the table.
func (cm *CooldownManager) RecordTrade(symbol, side, intent string, timestamp time.Time) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.lastTradeTimes[symbol] = TradeInfo{Timestamp: timestamp, Side: side, Intent: intent}
	return cm.persistState()
}

func (cm *CooldownManager) cooldownPeriod(symbol string, lastTrade TradeInfo) time.Duration {
	sec := cm.config.DefaultCooldownSec
	if v, ok := cm.config.SymbolCooldowns[symbol]; ok {
		sec = v
	} else if lastTrade.Intent == "EXIT" && cm.config.ExitCooldownSec > 0 {
		sec = cm.config.ExitCooldownSec
	}
	return time.Duration(sec) * time.Second
}

func (cm *CooldownManager) persistState() error {
	if cm.config.PersistPath == "" {
		return nil
	}
	st := cooldownState{UpdatedAt: time.Now().UTC(), LastTradeTimes: cm.lastTradeTimes}
	return persist.WriteJSON(cm.config.PersistPath, st)
}
