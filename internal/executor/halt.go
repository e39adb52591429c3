package executor

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// TradingHalt blocks new strategy executions while engaged. The state
// survives restarts through a small JSON file: an unhedged leg found
// before a crash must still block trading after the restart.
type TradingHalt struct {
	mu        sync.RWMutex
	engaged   bool
	reason    string
	engagedAt time.Time
	filePath  string
	logger    *slog.Logger
}

type haltState struct {
	Engaged   bool      `json:"engaged"`
	Reason    string    `json:"reason"`
	EngagedAt time.Time `json:"engaged_at"`
}

func NewTradingHalt(filePath string, logger *slog.Logger) *TradingHalt {
	h := &TradingHalt{
		filePath: filePath,
		logger:   logger,
	}
	h.loadState()
	return h
}

func (h *TradingHalt) loadState() {
	data, err := os.ReadFile(h.filePath)
	if err != nil {
		return
	}

	var state haltState
	if err := json.Unmarshal(data, &state); err != nil {
		h.logger.Warn("failed to parse trading halt state", "error", err)
		return
	}

	h.engaged = state.Engaged
	h.reason = state.Reason
	h.engagedAt = state.EngagedAt

	if h.engaged {
		h.logger.Warn("trading halt is ENGAGED from previous session",
			"reason", h.reason,
			"engaged_at", h.engagedAt)
	}
}

func (h *TradingHalt) persistState() {
	state := haltState{
		Engaged:   h.engaged,
		Reason:    h.reason,
		EngagedAt: h.engagedAt,
	}

	data, err := json.Marshal(state)
	if err != nil {
		h.logger.Error("failed to marshal trading halt state", "error", err)
		return
	}

	if err := os.WriteFile(h.filePath, data, 0644); err != nil {
		h.logger.Error("failed to persist trading halt state", "error", err)
	}
}

func (h *TradingHalt) Engage(reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.engaged = true
	h.reason = reason
	h.engagedAt = time.Now()
	h.persistState()

	h.logger.Error("TRADING HALT ENGAGED",
		"reason", reason,
		"engaged_at", h.engagedAt)
}

// Release is a deliberate operator action after the cause has been
// reconciled by hand.
func (h *TradingHalt) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.engaged = false
	h.reason = ""
	h.persistState()

	h.logger.Warn("TRADING HALT RELEASED")
}

func (h *TradingHalt) IsEngaged() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.engaged
}

func (h *TradingHalt) Reason() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reason
}
