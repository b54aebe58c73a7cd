package codex

import (
	"context"
	"encoding/json"
)

// RateLimitWindow is one usage window reported by the backend account API.
type RateLimitWindow struct {
	UsedPercent   float64 `json:"usedPercent"`
	WindowMinutes int     `json:"windowMinutes,omitempty"`
	ResetsAt      string  `json:"resetsAt,omitempty"`
}

// RateLimits is the backend's {primary, secondary} usage pair.
type RateLimits struct {
	Primary   *RateLimitWindow `json:"primary,omitempty"`
	Secondary *RateLimitWindow `json:"secondary,omitempty"`
}

// RateLimits returns the last cached snapshot, or nil before the first
// read. Surfaced by the HTTP layer.
func (a *Adapter) RateLimits() *RateLimits {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate
}

// refreshRateLimits fires a best-effort read after the handshake.
func (a *Adapter) refreshRateLimits() {
	var rl RateLimits
	if err := a.conn.Call(context.Background(), "account/rateLimits/read", nil, &rl); err != nil {
		a.logger.Debug("account/rateLimits/read", "error", err)
		return
	}
	a.mu.Lock()
	a.rate = &rl
	a.mu.Unlock()
}

// rateLimitsUpdated replaces the cache from a backend notification.
func (a *Adapter) rateLimitsUpdated(params json.RawMessage) {
	var rl RateLimits
	if err := json.Unmarshal(params, &rl); err != nil {
		a.logger.Warn("malformed rate limit update", "error", err)
		return
	}
	a.mu.Lock()
	a.rate = &rl
	a.mu.Unlock()
}
