package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// RetryStrategy defines the cooldown intervals after a tile server rate limits us
type RetryStrategy struct {
	Intervals []time.Duration
}

// DefaultRetryStrategy returns the default escalating cooldown
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			30 * time.Second,
			1 * time.Minute,
			2 * time.Minute,
			5 * time.Minute,
		},
	}
}

// Event represents a rate limit occurrence for one tile host
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Host        string    `json:"host"`
	StatusCode  int       `json:"statusCode"`
	Occurrence  int       `json:"occurrence"` // 0 = first in the current streak
	CooldownEnd time.Time `json:"cooldownEnd"`
}

// Message is a short human readable summary
func (e Event) Message() string {
	return fmt.Sprintf("%s rate limited (HTTP %d), cooling down until %s",
		e.Host, e.StatusCode, e.CooldownEnd.Format(time.RFC3339))
}

// Handler tracks rate limit state per tile host
type Handler struct {
	mu          sync.RWMutex
	limited     map[string]*Event
	strategy    *RetryStrategy
	onRateLimit func(event Event)
	onRecovered func(host string)
	now         func() time.Time
	logger      *slog.Logger
}

// NewHandler creates a new rate limit handler
func NewHandler(strategy *RetryStrategy, logger *slog.Logger) *Handler {
	if strategy == nil || len(strategy.Intervals) == 0 {
		strategy = DefaultRetryStrategy()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		limited:  make(map[string]*Event),
		strategy: strategy,
		now:      time.Now,
		logger:   logger,
	}
}

// SetOnRateLimit sets the callback for rate limit events
func (h *Handler) SetOnRateLimit(callback func(event Event)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRateLimit = callback
}

// SetOnRecovered sets the callback for recovery from rate limit
func (h *Handler) SetOnRecovered(callback func(host string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onRecovered = callback
}

// IsStatusRateLimited reports whether a status code signals throttling
func IsStatusRateLimited(code int) bool {
	return code == http.StatusTooManyRequests || // 429
		code == http.StatusForbidden || // tile CDNs often answer 403 when throttling
		code == 509 // Bandwidth Limit Exceeded
}

// InCooldown reports whether host is inside an active cooldown window
func (h *Handler) InCooldown(host string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ev, ok := h.limited[host]
	return ok && h.now().Before(ev.CooldownEnd)
}

// CheckResponse records the response status for host and reports whether it was a rate limit
func (h *Handler) CheckResponse(host string, statusCode int) bool {
	if !IsStatusRateLimited(statusCode) {
		if statusCode == http.StatusOK {
			h.checkRecovery(host)
		}
		return false
	}
	h.record(host, statusCode)
	return true
}

func (h *Handler) record(host string, statusCode int) {
	h.mu.Lock()

	occurrence := 0
	if existing, ok := h.limited[host]; ok {
		occurrence = existing.Occurrence + 1
	}

	interval := h.strategy.Intervals[len(h.strategy.Intervals)-1]
	if occurrence < len(h.strategy.Intervals) {
		interval = h.strategy.Intervals[occurrence]
	}

	now := h.now()
	event := Event{
		Timestamp:   now,
		Host:        host,
		StatusCode:  statusCode,
		Occurrence:  occurrence,
		CooldownEnd: now.Add(interval),
	}
	h.limited[host] = &event
	callback := h.onRateLimit
	h.mu.Unlock()

	h.logger.Warn("tile server rate limited",
		"host", host, "status", statusCode, "occurrence", occurrence, "cooldown_end", event.CooldownEnd)

	if callback != nil {
		callback(event)
	}
}

func (h *Handler) checkRecovery(host string) {
	h.mu.Lock()
	_, ok := h.limited[host]
	if ok {
		delete(h.limited, host)
	}
	callback := h.onRecovered
	h.mu.Unlock()

	if !ok {
		return
	}
	h.logger.Info("tile server rate limit cleared", "host", host)
	if callback != nil {
		callback(host)
	}
}

// Reset clears the state for host, e.g. after the user chose to retry manually
func (h *Handler) Reset(host string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.limited, host)
}

// CurrentState returns a copy of the current event for host, or nil
func (h *Handler) CurrentState(host string) *Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if ev, ok := h.limited[host]; ok {
		cp := *ev
		return &cp
	}
	return nil
}

// Limited returns the hosts that currently have a recorded rate limit
func (h *Handler) Limited() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()

	events := make([]Event, 0, len(h.limited))
	for _, ev := range h.limited {
		events = append(events, *ev)
	}
	return events
}
