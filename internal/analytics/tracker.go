// Package analytics sends anonymous usage events to PostHog.
package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	goruntime "runtime"

	"github.com/posthog/posthog-go"

	"map-compositor/internal/logging"
)

// Event names
const (
	EventMosaicComplete = "mosaic_complete"
	EventMosaicFailed   = "mosaic_failed"
	EventClassify       = "point_classified"
)

// client is the subset of posthog.Client the tracker uses
type client interface {
	Enqueue(posthog.Message) error
	Close() error
}

// Tracker enqueues events. A nil or disabled Tracker drops everything.
type Tracker struct {
	client     client
	distinctID string
	version    string
	logger     *slog.Logger
}

// New creates a tracker. An empty key disables tracking.
func New(key, host, version string, logger *slog.Logger) *Tracker {
	logger = logging.OrDefault(logger)
	t := &Tracker{distinctID: installID(), version: version, logger: logger}
	if key == "" {
		return t
	}

	c, err := posthog.NewWithConfig(key, posthog.Config{Endpoint: host})
	if err != nil {
		logger.Warn("failed to initialize PostHog", "error", err)
		return t
	}
	t.client = c
	return t
}

// Enabled reports whether events are being sent
func (t *Tracker) Enabled() bool {
	return t != nil && t.client != nil
}

// Track sends an event with the standard properties added
func (t *Tracker) Track(event string, props map[string]interface{}) {
	if !t.Enabled() {
		return
	}
	p := posthog.NewProperties().
		Set("version", t.version).
		Set("os", goruntime.GOOS).
		Set("arch", goruntime.GOARCH)
	for k, v := range props {
		p.Set(k, v)
	}
	if err := t.client.Enqueue(posthog.Capture{
		DistinctId: t.distinctID,
		Event:      event,
		Properties: p,
	}); err != nil {
		t.logger.Debug("analytics event dropped", "event", event, "error", err)
	}
}

// Close flushes pending events
func (t *Tracker) Close() {
	if !t.Enabled() {
		return
	}
	if err := t.client.Close(); err != nil {
		t.logger.Debug("analytics close failed", "error", err)
	}
}

// installID is a stable anonymous identifier for this machine
func installID() string {
	host, _ := os.Hostname()
	sum := sha256.Sum256([]byte("mapcompose:" + host))
	return hex.EncodeToString(sum[:8])
}
