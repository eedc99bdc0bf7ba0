package analytics

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/posthog/posthog-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	messages []posthog.Message
	closed   bool
	err      error
}

func (f *fakeClient) Enqueue(m posthog.Message) error {
	f.messages = append(f.messages, m)
	return f.err
}

func (f *fakeClient) Close() error {
	f.closed = true
	return nil
}

func TestTrackerDisabled(t *testing.T) {
	tr := New("", "", "1.0.0", nil)
	assert.False(t, tr.Enabled())
	tr.Track(EventMosaicComplete, nil)
	tr.Close()

	var nilTracker *Tracker
	assert.False(t, nilTracker.Enabled())
	nilTracker.Track(EventMosaicFailed, nil)
	nilTracker.Close()
}

func TestTrackerEnqueuesCapture(t *testing.T) {
	fc := &fakeClient{}
	tr := &Tracker{client: fc, distinctID: "abc", version: "1.2.3", logger: slog.Default()}

	tr.Track(EventMosaicComplete, map[string]interface{}{"zoom": 18, "failed": 0})
	require.Len(t, fc.messages, 1)

	c, ok := fc.messages[0].(posthog.Capture)
	require.True(t, ok)
	assert.Equal(t, "abc", c.DistinctId)
	assert.Equal(t, EventMosaicComplete, c.Event)
	assert.Equal(t, 18, c.Properties["zoom"])
	assert.Equal(t, "1.2.3", c.Properties["version"])
	assert.Contains(t, c.Properties, "os")

	fc.err = errors.New("queue full")
	tr.Track(EventMosaicFailed, nil)
	assert.Len(t, fc.messages, 2)

	tr.Close()
	assert.True(t, fc.closed)
}

func TestInstallIDStable(t *testing.T) {
	assert.Equal(t, installID(), installID())
	assert.Len(t, installID(), 16)
}
