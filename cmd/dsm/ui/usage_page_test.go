package ui

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"dsmessenger/internal/protocol"
	"dsmessenger/internal/usage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderUsage(t *testing.T) {
	styles := NewStyles(LightTheme())
	assert.Contains(t, RenderUsage(styles, nil, 0), "not available")

	tracker, err := usage.NewTracker(filepath.Join(t.TempDir(), "usage.json"))
	require.NoError(t, err)
	defer tracker.Close()

	ctx := context.Background()
	tracker.Track(ctx, "authenticate", 60, 40, nil)
	tracker.Track(ctx, "fetch_unread", 50, 2048, nil)
	tracker.Track(ctx, "directmessage", 80, 0, errors.New("boom"))
	tracker.TrackMessages([]protocol.DirectMessage{
		{Text: "a", From: "bob"},
		{Text: "b", From: "bob"},
		{Text: "c", Recipient: "carol"},
	})

	out := RenderUsage(styles, tracker, 0)
	for _, want := range []string{"Requests:  3", "fetch_unread", "authenticate", "bob", "carol", "2.0 KiB", "Errors:    1"} {
		assert.Contains(t, out, want)
	}

	assert.Contains(t, StatusLine(tracker), "3 req")
	assert.Equal(t, "", StatusLine(nil))

	page := NewUsagePageModel(tracker, styles)
	page.SetSize(60, 30)
	assert.Contains(t, page.View(), "Traffic")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.0 KiB", formatBytes(1024))
	assert.Equal(t, "1.5 MiB", formatBytes(1536*1024))
}
