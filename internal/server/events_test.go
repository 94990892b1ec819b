package server

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ssd-technologies/beam/internal/config"
)

func TestEvents_StreamsSnapshots(t *testing.T) {
	srv, ts := setupTestServer(t, testConfig(config.AuthNone))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first transfersResponse
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&first))
	assert.Empty(t, first.Active)

	done := startUpload(ts, "live.bin", strings.NewReader("hi"), nil)
	waitPending(t, srv, "live.bin")

	// A later snapshot shows the pending upload.
	deadline := time.Now().Add(3 * time.Second)
	seen := false
	for !seen && time.Now().Before(deadline) {
		var snap transfersResponse
		conn.SetReadDeadline(deadline)
		require.NoError(t, conn.ReadJSON(&snap))
		for _, id := range snap.Active {
			if id == "live.bin" {
				seen = true
			}
		}
	}
	assert.True(t, seen, "pending upload never appeared in the event feed")

	download(t, ts, "live.bin", nil)
	awaitUpload(t, done)
}
