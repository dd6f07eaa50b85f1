package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jiascheduler/comet-agent/internal/bridge"
	"github.com/jiascheduler/comet-agent/internal/transport"
)

var testUpgrader = websocket.Upgrader{}

// newEchoComet serves one WS upgrade per connection and echoes every frame
// it receives back to the client, standing in for a coordinator in tests.
func newEchoComet(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/evt/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var f bridge.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
	})
	return httptest.NewServer(mux)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// The Client dials, delivers inbound frames to the provided callback, and
// Send writes a frame back over the same connection.
func TestClient_ConnectSendReceive(t *testing.T) {
	comet := newEchoComet(t)
	defer comet.Close()

	stateDir := t.TempDir()
	c := transport.New(transport.Config{
		CometAddrs:   []string{wsURL(comet.URL)},
		Namespace:    "default",
		SharedSecret: "secret",
		StateDir:     stateDir,
		LocalIP:      "10.0.0.1",
		MacAddr:      "aa:bb:cc:dd:ee:ff",
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan bridge.Frame, 1)
	go c.Run(ctx, func(_ context.Context, f bridge.Frame) {
		delivered <- f
	})

	require.Eventually(t, func() bool {
		return c.Send(context.Background(), bridge.Frame{ID: "ping-1", Kind: "DispatchJobRequest"}) == nil
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case f := <-delivered:
		assert.Equal(t, "ping-1", f.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("echoed frame never arrived")
	}
}

// Send before any connection has been established fails fast instead of
// blocking.
func TestClient_SendWithNoConnection(t *testing.T) {
	c := transport.New(transport.Config{
		CometAddrs:   []string{"ws://127.0.0.1:1"},
		Namespace:    "default",
		SharedSecret: "secret",
		StateDir:     t.TempDir(),
		LocalIP:      "10.0.0.1",
		MacAddr:      "aa:bb:cc:dd:ee:ff",
	}, zap.NewNop())

	err := c.Send(context.Background(), bridge.Frame{ID: "x"})
	assert.Error(t, err)
}

func TestEndpointKey_StableFormat(t *testing.T) {
	assert.Equal(t, "10.0.0.1|aa:bb:cc:dd:ee:ff", transport.EndpointKey("10.0.0.1", "aa:bb:cc:dd:ee:ff"))
}
