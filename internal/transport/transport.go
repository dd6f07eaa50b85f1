// Package transport is the Transport Client: it maintains a single
// WebSocket session to one of several configured comets, reconnecting with
// a fixed 1s backoff and round-robin comet rotation on any failure, and
// fans inbound frames to the Request Router (internal/bridge).
//
// It persists its agent-state-on-disk (the comet rotation position) the same way a
// long-running connection manager would across restarts, and carries
// frames over a client-dialed gorilla/websocket connection.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/jiascheduler/comet-agent/internal/bridge"
	"github.com/jiascheduler/comet-agent/internal/metrics"
)

const (
	// reconnectBackoff is the fixed backoff between reconnect attempts.
	// There are no other implicit timeouts in the reconnect path.
	reconnectBackoff = 1 * time.Second

	// handshakeTimeout bounds the WS upgrade handshake.
	handshakeTimeout = 5 * time.Second

	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// heartbeatInterval is the cadence of outbound HeartbeatRequest frames.
	heartbeatInterval = 60 * time.Second
)

// HeartbeatPayload is the body of an outbound HeartbeatRequest. Metrics is
// attached best-effort; a failed sample leaves it nil rather than blocking
// the heartbeat.
type HeartbeatPayload struct {
	Namespace string            `json:"namespace"`
	MacAddr   string            `json:"mac_addr"`
	SourceIP  string            `json:"source_ip"`
	Metrics   *metrics.Snapshot `json:"metrics,omitempty"`
}

// Config holds the parameters needed to connect to a rotation of comets.
type Config struct {
	// CometAddrs is the list of comet WS base URLs (e.g.
	// "ws://comet1:8080"), rotated round-robin on every reconnect attempt.
	CometAddrs []string
	// Namespace selects the /evt/{namespace} endpoint path.
	Namespace string
	// SharedSecret is sent as a bearer token on every connection attempt.
	SharedSecret string
	// StateDir is where the comet rotation position (the index of the comet
	// to dial next) is persisted. The endpoint key is not persisted.
	StateDir string
	// LocalIP and MacAddr make up the endpoint key.
	LocalIP string
	MacAddr string
}

// endpointState is persisted so the comet rotation survives restarts.
type endpointState struct {
	LastCometIndex int `json:"last_comet_index"`
}

func stateFilePath(dir string) string {
	return filepath.Join(dir, "agent-state.json")
}

func loadState(dir string) endpointState {
	data, err := os.ReadFile(stateFilePath(dir))
	if err != nil {
		return endpointState{}
	}
	var s endpointState
	_ = json.Unmarshal(data, &s)
	return s
}

func saveState(dir string, s endpointState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("transport: failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("transport: failed to create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "agent-state.*.tmp")
	if err != nil {
		return fmt.Errorf("transport: failed to create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("transport: failed to write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("transport: failed to close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(dir)); err != nil {
		return fmt.Errorf("transport: failed to rename state file: %w", err)
	}
	ok = true
	return nil
}

// EndpointKey returns the stable identity string {local_ip, mac_addr} used
// for the agent's routing identity.
func EndpointKey(localIP, macAddr string) string {
	return fmt.Sprintf("%s|%s", localIP, macAddr)
}

// Client maintains the persistent WS connection and implements
// bridge.Sender so the Bridge can write frames without knowing about
// WebSocket framing.
type Client struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	cometIdx  int
	writeLock sync.Mutex
}

// New creates a Client. Call Run to start the connect/reconnect loop.
func New(cfg Config, logger *zap.Logger) *Client {
	st := loadState(cfg.StateDir)
	return &Client{
		cfg:      cfg,
		logger:   logger.Named("transport"),
		cometIdx: st.LastCometIndex,
	}
}

// Run dials the current comet, authenticates, and feeds every inbound frame
// to deliver. On any failure it sleeps reconnectBackoff, rotates to the next
// comet, and retries. Blocks until ctx is cancelled.
func (c *Client) Run(ctx context.Context, deliver func(context.Context, bridge.Frame)) {
	for {
		if ctx.Err() != nil {
			c.logger.Info("transport stopped")
			return
		}

		addr := c.nextComet()
		c.logger.Info("connecting to comet", zap.String("addr", addr))

		if err := c.session(ctx, addr, deliver); err != nil && ctx.Err() == nil {
			c.logger.Warn("session ended, reconnecting",
				zap.String("addr", addr),
				zap.Error(err),
				zap.Duration("backoff", reconnectBackoff),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectBackoff):
			}
		}
	}
}

// nextComet returns the comet to dial and advances the rotation for the
// following attempt — round-robin over the configured list.
func (c *Client) nextComet() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr := c.cfg.CometAddrs[c.cometIdx%len(c.cfg.CometAddrs)]
	c.cometIdx = (c.cometIdx + 1) % len(c.cfg.CometAddrs)

	if err := saveState(c.cfg.StateDir, endpointState{LastCometIndex: c.cometIdx}); err != nil {
		c.logger.Warn("failed to persist comet rotation state", zap.Error(err))
	}
	return addr
}

// session dials one comet, reads frames until the connection drops, and
// feeds each to deliver. Frames within one connection are FIFO; ordering is
// not preserved across reconnects.
func (c *Client) session(ctx context.Context, addr string, deliver func(context.Context, bridge.Frame)) error {
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("transport: invalid comet address %q: %w", addr, err)
	}
	u.Path = fmt.Sprintf("/evt/%s", c.cfg.Namespace)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.SharedSecret)
	header.Set("X-Endpoint-Key", EndpointKey(c.cfg.LocalIP, c.cfg.MacAddr))

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("transport: dial failed: %w", err)
	}
	defer conn.Close()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("addr", addr))

	for {
		var f bridge.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("unexpected close", zap.Error(err))
			}
			return fmt.Errorf("transport: read failed: %w", err)
		}
		deliver(ctx, f)
	}
}

// Send implements bridge.Sender: it writes one frame to the active
// connection. gorilla/websocket connections are not safe for concurrent
// writes, so all sends serialize on writeLock.
func (c *Client) Send(ctx context.Context, f bridge.Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return errors.New("transport: no active connection")
	}

	c.writeLock.Lock()
	defer c.writeLock.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return fmt.Errorf("transport: failed to set write deadline: %w", err)
	}
	if err := conn.WriteJSON(f); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

// Requester is the subset of Bridge used to send the heartbeat request.
type Requester interface {
	Request(ctx context.Context, kind string, payload any) (json.RawMessage, error)
}

// RunHeartbeat sends a HeartbeatRequest every 60s until ctx is cancelled.
// Failures are logged only, per the heartbeat's best-effort contract.
func (c *Client) RunHeartbeat(ctx context.Context, requester Requester) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sendHeartbeat(ctx, requester)
		}
	}
}

func (c *Client) sendHeartbeat(ctx context.Context, requester Requester) {
	payload := HeartbeatPayload{
		Namespace: c.cfg.Namespace,
		MacAddr:   c.cfg.MacAddr,
		SourceIP:  c.cfg.LocalIP,
	}

	snap, err := metrics.Collect(ctx)
	if err != nil {
		c.logger.Warn("failed to sample host metrics for heartbeat", zap.Error(err))
	} else {
		payload.Metrics = &snap
	}

	if _, err := requester.Request(ctx, "HeartbeatRequest", payload); err != nil {
		c.logger.Warn("heartbeat failed", zap.Error(err))
	}
}
