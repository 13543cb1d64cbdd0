package control

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sys/unix"

	proxyerrors "github.com/imaging-tech-hub/dicom-proxy/errors"
	"github.com/imaging-tech-hub/dicom-proxy/repo"
)

const (
	pingInterval        = 120 * time.Second
	pingTimeout         = 300 * time.Second
	configUpdateTimeout = 5 * time.Second
	defaultHealthEvery  = 10 * time.Second
	defaultReconnect    = 5 * time.Second
	healthCheckSoftCap  = 20 * time.Second
)

// NodeVerifier is the subset of *dispatch.Dispatcher the health worker
// needs.
type NodeVerifier interface {
	VerifyNode(ctx context.Context, node *repo.NodeConfig) bool
}

// NodeSource is the subset of *registry.NodeRegistry the health worker
// needs.
type NodeSource interface {
	Active() []*repo.NodeConfig
	SetReachable(nodeID string, reachable bool)
}

// DispatchCounter is the subset of *dispatch.LockManager the heartbeat
// worker needs to report how many dispatches are in flight.
type DispatchCounter interface {
	Count() int
}

// EventDispatcher handles one decoded inbound event, keyed by its
// event_type (spec §4.9). Implemented by package events.
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType string, env Envelope) error
}

// Option configures a Client.
type Option func(*Client)

// WithHealthInterval overrides the default 10s health worker tick.
func WithHealthInterval(d time.Duration) Option {
	return func(c *Client) { c.healthInterval = d }
}

// WithReconnectDelay overrides the default 5s reconnect delay.
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Client) { c.reconnectDelay = d }
}

// Client drives the outbound control-channel WebSocket connection.
type Client struct {
	url            string
	ipAddress      string
	port           int
	aeTitle        string
	apiURL         string
	proxyVersion   string
	diskPath       string
	nodes          NodeSource
	dispatches     DispatchCounter
	verifier       NodeVerifier
	dispatcher     EventDispatcher
	logger         *slog.Logger
	healthInterval time.Duration
	reconnectDelay time.Duration

	mu          sync.Mutex
	conn        *websocket.Conn
	workspaceID string
	proxyID     string
}

// Params bundles the identity fields the proxy announces via config_update.
type Params struct {
	URL          string // <wsBase>/api/v1/proxy/ws?proxy_key=<key>
	IPAddress    string
	Port         int
	AETitle      string
	APIURL       string
	ProxyVersion string
	DiskPath     string // directory statted for the heartbeat's disk_usage_gb
}

// New builds a Client. nodes/verifier back the periodic health worker;
// dispatcher handles every inbound event_type message; dispatches reports
// how many dispatch operations are in flight for the heartbeat payload.
func New(params Params, nodes NodeSource, verifier NodeVerifier, dispatcher EventDispatcher, dispatches DispatchCounter, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		url:            params.URL,
		ipAddress:      params.IPAddress,
		port:           params.Port,
		aeTitle:        params.AETitle,
		apiURL:         params.APIURL,
		proxyVersion:   params.ProxyVersion,
		diskPath:       params.DiskPath,
		nodes:          nodes,
		dispatches:     dispatches,
		verifier:       verifier,
		dispatcher:     dispatcher,
		logger:         logger,
		healthInterval: defaultHealthEvery,
		reconnectDelay: defaultReconnect,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run connects, handles the identity/config_update handshake, starts the
// health worker, and reads events until ctx is cancelled, reconnecting with
// backoff on any error. It returns only when ctx is done.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.WithContext(backoff.NewConstantBackOff(c.reconnectDelay), ctx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn("control channel disconnected, reconnecting", "error", err)
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return proxyerrors.NewControlChannelError("reconnect", errors.New("backoff exhausted"))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return proxyerrors.NewControlChannelError("dial", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pingTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingTimeout))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.establishIdentity(conn); err != nil {
		return err
	}
	if err := c.sendConfigUpdate(conn); err != nil {
		c.logger.Warn("config_update not acknowledged in time", "error", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pingLoop(runCtx, conn)
	}()
	go func() {
		defer wg.Done()
		c.healthLoop(runCtx, conn)
	}()

	readErr := c.readLoop(runCtx, conn)
	cancel()
	wg.Wait()
	return readErr
}

// establishIdentity implements spec §4.8's connect handshake: either an
// explicit {"type":"connected",...} message, or the first event message
// doubling as the identity carrier.
func (c *Client) establishIdentity(conn *websocket.Conn) error {
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return proxyerrors.NewControlChannelError("identity handshake", err)
	}

	c.mu.Lock()
	c.workspaceID = env.WorkspaceID
	c.proxyID = env.ProxyID
	c.mu.Unlock()

	if env.Type != "connected" && env.EventType != "" {
		c.dispatchEvent(context.Background(), env)
	}
	return nil
}

func (c *Client) sendConfigUpdate(conn *websocket.Conn) error {
	update := ConfigUpdate{
		Type:         "config_update",
		IPAddress:    c.ipAddress,
		Port:         c.port,
		AETitle:      c.aeTitle,
		APIURL:       c.apiURL,
		ProxyVersion: c.proxyVersion,
	}
	if err := conn.WriteJSON(update); err != nil {
		return proxyerrors.NewControlChannelError("config_update send", err)
	}

	conn.SetReadDeadline(time.Now().Add(configUpdateTimeout))
	defer conn.SetReadDeadline(time.Now().Add(pingTimeout))

	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		return proxyerrors.NewControlChannelError("config_update_response wait", err)
	}
	if env.Type != "config_update_response" {
		c.dispatchEvent(context.Background(), env)
	}
	return nil
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *Client) healthLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runHealthCheck(ctx, conn)
		}
	}
}

func (c *Client) runHealthCheck(ctx context.Context, conn *websocket.Conn) {
	checkCtx, cancel := context.WithTimeout(ctx, healthCheckSoftCap)
	defer cancel()

	nodes := c.nodes.Active()
	health := make([]NodeHealth, 0, len(nodes))
	changed := false
	for _, node := range nodes {
		reachable := c.verifier.VerifyNode(checkCtx, node)
		if reachable != node.IsReachable {
			changed = true
		}
		c.nodes.SetReachable(node.NodeID, reachable)
		health = append(health, NodeHealth{NodeID: node.NodeID, IsReachable: reachable})
	}

	update := HealthUpdate{
		Type:         "health_update",
		ProxyStatus:  "online",
		ProxyVersion: c.proxyVersion,
		Nodes:        health,
	}
	c.writeJSON(conn, update)

	if changed {
		online := 0
		for _, n := range health {
			if n.IsReachable {
				online++
			}
		}
		c.mu.Lock()
		workspaceID, proxyID := c.workspaceID, c.proxyID
		c.mu.Unlock()
		heartbeat := Heartbeat{
			EventType:     "proxy.heartbeat",
			WorkspaceID:   workspaceID,
			Timestamp:     isoNow(),
			CorrelationID: uuid.NewString(),
			EntityType:    "proxy",
			EntityID:      proxyID,
			Payload: HeartbeatPayload{
				Status:           "active",
				NodesOnline:      online,
				NodesTotal:       len(nodes),
				ActiveDispatches: c.activeDispatches(),
				DiskUsageGB:      c.diskUsageGB(),
				Version:          c.proxyVersion,
			},
		}
		c.writeJSON(conn, heartbeat)
	}
}

func (c *Client) activeDispatches() int {
	if c.dispatches == nil {
		return 0
	}
	return c.dispatches.Count()
}

// diskUsageGB reports used space at diskPath in binary gigabytes; a stat
// failure (e.g. diskPath unset) reports 0 rather than failing the
// heartbeat.
func (c *Client) diskUsageGB() float64 {
	if c.diskPath == "" {
		return 0
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(c.diskPath, &stat); err != nil {
		return 0
	}
	usedBlocks := stat.Blocks - stat.Bfree
	usedBytes := usedBlocks * uint64(stat.Bsize)
	return float64(usedBytes) / (1 << 30)
}

// SendOfflineHealthUpdate sends the final health_update on graceful
// shutdown, per spec §4.8.
func (c *Client) SendOfflineHealthUpdate() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeJSON(conn, HealthUpdate{
		Type:         "health_update",
		ProxyStatus:  "offline",
		ProxyVersion: c.proxyVersion,
	})
}

func (c *Client) writeJSON(conn *websocket.Conn, v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		c.logger.Warn("control channel write failed", "error", err)
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return proxyerrors.NewControlChannelError("read", err)
		}
		c.handleInbound(ctx, env)
	}
}

// handleInbound implements spec §4.8's inbound routing: ignore ping,
// record health/config ack responses, otherwise dispatch by event_type.
func (c *Client) handleInbound(ctx context.Context, env Envelope) {
	switch env.Type {
	case "ping":
		return
	case "health_update_response", "config_update_response":
		c.logger.Debug("control channel ack received", "type", env.Type)
		return
	}
	c.dispatchEvent(ctx, env)
}

func (c *Client) dispatchEvent(ctx context.Context, env Envelope) {
	eventType := env.EventType
	unwrapped := env
	if eventType == "" && env.Data != nil && env.Data.Payload.EventType != "" {
		eventType = env.Data.Payload.EventType
		unwrapped.EventType = eventType
		unwrapped.Payload = env.Data.Payload.Payload
	}
	if eventType == "" {
		return
	}
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Dispatch(ctx, eventType, unwrapped); err != nil {
		c.logger.Error("event dispatch failed", "event_type", eventType, "correlation_id", env.CorrelationID, "error", err)
	}
}

// SendDispatchStatus emits one dispatch.status event, used by the events
// package during long-running downloads (spec §4.9 step 3).
func (c *Client) SendDispatchStatus(status DispatchStatus) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	c.writeJSON(conn, status)
}
