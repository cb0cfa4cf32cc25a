package livechat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the duplex channel.
type RealtimeConfig struct {
	Token string
	// AutoReconnect redials with exponential backoff after a drop.
	AutoReconnect bool
	// MaxReconnectAttempts bounds consecutive failed redials. 0 is unlimited.
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	// SendQueueSize is the number of frames buffered ahead of the writer.
	SendQueueSize int
	// SendTimeout is how long Send waits for room in a full queue before
	// returning ErrBackpressure.
	SendTimeout time.Duration
	// SendRate and SendBurst pace frames onto the wire.
	SendRate   rate.Limit
	SendBurst  int
	ReadLimit  int64
	Logger     *slog.Logger
	HTTPClient *http.Client
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.SendTimeout == 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.SendRate == 0 {
		c.SendRate = 50
	}
	if c.SendBurst == 0 {
		c.SendBurst = 100
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = 1 << 20
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

// nextDelay returns the backoff before the next attempt and the attempt
// number. A connection that stayed up for a minute resets the backoff.
func (r *reconnector) nextDelay() (time.Duration, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay, r.attempt
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a reconnecting WebSocket channel. Inbound frames are
// delivered to message handlers one at a time, in arrival order, on the
// read goroutine. Open handlers run before the first frame of every
// connection is read.
type RealtimeClient struct {
	url     string
	config  *RealtimeConfig
	logger  *slog.Logger
	limiter *rate.Limiter
	recon   *reconnector

	mu               sync.Mutex
	state            RealtimeState
	conn             *websocket.Conn
	out              chan []byte
	connCtx          context.Context
	cancelConn       context.CancelFunc
	lifeCtx          context.Context
	cancelLife       context.CancelFunc
	intentionalClose bool

	handlersMu     sync.RWMutex
	onOpen         []func(context.Context)
	onMessage      []func([]byte)
	onClose        []func(int, string)
	onReconnecting []func(int, time.Duration)
}

// NewRealtimeClient returns a disconnected client for the ws:// or wss://
// endpoint rawURL.
func NewRealtimeClient(rawURL string, config RealtimeConfig) *RealtimeClient {
	config.defaults()
	return &RealtimeClient{
		url:     rawURL,
		config:  &config,
		logger:  config.Logger,
		limiter: rate.NewLimiter(config.SendRate, config.SendBurst),
		recon:   newReconnector(&config),
		state:   StateDisconnected,
	}
}

// OnOpen registers a handler run on every successful (re)connect. ctx is
// cancelled when that connection drops.
func (rc *RealtimeClient) OnOpen(h func(ctx context.Context)) {
	rc.handlersMu.Lock()
	rc.onOpen = append(rc.onOpen, h)
	rc.handlersMu.Unlock()
}

// OnMessage registers a handler for inbound frames.
func (rc *RealtimeClient) OnMessage(h func(data []byte)) {
	rc.handlersMu.Lock()
	rc.onMessage = append(rc.onMessage, h)
	rc.handlersMu.Unlock()
}

// OnClose registers a handler for connection drops. code is the WebSocket
// close status, or -1 when the connection failed without one.
func (rc *RealtimeClient) OnClose(h func(code int, reason string)) {
	rc.handlersMu.Lock()
	rc.onClose = append(rc.onClose, h)
	rc.handlersMu.Unlock()
}

// OnReconnecting registers a handler run before each redial.
func (rc *RealtimeClient) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.handlersMu.Lock()
	rc.onReconnecting = append(rc.onReconnecting, h)
	rc.handlersMu.Unlock()
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect dials the endpoint. It returns once the first connection is open
// and the open handlers have run. Later drops are redialed in the
// background when AutoReconnect is set.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.mu.Lock()
	if rc.state != StateDisconnected {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	if rc.lifeCtx == nil || rc.lifeCtx.Err() != nil {
		rc.lifeCtx, rc.cancelLife = context.WithCancel(context.Background())
	}
	rc.mu.Unlock()

	rc.recon.reset()
	if err := rc.dial(ctx); err != nil {
		rc.setState(StateDisconnected)
		return err
	}
	return nil
}

// Disconnect closes the channel and stops reconnecting. Queued frames are
// dropped.
func (rc *RealtimeClient) Disconnect() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	conn := rc.conn
	cancelConn, cancelLife := rc.cancelConn, rc.cancelLife
	rc.conn, rc.out = nil, nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	if cancelConn != nil {
		cancelConn()
	}
	if cancelLife != nil {
		cancelLife()
	}
	rc.emitClose(int(websocket.StatusNormalClosure), "client disconnect")
	return err
}

// Send queues one text frame. It returns ErrNotConnected while the channel
// is down and ErrBackpressure when the queue stays full for SendTimeout.
func (rc *RealtimeClient) Send(ctx context.Context, data []byte) error {
	rc.mu.Lock()
	out, connCtx := rc.out, rc.connCtx
	rc.mu.Unlock()
	if out == nil {
		return ErrNotConnected
	}

	select {
	case out <- data:
		return nil
	default:
	}

	timer := time.NewTimer(rc.config.SendTimeout)
	defer timer.Stop()
	select {
	case out <- data:
		return nil
	case <-connCtx.Done():
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrBackpressure
	}
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) dial(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, rc.config.DialTimeout)
	defer cancel()

	target, err := withToken(rc.url, rc.config.Token)
	if err != nil {
		return err
	}
	// The dial deadline comes from ctx; a client-level timeout would also
	// bound the hijacked connection.
	hc := *rc.config.HTTPClient
	hc.Timeout = 0
	conn, _, err := websocket.Dial(dialCtx, target, &websocket.DialOptions{
		HTTPClient: &hc,
	})
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(rc.config.ReadLimit)

	rc.mu.Lock()
	if rc.intentionalClose || rc.lifeCtx.Err() != nil {
		rc.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return ErrClosed
	}
	connCtx, cancelConn := context.WithCancel(rc.lifeCtx)
	out := make(chan []byte, rc.config.SendQueueSize)
	rc.conn, rc.out = conn, out
	rc.connCtx, rc.cancelConn = connCtx, cancelConn
	rc.state = StateConnected
	rc.mu.Unlock()
	rc.recon.markConnected()
	rc.logger.Info("channel_open", "url", rc.url)

	go rc.writeLoop(connCtx, conn, out)
	go rc.heartbeatLoop(connCtx, conn)

	rc.handlersMu.RLock()
	openers := append([]func(context.Context){}, rc.onOpen...)
	rc.handlersMu.RUnlock()
	for _, h := range openers {
		h(connCtx)
	}

	go rc.readLoop(connCtx, conn)
	return nil
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			rc.handleDrop(conn, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		rc.handlersMu.RLock()
		handlers := rc.onMessage
		rc.handlersMu.RUnlock()
		for _, h := range handlers {
			h(data)
		}
	}
}

func (rc *RealtimeClient) writeLoop(ctx context.Context, conn *websocket.Conn, out <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-out:
			if err := rc.limiter.Wait(ctx); err != nil {
				return
			}
			wctx, cancel := context.WithTimeout(ctx, rc.config.WriteTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				rc.logger.Warn("write_failed", "error", err)
				conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pctx)
			cancel()
			if err != nil && ctx.Err() == nil {
				rc.logger.Warn("heartbeat_failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (rc *RealtimeClient) handleDrop(conn *websocket.Conn, err error) {
	rc.mu.Lock()
	if rc.conn != conn {
		rc.mu.Unlock()
		return
	}
	if rc.cancelConn != nil {
		rc.cancelConn()
	}
	rc.conn, rc.out = nil, nil
	rc.state = StateDisconnected
	intentional := rc.intentionalClose
	lifeCtx := rc.lifeCtx
	rc.mu.Unlock()

	if intentional {
		return
	}
	code := int(websocket.CloseStatus(err))
	rc.logger.Info("channel_dropped", "code", code, "error", err)
	rc.emitClose(code, err.Error())

	if rc.config.AutoReconnect {
		rc.reconnect(lifeCtx)
	}
}

func (rc *RealtimeClient) reconnect(ctx context.Context) {
	for rc.recon.shouldReconnect() {
		if ctx.Err() != nil {
			return
		}
		delay, attempt := rc.recon.nextDelay()
		rc.setState(StateReconnecting)
		rc.emitReconnecting(attempt, delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}

		err := rc.dial(ctx)
		if err == nil {
			return
		}
		if errors.Is(err, ErrClosed) || ctx.Err() != nil {
			return
		}
		rc.logger.Warn("reconnect_failed", "attempt", attempt, "error", err)
	}
	rc.setState(StateDisconnected)
	rc.logger.Error("reconnect_gave_up")
}

func (rc *RealtimeClient) emitClose(code int, reason string) {
	rc.handlersMu.RLock()
	handlers := append([]func(int, string){}, rc.onClose...)
	rc.handlersMu.RUnlock()
	for _, h := range handlers {
		h(code, reason)
	}
}

func (rc *RealtimeClient) emitReconnecting(attempt int, delay time.Duration) {
	rc.handlersMu.RLock()
	handlers := append([]func(int, time.Duration){}, rc.onReconnecting...)
	rc.handlersMu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

// websocketURL turns an http(s) base URL and a path into a ws(s) URL.
func websocketURL(baseURL, path string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/") + path
}

func withToken(rawURL, token string) (string, error) {
	if token == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
