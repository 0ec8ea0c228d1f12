package stream

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"operator-autopilot/internal/api"
	"operator-autopilot/internal/apperr"
	"operator-autopilot/internal/config"
	"operator-autopilot/internal/models"
	"operator-autopilot/internal/storage"
)

// Errors reported by Connect. The controller has already logged them;
// background callers may ignore them.
var (
	ErrLeaseHeld = apperr.New(apperr.CodeLockContention, "stream held by another process")
	ErrStopped   = apperr.New(apperr.CodeHostInvalidated, "stream controller stopped")
	ErrDisabled  = errors.New("monitoring disabled")
)

// FrameHandler consumes decoded application frames in arrival order. It runs
// on the connection's read goroutine, so pongs queue behind it: a call must
// finish well within PongTimeout.
type FrameHandler interface {
	HandleFrame(ctx context.Context, event string, payload json.RawMessage)
}

// Leases is the cross-process lease store
type Leases interface {
	TryAcquire(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, operation, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, operation, owner string) error
}

// Flags persists the monitoring flags
type Flags interface {
	GetBool(ctx context.Context, field string, def bool) (bool, error)
	Set(ctx context.Context, field string, v any) error
}

// SubscriptionChecker gates connecting on an active subscription
type SubscriptionChecker interface {
	CheckSubscription(ctx context.Context) error
}

// Deps are the controller's collaborators
type Deps struct {
	Tokens       api.TokenSource
	Subscription SubscriptionChecker
	Leases       Leases
	Flags        Flags
	Handler      FrameHandler
	Dialer       Dialer
}

// Controller owns this process's Session
type Controller struct {
	cfg    config.StreamConfig
	url    string
	prefix string
	deps   Deps
	owner  string
	logger zerolog.Logger

	mu        sync.Mutex
	session   Session
	ctx       context.Context
	timer     *time.Timer
	exhausted bool
	stopped   bool
}

// NewController creates a controller for the given stream endpoint
func NewController(cfg *config.Config, deps Deps, logger zerolog.Logger) *Controller {
	if deps.Dialer == nil {
		deps.Dialer = WebSocketDialer{HandshakeTimeout: cfg.Stream.DialTimeout}
	}
	owner := uuid.NewString()
	return &Controller{
		cfg:    cfg.Stream,
		url:    cfg.Site.StreamURL,
		prefix: cfg.Site.ChannelPrefix,
		deps:   deps,
		owner:  owner,
		ctx:    context.Background(),
		logger: logger.With().Str("component", "stream").Str("owner", owner[:8]).Logger(),
	}
}

// Owner returns the lease owner id of this process
func (c *Controller) Owner() string {
	return c.owner
}

// Start connects if monitoring is enabled and runs the health check until
// ctx is done, then disconnects.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if enabled, err := c.deps.Flags.GetBool(ctx, storage.FieldMonitoringEnabled, true); err != nil {
		c.backgroundError(err, "read monitoring flag")
	} else if enabled {
		_ = c.Connect(ctx)
	} else {
		c.setRunning(ctx, false)
	}

	c.healthLoop(ctx)

	c.Disconnect(context.Background())
}

// healthLoop periodically reconnects while monitoring is on but the session
// is not live, picking up leases released or expired elsewhere.
func (c *Controller) healthLoop(ctx context.Context) {
	interval := c.cfg.HealthCheckInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			idle := !c.session.State.Live() && c.timer == nil && !c.exhausted && !c.stopped
			c.mu.Unlock()
			if !idle {
				continue
			}
			if enabled, err := c.deps.Flags.GetBool(ctx, storage.FieldMonitoringEnabled, true); err == nil && enabled {
				_ = c.Connect(ctx)
			} else if err != nil {
				c.backgroundError(err, "health check")
			}
		}
	}
}

// Connect opens the stream if preconditions hold: a token, an active
// subscription and the socket lease. Failures are logged and returned.
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.session.State.Live() {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.session.State = models.SessionConnecting
	gen := c.session.gen
	c.mu.Unlock()

	token, err := c.deps.Tokens.Token(ctx)
	if err == nil && token == "" {
		err = api.ErrNoToken
	}
	if err != nil {
		return c.abortConnect(gen, err, "no token available")
	}

	if c.deps.Subscription != nil {
		if err := c.deps.Subscription.CheckSubscription(ctx); err != nil {
			return c.abortConnect(gen, err, "subscription check failed")
		}
	}

	ok, err := c.deps.Leases.TryAcquire(ctx, models.LockSocket, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		return c.abortConnect(gen, err, "lease acquire failed")
	}
	if !ok {
		c.logger.Info().Msg("Stream is held by another process, standing by")
		return c.abortConnect(gen, ErrLeaseHeld, "")
	}

	c.logger.Info().Str("url", c.url).Msg("Connecting to event stream")
	conn, err := c.deps.Dialer.Dial(ctx, c.url, token)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Stream dial failed")
		c.releaseLease()

		c.mu.Lock()
		if c.session.gen == gen && c.session.State == models.SessionConnecting {
			c.session.State = models.SessionClosed
			c.mu.Unlock()
			c.scheduleReconnect()
		} else {
			c.mu.Unlock()
		}
		return err
	}

	c.mu.Lock()
	if c.stopped || c.session.gen != gen || c.session.State != models.SessionConnecting {
		// Disconnected while dialing
		c.mu.Unlock()
		_ = conn.Close()
		c.releaseLease()
		return ErrStopped
	}
	c.session.gen++
	c.session.conn = conn
	c.session.State = models.SessionHandshakePending
	gen = c.session.gen
	if c.cfg.HandshakeTimeout > 0 {
		c.session.handshake = time.AfterFunc(c.cfg.HandshakeTimeout, func() {
			c.handshakeExpired(gen, conn)
		})
	}
	c.mu.Unlock()

	go c.readLoop(gen, conn)
	return nil
}

func (c *Controller) abortConnect(gen uint64, err error, msg string) error {
	c.mu.Lock()
	if c.session.gen == gen && c.session.State == models.SessionConnecting {
		c.session.State = models.SessionIdle
	}
	c.mu.Unlock()

	if apperr.Is(err, apperr.CodeHostInvalidated) {
		c.hardStop(err)
		return err
	}
	if msg != "" {
		c.logger.Warn().Err(err).Msg(msg)
	}
	return err
}

func (c *Controller) readLoop(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, err)
			return
		}
		c.handleFrame(gen, conn, data)
	}
}

func (c *Controller) handleFrame(gen uint64, conn Conn, data []byte) {
	frame, err := ParseFrame(data, c.prefix)
	if err != nil {
		c.logger.Debug().Err(err).Msg("Dropping malformed frame")
		return
	}

	switch frame.Kind {
	case FrameOpen:
		c.mu.Lock()
		pending := c.session.gen == gen && c.session.State == models.SessionHandshakePending
		c.mu.Unlock()
		if pending {
			c.write(gen, conn, frameJoin)
		}

	case FrameConnectAck:
		c.onJoined(gen, conn)

	case FramePing:
		c.write(gen, conn, framePong)

	case FramePong:
		c.onPong(gen, conn)

	case FrameClose:
		_ = conn.Close()

	case FrameEvent:
		c.mu.Lock()
		ready := c.session.gen == gen && c.session.Initialized
		ctx := c.ctx
		c.mu.Unlock()
		if !ready {
			c.logger.Debug().Str("event", frame.Event).Msg("Ignoring event before handshake")
			return
		}
		if c.deps.Handler != nil {
			c.deps.Handler.HandleFrame(ctx, frame.Event, frame.Payload)
		}

	case FrameUnknown:
	}
}

// handshakeExpired closes a connection still waiting for the server; the
// read loop then releases the lease and schedules a reconnect. A stalled
// handshake must not outlive the socket lease.
func (c *Controller) handshakeExpired(gen uint64, conn Conn) {
	c.mu.Lock()
	stalled := c.session.gen == gen && c.session.State == models.SessionHandshakePending
	c.mu.Unlock()
	if !stalled {
		return
	}
	c.logger.Warn().Dur("timeout", c.cfg.HandshakeTimeout).Msg("Handshake timed out, closing connection")
	_ = conn.Close()
}

func (c *Controller) onJoined(gen uint64, conn Conn) {
	c.mu.Lock()
	if c.session.gen != gen || c.session.State != models.SessionHandshakePending {
		c.mu.Unlock()
		return
	}
	c.session.stopHandshake()
	c.session.Initialized = true
	c.session.State = models.SessionOpen
	c.session.ReconnectAttempt = 0
	c.session.LastPongAt = time.Now()
	c.session.PendingPingAt = time.Time{}
	c.exhausted = false
	stop := make(chan struct{})
	c.session.stop = stop
	ctx := c.ctx
	c.mu.Unlock()

	c.logger.Info().Msg("Event stream open")
	c.setRunning(ctx, true)

	go c.pingLoop(gen, conn, stop)
	go c.watchdog(gen, conn, stop)
}

func (c *Controller) onPong(gen uint64, conn Conn) {
	c.mu.Lock()
	if c.session.gen != gen {
		c.mu.Unlock()
		return
	}
	c.session.PendingPingAt = time.Time{}
	c.session.LastPongAt = time.Now()
	ctx := c.ctx
	c.mu.Unlock()

	ok, err := c.deps.Leases.Renew(ctx, models.LockSocket, c.owner, c.cfg.LeaseTTL)
	if err != nil {
		c.backgroundError(err, "lease renew")
		return
	}
	if !ok {
		c.logger.Warn().Msg("Stream lease lost, closing connection")
		_ = conn.Close()
	}
}

func (c *Controller) pingLoop(gen uint64, conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.session.gen != gen {
				c.mu.Unlock()
				return
			}
			if c.session.PendingPingAt.IsZero() {
				c.session.PendingPingAt = time.Now()
			}
			c.mu.Unlock()
			c.write(gen, conn, framePing)
		}
	}
}

func (c *Controller) watchdog(gen uint64, conn Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.session.gen != gen {
				c.mu.Unlock()
				return
			}
			now := time.Now()
			pending := c.session.PendingPingAt
			lastPong := c.session.LastPongAt
			c.mu.Unlock()

			stalePing := !pending.IsZero() && now.Sub(pending) > c.cfg.PongTimeout
			silent := !lastPong.IsZero() && now.Sub(lastPong) > c.cfg.PingInterval+c.cfg.PongTimeout
			if stalePing || silent {
				c.logger.Warn().
					Bool("pong_overdue", stalePing).
					Bool("silent", silent).
					Msg("Heartbeat timed out, closing connection")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Controller) write(gen uint64, conn Conn, frame string) {
	c.mu.Lock()
	current := c.session.gen == gen
	c.mu.Unlock()
	if !current {
		return
	}
	if err := conn.WriteMessage([]byte(frame)); err != nil {
		c.logger.Debug().Err(err).Str("frame", frame).Msg("Write failed")
		_ = conn.Close()
	}
}

// handleClose runs once per connection when its read loop ends
func (c *Controller) handleClose(gen uint64, err error) {
	c.mu.Lock()
	if c.session.gen != gen {
		c.mu.Unlock()
		return
	}
	c.session.stopHeartbeat()
	c.session.conn = nil
	c.session.Initialized = false
	c.session.PendingPingAt = time.Time{}
	c.session.State = models.SessionClosed
	stopped := c.stopped
	c.mu.Unlock()

	if stopped {
		return
	}

	c.logger.Warn().Err(err).Msg("Event stream closed")
	c.releaseLease()

	if apperr.Is(err, apperr.CodeHostInvalidated) {
		c.hardStop(err)
		return
	}
	c.scheduleReconnect()
}

// scheduleReconnect arms the backoff timer, or gives up after the maximum
// number of attempts and marks monitoring as not running.
func (c *Controller) scheduleReconnect() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	enabled, err := c.deps.Flags.GetBool(ctx, storage.FieldMonitoringEnabled, true)
	if err != nil {
		if apperr.Is(err, apperr.CodeHostInvalidated) {
			c.hardStop(err)
			return
		}
		c.logger.Warn().Err(err).Msg("Cannot read monitoring flag, assuming enabled")
		enabled = true
	}
	if !enabled {
		c.setRunning(ctx, false)
		return
	}

	c.mu.Lock()
	if c.stopped || c.session.State.Live() {
		c.mu.Unlock()
		return
	}
	if c.session.ReconnectAttempt >= c.cfg.MaxReconnectAttempts {
		c.exhausted = true
		attempts := c.session.ReconnectAttempt
		c.mu.Unlock()

		c.logger.Error().Int("attempts", attempts).Msg("Reconnect attempts exhausted, monitoring stopped")
		c.setRunning(ctx, false)
		return
	}
	c.session.ReconnectAttempt++
	n := c.session.ReconnectAttempt
	delay := BackoffDelay(n, c.cfg.ReconnectBase, c.cfg.ReconnectCap)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.timer = nil
		ctx := c.ctx
		c.mu.Unlock()
		_ = c.Connect(ctx)
	})
	c.mu.Unlock()

	c.logger.Info().Int("attempt", n).Dur("delay", delay).Msg("Reconnect scheduled")
}

// Disconnect tears the session down: timers cleared, socket closed, every
// session attribute reset and the lease released.
func (c *Controller) Disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.session.conn
	wasLive := c.session.State.Live()
	if conn != nil {
		c.session.State = models.SessionClosing
	}
	c.session.stopHeartbeat()
	c.session.reset()
	stopped := c.stopped
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if stopped {
		return
	}
	if wasLive {
		c.logger.Info().Msg("Event stream disconnected")
	}
	if err := c.deps.Leases.Release(ctx, models.LockSocket, c.owner); err != nil {
		c.backgroundError(err, "lease release")
	}
}

// hardStop handles host invalidation: everything stops and nothing touches
// storage or the network again.
func (c *Controller) hardStop(cause error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	conn := c.session.conn
	c.session.stopHeartbeat()
	c.session.reset()
	c.session.State = models.SessionClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	c.logger.Error().Err(cause).Msg("Host invalidated, stream stopped")
}

// OnVisible re-checks the connection when the operator becomes active
func (c *Controller) OnVisible(ctx context.Context) {
	c.recheck(ctx, "visible")
}

// OnOnline re-checks the connection when the network comes back
func (c *Controller) OnOnline(ctx context.Context) {
	c.recheck(ctx, "online")
}

// OnOffline only logs; the heartbeat detects a dead connection
func (c *Controller) OnOffline(context.Context) {
	c.logger.Warn().Msg("Network offline")
}

func (c *Controller) recheck(ctx context.Context, reason string) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	live := c.session.State.Live()
	c.mu.Unlock()

	if live {
		return
	}

	enabled, err := c.deps.Flags.GetBool(ctx, storage.FieldMonitoringEnabled, true)
	if err != nil {
		c.backgroundError(err, "read monitoring flag")
		return
	}
	if !enabled {
		return
	}

	c.logger.Info().Str("trigger", reason).Msg("Stream not open, reconnecting")
	c.restart(ctx)
}

// restart clears the attempt budget and connects
func (c *Controller) restart(ctx context.Context) {
	c.mu.Lock()
	c.session.ReconnectAttempt = 0
	c.exhausted = false
	c.mu.Unlock()
	_ = c.Connect(ctx)
}

// SetMonitoring persists the enable flag and connects or disconnects
func (c *Controller) SetMonitoring(ctx context.Context, enabled bool) error {
	if err := c.deps.Flags.Set(ctx, storage.FieldMonitoringEnabled, enabled); err != nil {
		return err
	}
	if enabled {
		c.restart(ctx)
		return nil
	}
	c.Disconnect(ctx)
	c.setRunning(ctx, false)
	return nil
}

// Status reports the user-visible monitoring indicator
func (c *Controller) Status(ctx context.Context) (models.MonitoringStatus, error) {
	enabled, err := c.deps.Flags.GetBool(ctx, storage.FieldMonitoringEnabled, true)
	if err != nil {
		return models.MonitoringDisabled, err
	}
	if !enabled {
		return models.MonitoringDisabled, nil
	}

	c.mu.Lock()
	open := c.session.State == models.SessionOpen
	c.mu.Unlock()
	if open {
		return models.MonitoringRunning, nil
	}

	// Another process may hold the stream
	running, err := c.deps.Flags.GetBool(ctx, storage.FieldMonitoringRunning, false)
	if err != nil {
		return models.MonitoringEnabled, err
	}
	if running {
		return models.MonitoringRunning, nil
	}
	return models.MonitoringEnabled, nil
}

// Info returns a snapshot of the session
func (c *Controller) Info() SessionInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return SessionInfo{
		State:            c.session.State.String(),
		ReconnectAttempt: c.session.ReconnectAttempt,
		LastPongAt:       c.session.LastPongAt,
		PendingPingAt:    c.session.PendingPingAt,
		Initialized:      c.session.Initialized,
		Owner:            c.owner,
		Exhausted:        c.exhausted,
		Stopped:          c.stopped,
	}
}

// State returns the session state
func (c *Controller) State() models.SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.State
}

func (c *Controller) setRunning(ctx context.Context, running bool) {
	if err := c.deps.Flags.Set(ctx, storage.FieldMonitoringRunning, running); err != nil {
		c.backgroundError(err, "write running flag")
	}
}

func (c *Controller) releaseLease() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	if err := c.deps.Leases.Release(ctx, models.LockSocket, c.owner); err != nil {
		c.backgroundError(err, "lease release")
	}
}

// backgroundError logs errors from best-effort paths and stops the controller
// when the host is gone.
func (c *Controller) backgroundError(err error, msg string) {
	if apperr.Is(err, apperr.CodeHostInvalidated) {
		c.hardStop(err)
		return
	}
	c.logger.Warn().Err(err).Msg(msg)
}
