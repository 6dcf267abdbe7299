// Package natsclient manages NATS connections with a circuit breaker.
//
// Input and output adapters that move measurement frames over NATS share one
// Client per session. The client tracks connection health, opens a circuit
// after repeated connect failures with exponential backoff, and exposes core
// and JetStream publish/subscribe operations.
package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/metric"
)

// ConnectionStatus represents the state of the NATS connection.
type ConnectionStatus int

// Possible connection statuses.
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus.
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Client manages a NATS connection with a circuit breaker.
type Client struct {
	url    string
	logger *slog.Logger

	status   atomic.Value // ConnectionStatus
	failures atomic.Int32

	mu   sync.RWMutex
	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	consumersMu sync.Mutex
	consumers   map[string]jetstream.ConsumeContext

	// Circuit breaker
	lastFailure      atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	pingInterval  time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	clientName    string
	username      string
	password      string
	token         string

	metrics *metric.Metrics

	onStatusChange func(ConnectionStatus)

	closeMu sync.Mutex
	closed  atomic.Bool
}

// Status holds a snapshot of the client's runtime state.
type Status struct {
	Status          ConnectionStatus
	FailureCount    int32
	LastFailureTime time.Time
	RTT             time.Duration
}

// NewClient creates a NATS client. The connection is established by Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		pingInterval:     30 * time.Second,
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
		drainTimeout:     30 * time.Second,
		consumers:        make(map[string]jetstream.ConsumeContext),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	return c, nil
}

// URL returns the NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	val := c.status.Load()
	if val == nil {
		return StatusDisconnected
	}
	return val.(ConnectionStatus)
}

// IsHealthy reports whether the connection is established and responsive.
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// Failures returns the total connection failure count.
func (c *Client) Failures() int32 {
	return c.failures.Load()
}

// Backoff returns the current circuit-breaker backoff duration.
func (c *Client) Backoff() time.Duration {
	return c.backoff.Load().(time.Duration)
}

// GetStatus returns a status snapshot including RTT when connected.
func (c *Client) GetStatus() *Status {
	status := &Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure.Load().(time.Time),
	}

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn != nil && conn.IsConnected() {
		if rtt, err := conn.RTT(); err == nil {
			status.RTT = rtt
		}
	}
	return status
}

func (c *Client) setStatus(status ConnectionStatus) {
	c.status.Store(status)

	if c.metrics != nil {
		if status == StatusConnected {
			c.metrics.NATSConnected.Set(1)
		} else {
			c.metrics.NATSConnected.Set(0)
		}
	}
	if c.onStatusChange != nil {
		c.onStatusChange(status)
	}
}

// Connect establishes the connection. Returns ErrCircuitOpen while the
// breaker is open; a transient error otherwise when connection fails.
func (c *Client) Connect(ctx context.Context) error {
	if c.Status() == StatusCircuitOpen {
		return errors.ErrCircuitOpen
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("connecting to NATS", "url", c.url)

	connectDone := make(chan error, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		if err != nil {
			connectDone <- err
			return
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		if js, err := jetstream.New(conn); err == nil {
			c.mu.Lock()
			c.js = js
			c.mu.Unlock()
		}

		connectDone <- nil
	}()

	select {
	case err := <-connectDone:
		if err != nil {
			c.recordFailure()
			if c.Status() == StatusCircuitOpen {
				return errors.ErrCircuitOpen
			}
			c.setStatus(StatusDisconnected)
			return errors.WrapTransient(err, "Client", "Connect", "establish connection")
		}
	case <-ctx.Done():
		c.recordFailure()
		if c.Status() != StatusCircuitOpen {
			c.setStatus(StatusDisconnected)
		}
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	c.setStatus(StatusConnected)
	c.resetCircuit()
	c.logger.Info("connected to NATS", "url", c.url)
	return nil
}

// WaitForConnection blocks until the client is healthy or ctx expires.
func (c *Client) WaitForConnection(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", errors.ErrConnectionTimeout, ctx.Err())
		case <-ticker.C:
			if c.IsHealthy() {
				return nil
			}
		}
	}
}

// Close drains subscriptions and closes the connection. Idempotent.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.consumersMu.Lock()
	for name, consumer := range c.consumers {
		consumer.Stop()
		c.logger.Debug("stopped consumer", "consumer", name)
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for _, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}
	c.subs = nil

	if c.conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() {
			drainDone <- c.conn.Drain()
		}()

		select {
		case err := <-drainDone:
			if err != nil {
				errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
			}
		case <-time.After(drainTimeout):
			errs = append(errs, errors.WrapTransient(
				fmt.Errorf("drain timeout after %v", drainTimeout),
				"Client", "Close", "drain timeout"))
		case <-ctx.Done():
			errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain cancelled"))
		}

		c.conn.Close()
		c.conn = nil
	}

	// Credentials are cleared so a closed client holds no secrets.
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

// Publish publishes a message on a core NATS subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return errors.ErrNoConnection
	}
	return conn.Publish(subject, data)
}

// Subscribe subscribes to a core NATS subject. The handler receives a context
// derived from ctx with a per-message timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return errors.ErrNoConnection
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe to subject")
	}

	c.subs = append(c.subs, sub)
	return nil
}

// JetStream returns the JetStream context, if initialized.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.js == nil {
		return nil, errors.WrapTransient(
			fmt.Errorf("JetStream not initialized"),
			"Client", "JetStream", "get JetStream context")
	}
	return c.js, nil
}

// CreateStream creates or updates a JetStream stream.
func (c *Client) CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return nil, err
	}

	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		c.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "CreateStream", "create stream")
	}

	c.resetCircuit()
	return stream, nil
}

// PublishToStream publishes a message to a JetStream subject.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	if err := c.checkReady(); err != nil {
		return err
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish")
	}

	c.resetCircuit()
	return nil
}

// ConsumeStream creates a consumer on a stream and delivers messages to
// handler. A second call with the same stream and subject replaces the
// previous consumer.
func (c *Client) ConsumeStream(ctx context.Context, streamName, subject string, handler func([]byte)) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if c.closed.Load() {
		return errors.ErrShuttingDown
	}

	js, err := c.JetStream()
	if err != nil {
		c.recordFailure()
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeStream", "create consumer")
	}

	consumeCtx, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(msg.Data())
		msg.Ack()
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapTransient(err, "Client", "ConsumeStream", "start consumer")
	}

	c.consumersMu.Lock()
	defer c.consumersMu.Unlock()

	if c.closed.Load() {
		consumeCtx.Stop()
		return errors.ErrShuttingDown
	}

	key := fmt.Sprintf("%s:%s", streamName, subject)
	if existing, ok := c.consumers[key]; ok {
		existing.Stop()
		c.logger.Debug("replaced existing consumer", "consumer", key)
	}
	c.consumers[key] = consumeCtx

	c.resetCircuit()
	return nil
}

func (c *Client) checkReady() error {
	switch c.Status() {
	case StatusCircuitOpen:
		return errors.ErrCircuitOpen
	case StatusConnected:
		return nil
	default:
		return errors.ErrNoConnection
	}
}

func (c *Client) recordFailure() {
	c.failures.Add(1)
	c.lastFailure.Store(time.Now())

	circuitFailures := c.circuitFailures.Add(1)
	if circuitFailures < c.circuitThreshold {
		return
	}

	currentBackoff := c.backoff.Load().(time.Duration)
	newBackoff := currentBackoff * 2
	if newBackoff > c.maxBackoff {
		newBackoff = c.maxBackoff
	}
	c.backoff.Store(newBackoff)
	c.circuitFailures.Store(0)

	current := c.Status()
	if current != StatusCircuitOpen && c.status.CompareAndSwap(current, StatusCircuitOpen) {
		c.logger.Warn("circuit breaker opened",
			"failures", circuitFailures, "backoff", currentBackoff)
		time.AfterFunc(currentBackoff, c.halfOpenCircuit)
	}
}

func (c *Client) resetCircuit() {
	c.failures.Store(0)
	c.circuitFailures.Store(0)
	c.backoff.Store(time.Second)
	c.lastFailure.Store(time.Time{})

	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

// halfOpenCircuit lets the next Connect attempt through after backoff.
func (c *Client) halfOpenCircuit() {
	if c.Status() == StatusCircuitOpen {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}

	return opts
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	c.setStatus(StatusReconnecting)
	if err != nil {
		c.logger.Warn("NATS disconnected", "error", err)
	}
}

func (c *Client) handleReconnect(_ *nats.Conn) {
	c.setStatus(StatusConnected)
	c.resetCircuit()
	if c.metrics != nil {
		c.metrics.NATSReconnects.Inc()
	}
	c.logger.Info("NATS reconnected", "url", c.url)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if !c.closed.Load() {
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS async error", "error", err)
}
