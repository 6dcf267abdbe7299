// Package wsoutput provides an output adapter streaming routed measurements
// to websocket subscribers as JSON arrays.
package wsoutput

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/measureflow/adapter"
	"github.com/c360/measureflow/errors"
	"github.com/c360/measureflow/measurement"
)

// TypeName is the registry name of the websocket output.
const TypeName = "wsoutput"

const clientSendDepth = 64

// Register adds the websocket output to the registry.
func Register(registry *adapter.Registry) error {
	return registry.Register(adapter.Registration{
		Name:        TypeName,
		Role:        adapter.RoleOutput,
		Description: "Websocket measurement stream",
		Version:     "0.1.0",
		Factory:     New,
	})
}

// Output runs a small HTTP server upgrading connections to websockets and
// fanning routed batches out to every connected client. Slow clients are
// disconnected instead of backing up the dispatcher.
type Output struct {
	*adapter.Base

	addr     string
	path     string
	upgrader websocket.Upgrader
	logger   *slog.Logger

	lifecycleMu sync.Mutex
	running     bool
	server      *http.Server
	listenAddr  net.Addr

	clientMu sync.Mutex
	clients  map[*wsClient]struct{}

	sent    atomic.Int64
	dropped atomic.Int64
}

// New constructs a websocket output. addr is required; path defaults to
// /measurements.
func New(id uint64, name string, settings adapter.Settings, deps adapter.Dependencies) (adapter.Adapter, error) {
	base, err := adapter.NewBase(id, name, settings, deps.GetLogger())
	if err != nil {
		return nil, err
	}

	addr, err := settings.Require("addr")
	if err != nil {
		return nil, errors.WrapInvalid(err, "Output", "New", "read addr")
	}

	return &Output{
		Base:   base,
		addr:   addr,
		path:   settings.String("path", "/measurements"),
		logger: deps.AdapterLogger(adapter.RoleOutput, name),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}, nil
}

// Initialize marks the output ready. Binding the listener is deferred to
// Start.
func (w *Output) Initialize() error {
	w.MarkInitialized()
	return nil
}

// Start binds the listener and serves websocket upgrades. Idempotent.
func (w *Output) Start(ctx context.Context) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running {
		return nil
	}

	listener, err := net.Listen("tcp", w.addr)
	if err != nil {
		return errors.WrapTransient(err, "Output", "Start", "bind listener")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(w.path, w.handleUpgrade)
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	w.server = server
	w.listenAddr = listener.Addr()
	w.running = true

	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			w.logger.Error("websocket server failed", "error", serveErr)
		}
	}()

	w.logger.Info("websocket output started", "addr", w.listenAddr.String(), "path", w.path)
	return nil
}

// Stop shuts the server down and disconnects every client. Idempotent.
func (w *Output) Stop(timeout time.Duration) error {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	w.clientMu.Lock()
	for c := range w.clients {
		c.stop()
	}
	w.clients = make(map[*wsClient]struct{})
	w.clientMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := w.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Output", "Stop", "shutdown server")
	}

	w.logger.Info("websocket output stopped",
		"sent", w.sent.Load(), "dropped", w.dropped.Load())
	return nil
}

// Dispose stops the output permanently.
func (w *Output) Dispose() {
	if err := w.Stop(time.Second); err != nil {
		w.logger.Warn("stop during dispose failed", "error", err)
	}
	w.MarkDisposed()
}

// QueueMeasurements encodes the batch once and fans it out. Clients whose
// send queue is full are dropped.
func (w *Output) QueueMeasurements(batch []measurement.Measurement) {
	w.lifecycleMu.Lock()
	running := w.running
	w.lifecycleMu.Unlock()
	if !running || len(batch) == 0 {
		return
	}

	data, err := json.Marshal(batch)
	if err != nil {
		w.logger.Error("failed to encode batch", "error", err)
		return
	}

	w.clientMu.Lock()
	for c := range w.clients {
		select {
		case c.send <- data:
			w.sent.Add(int64(len(batch)))
		default:
			w.dropped.Add(int64(len(batch)))
			c.stop()
			delete(w.clients, c)
			w.logger.Warn("disconnecting slow websocket client", "remote", c.conn.RemoteAddr())
		}
	}
	w.clientMu.Unlock()
}

// Addr returns the bound listener address, for tests and status reporting.
func (w *Output) Addr() string {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()
	if w.listenAddr == nil {
		return ""
	}
	return w.listenAddr.String()
}

// ClientCount returns the number of connected subscribers.
func (w *Output) ClientCount() int {
	w.clientMu.Lock()
	defer w.clientMu.Unlock()
	return len(w.clients)
}

func (w *Output) handleUpgrade(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		w.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	client := newWSClient(conn)
	w.clientMu.Lock()
	w.clients[client] = struct{}{}
	w.clientMu.Unlock()

	go client.writeLoop()
	go w.readLoop(client)

	w.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())
}

// readLoop consumes (and discards) client frames so pings and close frames
// are processed, and removes the client when the connection drops.
func (w *Output) readLoop(c *wsClient) {
	defer func() {
		c.stop()
		w.clientMu.Lock()
		delete(w.clients, c)
		w.clientMu.Unlock()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		conn: conn,
		send: make(chan []byte, clientSendDepth),
		done: make(chan struct{}),
	}
}

func (c *wsClient) writeLoop() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case data := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) stop() {
	c.once.Do(func() { close(c.done) })
}
