// SPDX-License-Identifier: MIT
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"livepv/internal/log"
)

const writeTimeout = 2 * time.Second

// Option configures a WebSocketTransport.
type Option func(*WebSocketTransport)

// WithHandler answers inbound websocket messages.
func WithHandler(h Handler) Option {
	return func(w *WebSocketTransport) { w.handler = h }
}

// WithHTTPHandler mounts an extra handler on the same server, e.g. /metrics.
func WithHTTPHandler(pattern string, h http.Handler) Option {
	return func(w *WebSocketTransport) { w.mux.Handle(pattern, h) }
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex // One writer at a time per connection.
}

func (c *wsClient) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// WebSocketTransport implements the Transport interface for WebSocket
// connections. Send broadcasts to every client; inbound messages go to the
// Handler and the answer is written back to the sender only.
type WebSocketTransport struct {
	addr      string
	upgrader  websocket.Upgrader
	mux       *http.ServeMux
	handler   Handler
	clients   map[*wsClient]bool
	clientsMu sync.Mutex
	broadcast chan any
	done      chan struct{}
	server    *http.Server
	listener  net.Listener
	logger    *log.Logger
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// NewWebSocketTransport creates a new WebSocketTransport instance. Call
// Start to begin serving.
func NewWebSocketTransport(addr string, opts ...Option) *WebSocketTransport {
	wst := &WebSocketTransport{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // Local operator tool, any origin.
			},
		},
		mux:       http.NewServeMux(),
		clients:   make(map[*wsClient]bool),
		broadcast: make(chan any, 256),
		done:      make(chan struct{}),
		logger:    log.With("websocket"),
	}
	for _, opt := range opts {
		opt(wst)
	}
	wst.mux.HandleFunc("/ws", wst.handleWebSocket)
	return wst
}

// Start listens on the configured address and serves in the background.
func (wst *WebSocketTransport) Start() error {
	ln, err := net.Listen("tcp", wst.addr)
	if err != nil {
		return err
	}
	wst.listener = ln
	wst.server = &http.Server{
		Handler:           wst.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		wst.logger.Info("serving", "addr", ln.Addr().String())
		if err := wst.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			wst.logger.Error("server error", "err", err)
		}
	}()

	go wst.handleBroadcasts()
	return nil
}

// Addr returns the bound address once started.
func (wst *WebSocketTransport) Addr() string {
	if wst.listener == nil {
		return wst.addr
	}
	return wst.listener.Addr().String()
}

// Clients returns the number of connected clients.
func (wst *WebSocketTransport) Clients() int {
	wst.clientsMu.Lock()
	defer wst.clientsMu.Unlock()
	return len(wst.clients)
}

// Dropped returns how many broadcasts were discarded on a full queue.
func (wst *WebSocketTransport) Dropped() uint64 { return wst.dropped.Load() }

// handleWebSocket upgrades HTTP connections to WebSocket
func (wst *WebSocketTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wst.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wst.logger.Warn("upgrade failed", "err", err)
		return
	}
	client := &wsClient{conn: conn}

	wst.clientsMu.Lock()
	wst.clients[client] = true
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	wst.logger.Info("client connected", "remote", conn.RemoteAddr().String(), "total", total)

	go wst.readLoop(client)
}

func (wst *WebSocketTransport) readLoop(client *wsClient) {
	defer wst.drop(client)
	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		if wst.handler == nil {
			continue
		}
		if reply := wst.handler(msg); reply != nil {
			if err := client.writeJSON(reply); err != nil {
				return
			}
		}
	}
}

func (wst *WebSocketTransport) drop(client *wsClient) {
	wst.clientsMu.Lock()
	_, ok := wst.clients[client]
	delete(wst.clients, client)
	total := len(wst.clients)
	wst.clientsMu.Unlock()
	client.conn.Close()
	if ok {
		wst.logger.Info("client disconnected", "total", total)
	}
}

// handleBroadcasts sends messages to all connected clients
func (wst *WebSocketTransport) handleBroadcasts() {
	for {
		select {
		case <-wst.done:
			return
		case data := <-wst.broadcast:
			wst.clientsMu.Lock()
			clients := make([]*wsClient, 0, len(wst.clients))
			for client := range wst.clients {
				clients = append(clients, client)
			}
			wst.clientsMu.Unlock()

			for _, client := range clients {
				if err := client.writeJSON(data); err != nil {
					wst.logger.Debug("send failed", "err", err)
					wst.drop(client)
				}
			}
		}
	}
}

// Send broadcasts data to all connected WebSocket clients. It never blocks;
// when the queue is full the message is dropped.
func (wst *WebSocketTransport) Send(data any) error {
	select {
	case wst.broadcast <- data:
	default:
		wst.dropped.Add(1)
	}
	return nil
}

// Close shuts down the WebSocket server
func (wst *WebSocketTransport) Close() error {
	var err error
	wst.closeOnce.Do(func() {
		close(wst.done)

		if wst.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			err = wst.server.Shutdown(ctx)
		}

		// Hijacked websocket connections are not closed by Shutdown.
		wst.clientsMu.Lock()
		for client := range wst.clients {
			client.conn.Close()
		}
		wst.clients = make(map[*wsClient]bool)
		wst.clientsMu.Unlock()
	})
	return err
}

// Ensure WebSocketTransport satisfies the interface
var _ Transport = (*WebSocketTransport)(nil)
