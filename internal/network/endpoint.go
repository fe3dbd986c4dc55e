package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/andersbakken/konflikt/internal/console"
	"github.com/andersbakken/konflikt/internal/layout"
	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/protocol"
)

const (
	// DefaultPort is where port probing starts when none is configured.
	DefaultPort = 3000
	maxPort     = 65535
)

// StatusInfo is what the endpoint reports on /api/status and the console
// status command.
type StatusInfo struct {
	Role        string   `json:"role"`
	InstanceID  string   `json:"instanceId"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Uptime      string   `json:"uptime"`
	Port        int      `json:"port"`
	Connections []string `json:"connections"`
}

// peerConn is one inbound /ws connection. The server side is reactive, so
// handshake presence is tracked here rather than with session states.
type peerConn struct {
	conn       *websocket.Conn
	sendCh     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	handshaked bool
	instanceID string
}

func (p *peerConn) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (p *peerConn) send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case p.sendCh <- data:
		return nil
	case <-p.done:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("send queue full")
	}
}

type consoleConn struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *consoleConn) close() {
	c.once.Do(func() { close(c.done) })
}

// Endpoint accepts inbound peer sessions on /ws and the administrative
// channel on /console, and serves the REST surface used by the web editor.
type Endpoint struct {
	identity Identity
	layout   *layout.Manager
	registry *console.Registry
	uiDir    string

	listener net.Listener
	server   *http.Server
	port     int
	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[*peerConn]struct{}
	byID     map[string]*peerConn
	consoles map[*consoleConn]struct{}

	// OnMessage is invoked with every validated post-handshake message.
	OnMessage func(instanceID string, msg protocol.Message)
	// OnHandshake fires when a peer completes its handshake.
	OnHandshake func(instanceID string, req *protocol.HandshakeRequest)
	// OnDisconnect fires with the instance id lost when a socket dies.
	OnDisconnect func(instanceID string)
	// Status supplies /api/status and the console status command.
	Status func() StatusInfo
}

// NewEndpoint creates an endpoint for the given identity. layoutMgr backs
// the REST layout surface; registry handles console commands.
func NewEndpoint(identity Identity, layoutMgr *layout.Manager, registry *console.Registry, uiDir string) *Endpoint {
	return &Endpoint{
		identity: identity,
		layout:   layoutMgr,
		registry: registry,
		uiDir:    uiDir,
		peers:    make(map[*peerConn]struct{}),
		byID:     make(map[string]*peerConn),
		consoles: make(map[*consoleConn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Listen binds the endpoint. A configured port must bind or the call
// fails; port zero probes upward from DefaultPort.
func (e *Endpoint) Listen(bindAddress string, port int) error {
	if port != 0 {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddress, port))
		if err != nil {
			return fmt.Errorf("failed to bind port %d: %w", port, err)
		}
		e.listener = l
		e.port = port
		return nil
	}

	for p := DefaultPort; p <= maxPort; p++ {
		l, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddress, p))
		if err != nil {
			if errors.Is(err, syscall.EADDRINUSE) {
				continue
			}
			return fmt.Errorf("failed to bind: %w", err)
		}
		e.listener = l
		e.port = p
		return nil
	}
	return fmt.Errorf("no free port between %d and %d", DefaultPort, maxPort)
}

// Port returns the bound port.
func (e *Endpoint) Port() int { return e.port }

// Serve runs the HTTP server until Shutdown.
func (e *Endpoint) Serve() error {
	r := mux.NewRouter()
	r.HandleFunc("/ws", e.handlePeer)
	r.HandleFunc("/console", e.handleConsole)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", e.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/config", e.handleConfig).Methods(http.MethodGet)
	api.HandleFunc("/layout", e.handleLayoutGet).Methods(http.MethodGet)
	api.HandleFunc("/layout", e.handleLayoutPut).Methods(http.MethodPut)
	api.HandleFunc("/layout/{id}", e.handleLayoutEntryPut).Methods(http.MethodPut)
	api.HandleFunc("/layout/{id}", e.handleLayoutEntryDelete).Methods(http.MethodDelete)

	if e.uiDir != "" {
		r.PathPrefix("/ui/").Handler(http.StripPrefix("/ui/", http.FileServer(http.Dir(e.uiDir))))
		r.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
			http.Redirect(w, req, "/ui/", http.StatusFound)
		})
	}

	e.server = &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	logger.Infof("endpoint listening on port %d", e.port)
	if err := e.server.Serve(e.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes all connections and stops serving.
func (e *Endpoint) Shutdown() {
	e.mu.Lock()
	for p := range e.peers {
		p.close()
	}
	for c := range e.consoles {
		c.close()
	}
	e.mu.Unlock()

	if e.server != nil {
		_ = e.server.Close()
	}
}

// Broadcast sends msg to every peer that completed its handshake. One
// failing peer does not affect the rest.
func (e *Endpoint) Broadcast(msg protocol.Message) {
	e.mu.Lock()
	conns := make([]*peerConn, 0, len(e.peers))
	for p := range e.peers {
		if p.handshaked {
			conns = append(conns, p)
		}
	}
	e.mu.Unlock()

	for _, p := range conns {
		if err := p.send(msg); err != nil {
			logger.Debugf("broadcast to %s failed: %v", p.instanceID, err)
		}
	}
}

// SendTo delivers msg to one handshaked peer.
func (e *Endpoint) SendTo(instanceID string, msg protocol.Message) error {
	e.mu.Lock()
	p, ok := e.byID[instanceID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no connection for instance %s", instanceID)
	}
	return p.send(msg)
}

// Connections lists handshaked peer instance ids.
func (e *Endpoint) Connections() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.byID))
	for id := range e.byID {
		out = append(out, id)
	}
	return out
}

// BroadcastLog pushes a console_log line to every attached console.
func (e *Endpoint) BroadcastLog(level, message string) {
	frame := console.Frame{
		Type:      console.TypeLog,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UnixMilli(),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	e.mu.Lock()
	conns := make([]*consoleConn, 0, len(e.consoles))
	for c := range e.consoles {
		conns = append(conns, c)
	}
	e.mu.Unlock()

	for _, c := range conns {
		select {
		case c.sendCh <- data:
		default:
			// Slow console; drop the line rather than stall.
		}
	}
}

// --- peer channel ---

func (e *Endpoint) handlePeer(w http.ResponseWriter, req *http.Request) {
	conn, err := e.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("ws upgrade failed: %v", err)
		return
	}

	p := &peerConn{
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.peers[p] = struct{}{}
	e.mu.Unlock()

	go e.peerWriteLoop(p)
	e.peerReadLoop(p)
}

func (e *Endpoint) peerWriteLoop(p *peerConn) {
	for {
		select {
		case <-p.done:
			return
		case data := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.close()
				return
			}
		}
	}
}

func (e *Endpoint) peerReadLoop(p *peerConn) {
	defer e.dropPeer(p)

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			logger.Warnf("peer %s: binary frame on peer channel", p.instanceID)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warnf("peer %s: %v", p.instanceID, err)
			_ = p.send(protocol.NewError(e.identity.InstanceID, protocol.CodeInvalidMessage, err.Error(), ""))
			continue
		}

		switch m := msg.(type) {
		case *protocol.Unknown:
			logger.Warnf("peer %s: unknown message type %q", p.instanceID, m.Type)
			_ = p.send(protocol.NewError(e.identity.InstanceID, protocol.CodeUnknownMessageType,
				fmt.Sprintf("unknown message type %q", m.Type), ""))

		case *protocol.HandshakeRequest:
			e.completeHandshake(p, m)

		case *protocol.Heartbeat:
			// Liveness only. The session side owns the mirror rule; replying
			// here would echo heartbeats back and forth forever.

		case *protocol.Disconnect:
			logger.Infof("peer %s: disconnect: %s", p.instanceID, m.Reason)
			return

		default:
			if !p.handshaked {
				// Early traffic is dropped, not escalated.
				continue
			}
			if e.OnMessage != nil {
				e.OnMessage(p.instanceID, msg)
			}
		}
	}
}

func (e *Endpoint) completeHandshake(p *peerConn, req *protocol.HandshakeRequest) {
	e.mu.Lock()
	p.handshaked = true
	p.instanceID = req.InstanceID
	e.byID[req.InstanceID] = p
	e.mu.Unlock()

	logger.Infof("peer handshake: %s (%s) version %s", req.InstanceName, req.InstanceID, req.Version)

	resp := protocol.NewHandshakeResponse(
		e.identity.InstanceID, e.identity.InstanceName, e.identity.Version,
		e.identity.Capabilities, true, "", e.identity.GitCommit)
	if err := p.send(resp); err != nil {
		logger.Errorf("handshake response to %s failed: %v", req.InstanceID, err)
		return
	}

	if req.GitCommit != "" && e.identity.GitCommit != "" && req.GitCommit != e.identity.GitCommit {
		logger.Warnf("peer %s runs commit %s, we run %s; requesting update",
			req.InstanceID, req.GitCommit, e.identity.GitCommit)
		_ = p.send(protocol.NewUpdateRequired(e.identity.InstanceID, e.identity.GitCommit, req.GitCommit))
	}

	if e.OnHandshake != nil {
		e.OnHandshake(req.InstanceID, req)
	}
}

func (e *Endpoint) dropPeer(p *peerConn) {
	p.close()
	_ = p.conn.Close()

	e.mu.Lock()
	delete(e.peers, p)
	lost := ""
	if p.instanceID != "" && e.byID[p.instanceID] == p {
		delete(e.byID, p.instanceID)
		lost = p.instanceID
	}
	e.mu.Unlock()

	if lost != "" {
		logger.Infof("peer %s disconnected", lost)
		if e.OnDisconnect != nil {
			e.OnDisconnect(lost)
		}
	}
}

// --- console channel ---

func (e *Endpoint) handleConsole(w http.ResponseWriter, req *http.Request) {
	conn, err := e.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Errorf("console upgrade failed: %v", err)
		return
	}

	c := &consoleConn{
		conn:   conn,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	e.mu.Lock()
	e.consoles[c] = struct{}{}
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-c.done:
				return
			case data := <-c.sendCh:
				_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
					c.close()
					return
				}
			}
		}
	}()

	defer func() {
		c.close()
		_ = c.conn.Close()
		e.mu.Lock()
		delete(e.consoles, c)
		e.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := console.DecodeFrame(data)
		if err != nil {
			e.consoleReply(c, console.Frame{Type: console.TypeError, Error: err.Error()})
			continue
		}
		if frame.Type != console.TypeCommand {
			e.consoleReply(c, console.Frame{Type: console.TypeError,
				Error: fmt.Sprintf("unexpected frame type %q", frame.Type)})
			continue
		}
		e.consoleReply(c, e.registry.Execute(frame))
	}
}

func (e *Endpoint) consoleReply(c *consoleConn, f console.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	select {
	case c.sendCh <- data:
	case <-c.done:
	}
}

// --- REST surface ---

func (e *Endpoint) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if e.Status == nil {
		http.Error(w, "status unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, e.Status())
}

func (e *Endpoint) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"instanceId":   e.identity.InstanceID,
		"instanceName": e.identity.InstanceName,
		"version":      e.identity.Version,
		"port":         e.port,
	})
}

func (e *Endpoint) handleLayoutGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{"screens": e.layout.WireScreens()})
}

func (e *Endpoint) handleLayoutPut(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Screens []protocol.Screen `json:"screens"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.layout.UpdateLayout(body.Screens)
	writeJSON(w, map[string]any{"screens": e.layout.WireScreens()})
}

func (e *Endpoint) handleLayoutEntryPut(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	var body struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := e.layout.UpdatePosition(id, body.X, body.Y); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"screens": e.layout.WireScreens()})
}

func (e *Endpoint) handleLayoutEntryDelete(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := e.layout.RemoveClient(id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, map[string]any{"screens": e.layout.WireScreens()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugf("writing response: %v", err)
	}
}
