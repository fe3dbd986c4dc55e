// Package network carries the peer protocol: outbound sessions with
// handshake and heartbeat, the reconnecting peer manager, and the server
// endpoint that accepts peer and console channels.
package network

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/protocol"
)

const (
	// ConnectTimeout bounds the transport dial.
	ConnectTimeout = 10 * time.Second
	// HandshakeTimeout bounds the wait for a handshake_response.
	HandshakeTimeout = 5 * time.Second
	// HeartbeatInterval is how often an idle Ready session emits a heartbeat.
	HeartbeatInterval = 30 * time.Second

	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// SessionState tracks the lifecycle of one outbound session. Transitions
// only move forward.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateHandshakeSent
	StateReady
	StateClosing
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Identity describes the local instance to the remote side.
type Identity struct {
	InstanceID   string
	InstanceName string
	Version      string
	Capabilities []string
	GitCommit    string
	Geometry     *protocol.ScreenGeometry
}

// Session is one directed peer connection. The side that opened the
// transport also initiates the handshake.
type Session struct {
	addr     string
	identity Identity

	mu    sync.Mutex
	state SessionState
	conn  *websocket.Conn

	sendCh    chan []byte
	done      chan struct{}
	ready     chan struct{}
	readyOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// OnMessage receives every decoded message after the session is Ready,
	// plus error and disconnect frames at any point.
	OnMessage func(protocol.Message)
	// OnStateChange observes every state transition.
	OnStateChange func(SessionState)
}

// NewSession creates a session aimed at addr (host:port).
func NewSession(addr string, identity Identity) *Session {
	return &Session{
		addr:     addr,
		identity: identity,
		state:    StateConnecting,
		sendCh:   make(chan []byte, sendQueueSize),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
}

// Addr returns the remote address this session dials.
func (s *Session) Addr() string { return s.addr }

// State returns the current session state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	if state <= s.state {
		s.mu.Unlock()
		return
	}
	s.state = state
	cb := s.OnStateChange
	s.mu.Unlock()
	if state == StateReady {
		s.readyOnce.Do(func() { close(s.ready) })
	}
	if cb != nil {
		cb(state)
	}
}

// Connect dials the peer, performs the handshake and runs the session until
// the transport drops or Close is called. It returns once the session has
// reached Ready, or with the error that prevented it.
func (s *Session) Connect(ctx context.Context) error {
	u := url.URL{Scheme: "ws", Host: s.addr, Path: "/ws"}
	dialer := websocket.Dialer{HandshakeTimeout: ConnectTimeout}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("failed to connect to %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.setState(StateOpen)

	s.wg.Add(2)
	go s.writePump()
	go s.readPump()

	req := protocol.NewHandshakeRequest(
		s.identity.InstanceID, s.identity.InstanceName, s.identity.Version,
		s.identity.Capabilities, s.identity.Geometry, s.identity.GitCommit)
	if err := s.Send(req); err != nil {
		s.Close()
		return err
	}
	s.setState(StateHandshakeSent)

	// The handshake must complete within its deadline.
	select {
	case <-s.ready:
		return nil
	case <-time.After(HandshakeTimeout):
		logger.Warnf("session %s: handshake timed out", s.addr)
		s.Close()
		return fmt.Errorf("handshake with %s timed out", s.addr)
	case <-s.done:
		return fmt.Errorf("session to %s closed during handshake", s.addr)
	case <-ctx.Done():
		s.Close()
		return ctx.Err()
	}
}

// Send queues one message. It never blocks the caller; a full queue counts
// as a send failure.
func (s *Session) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session to %s is closed", s.addr)
	default:
		return fmt.Errorf("session to %s: send queue full", s.addr)
	}
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	s.stopOnce.Do(func() {
		s.setState(StateClosing)
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			_ = s.conn.Close()
		}
		s.mu.Unlock()
		s.setState(StateClosed)
	})
}

// Done is closed when the session has fully shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) writePump() {
	defer s.wg.Done()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.sendCh:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Debugf("session %s: write failed: %v", s.addr, err)
				s.Close()
				return
			}
		case <-heartbeat.C:
			if s.State() != StateReady {
				continue
			}
			_ = s.Send(protocol.NewHeartbeat(s.identity.InstanceID))
		}
	}
}

func (s *Session) readPump() {
	defer s.wg.Done()
	defer s.Close()

	for {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn == nil {
			return
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				logger.Debugf("session %s: read failed: %v", s.addr, err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			// Binary frames are a protocol error on this channel.
			logger.Warnf("session %s: unexpected binary frame", s.addr)
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Warnf("session %s: %v", s.addr, err)
			return
		}
		s.handleMessage(msg)
	}
}

func (s *Session) handleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.HandshakeRequest:
		// We initiated this transport; the remote must not handshake us.
		logger.Warnf("session %s: unexpected handshake_request on outbound session", s.addr)
		_ = s.Send(protocol.NewError(s.identity.InstanceID, protocol.CodeProtocolError,
			"handshake_request on outbound session", ""))
		s.Close()
		return

	case *protocol.HandshakeResponse:
		if s.State() != StateHandshakeSent {
			return
		}
		if !m.Accepted {
			logger.Warnf("session %s: handshake rejected: %s", s.addr, m.Reason)
			s.Close()
			return
		}
		s.setState(StateReady)
		s.deliver(msg)
		return

	case *protocol.Heartbeat:
		if s.State() == StateReady {
			_ = s.Send(protocol.NewHeartbeat(s.identity.InstanceID))
		}
		return

	case *protocol.Disconnect:
		logger.Infof("session %s: remote disconnected: %s", s.addr, m.Reason)
		s.deliver(msg)
		s.Close()
		return

	case *protocol.Error:
		logger.Warnf("session %s: remote error %s: %s", s.addr, m.Code, m.Message)
		s.deliver(msg)
		return
	}

	// Anything else before Ready is silently dropped.
	if s.State() != StateReady {
		return
	}
	s.deliver(msg)
}

func (s *Session) deliver(msg protocol.Message) {
	if s.OnMessage != nil {
		s.OnMessage(msg)
	}
}
