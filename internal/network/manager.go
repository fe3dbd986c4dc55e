package network

import (
	"context"
	"sync"
	"time"

	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/protocol"
)

const (
	reconnectBase = 1 * time.Second
	reconnectMax  = 30 * time.Second
)

// ReconnectDelay returns the backoff before reconnect attempt n (1-based):
// 1s, 2s, 4s, ... capped at 30s.
func ReconnectDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := reconnectBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= reconnectMax {
			return reconnectMax
		}
	}
	if d > reconnectMax {
		return reconnectMax
	}
	return d
}

type peerEntry struct {
	session  *Session
	attempts int
	timer    *time.Timer
}

// Manager owns every outbound session and reconnects dropped peers with
// exponential backoff.
type Manager struct {
	identity Identity

	mu        sync.Mutex
	peers     map[string]*peerEntry
	destroyed bool

	// OnMessage receives messages from every managed session.
	OnMessage func(addr string, msg protocol.Message)
	// OnReady fires whenever a session reaches Ready.
	OnReady func(addr string)
}

// NewManager creates a peer manager for the given local identity.
func NewManager(identity Identity) *Manager {
	return &Manager{
		identity: identity,
		peers:    make(map[string]*peerEntry),
	}
}

// Connect starts managing addr, dialing immediately. Calling it again for a
// known peer is a no-op.
func (m *Manager) Connect(addr string) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	if _, ok := m.peers[addr]; ok {
		m.mu.Unlock()
		return
	}
	entry := &peerEntry{}
	m.peers[addr] = entry
	m.mu.Unlock()

	go m.dial(addr)
}

func (m *Manager) dial(addr string) {
	m.mu.Lock()
	entry, ok := m.peers[addr]
	if !ok || m.destroyed {
		m.mu.Unlock()
		return
	}
	entry.attempts++
	attempts := entry.attempts

	session := NewSession(addr, m.identity)
	session.OnMessage = func(msg protocol.Message) {
		if m.OnMessage != nil {
			m.OnMessage(addr, msg)
		}
	}
	session.OnStateChange = func(state SessionState) {
		switch state {
		case StateReady:
			m.handleReady(addr)
		case StateClosed:
			m.scheduleReconnect(addr)
		}
	}
	entry.session = session
	m.mu.Unlock()

	logger.Debugf("peer %s: connect attempt %d", addr, attempts)
	ctx, cancel := context.WithTimeout(context.Background(), ConnectTimeout)
	defer cancel()
	if err := session.Connect(ctx); err != nil {
		logger.Debugf("peer %s: %v", addr, err)
	}
}

func (m *Manager) handleReady(addr string) {
	m.mu.Lock()
	if entry, ok := m.peers[addr]; ok {
		entry.attempts = 0
	}
	m.mu.Unlock()
	logger.Infof("peer %s: session ready", addr)
	if m.OnReady != nil {
		m.OnReady(addr)
	}
}

func (m *Manager) scheduleReconnect(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return
	}
	entry, ok := m.peers[addr]
	if !ok {
		return
	}
	if entry.timer != nil {
		// A reconnect is already pending; coalesce.
		return
	}

	delay := ReconnectDelay(entry.attempts)
	logger.Infof("peer %s: reconnecting in %s", addr, delay)
	entry.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if e, ok := m.peers[addr]; ok {
			e.timer = nil
		}
		destroyed := m.destroyed
		m.mu.Unlock()
		if !destroyed {
			m.dial(addr)
		}
	})
}

// Disconnect stops managing addr and closes its session.
func (m *Manager) Disconnect(addr string) {
	m.mu.Lock()
	entry, ok := m.peers[addr]
	if ok {
		delete(m.peers, addr)
	}
	m.mu.Unlock()

	if ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.session != nil {
			entry.session.Close()
		}
	}
}

// Broadcast sends msg to every Ready session. A failed send to one peer
// does not affect the others.
func (m *Manager) Broadcast(msg protocol.Message) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.peers))
	for _, entry := range m.peers {
		if entry.session != nil && entry.session.State() == StateReady {
			sessions = append(sessions, entry.session)
		}
	}
	m.mu.Unlock()

	for _, session := range sessions {
		if err := session.Send(msg); err != nil {
			logger.Debugf("broadcast to %s failed: %v", session.Addr(), err)
		}
	}
}

// Ready reports whether at least one session is Ready.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.peers {
		if entry.session != nil && entry.session.State() == StateReady {
			return true
		}
	}
	return false
}

// Peers returns the addresses currently managed.
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.peers))
	for addr := range m.peers {
		out = append(out, addr)
	}
	return out
}

// Shutdown closes every session and stops all reconnects.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.destroyed = true
	peers := m.peers
	m.peers = make(map[string]*peerEntry)
	m.mu.Unlock()

	for _, entry := range peers {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		if entry.session != nil {
			if entry.session.State() == StateReady {
				_ = entry.session.Send(protocol.NewDisconnect(m.identity.InstanceID, "shutting down"))
			}
			entry.session.Close()
		}
	}
}
