package network

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andersbakken/konflikt/internal/console"
	"github.com/andersbakken/konflikt/internal/layout"
	"github.com/andersbakken/konflikt/internal/protocol"
)

type endpointHarness struct {
	endpoint *Endpoint
	addr     string

	mu       sync.Mutex
	messages []protocol.Message
	lost     []string
}

func startEndpoint(t *testing.T, gitCommit string) *endpointHarness {
	t.Helper()

	layoutMgr := layout.NewManager(nil)
	layoutMgr.SetServerScreen("server", "desk", "machine-a", 1920, 1080)

	h := &endpointHarness{}
	identity := Identity{
		InstanceID:   "server",
		InstanceName: "desk",
		Version:      "1.0.0",
		GitCommit:    gitCommit,
	}
	e := NewEndpoint(identity, layoutMgr, console.NewRegistry(nil), "")
	e.OnMessage = func(instanceID string, msg protocol.Message) {
		h.mu.Lock()
		h.messages = append(h.messages, msg)
		h.mu.Unlock()
	}
	e.OnDisconnect = func(instanceID string) {
		h.mu.Lock()
		h.lost = append(h.lost, instanceID)
		h.mu.Unlock()
	}
	require.NoError(t, e.Listen("127.0.0.1", 0))
	go func() { _ = e.Serve() }()
	t.Cleanup(e.Shutdown)

	h.endpoint = e
	h.addr = fmt.Sprintf("127.0.0.1:%d", e.Port())
	return h
}

func clientIdentity(gitCommit string) Identity {
	return Identity{
		InstanceID:   "client1",
		InstanceName: "laptop",
		Version:      "1.0.0",
		GitCommit:    gitCommit,
		Geometry:     &protocol.ScreenGeometry{Width: 1920, Height: 1080},
	}
}

func TestSessionHandshake(t *testing.T) {
	h := startEndpoint(t, "")

	s := NewSession(h.addr, clientIdentity(""))
	var states []SessionState
	var stateMu sync.Mutex
	s.OnStateChange = func(st SessionState) {
		stateMu.Lock()
		states = append(states, st)
		stateMu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	assert.Equal(t, StateReady, s.State())
	stateMu.Lock()
	assert.Contains(t, states, StateOpen)
	assert.Contains(t, states, StateHandshakeSent)
	assert.Contains(t, states, StateReady)
	stateMu.Unlock()

	// The endpoint has learned the instance behind the socket.
	require.Eventually(t, func() bool {
		conns := h.endpoint.Connections()
		return len(conns) == 1 && conns[0] == "client1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessageDispatchAfterHandshake(t *testing.T) {
	h := startEndpoint(t, "")

	s := NewSession(h.addr, clientIdentity(""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	reg := protocol.NewClientRegistration("client1", "laptop", "machine-b", 1920, 1080)
	require.NoError(t, s.Send(reg))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		for _, m := range h.messages {
			if r, ok := m.(*protocol.ClientRegistration); ok && r.InstanceID == "client1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUpdateRequiredOnCommitMismatch(t *testing.T) {
	h := startEndpoint(t, "server-commit")

	s := NewSession(h.addr, clientIdentity("client-commit"))
	var got sync.Map
	s.OnMessage = func(msg protocol.Message) {
		if u, ok := msg.(*protocol.UpdateRequired); ok {
			got.Store("update", u)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	require.Eventually(t, func() bool {
		_, ok := got.Load("update")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	v, _ := got.Load("update")
	u := v.(*protocol.UpdateRequired)
	assert.Equal(t, "server-commit", u.ServerCommit)
	assert.Equal(t, "client-commit", u.ClientCommit)
}

func TestDisconnectNotifiesHandler(t *testing.T) {
	h := startEndpoint(t, "")

	s := NewSession(h.addr, clientIdentity(""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	s.Close()

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.lost) == 1 && h.lost[0] == "client1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastReachesReadySessions(t *testing.T) {
	h := startEndpoint(t, "")

	s := NewSession(h.addr, clientIdentity(""))
	received := make(chan *protocol.ActivateClient, 1)
	s.OnMessage = func(msg protocol.Message) {
		if a, ok := msg.(*protocol.ActivateClient); ok {
			select {
			case received <- a:
			default:
			}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))
	defer s.Close()

	require.Eventually(t, func() bool {
		return len(h.endpoint.Connections()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.endpoint.Broadcast(protocol.NewActivateClient("server", "client1", 1, 540))

	select {
	case a := <-received:
		assert.Equal(t, "client1", a.TargetInstanceID)
		assert.Equal(t, 1, a.CursorX)
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}
}

func TestSendToUnknownInstanceFails(t *testing.T) {
	h := startEndpoint(t, "")
	err := h.endpoint.SendTo("ghost", protocol.NewHeartbeat("server"))
	assert.Error(t, err)
}

func TestConnectRefusedFailsFast(t *testing.T) {
	s := NewSession("127.0.0.1:1", clientIdentity(""))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Connect(ctx)
	assert.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
}
