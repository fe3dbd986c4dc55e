package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andersbakken/konflikt/internal/geometry"
	"github.com/andersbakken/konflikt/internal/layout"
	"github.com/andersbakken/konflikt/internal/platform"
	"github.com/andersbakken/konflikt/internal/protocol"
)

// fakeNet records everything the coordinator sends.
type fakeNet struct {
	mu         sync.Mutex
	broadcasts []protocol.Message
	targeted   map[string][]protocol.Message
}

func newFakeNet() *fakeNet {
	return &fakeNet{targeted: make(map[string][]protocol.Message)}
}

func (f *fakeNet) Broadcast(msg protocol.Message) {
	f.mu.Lock()
	f.broadcasts = append(f.broadcasts, msg)
	f.mu.Unlock()
}

func (f *fakeNet) SendTo(instanceID string, msg protocol.Message) error {
	f.mu.Lock()
	f.targeted[instanceID] = append(f.targeted[instanceID], msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeNet) activations() []*protocol.ActivateClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.ActivateClient
	for _, m := range f.broadcasts {
		if a, ok := m.(*protocol.ActivateClient); ok {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeNet) inputEvents() []*protocol.InputEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.InputEvent
	for _, m := range f.broadcasts {
		if ev, ok := m.(*protocol.InputEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *fakeNet, *platform.Fake, *layout.Manager) {
	t.Helper()
	io := platform.NewFake(1920, 1080)
	net := newFakeNet()
	layoutMgr := layout.NewManager(nil)
	layoutMgr.SetServerScreen("server", "desk", "machine-a", 1920, 1080)
	layoutMgr.RegisterClient("client1", "laptop", "machine-b", 1920, 1080)

	s := NewServer("server", "display-0", "machine-a", "", io, layoutMgr, net)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s.Start(ctx)
	return s, net, io, layoutMgr
}

func move(x, y, dx, dy int) platform.Event {
	return platform.Event{
		Type: platform.EventMouseMove, X: x, Y: y, DX: dx, DY: dy,
		Timestamp: time.Now().UnixMilli(),
	}
}

func TestSingleHopTransition(t *testing.T) {
	s, net, io, _ := newTestServer(t)

	io.Raise(move(960, 540, 0, 0))
	s.Flush()
	assert.Empty(t, net.activations(), "no activation away from the edge")
	assert.True(t, io.IsCursorVisible())

	// A large rightward sweep ends pinned to the right edge.
	io.Raise(move(1919, 540, 1000, 0))
	s.Flush()

	acts := net.activations()
	require.Len(t, acts, 1)
	assert.Equal(t, "client1", acts[0].TargetInstanceID)
	assert.Equal(t, 1, acts[0].CursorX)
	assert.Equal(t, 540, acts[0].CursorY)
	assert.False(t, io.IsCursorVisible(), "server cursor hides on hand-off")
	assert.Equal(t, "client1", s.ActivatedClient())

	vc, ok := s.VirtualCursor()
	require.True(t, ok)
	assert.Equal(t, geometry.Point{X: 1, Y: 540}, vc)

	// Subsequent deltas drive the virtual cursor and fan out as moves in
	// client coordinates.
	io.Raise(move(1919, 540, 10, 0))
	s.Flush()
	evs := net.inputEvents()
	require.NotEmpty(t, evs)
	last := evs[len(evs)-1]
	assert.Equal(t, protocol.EventMouseMove, last.EventType)
	assert.Equal(t, 11, last.EventData.X)
	assert.Equal(t, 540, last.EventData.Y)
	assert.Equal(t, 10, last.EventData.DX)
}

func TestActivationDebounceAtEdge(t *testing.T) {
	s, net, io, _ := newTestServer(t)

	io.Raise(move(1919, 540, 5, 0))
	s.Flush()
	require.Len(t, net.activations(), 1)

	// Jitter at the boundary after hand-off; the virtual cursor absorbs it.
	io.Raise(move(1919, 540, -2, 0))
	io.Raise(move(1919, 540, 2, 0))
	io.Raise(move(1919, 540, -2, 0))
	io.Raise(move(1919, 540, 2, 0))
	s.Flush()

	assert.Len(t, net.activations(), 1, "exactly one activation per edge hit")
}

func TestVirtualCursorClamp(t *testing.T) {
	s, net, io, _ := newTestServer(t)

	io.Raise(move(1919, 540, 5, 0))
	s.Flush()
	require.Len(t, net.activations(), 1)

	// Any delta sequence stays inside the remote screen.
	deltas := [][2]int{{5000, 0}, {0, 5000}, {-9999, -9999}, {123, -456}, {20000, 20000}}
	for _, d := range deltas {
		io.Raise(move(1919, 540, d[0], d[1]))
		s.Flush()
		vc, ok := s.VirtualCursor()
		require.True(t, ok)
		assert.GreaterOrEqual(t, vc.X, 0)
		assert.Less(t, vc.X, 1920)
		assert.GreaterOrEqual(t, vc.Y, 0)
		assert.Less(t, vc.Y, 1080)
	}
}

func TestDeactivationFlow(t *testing.T) {
	s, net, io, _ := newTestServer(t)

	io.Raise(move(1919, 540, 5, 0))
	s.Flush()
	require.Equal(t, "client1", s.ActivatedClient())

	s.HandleMessage("client1", protocol.NewDeactivationRequest("client1"))
	s.Flush()

	assert.Empty(t, s.ActivatedClient())
	_, ok := s.VirtualCursor()
	assert.False(t, ok)
	assert.True(t, io.IsCursorVisible())

	// The deactivation is announced as an activation of the server itself.
	acts := net.activations()
	require.Len(t, acts, 2)
	assert.Equal(t, "server", acts[1].TargetInstanceID)
}

func TestDeactivationIgnoresNonActiveClient(t *testing.T) {
	s, _, io, layoutMgr := newTestServer(t)
	layoutMgr.RegisterClient("client2", "tablet", "machine-c", 1280, 800)

	io.Raise(move(1919, 540, 5, 0))
	s.Flush()
	require.Equal(t, "client1", s.ActivatedClient())

	s.HandleMessage("client2", protocol.NewDeactivationRequest("client2"))
	s.Flush()
	assert.Equal(t, "client1", s.ActivatedClient(), "only the active client may deactivate")
	assert.False(t, io.IsCursorVisible())
}

func TestDeactivationDebounce(t *testing.T) {
	s, _, io, _ := newTestServer(t)

	io.Raise(move(1919, 540, 5, 0))
	s.Flush()
	s.HandleMessage("client1", protocol.NewDeactivationRequest("client1"))
	s.Flush()
	require.Empty(t, s.ActivatedClient())

	// Re-activate immediately and fire a second request inside the window.
	io.Raise(move(960, 540, -100, 0))
	io.Raise(move(1919, 540, 900, 0))
	s.Flush()
	require.Equal(t, "client1", s.ActivatedClient())

	s.HandleMessage("client1", protocol.NewDeactivationRequest("client1"))
	s.Flush()
	assert.Equal(t, "client1", s.ActivatedClient(), "second deactivation inside 500ms is ignored")
}

func TestActiveClientDisconnectForcesDeactivation(t *testing.T) {
	s, _, io, layoutMgr := newTestServer(t)

	io.Raise(move(1919, 540, 5, 0))
	s.Flush()
	require.Equal(t, "client1", s.ActivatedClient())

	s.HandleDisconnect("client1")
	s.Flush()

	assert.Empty(t, s.ActivatedClient())
	assert.True(t, io.IsCursorVisible())
	e, ok := layoutMgr.Get("client1")
	require.True(t, ok)
	assert.False(t, e.Online)
}

func TestRegistrationGetsTargetedAssignment(t *testing.T) {
	s, net, _, _ := newTestServer(t)

	s.HandleMessage("client2", protocol.NewClientRegistration("client2", "tablet", "machine-c", 1280, 800))
	s.Flush()

	net.mu.Lock()
	msgs := net.targeted["client2"]
	net.mu.Unlock()
	require.Len(t, msgs, 1)
	assignment, ok := msgs[0].(*protocol.LayoutAssignment)
	require.True(t, ok)
	assert.Equal(t, 3840, assignment.Position.X)
	assert.Equal(t, "client1", assignment.Adjacency.Left)
	assert.Len(t, assignment.FullLayout, 3)
}

func TestEdgeWithoutNeighborBroadcastsMove(t *testing.T) {
	s, net, io, _ := newTestServer(t)

	// The left edge has no neighbor; the event passes through unchanged.
	io.Raise(move(0, 540, -5, 0))
	s.Flush()

	assert.Empty(t, net.activations())
	evs := net.inputEvents()
	require.Len(t, evs, 1)
	assert.Equal(t, 0, evs[0].EventData.X)
	assert.True(t, io.IsCursorVisible())
}

func TestKeyEventsForwardWithVirtualCoordinates(t *testing.T) {
	s, net, io, _ := newTestServer(t)

	io.Raise(move(1919, 540, 5, 0))
	s.Flush()

	io.Raise(platform.Event{Type: platform.EventKeyPress, X: 1919, Y: 540, Keycode: 30, Text: "a"})
	s.Flush()

	evs := net.inputEvents()
	require.NotEmpty(t, evs)
	key := evs[len(evs)-1]
	assert.Equal(t, protocol.EventKeyPress, key.EventType)
	assert.Equal(t, 1, key.EventData.X, "key events carry virtual coordinates while remote is active")
	assert.Equal(t, 30, key.EventData.Keycode)
	assert.Equal(t, "a", key.EventData.Text)
}

func TestServerRestartRequestExits(t *testing.T) {
	s, _, _, _ := newTestServer(t)

	exitCode := make(chan int, 1)
	s.OnExit = func(code int) { exitCode <- code }

	s.HandleMessage("client1", protocol.NewRestartRequest("client1", "update required", "A", "B"))
	s.Flush()

	select {
	case code := <-exitCode:
		assert.Equal(t, 43, code)
	default:
		t.Fatal("restart_request did not trigger an exit")
	}
}

// --- client side ---

type fakeSender struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (f *fakeSender) Broadcast(msg protocol.Message) {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	f.mu.Unlock()
}

func (f *fakeSender) deactivations() []*protocol.DeactivationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.DeactivationRequest
	for _, m := range f.sent {
		if d, ok := m.(*protocol.DeactivationRequest); ok {
			out = append(out, d)
		}
	}
	return out
}

func newTestClient(t *testing.T) (*Client, *fakeSender, *platform.Fake) {
	t.Helper()
	io := platform.NewFake(1920, 1080)
	sender := &fakeSender{}
	c := NewClient("client1", "display-0", "machine-b", "A", io, sender)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	c.Start(ctx)
	return c, sender, io
}

func serverMove(x, y, dx, dy int) *protocol.InputEvent {
	return protocol.NewInputEvent("server", "display-0", "machine-a",
		protocol.EventMouseMove, protocol.EventData{X: x, Y: y, DX: dx, DY: dy})
}

func TestClientActivation(t *testing.T) {
	c, _, io := newTestClient(t)

	c.HandleMessage(protocol.NewActivateClient("server", "client1", 1, 540))
	c.Flush()

	assert.True(t, c.Active())
	st := io.State()
	assert.Equal(t, 1, st.X)
	assert.Equal(t, 540, st.Y)
}

func TestClientActivationElsewhereDeactivates(t *testing.T) {
	c, _, _ := newTestClient(t)

	c.HandleMessage(protocol.NewActivateClient("server", "client1", 1, 540))
	c.HandleMessage(protocol.NewActivateClient("server", "client2", 1, 100))
	c.Flush()

	assert.False(t, c.Active())
}

func TestClientInjectsWhileActive(t *testing.T) {
	c, _, io := newTestClient(t)

	c.HandleMessage(serverMove(100, 100, 5, 5))
	c.Flush()
	assert.Empty(t, io.Injected, "inactive clients ignore forwarded input")

	c.HandleMessage(protocol.NewActivateClient("server", "client1", 1, 540))
	c.HandleMessage(serverMove(100, 100, 5, 5))
	c.Flush()
	require.NotEmpty(t, io.Injected)
	assert.Equal(t, platform.EventMouseMove, io.Injected[len(io.Injected)-1].Type)
}

func TestClientIgnoresOwnEvents(t *testing.T) {
	c, _, io := newTestClient(t)
	c.HandleMessage(protocol.NewActivateClient("server", "client1", 1, 540))
	c.Flush()
	before := len(io.Injected)

	c.HandleMessage(protocol.NewInputEvent("client1", "display-0", "machine-b",
		protocol.EventMouseMove, protocol.EventData{X: 5, Y: 5}))
	c.Flush()
	assert.Len(t, io.Injected, before)
}

func TestReturnThroughLeftEdge(t *testing.T) {
	c, sender, _ := newTestClient(t)

	c.HandleMessage(protocol.NewActivateClient("server", "client1", 1, 540))
	c.Flush()

	// Leftward move that lands at the boundary triggers the hand-back.
	c.HandleMessage(serverMove(0, 540, -5, 0))
	c.Flush()

	reqs := sender.deactivations()
	require.Len(t, reqs, 1)
	assert.Equal(t, "client1", reqs[0].InstanceID)

	// More pushes inside the debounce window stay quiet.
	c.HandleMessage(serverMove(0, 540, -3, 0))
	c.Flush()
	assert.Len(t, sender.deactivations(), 1)
}

func TestNoDeactivationOnRightwardMoveAtEdge(t *testing.T) {
	c, sender, _ := newTestClient(t)

	c.HandleMessage(protocol.NewActivateClient("server", "client1", 1, 540))
	c.HandleMessage(serverMove(0, 540, 3, 0))
	c.Flush()

	assert.Empty(t, sender.deactivations(), "deactivation needs a leftward delta")
}

func TestClientUpdateRequiredExits(t *testing.T) {
	c, sender, _ := newTestClient(t)

	exitCode := make(chan int, 1)
	c.OnExit = func(code int) { exitCode <- code }

	c.HandleMessage(protocol.NewUpdateRequired("server", "B", "A"))
	c.Flush()

	select {
	case code := <-exitCode:
		assert.Equal(t, 42, code)
	default:
		t.Fatal("update_required did not trigger an exit")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	var restart *protocol.RestartRequest
	for _, m := range sender.sent {
		if r, ok := m.(*protocol.RestartRequest); ok {
			restart = r
		}
	}
	require.NotNil(t, restart, "client announces the restart before exiting")
	assert.Equal(t, "A", restart.ClientCommit)
}
