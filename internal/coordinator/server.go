package coordinator

import (
	"context"
	"time"

	"github.com/andersbakken/konflikt/internal/geometry"
	"github.com/andersbakken/konflikt/internal/layout"
	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/platform"
	"github.com/andersbakken/konflikt/internal/protocol"
)

// DeactivationDebounce is the minimum spacing between accepted
// deactivation requests.
const DeactivationDebounce = 500 * time.Millisecond

// Broadcaster is the slice of the server endpoint the coordinator needs.
type Broadcaster interface {
	Broadcast(msg protocol.Message)
	SendTo(instanceID string, msg protocol.Message) error
}

// Server owns the cursor for the whole cluster. While a remote client is
// active it tracks a virtual cursor in the remote's coordinate space and
// fans local input out as input_event messages.
type Server struct {
	instanceID string
	displayID  string
	machineID  string
	gitCommit  string

	io     platform.IO
	layout *layout.Manager
	net    Broadcaster
	loop   *loop

	// OnExit is called instead of os.Exit so tests can observe exits.
	OnExit func(code int)

	// State below is loop-confined.
	activatedClientID  string
	virtualCursor      *geometry.Point
	activeRemoteScreen *geometry.Rect
	lastDeactivation   time.Time
	lastCursor         geometry.Point
	active             bool
}

// NewServer wires the server coordinator. displayID names the local
// display for input_event provenance.
func NewServer(instanceID, displayID, machineID, gitCommit string, io platform.IO, layoutMgr *layout.Manager, net Broadcaster) *Server {
	return &Server{
		instanceID: instanceID,
		displayID:  displayID,
		machineID:  machineID,
		gitCommit:  gitCommit,
		io:         io,
		layout:     layoutMgr,
		net:        net,
		loop:       newLoop(),
		active:     true,
	}
}

// Start subscribes to local input and runs the coordinator loop until ctx
// is cancelled.
func (s *Server) Start(ctx context.Context) {
	s.io.Subscribe(func(ev platform.Event) {
		s.loop.post(ev.Type == platform.EventMouseMove, func() { s.handleLocalEvent(ev) })
	})
	s.layout.OnChanged(func() {
		s.loop.post(false, func() {
			s.net.Broadcast(protocol.NewLayoutUpdate(s.instanceID, s.layout.WireScreens()))
		})
	})
	go s.loop.run(ctx)
}

// ActivatedClient returns the instance currently owning the cursor, ""
// when the server does.
func (s *Server) ActivatedClient() string {
	done := make(chan string, 1)
	s.loop.post(false, func() { done <- s.activatedClientID })
	return <-done
}

// VirtualCursor returns the tracked remote cursor position, if any.
func (s *Server) VirtualCursor() (geometry.Point, bool) {
	type result struct {
		p  geometry.Point
		ok bool
	}
	done := make(chan result, 1)
	s.loop.post(false, func() {
		if s.virtualCursor == nil {
			done <- result{}
			return
		}
		done <- result{p: *s.virtualCursor, ok: true}
	})
	r := <-done
	return r.p, r.ok
}

// HandleMessage dispatches one validated peer message onto the loop.
func (s *Server) HandleMessage(instanceID string, msg protocol.Message) {
	isMove := false
	if ev, ok := msg.(*protocol.InputEvent); ok {
		isMove = ev.EventType == protocol.EventMouseMove
	}
	s.loop.post(isMove, func() { s.dispatch(instanceID, msg) })
}

// HandleDisconnect reacts to a lost peer connection.
func (s *Server) HandleDisconnect(instanceID string) {
	s.loop.post(false, func() {
		s.layout.UnregisterClient(instanceID)
		if s.activatedClientID == instanceID {
			logger.Warnf("active client %s disconnected, reclaiming cursor", instanceID)
			s.deactivate(instanceID, true)
		}
	})
}

func (s *Server) dispatch(instanceID string, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ClientRegistration:
		s.handleRegistration(m)
	case *protocol.DeactivationRequest:
		s.handleDeactivationRequest(m)
	case *protocol.RestartRequest:
		logger.Warnf("client %s restarting for update, following suit", m.Source)
		s.exit(43)
	case *protocol.InstanceInfo:
		logger.Debugf("instance info from %s: display=%s machine=%s", m.InstanceID, m.DisplayID, m.MachineID)
	case *protocol.InputEvent:
		// The server is the sole input source; client events are state
		// errors here.
		logger.Debugf("ignoring input_event from %s", instanceID)
	default:
		logger.Debugf("ignoring %s from %s", msg.MessageType(), instanceID)
	}
}

func (s *Server) handleRegistration(m *protocol.ClientRegistration) {
	entry := s.layout.RegisterClient(m.InstanceID, m.DisplayName, m.MachineID, m.ScreenWidth, m.ScreenHeight)
	adj := s.layout.AdjacencyFor(m.InstanceID)

	assignment := protocol.NewLayoutAssignment(s.instanceID,
		geometry.Point{X: entry.X, Y: entry.Y}, adj.Wire(), s.layout.WireScreens())
	if err := s.net.SendTo(m.InstanceID, assignment); err != nil {
		logger.Errorf("layout assignment to %s failed: %v", m.InstanceID, err)
	}
}

func (s *Server) handleLocalEvent(ev platform.Event) {
	switch ev.Type {
	case platform.EventMouseMove:
		s.handleLocalMove(ev)
	case platform.EventMousePress, platform.EventMouseRelease,
		platform.EventKeyPress, platform.EventKeyRelease:
		s.forwardLocal(ev)
	case platform.EventDesktopChanged:
		if ev.Desktop != nil {
			logger.Infof("desktop changed to %dx%d", ev.Desktop.Width, ev.Desktop.Height)
		}
	}
}

func (s *Server) handleLocalMove(ev platform.Event) {
	s.lastCursor = geometry.Point{X: ev.X, Y: ev.Y}

	if s.virtualCursor != nil {
		// Remote active: advance the virtual cursor by the raw deltas and
		// let the client chase it. Edge evaluation is the client's job now.
		moved := geometry.Point{X: s.virtualCursor.X + ev.DX, Y: s.virtualCursor.Y + ev.DY}
		moved = s.activeRemoteScreen.Clamp(moved)
		*s.virtualCursor = moved

		s.net.Broadcast(protocol.NewInputEvent(s.instanceID, s.displayID, s.machineID,
			protocol.EventMouseMove, protocol.EventData{
				X:                 moved.X,
				Y:                 moved.Y,
				DX:                ev.DX,
				DY:                ev.DY,
				Timestamp:         ev.Timestamp,
				KeyboardModifiers: ev.KeyboardModifiers,
				MouseButtons:      ev.MouseButtons,
			}))
		return
	}

	s.checkScreenTransition(ev)
}

func (s *Server) checkScreenTransition(ev platform.Event) {
	desktop := s.io.Desktop()
	screen := geometry.Rect{Width: desktop.Width, Height: desktop.Height}
	p := geometry.Point{X: ev.X, Y: ev.Y}

	edge := screen.EdgeAt(p)
	if edge == geometry.SideNone {
		// Off the edge again; release activation suppression.
		s.activatedClientID = ""
		return
	}

	transition, ok := s.layout.TransitionTargetAtEdge(s.instanceID, edge, ev.X, ev.Y)
	if !ok {
		s.activatedClientID = ""
		s.net.Broadcast(protocol.NewInputEvent(s.instanceID, s.displayID, s.machineID,
			protocol.EventMouseMove, protocol.EventData{
				X:                 ev.X,
				Y:                 ev.Y,
				DX:                ev.DX,
				DY:                ev.DY,
				Timestamp:         ev.Timestamp,
				KeyboardModifiers: ev.KeyboardModifiers,
				MouseButtons:      ev.MouseButtons,
			}))
		return
	}

	if s.activatedClientID == transition.Target.InstanceID {
		// Already activated for this edge; swallow.
		return
	}
	s.activateClient(transition)
}

func (s *Server) activateClient(t layout.Transition) {
	// Order matters: mark the activation before anything else so a racing
	// move cannot double-fire.
	s.activatedClientID = t.Target.InstanceID

	logger.Infof("activating %s at (%d,%d)", t.Target.DisplayName, t.NewX, t.NewY)
	s.net.Broadcast(protocol.NewActivateClient(s.instanceID, t.Target.InstanceID, t.NewX, t.NewY))

	s.virtualCursor = &geometry.Point{X: t.NewX, Y: t.NewY}
	s.activeRemoteScreen = &geometry.Rect{Width: t.Target.Width, Height: t.Target.Height}
	s.io.HideCursor()
	s.active = false
}

func (s *Server) forwardLocal(ev platform.Event) {
	x, y := ev.X, ev.Y
	if s.virtualCursor != nil {
		x, y = s.virtualCursor.X, s.virtualCursor.Y
	}

	var eventType string
	switch ev.Type {
	case platform.EventMousePress:
		eventType = protocol.EventMousePress
	case platform.EventMouseRelease:
		eventType = protocol.EventMouseRelease
	case platform.EventKeyPress:
		eventType = protocol.EventKeyPress
	case platform.EventKeyRelease:
		eventType = protocol.EventKeyRelease
	}

	s.net.Broadcast(protocol.NewInputEvent(s.instanceID, s.displayID, s.machineID,
		eventType, protocol.EventData{
			X:                 x,
			Y:                 y,
			Timestamp:         ev.Timestamp,
			KeyboardModifiers: ev.KeyboardModifiers,
			MouseButtons:      ev.MouseButtons,
			Keycode:           ev.Keycode,
			Text:              ev.Text,
			Button:            ev.Button,
		}))
}

func (s *Server) handleDeactivationRequest(m *protocol.DeactivationRequest) {
	if m.InstanceID != s.activatedClientID {
		logger.Debugf("deactivation from non-active client %s, ignoring", m.InstanceID)
		return
	}
	s.deactivate(m.InstanceID, false)
}

func (s *Server) deactivate(instanceID string, force bool) {
	now := time.Now()
	if !force && now.Sub(s.lastDeactivation) < DeactivationDebounce {
		logger.Debugf("deactivation from %s inside debounce window, ignoring", instanceID)
		return
	}
	s.lastDeactivation = now

	s.activatedClientID = ""
	s.virtualCursor = nil
	s.activeRemoteScreen = nil
	s.io.ShowCursor()
	s.active = true

	// Tell the ex-active client (and everyone else) the server owns the
	// cursor again.
	s.net.Broadcast(protocol.NewActivateClient(s.instanceID, s.instanceID, s.lastCursor.X, s.lastCursor.Y))
	logger.Infof("cursor returned from %s", instanceID)
}

func (s *Server) exit(code int) {
	if s.OnExit != nil {
		s.OnExit(code)
	}
}

// Flush runs all queued work before returning. Test hook.
func (s *Server) Flush() {
	done := make(chan struct{})
	s.loop.post(false, func() { close(done) })
	<-done
}
