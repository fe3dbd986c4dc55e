package coordinator

import (
	"context"
	"time"

	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/platform"
	"github.com/andersbakken/konflikt/internal/protocol"
)

// Sender is the slice of the peer manager the client coordinator needs.
type Sender interface {
	Broadcast(msg protocol.Message)
}

// Client is the receiving side of the state machine: it injects forwarded
// input while active and asks the server for the cursor back when the user
// pushes through the boundary toward it.
type Client struct {
	instanceID string
	displayID  string
	machineID  string
	gitCommit  string

	io   platform.IO
	net  Sender
	loop *loop

	// OnExit is called instead of os.Exit so tests can observe exits.
	OnExit func(code int)

	// State below is loop-confined.
	isActive         bool
	lastDeactivation time.Time
	layoutPosition   *protocol.LayoutAssignment
}

// NewClient wires the client coordinator.
func NewClient(instanceID, displayID, machineID, gitCommit string, io platform.IO, net Sender) *Client {
	return &Client{
		instanceID: instanceID,
		displayID:  displayID,
		machineID:  machineID,
		gitCommit:  gitCommit,
		io:         io,
		net:        net,
		loop:       newLoop(),
	}
}

// Start runs the coordinator loop until ctx is cancelled.
func (c *Client) Start(ctx context.Context) {
	go c.loop.run(ctx)
}

// Register announces this client's screen to the server. Called when a
// session reaches Ready.
func (c *Client) Register(displayName string) {
	desktop := c.io.Desktop()
	c.net.Broadcast(protocol.NewClientRegistration(
		c.instanceID, displayName, c.machineID, desktop.Width, desktop.Height))
	c.net.Broadcast(protocol.NewInstanceInfo(c.instanceID, c.displayID, c.machineID,
		&protocol.ScreenGeometry{Width: desktop.Width, Height: desktop.Height}))
}

// Active reports whether this client currently owns the cursor.
func (c *Client) Active() bool {
	done := make(chan bool, 1)
	c.loop.post(false, func() { done <- c.isActive })
	return <-done
}

// HandleMessage dispatches one message from the server onto the loop.
func (c *Client) HandleMessage(msg protocol.Message) {
	isMove := false
	if ev, ok := msg.(*protocol.InputEvent); ok {
		isMove = ev.EventType == protocol.EventMouseMove
	}
	c.loop.post(isMove, func() { c.dispatch(msg) })
}

func (c *Client) dispatch(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.ActivateClient:
		c.handleActivate(m)
	case *protocol.InputEvent:
		c.handleInputEvent(m)
	case *protocol.LayoutAssignment:
		c.layoutPosition = m
		logger.Infof("assigned position (%d,%d)", m.Position.X, m.Position.Y)
	case *protocol.LayoutUpdate:
		logger.Debugf("layout updated, %d screens", len(m.Screens))
	case *protocol.UpdateRequired:
		c.handleUpdateRequired(m)
	case *protocol.HandshakeResponse, *protocol.Error:
		// Informational here; the session layer already logged them.
	default:
		logger.Debugf("ignoring %s", msg.MessageType())
	}
}

func (c *Client) handleActivate(m *protocol.ActivateClient) {
	if m.TargetInstanceID != c.instanceID {
		if c.isActive {
			logger.Info("cursor moved elsewhere, deactivating")
		}
		c.isActive = false
		return
	}

	c.isActive = true
	logger.Infof("activated, cursor at (%d,%d)", m.CursorX, m.CursorY)

	// Warp the local cursor to the hand-off point.
	if err := c.io.SendMouseEvent(platform.Event{
		Type:      platform.EventMouseMove,
		X:         m.CursorX,
		Y:         m.CursorY,
		Timestamp: time.Now().UnixMilli(),
	}); err != nil {
		logger.Errorf("cursor warp failed: %v", err)
	}
}

func (c *Client) handleInputEvent(m *protocol.InputEvent) {
	if m.SourceInstanceID == c.instanceID {
		return
	}
	if !c.isActive {
		return
	}

	ev := platform.Event{
		X:                 m.EventData.X,
		Y:                 m.EventData.Y,
		DX:                m.EventData.DX,
		DY:                m.EventData.DY,
		Timestamp:         m.EventData.Timestamp,
		KeyboardModifiers: m.EventData.KeyboardModifiers,
		MouseButtons:      m.EventData.MouseButtons,
		Keycode:           m.EventData.Keycode,
		Text:              m.EventData.Text,
		Button:            m.EventData.Button,
	}

	var err error
	switch m.EventType {
	case protocol.EventMouseMove:
		ev.Type = platform.EventMouseMove
		err = c.io.SendMouseEvent(ev)
		if err == nil {
			c.checkReturnEdge(m)
		}
	case protocol.EventMousePress:
		ev.Type = platform.EventMousePress
		err = c.io.SendMouseEvent(ev)
	case protocol.EventMouseRelease:
		ev.Type = platform.EventMouseRelease
		err = c.io.SendMouseEvent(ev)
	case protocol.EventKeyPress:
		ev.Type = platform.EventKeyPress
		err = c.io.SendKeyEvent(ev)
	case protocol.EventKeyRelease:
		ev.Type = platform.EventKeyRelease
		err = c.io.SendKeyEvent(ev)
	}
	if err != nil {
		logger.Errorf("input injection failed: %v", err)
	}
}

// checkReturnEdge watches for the user pushing back through the boundary.
// Only the OS knows where the cursor really ended up after injection, so
// the decision reads the live state rather than the event coordinates.
func (c *Client) checkReturnEdge(m *protocol.InputEvent) {
	state := c.io.State()
	if state.X > 1 || m.EventData.DX >= 0 {
		return
	}

	now := time.Now()
	if now.Sub(c.lastDeactivation) < DeactivationDebounce {
		return
	}
	c.lastDeactivation = now

	logger.Info("hit return edge, requesting deactivation")
	c.net.Broadcast(protocol.NewDeactivationRequest(c.instanceID))
}

func (c *Client) handleUpdateRequired(m *protocol.UpdateRequired) {
	logger.Warnf("server runs %s, we run %s: restarting to update", m.ServerCommit, m.ClientCommit)
	c.net.Broadcast(protocol.NewRestartRequest(c.instanceID, "update required", c.gitCommit, m.ServerCommit))
	c.exit(42)
}

func (c *Client) exit(code int) {
	if c.OnExit != nil {
		c.OnExit(code)
	}
}

// Flush runs all queued work before returning. Test hook.
func (c *Client) Flush() {
	done := make(chan struct{})
	c.loop.post(false, func() { close(done) })
	<-done
}
