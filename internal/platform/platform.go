// Package platform defines the contract the coordinator consumes from the
// OS-specific input layer: observing raw input, synthesizing events and
// controlling cursor visibility. Native implementations live outside the
// core; the package ships a Fake for tests and a Null for headless runs.
package platform

// Desktop describes the local display surface.
type Desktop struct {
	Width  int
	Height int
}

// CursorState is the instantaneous pointer/keyboard state.
type CursorState struct {
	X                 int
	Y                 int
	KeyboardModifiers uint32
	MouseButtons      uint32
}

// EventType enumerates raw input events.
type EventType int

const (
	EventMouseMove EventType = iota
	EventMousePress
	EventMouseRelease
	EventKeyPress
	EventKeyRelease
	EventDesktopChanged
)

func (t EventType) String() string {
	switch t {
	case EventMouseMove:
		return "mouseMove"
	case EventMousePress:
		return "mousePress"
	case EventMouseRelease:
		return "mouseRelease"
	case EventKeyPress:
		return "keyPress"
	case EventKeyRelease:
		return "keyRelease"
	case EventDesktopChanged:
		return "desktopChanged"
	default:
		return "unknown"
	}
}

// Event is one raw input event, captured or synthesized.
type Event struct {
	Type              EventType
	X                 int
	Y                 int
	DX                int
	DY                int
	Timestamp         int64
	KeyboardModifiers uint32
	MouseButtons      uint32
	Keycode           int
	Text              string
	Button            int
	Desktop           *Desktop
}

// IO is the capability set the core consumes from the OS layer.
type IO interface {
	// Desktop returns the size of the local display surface.
	Desktop() Desktop

	// State returns the current pointer position and modifier state.
	State() CursorState

	// Subscribe registers the handler for captured events. The native layer
	// marshals delivery onto the caller's loop; handlers must not block.
	Subscribe(handler func(Event))

	// SendMouseEvent injects a synthetic mouse event.
	SendMouseEvent(ev Event) error

	// SendKeyEvent injects a synthetic keyboard event.
	SendKeyEvent(ev Event) error

	HideCursor()
	ShowCursor()
	IsCursorVisible() bool
}

var factory func() (IO, error)

// SetFactory registers the native layer's constructor. Platform-specific
// builds call this from an init function.
func SetFactory(fn func() (IO, error)) {
	factory = fn
}

// New returns the registered native IO, or a Null of the given size when no
// native layer is linked in.
func New(fallback Desktop) (IO, error) {
	if factory != nil {
		return factory()
	}
	return &Null{Size: fallback}, nil
}

// Null is an IO that captures nothing and swallows injections. Used when no
// native layer is linked in.
type Null struct {
	Size Desktop
}

func (n *Null) Desktop() Desktop               { return n.Size }
func (n *Null) State() CursorState             { return CursorState{} }
func (n *Null) Subscribe(func(Event))          {}
func (n *Null) SendMouseEvent(Event) error     { return nil }
func (n *Null) SendKeyEvent(Event) error       { return nil }
func (n *Null) HideCursor()                    {}
func (n *Null) ShowCursor()                    {}
func (n *Null) IsCursorVisible() bool          { return true }
