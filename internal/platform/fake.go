package platform

import "sync"

// Fake is an in-memory IO used by coordinator tests. Injected mouse moves
// update the tracked cursor position the way a real OS would, including
// clamping to the desktop bounds.
type Fake struct {
	mu      sync.Mutex
	size    Desktop
	cursor  CursorState
	visible bool
	handler func(Event)

	// Injected records every event synthesized through the fake.
	Injected []Event
}

// NewFake creates a fake desktop of the given size with a visible cursor.
func NewFake(width, height int) *Fake {
	return &Fake{
		size:    Desktop{Width: width, Height: height},
		visible: true,
	}
}

func (f *Fake) Desktop() Desktop {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *Fake) State() CursorState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cursor
}

func (f *Fake) Subscribe(handler func(Event)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

// Raise delivers a captured event to the subscriber, as the native capture
// thread would.
func (f *Fake) Raise(ev Event) {
	f.mu.Lock()
	if ev.Type == EventMouseMove {
		f.cursor.X = ev.X
		f.cursor.Y = ev.Y
	}
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (f *Fake) SendMouseEvent(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ev.Type == EventMouseMove {
		x, y := ev.X, ev.Y
		if x < 0 {
			x = 0
		}
		if x > f.size.Width-1 {
			x = f.size.Width - 1
		}
		if y < 0 {
			y = 0
		}
		if y > f.size.Height-1 {
			y = f.size.Height - 1
		}
		f.cursor.X = x
		f.cursor.Y = y
	}
	f.Injected = append(f.Injected, ev)
	return nil
}

func (f *Fake) SendKeyEvent(ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Injected = append(f.Injected, ev)
	return nil
}

func (f *Fake) HideCursor() {
	f.mu.Lock()
	f.visible = false
	f.mu.Unlock()
}

func (f *Fake) ShowCursor() {
	f.mu.Lock()
	f.visible = true
	f.mu.Unlock()
}

func (f *Fake) IsCursorVisible() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visible
}

// MoveCursorTo positions the fake cursor directly, bypassing events.
func (f *Fake) MoveCursorTo(x, y int) {
	f.mu.Lock()
	f.cursor.X = x
	f.cursor.Y = y
	f.mu.Unlock()
}
