// Package layout maintains the rectangular arrangement of screens shared by
// the cluster and answers edge-adjacency and transition queries for the
// coordinator.
package layout

import (
	"fmt"
	"sort"
	"sync"

	"github.com/andersbakken/konflikt/internal/geometry"
	"github.com/andersbakken/konflikt/internal/logger"
	"github.com/andersbakken/konflikt/internal/protocol"
)

// ScreenEntry is one row of the layout table.
type ScreenEntry struct {
	InstanceID  string `json:"instanceId"`
	DisplayName string `json:"displayName"`
	MachineID   string `json:"machineId"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	IsServer    bool   `json:"isServer"`
	Online      bool   `json:"online"`
}

// Rect returns the entry's rectangle in virtual coordinates.
func (e *ScreenEntry) Rect() geometry.Rect {
	return geometry.Rect{X: e.X, Y: e.Y, Width: e.Width, Height: e.Height}
}

// Adjacency holds the neighbor on each side of a screen; empty slots mean no
// neighbor. Derived from the current table, never stored.
type Adjacency struct {
	Left   string
	Right  string
	Top    string
	Bottom string
}

// Wire converts to the on-the-wire representation.
func (a Adjacency) Wire() protocol.Adjacency {
	return protocol.Adjacency{Left: a.Left, Right: a.Right, Top: a.Top, Bottom: a.Bottom}
}

// Transition is the result of an edge-transition query.
type Transition struct {
	Target *ScreenEntry
	NewX   int
	NewY   int
}

// Manager owns the screen table. All mutations run behind the mutex and
// fire the layout-changed callback; client entries are persisted so a
// reconnecting client keeps its position.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*ScreenEntry
	store   *Store

	onChanged func()
}

// NewManager loads any persisted client entries from store. A nil store
// keeps everything in memory only.
func NewManager(store *Store) *Manager {
	m := &Manager{
		entries: make(map[string]*ScreenEntry),
		store:   store,
	}
	if store != nil {
		entries, err := store.Load()
		if err != nil {
			logger.Warnf("layout: could not load persisted layout: %v", err)
		}
		for _, e := range entries {
			entry := e
			// Live state always starts offline.
			entry.Online = false
			m.entries[entry.InstanceID] = &entry
		}
	}
	return m
}

// OnChanged installs the callback fired after every mutation.
func (m *Manager) OnChanged(fn func()) {
	m.mu.Lock()
	m.onChanged = fn
	m.mu.Unlock()
}

func (m *Manager) notifyLocked() {
	fn := m.onChanged
	if fn != nil {
		// Fire outside the lock so the callback can query the manager.
		go fn()
	}
}

func (m *Manager) persistLocked() {
	if m.store == nil {
		return
	}
	clients := make([]ScreenEntry, 0, len(m.entries))
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		e := m.entries[id]
		if e.IsServer {
			// The server entry is re-derived at startup.
			continue
		}
		clients = append(clients, *e)
	}
	if err := m.store.Save(clients); err != nil {
		logger.Errorf("layout: persist failed: %v", err)
	}
}

// SetServerScreen installs the sole server entry at the origin.
func (m *Manager) SetServerScreen(id, name, machineID string, width, height int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.IsServer && e.InstanceID != id {
			delete(m.entries, e.InstanceID)
		}
	}
	m.entries[id] = &ScreenEntry{
		InstanceID:  id,
		DisplayName: name,
		MachineID:   machineID,
		X:           0,
		Y:           0,
		Width:       width,
		Height:      height,
		IsServer:    true,
		Online:      true,
	}
	m.persistLocked()
	m.notifyLocked()
}

// RegisterClient adds or revives a client entry. A known instance keeps its
// position and gets fresh dimensions; a new one is auto-arranged to the
// right of everything already placed.
func (m *Manager) RegisterClient(id, name, machineID string, width, height int) ScreenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[id]; ok {
		e.DisplayName = name
		e.MachineID = machineID
		e.Width = width
		e.Height = height
		e.Online = true
		m.persistLocked()
		m.notifyLocked()
		return *e
	}

	maxRight := 0
	for _, e := range m.entries {
		if r := e.Rect().Right(); r > maxRight {
			maxRight = r
		}
	}
	entry := &ScreenEntry{
		InstanceID:  id,
		DisplayName: name,
		MachineID:   machineID,
		X:           maxRight,
		Y:           0,
		Width:       width,
		Height:      height,
		Online:      true,
	}
	m.entries[id] = entry
	logger.Infof("layout: placed %s at (%d,%d) %dx%d", name, entry.X, entry.Y, width, height)
	m.persistLocked()
	m.notifyLocked()
	return *entry
}

// UnregisterClient marks a client offline but keeps its position.
func (m *Manager) UnregisterClient(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok || e.IsServer {
		return
	}
	if !e.Online {
		return
	}
	e.Online = false
	m.persistLocked()
	m.notifyLocked()
}

// RemoveClient permanently drops an entry. The server screen and online
// clients cannot be removed.
func (m *Manager) RemoveClient(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("unknown screen %s", id)
	}
	if e.IsServer {
		return fmt.Errorf("cannot remove the server screen")
	}
	if e.Online {
		return fmt.Errorf("cannot remove online screen %s", id)
	}
	delete(m.entries, id)
	m.persistLocked()
	m.notifyLocked()
	return nil
}

// UpdatePosition moves one screen. Driven by the layout editor.
func (m *Manager) UpdatePosition(id string, x, y int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("unknown screen %s", id)
	}
	e.X = x
	e.Y = y
	m.persistLocked()
	m.notifyLocked()
	return nil
}

// UpdateLayout applies a bulk position edit. Screens not present in the
// table are ignored; sizes and flags are not editable this way.
func (m *Manager) UpdateLayout(screens []protocol.Screen) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range screens {
		if e, ok := m.entries[s.InstanceID]; ok {
			e.X = s.X
			e.Y = s.Y
		}
	}
	m.persistLocked()
	m.notifyLocked()
}

// Get returns a copy of one entry.
func (m *Manager) Get(id string) (ScreenEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ScreenEntry{}, false
	}
	return *e, true
}

// Screens returns the table sorted by x then instance id.
func (m *Manager) Screens() []ScreenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screensLocked()
}

func (m *Manager) screensLocked() []ScreenEntry {
	out := make([]ScreenEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].X != out[j].X {
			return out[i].X < out[j].X
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	return out
}

// WireScreens returns the table in wire form.
func (m *Manager) WireScreens() []protocol.Screen {
	screens := m.Screens()
	out := make([]protocol.Screen, 0, len(screens))
	for _, e := range screens {
		out = append(out, protocol.Screen{
			InstanceID:  e.InstanceID,
			DisplayName: e.DisplayName,
			MachineID:   e.MachineID,
			X:           e.X,
			Y:           e.Y,
			Width:       e.Width,
			Height:      e.Height,
			IsServer:    e.IsServer,
			Online:      e.Online,
		})
	}
	return out
}

// AdjacencyFor computes the neighbors of one screen. Only online screens
// participate.
func (m *Manager) AdjacencyFor(id string) Adjacency {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adjacencyLocked(id)
}

func (m *Manager) adjacencyLocked(id string) Adjacency {
	var adj Adjacency
	src, ok := m.entries[id]
	if !ok || !src.Online {
		return adj
	}
	a := src.Rect()
	for _, other := range m.entries {
		if other.InstanceID == id || !other.Online {
			continue
		}
		b := other.Rect()
		if geometry.VerticalOverlap(a, b) {
			if geometry.EdgesTouch(a.X, b.Right()) {
				adj.Left = other.InstanceID
			}
			if geometry.EdgesTouch(a.Right(), b.X) {
				adj.Right = other.InstanceID
			}
		}
		if geometry.HorizontalOverlap(a, b) {
			if geometry.EdgesTouch(a.Y, b.Bottom()) {
				adj.Top = other.InstanceID
			}
			if geometry.EdgesTouch(a.Bottom(), b.Y) {
				adj.Bottom = other.InstanceID
			}
		}
	}
	return adj
}

// TransitionTargetAtEdge maps a cursor sitting on an edge of the source
// screen to an entry point on the neighboring screen, in the target's own
// coordinate space. The parallel coordinate lands one pixel inside the
// opposite edge so the target's own edge sensors stay quiet on arrival.
func (m *Manager) TransitionTargetAtEdge(fromID string, edge geometry.Side, x, y int) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.entries[fromID]
	if !ok {
		return Transition{}, false
	}

	adj := m.adjacencyLocked(fromID)
	var targetID string
	switch edge {
	case geometry.SideLeft:
		targetID = adj.Left
	case geometry.SideRight:
		targetID = adj.Right
	case geometry.SideTop:
		targetID = adj.Top
	case geometry.SideBottom:
		targetID = adj.Bottom
	}
	if targetID == "" {
		return Transition{}, false
	}
	target, ok := m.entries[targetID]
	if !ok || !target.Online {
		return Transition{}, false
	}

	clamp := func(v, size int) int {
		if v < 0 {
			return 0
		}
		if v > size-1 {
			return size - 1
		}
		return v
	}

	var newX, newY int
	switch edge {
	case geometry.SideRight:
		newX = 1
		newY = clamp(y-src.Y, target.Height)
	case geometry.SideLeft:
		newX = target.Width - 2
		newY = clamp(y-src.Y, target.Height)
	case geometry.SideTop:
		newY = target.Height - 2
		newX = clamp(x-src.X, target.Width)
	case geometry.SideBottom:
		newY = 1
		newX = clamp(x-src.X, target.Width)
	default:
		return Transition{}, false
	}

	out := *target
	return Transition{Target: &out, NewX: newX, NewY: newY}, true
}
