// Package protocol defines the JSON wire messages exchanged between peers.
// Every frame is a single JSON object carrying a "type" discriminator;
// control messages additionally carry an id/timestamp/source envelope.
package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/andersbakken/konflikt/internal/geometry"
)

// Message type discriminators.
const (
	TypeHandshakeRequest    = "handshake_request"
	TypeHandshakeResponse   = "handshake_response"
	TypeHeartbeat           = "heartbeat"
	TypeDisconnect          = "disconnect"
	TypeError               = "error"
	TypeClientRegistration  = "client_registration"
	TypeLayoutAssignment    = "layout_assignment"
	TypeLayoutUpdate        = "layout_update"
	TypeActivateClient      = "activate_client"
	TypeDeactivationRequest = "deactivation_request"
	TypeInstanceInfo        = "instance_info"
	TypeInputEvent          = "input_event"
	TypeUpdateRequired      = "update_required"
	TypeRestartRequest      = "restart_request"
)

// Error codes carried by Error messages.
const (
	CodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	CodeInvalidMessage     = "INVALID_MESSAGE"
	CodeProtocolError      = "PROTOCOL_ERROR"
)

// Input event kinds carried by InputEvent.EventType.
const (
	EventKeyPress     = "keyPress"
	EventKeyRelease   = "keyRelease"
	EventMousePress   = "mousePress"
	EventMouseRelease = "mouseRelease"
	EventMouseMove    = "mouseMove"
)

// Message is implemented by every wire message.
type Message interface {
	// MessageType returns the wire discriminator.
	MessageType() string
}

// Envelope is the shared header of control messages.
type Envelope struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Source    string `json:"source,omitempty"`
}

func (e Envelope) MessageType() string { return e.Type }

func newEnvelope(msgType, source string) Envelope {
	return Envelope{
		Type:      msgType,
		ID:        uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		Source:    source,
	}
}

// ScreenGeometry describes one display surface.
type ScreenGeometry struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// HandshakeRequest opens a session. Sent by the side that initiated the
// transport connection.
type HandshakeRequest struct {
	Envelope
	InstanceID     string          `json:"instanceId"`
	InstanceName   string          `json:"instanceName"`
	Version        string          `json:"version"`
	Capabilities   []string        `json:"capabilities"`
	ScreenGeometry *ScreenGeometry `json:"screenGeometry,omitempty"`
	GitCommit      string          `json:"gitCommit,omitempty"`
}

// HandshakeResponse answers a HandshakeRequest.
type HandshakeResponse struct {
	Envelope
	Accepted     bool     `json:"accepted"`
	InstanceID   string   `json:"instanceId"`
	InstanceName string   `json:"instanceName"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
	Reason       string   `json:"reason,omitempty"`
	GitCommit    string   `json:"gitCommit,omitempty"`
}

// Heartbeat keeps an otherwise idle session alive.
type Heartbeat struct {
	Envelope
}

// Disconnect announces an orderly close.
type Disconnect struct {
	Envelope
	Reason string `json:"reason,omitempty"`
}

// Error reports a protocol or validation failure without closing the session.
type Error struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ClientRegistration announces a client's screen to the server.
type ClientRegistration struct {
	Envelope
	InstanceID   string `json:"instanceId"`
	DisplayName  string `json:"displayName"`
	MachineID    string `json:"machineId"`
	ScreenWidth  int    `json:"screenWidth"`
	ScreenHeight int    `json:"screenHeight"`
}

// Adjacency names the neighbor on each side of a screen. Empty means no
// neighbor.
type Adjacency struct {
	Left   string `json:"left,omitempty"`
	Right  string `json:"right,omitempty"`
	Top    string `json:"top,omitempty"`
	Bottom string `json:"bottom,omitempty"`
}

// Screen is one row of the shared layout as it appears on the wire.
type Screen struct {
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

// LayoutAssignment tells a freshly registered client where it sits.
type LayoutAssignment struct {
	Envelope
	Position   geometry.Point `json:"position"`
	Adjacency  Adjacency      `json:"adjacency"`
	FullLayout []Screen       `json:"fullLayout"`
}

// LayoutUpdate broadcasts the whole layout after any mutation.
type LayoutUpdate struct {
	Envelope
	Screens []Screen `json:"screens"`
}

// ActivateClient hands cursor ownership to the named instance.
type ActivateClient struct {
	Envelope
	TargetInstanceID string `json:"targetInstanceId"`
	CursorX          int    `json:"cursorX"`
	CursorY          int    `json:"cursorY"`
}

// DeactivationRequest is a client asking to give the cursor back.
type DeactivationRequest struct {
	Envelope
	InstanceID string `json:"instanceId"`
}

// InstanceInfo carries identity details for diagnostics.
type InstanceInfo struct {
	Envelope
	InstanceID     string          `json:"instanceId"`
	DisplayID      string          `json:"displayId"`
	MachineID      string          `json:"machineId"`
	ScreenGeometry *ScreenGeometry `json:"screenGeometry,omitempty"`
}

// EventData is the payload of an input event.
type EventData struct {
	X                 int    `json:"x"`
	Y                 int    `json:"y"`
	DX                int    `json:"dx,omitempty"`
	DY                int    `json:"dy,omitempty"`
	Timestamp         int64  `json:"timestamp"`
	KeyboardModifiers uint32 `json:"keyboardModifiers"`
	MouseButtons      uint32 `json:"mouseButtons"`
	Keycode           int    `json:"keycode,omitempty"`
	Text              string `json:"text,omitempty"`
	Button            int    `json:"button,omitempty"`
}

// InputEvent forwards one captured input event to the active peer.
type InputEvent struct {
	Envelope
	SourceInstanceID string    `json:"sourceInstanceId"`
	SourceDisplayID  string    `json:"sourceDisplayId"`
	SourceMachineID  string    `json:"sourceMachineId"`
	EventType        string    `json:"eventType"`
	EventData        EventData `json:"eventData"`
}

// UpdateRequired tells a client its binary is out of date.
type UpdateRequired struct {
	Envelope
	ServerCommit string `json:"serverCommit"`
	ClientCommit string `json:"clientCommit"`
}

// RestartRequest is the client's acknowledgement that it is restarting to
// update; on receipt the server restarts too.
type RestartRequest struct {
	Envelope
	Reason       string `json:"reason"`
	ClientCommit string `json:"clientCommit"`
	ServerCommit string `json:"serverCommit"`
}

// Unknown is the sentinel variant for unrecognised discriminators. The codec
// hands it back instead of failing so the caller can answer with an Error.
type Unknown struct {
	Envelope
	Raw []byte `json:"-"`
}

// Constructors. Each stamps the envelope with a fresh id and the current
// time.

func NewHandshakeRequest(source, name, version string, caps []string, geom *ScreenGeometry, gitCommit string) *HandshakeRequest {
	return &HandshakeRequest{
		Envelope:       newEnvelope(TypeHandshakeRequest, source),
		InstanceID:     source,
		InstanceName:   name,
		Version:        version,
		Capabilities:   caps,
		ScreenGeometry: geom,
		GitCommit:      gitCommit,
	}
}

func NewHandshakeResponse(source, name, version string, caps []string, accepted bool, reason, gitCommit string) *HandshakeResponse {
	return &HandshakeResponse{
		Envelope:     newEnvelope(TypeHandshakeResponse, source),
		Accepted:     accepted,
		InstanceID:   source,
		InstanceName: name,
		Version:      version,
		Capabilities: caps,
		Reason:       reason,
		GitCommit:    gitCommit,
	}
}

func NewHeartbeat(source string) *Heartbeat {
	return &Heartbeat{Envelope: newEnvelope(TypeHeartbeat, source)}
}

func NewDisconnect(source, reason string) *Disconnect {
	return &Disconnect{Envelope: newEnvelope(TypeDisconnect, source), Reason: reason}
}

func NewError(source, code, message, details string) *Error {
	return &Error{
		Envelope: newEnvelope(TypeError, source),
		Code:     code,
		Message:  message,
		Details:  details,
	}
}

func NewClientRegistration(source, displayName, machineID string, width, height int) *ClientRegistration {
	return &ClientRegistration{
		Envelope:     newEnvelope(TypeClientRegistration, source),
		InstanceID:   source,
		DisplayName:  displayName,
		MachineID:    machineID,
		ScreenWidth:  width,
		ScreenHeight: height,
	}
}

func NewLayoutAssignment(source string, pos geometry.Point, adj Adjacency, full []Screen) *LayoutAssignment {
	return &LayoutAssignment{
		Envelope:   newEnvelope(TypeLayoutAssignment, source),
		Position:   pos,
		Adjacency:  adj,
		FullLayout: full,
	}
}

func NewLayoutUpdate(source string, screens []Screen) *LayoutUpdate {
	return &LayoutUpdate{Envelope: newEnvelope(TypeLayoutUpdate, source), Screens: screens}
}

func NewActivateClient(source, target string, x, y int) *ActivateClient {
	return &ActivateClient{
		Envelope:         newEnvelope(TypeActivateClient, source),
		TargetInstanceID: target,
		CursorX:          x,
		CursorY:          y,
	}
}

func NewDeactivationRequest(source string) *DeactivationRequest {
	return &DeactivationRequest{
		Envelope:   newEnvelope(TypeDeactivationRequest, source),
		InstanceID: source,
	}
}

func NewInstanceInfo(source, displayID, machineID string, geom *ScreenGeometry) *InstanceInfo {
	return &InstanceInfo{
		Envelope:       newEnvelope(TypeInstanceInfo, source),
		InstanceID:     source,
		DisplayID:      displayID,
		MachineID:      machineID,
		ScreenGeometry: geom,
	}
}

func NewInputEvent(source, displayID, machineID, eventType string, data EventData) *InputEvent {
	return &InputEvent{
		Envelope:         newEnvelope(TypeInputEvent, source),
		SourceInstanceID: source,
		SourceDisplayID:  displayID,
		SourceMachineID:  machineID,
		EventType:        eventType,
		EventData:        data,
	}
}

func NewUpdateRequired(source, serverCommit, clientCommit string) *UpdateRequired {
	return &UpdateRequired{
		Envelope:     newEnvelope(TypeUpdateRequired, source),
		ServerCommit: serverCommit,
		ClientCommit: clientCommit,
	}
}

func NewRestartRequest(source, reason, clientCommit, serverCommit string) *RestartRequest {
	return &RestartRequest{
		Envelope:     newEnvelope(TypeRestartRequest, source),
		Reason:       reason,
		ClientCommit: clientCommit,
		ServerCommit: serverCommit,
	}
}
