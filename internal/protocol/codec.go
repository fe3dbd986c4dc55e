package protocol

import (
	"encoding/json"
	"fmt"
)

// Decode parses a single text frame into its concrete message type. A frame
// whose discriminator is not recognised decodes to *Unknown with a nil
// error; only malformed JSON or a missing/failed payload is an error.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if probe.Type == "" {
		return nil, fmt.Errorf("frame has no type field")
	}

	var msg Message
	switch probe.Type {
	case TypeHandshakeRequest:
		msg = &HandshakeRequest{}
	case TypeHandshakeResponse:
		msg = &HandshakeResponse{}
	case TypeHeartbeat:
		msg = &Heartbeat{}
	case TypeDisconnect:
		msg = &Disconnect{}
	case TypeError:
		msg = &Error{}
	case TypeClientRegistration:
		msg = &ClientRegistration{}
	case TypeLayoutAssignment:
		msg = &LayoutAssignment{}
	case TypeLayoutUpdate:
		msg = &LayoutUpdate{}
	case TypeActivateClient:
		msg = &ActivateClient{}
	case TypeDeactivationRequest:
		msg = &DeactivationRequest{}
	case TypeInstanceInfo:
		msg = &InstanceInfo{}
	case TypeInputEvent:
		msg = &InputEvent{}
	case TypeUpdateRequired:
		msg = &UpdateRequired{}
	case TypeRestartRequest:
		msg = &RestartRequest{}
	default:
		return &Unknown{Envelope: Envelope{Type: probe.Type}, Raw: data}, nil
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", probe.Type, err)
	}
	if v, ok := msg.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", probe.Type, err)
		}
	}
	return msg, nil
}

// Encode serialises a message to one text frame.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.MessageType(), err)
	}
	return data, nil
}

// Validate implementations for messages with required payload fields.

func (m *HandshakeRequest) Validate() error {
	if m.InstanceID == "" {
		return fmt.Errorf("missing instanceId")
	}
	if m.Version == "" {
		return fmt.Errorf("missing version")
	}
	return nil
}

func (m *HandshakeResponse) Validate() error {
	if m.InstanceID == "" {
		return fmt.Errorf("missing instanceId")
	}
	return nil
}

func (m *Error) Validate() error {
	if m.Code == "" {
		return fmt.Errorf("missing code")
	}
	return nil
}

func (m *ClientRegistration) Validate() error {
	if m.InstanceID == "" {
		return fmt.Errorf("missing instanceId")
	}
	if m.ScreenWidth <= 0 || m.ScreenHeight <= 0 {
		return fmt.Errorf("bad screen size %dx%d", m.ScreenWidth, m.ScreenHeight)
	}
	return nil
}

func (m *ActivateClient) Validate() error {
	if m.TargetInstanceID == "" {
		return fmt.Errorf("missing targetInstanceId")
	}
	return nil
}

func (m *DeactivationRequest) Validate() error {
	if m.InstanceID == "" {
		return fmt.Errorf("missing instanceId")
	}
	return nil
}

func (m *InputEvent) Validate() error {
	if m.SourceInstanceID == "" {
		return fmt.Errorf("missing sourceInstanceId")
	}
	switch m.EventType {
	case EventKeyPress, EventKeyRelease, EventMousePress, EventMouseRelease, EventMouseMove:
		return nil
	default:
		return fmt.Errorf("unknown eventType %q", m.EventType)
	}
}
