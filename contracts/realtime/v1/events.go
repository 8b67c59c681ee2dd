package v1

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// MaxRoomIDLen bounds room ids accepted from clients.
const MaxRoomIDLen = 128

// Event is an inbound client event. The types in this file are the only
// implementations.
type Event interface {
	Type() string
	validate() error
}

// RoomScoped is implemented by events that target one room.
type RoomScoped interface {
	Event
	Room() string
}

// Room-scoped events without extra fields.
type (
	RoomJoin     struct{ RoomID string `json:"room_id"` }
	RoomLeave    struct{ RoomID string `json:"room_id"` }
	TypingStart  struct{ RoomID string `json:"room_id"` }
	TypingStop   struct{ RoomID string `json:"room_id"` }
	PresenceList struct{ RoomID string `json:"room_id"` }
	ReceiptList  struct{ RoomID string `json:"room_id"` }
)

// MessageSend asks to append a message. Content limits are enforced by the server.
type MessageSend struct {
	RoomID   string         `json:"room_id"`
	Content  string         `json:"content"`
	Kind     string         `json:"kind,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ReceiptUpdate moves the caller's read watermark.
type ReceiptUpdate struct {
	RoomID            string `json:"room_id"`
	LastReadMessageID string `json:"last_read_message_id"`
}

// PresenceHeartbeat refreshes presence in one room, or in every joined room
// when RoomID is empty.
type PresenceHeartbeat struct {
	RoomID string `json:"room_id,omitempty"`
}

// Heartbeat keeps the connection alive.
type Heartbeat struct{}

func (RoomJoin) Type() string          { return TypeRoomJoin }
func (RoomLeave) Type() string         { return TypeRoomLeave }
func (TypingStart) Type() string       { return TypeTypingStart }
func (TypingStop) Type() string        { return TypeTypingStop }
func (PresenceList) Type() string      { return TypePresenceList }
func (ReceiptList) Type() string       { return TypeReceiptList }
func (MessageSend) Type() string       { return TypeMessageSend }
func (ReceiptUpdate) Type() string     { return TypeReceiptUpdate }
func (PresenceHeartbeat) Type() string { return TypePresenceHeartbeat }
func (Heartbeat) Type() string         { return TypeHeartbeat }

func (e RoomJoin) Room() string      { return e.RoomID }
func (e RoomLeave) Room() string     { return e.RoomID }
func (e TypingStart) Room() string   { return e.RoomID }
func (e TypingStop) Room() string    { return e.RoomID }
func (e PresenceList) Room() string  { return e.RoomID }
func (e ReceiptList) Room() string   { return e.RoomID }
func (e MessageSend) Room() string   { return e.RoomID }
func (e ReceiptUpdate) Room() string { return e.RoomID }

func (e RoomJoin) validate() error     { return validRoomID(e.RoomID) }
func (e RoomLeave) validate() error    { return validRoomID(e.RoomID) }
func (e TypingStart) validate() error  { return validRoomID(e.RoomID) }
func (e TypingStop) validate() error   { return validRoomID(e.RoomID) }
func (e PresenceList) validate() error { return validRoomID(e.RoomID) }
func (e ReceiptList) validate() error  { return validRoomID(e.RoomID) }
func (Heartbeat) validate() error      { return nil }

func (e MessageSend) validate() error {
	if err := validRoomID(e.RoomID); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(e.Kind)) {
	case "", "user", "assistant", "system":
		return nil
	default:
		return &DecodeError{Code: CodeValidation, Field: "kind", Reason: "unknown kind"}
	}
}

func (e ReceiptUpdate) validate() error {
	if err := validRoomID(e.RoomID); err != nil {
		return err
	}
	if strings.TrimSpace(e.LastReadMessageID) == "" {
		return &DecodeError{Code: CodeValidation, Field: "last_read_message_id", Reason: "missing"}
	}
	return nil
}

func (e PresenceHeartbeat) validate() error {
	if e.RoomID == "" {
		return nil
	}
	return validRoomID(e.RoomID)
}

func validRoomID(id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return &DecodeError{Code: CodeValidation, Field: "room_id", Reason: "missing"}
	case len(id) > MaxRoomIDLen:
		return &DecodeError{Code: CodeValidation, Field: "room_id", Reason: "too long"}
	case strings.ContainsAny(id, "{}"):
		return &DecodeError{Code: CodeValidation, Field: "room_id", Reason: "must not contain braces"}
	}
	return nil
}

// DecodeError describes a rejected inbound frame. Code is a room:error code.
type DecodeError struct {
	Code   string
	Field  string
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Reason)
}

// Inbound is a decoded client frame.
type Inbound struct {
	// Ref is the client's envelope id, echoed on errors.
	Ref   string
	Event Event
}

var constructors = map[string]func() Event{
	TypeRoomJoin:          func() Event { return &RoomJoin{} },
	TypeRoomLeave:         func() Event { return &RoomLeave{} },
	TypeMessageSend:       func() Event { return &MessageSend{} },
	TypeTypingStart:       func() Event { return &TypingStart{} },
	TypeTypingStop:        func() Event { return &TypingStop{} },
	TypePresenceHeartbeat: func() Event { return &PresenceHeartbeat{} },
	TypePresenceList:      func() Event { return &PresenceList{} },
	TypeReceiptUpdate:     func() Event { return &ReceiptUpdate{} },
	TypeReceiptList:       func() Event { return &ReceiptList{} },
	TypeHeartbeat:         func() Event { return &Heartbeat{} },
}

// Decode validates a raw client frame and returns its event. The envelope is
// checked with gjson before any allocation-heavy decoding so junk frames are
// rejected cheaply. On failure Inbound.Ref is still set when the frame had an id.
func Decode(raw []byte) (Inbound, error) {
	if !gjson.ValidBytes(raw) {
		return Inbound{}, &DecodeError{Code: CodeBadJSON, Reason: "frame is not valid JSON"}
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return Inbound{}, &DecodeError{Code: CodeBadJSON, Reason: "frame is not a JSON object"}
	}

	fields := root.Map()
	in := Inbound{Ref: fields["id"].String()}

	if v := fields["v"]; v.Exists() && v.String() != Version {
		return in, &DecodeError{Code: CodeBadEvent, Field: "v", Reason: fmt.Sprintf("unsupported protocol version %q", v.String())}
	}

	typ := fields["type"]
	if typ.Type != gjson.String || typ.String() == "" {
		return in, &DecodeError{Code: CodeBadEvent, Field: "type", Reason: "missing"}
	}
	mk, ok := constructors[typ.String()]
	if !ok {
		return in, &DecodeError{Code: CodeBadEvent, Field: "type", Reason: fmt.Sprintf("unknown type %q", typ.String())}
	}

	ev := mk()
	if payload := fields["payload"]; payload.Exists() && payload.Type != gjson.Null {
		if !payload.IsObject() {
			return in, &DecodeError{Code: CodeBadEvent, Field: "payload", Reason: "must be an object"}
		}
		if err := json.Unmarshal([]byte(payload.Raw), ev); err != nil {
			return in, &DecodeError{Code: CodeValidation, Field: "payload", Reason: err.Error()}
		}
	}

	// Constructors return pointers; hand out values so callers switch on value types.
	ev = deref(ev)
	if err := ev.validate(); err != nil {
		return in, err
	}
	in.Event = ev
	return in, nil
}

func deref(ev Event) Event {
	switch e := ev.(type) {
	case *RoomJoin:
		return *e
	case *RoomLeave:
		return *e
	case *MessageSend:
		return *e
	case *TypingStart:
		return *e
	case *TypingStop:
		return *e
	case *PresenceHeartbeat:
		return *e
	case *PresenceList:
		return *e
	case *ReceiptUpdate:
		return *e
	case *ReceiptList:
		return *e
	case *Heartbeat:
		return *e
	default:
		return ev
	}
}
