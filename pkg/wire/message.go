package wire

import (
	"encoding/json"
	"fmt"
)

// Message kind discriminants. One JSON object per frame, tagged by "type".
const (
	KindSubscribe   = "subscribe"
	KindChange      = "change"
	KindPush        = "push"
	KindPushFields  = "push_fields"
	KindPushAck     = "push_ack"
	KindFieldChange = "field_change"
	KindConflict    = "conflict"
	KindPing        = "ping"
	KindPong        = "pong"
	KindError       = "error"
)

// Message is one protocol frame. Exactly one variant is implemented per
// kind; DecodeMessage rejects anything outside the closed set.
type Message interface {
	Kind() string
}

// SubscribeMessage registers the session for live delivery of the named
// entities. Idempotent.
type SubscribeMessage struct {
	Entities []string `json:"entities"`
}

func (SubscribeMessage) Kind() string { return KindSubscribe }

// ChangeMessage carries one authoritative ChangeRecord to a subscriber.
type ChangeMessage struct {
	Change ChangeRecord `json:"change"`
}

func (ChangeMessage) Kind() string { return KindChange }

// PushMessage is a client-originated whole-entity mutation.
type PushMessage struct {
	Entity   string          `json:"entity"`
	EntityID string          `json:"entity_id"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
}

func (PushMessage) Kind() string { return KindPush }

// PushFieldsMessage is a client-originated batch of field mutations.
// Field order within the batch is preserved as submitted.
type PushFieldsMessage struct {
	Entity   string       `json:"entity"`
	EntityID string       `json:"entity_id"`
	Fields   []FieldWrite `json:"fields"`
}

func (PushFieldsMessage) Kind() string { return KindPushFields }

// PushAckMessage acknowledges a push or push_fields. Version is set for
// whole-entity pushes; Applied/Conflicts for field batches.
type PushAckMessage struct {
	Entity    string     `json:"entity"`
	EntityID  string     `json:"entity_id"`
	Version   int64      `json:"version,omitempty"`
	Applied   int        `json:"applied,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
}

func (PushAckMessage) Kind() string { return KindPushAck }

// FieldChangeMessage carries one authoritative FieldChangeRecord.
type FieldChangeMessage struct {
	Change FieldChangeRecord `json:"change"`
}

func (FieldChangeMessage) Kind() string { return KindFieldChange }

// ConflictMessage surfaces an unresolved concurrent field write.
type ConflictMessage struct {
	Conflict
}

func (ConflictMessage) Kind() string { return KindConflict }

// PingMessage and PongMessage implement the heartbeat.
type PingMessage struct{}

func (PingMessage) Kind() string { return KindPing }

type PongMessage struct{}

func (PongMessage) Kind() string { return KindPong }

// ErrorMessage reports a protocol-level failure to the peer.
type ErrorMessage struct {
	Message string `json:"message"`
}

func (ErrorMessage) Kind() string { return KindError }

// envelope is the on-wire shape: the discriminant plus the union of all
// variant fields.
type envelope struct {
	Type string `json:"type"`

	Entities []string        `json:"entities,omitempty"`
	Entity   string          `json:"entity,omitempty"`
	EntityID string          `json:"entity_id,omitempty"`
	Action   string          `json:"action,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Fields   []FieldWrite    `json:"fields,omitempty"`

	Version   int64      `json:"version,omitempty"`
	Applied   int        `json:"applied,omitempty"`
	Conflicts []Conflict `json:"conflicts,omitempty"`

	Change      json.RawMessage `json:"change,omitempty"`
	MessageText string          `json:"message,omitempty"`

	Field           string          `json:"field,omitempty"`
	ServerValue     json.RawMessage `json:"server_value,omitempty"`
	ServerTimestamp string          `json:"server_timestamp,omitempty"`
	ClientValue     json.RawMessage `json:"client_value,omitempty"`
	ClientTimestamp string          `json:"client_timestamp,omitempty"`
}

// EncodeMessage marshals a message to its single-object JSON frame.
func EncodeMessage(m Message) ([]byte, error) {
	var payload any
	switch v := m.(type) {
	case SubscribeMessage:
		payload = struct {
			Type     string   `json:"type"`
			Entities []string `json:"entities"`
		}{KindSubscribe, v.Entities}
	case *SubscribeMessage:
		return EncodeMessage(*v)
	case ChangeMessage:
		payload = struct {
			Type   string       `json:"type"`
			Change ChangeRecord `json:"change"`
		}{KindChange, v.Change}
	case *ChangeMessage:
		return EncodeMessage(*v)
	case PushMessage:
		payload = struct {
			Type string `json:"type"`
			PushMessage
		}{KindPush, v}
	case *PushMessage:
		return EncodeMessage(*v)
	case PushFieldsMessage:
		payload = struct {
			Type string `json:"type"`
			PushFieldsMessage
		}{KindPushFields, v}
	case *PushFieldsMessage:
		return EncodeMessage(*v)
	case PushAckMessage:
		payload = struct {
			Type string `json:"type"`
			PushAckMessage
		}{KindPushAck, v}
	case *PushAckMessage:
		return EncodeMessage(*v)
	case FieldChangeMessage:
		payload = struct {
			Type   string            `json:"type"`
			Change FieldChangeRecord `json:"change"`
		}{KindFieldChange, v.Change}
	case *FieldChangeMessage:
		return EncodeMessage(*v)
	case ConflictMessage:
		payload = struct {
			Type string `json:"type"`
			Conflict
		}{KindConflict, v.Conflict}
	case *ConflictMessage:
		return EncodeMessage(*v)
	case PingMessage, *PingMessage:
		payload = struct {
			Type string `json:"type"`
		}{KindPing}
	case PongMessage, *PongMessage:
		payload = struct {
			Type string `json:"type"`
		}{KindPong}
	case ErrorMessage:
		payload = struct {
			Type string `json:"type"`
			ErrorMessage
		}{KindError, v}
	case *ErrorMessage:
		return EncodeMessage(*v)
	default:
		return nil, fmt.Errorf("encode message: unknown kind %T", m)
	}
	return json.Marshal(payload)
}

// DecodeMessage parses one JSON frame into its typed variant. Unknown or
// malformed frames are protocol errors.
func DecodeMessage(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}

	switch env.Type {
	case KindSubscribe:
		return SubscribeMessage{Entities: env.Entities}, nil
	case KindChange:
		var m ChangeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode change: %w", err)
		}
		return m, nil
	case KindPush:
		return PushMessage{
			Entity:   env.Entity,
			EntityID: env.EntityID,
			Action:   env.Action,
			Data:     env.Data,
		}, nil
	case KindPushFields:
		return PushFieldsMessage{
			Entity:   env.Entity,
			EntityID: env.EntityID,
			Fields:   env.Fields,
		}, nil
	case KindPushAck:
		return PushAckMessage{
			Entity:    env.Entity,
			EntityID:  env.EntityID,
			Version:   env.Version,
			Applied:   env.Applied,
			Conflicts: env.Conflicts,
		}, nil
	case KindFieldChange:
		var m FieldChangeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode field_change: %w", err)
		}
		return m, nil
	case KindConflict:
		var m ConflictMessage
		if err := json.Unmarshal(data, &m.Conflict); err != nil {
			return nil, fmt.Errorf("decode conflict: %w", err)
		}
		return m, nil
	case KindPing:
		return PingMessage{}, nil
	case KindPong:
		return PongMessage{}, nil
	case KindError:
		return ErrorMessage{Message: env.MessageText}, nil
	case "":
		return nil, fmt.Errorf("decode message: missing type discriminant")
	default:
		return nil, fmt.Errorf("decode message: unknown type %q", env.Type)
	}
}
