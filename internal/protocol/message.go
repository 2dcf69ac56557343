package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type is the wire message kind.
type Type string

const (
	TypeLogin   Type = "login"
	TypeLogout  Type = "logout"
	TypeSub     Type = "sub"
	TypeUnsub   Type = "unsub"
	TypeMsg     Type = "msg"
	TypeChannel Type = "cmsg"
	TypeAck     Type = "ack"
	TypeNoop    Type = "noop"

	TypeRoomJoin      Type = "room_join"
	TypeRoomLeave     Type = "room_leave"
	TypeRoomKick      Type = "room_kick"
	TypeRoomSend      Type = "room_send"
	TypeRoomBroadcast Type = "room_broadcast"
	TypeRoomSet       Type = "room_set"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
	ErrMissing     = errors.New("missing required field")
)

// Message is the JSON frame exchanged with clients and between nodes.
//
// Shard, Ack, TTL, Key, Value and Bounced only travel between shards and the
// router; ClientView strips the internal ones before delivery.
type Message struct {
	Type    Type   `json:"type"`
	From    string `json:"from,omitempty"`
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
	Room    string `json:"room,omitempty"`
	User    string `json:"user,omitempty"`
	Seq     int64  `json:"seq,omitempty"`
	Body    string `json:"body,omitempty"`

	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`

	Shard   int   `json:"shard,omitempty"`
	Ack     int64 `json:"ack,omitempty"`
	TTL     int64 `json:"ttl,omitempty"` // seconds, 0 = backend default
	Bounced bool  `json:"bounced,omitempty"`
}

var noopFrame = []byte(`{"type":"noop"}`)

// Noop returns the heartbeat frame.
func Noop() []byte {
	return noopFrame
}

// Decode parses and validates one frame.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Encode serializes m.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Validate checks that the fields each type depends on are present.
func (m *Message) Validate() error {
	switch m.Type {
	case TypeNoop, TypeLogin, TypeLogout, TypeAck:
		return nil
	case TypeMsg:
		return requireField(m.Type, "to", m.To)
	case TypeSub, TypeUnsub, TypeChannel:
		return requireField(m.Type, "channel", m.Channel)
	case TypeRoomJoin, TypeRoomLeave, TypeRoomBroadcast:
		return requireField(m.Type, "room", m.Room)
	case TypeRoomKick:
		if err := requireField(m.Type, "room", m.Room); err != nil {
			return err
		}
		return requireField(m.Type, "user", m.User)
	case TypeRoomSend:
		if err := requireField(m.Type, "room", m.Room); err != nil {
			return err
		}
		return requireField(m.Type, "to", m.To)
	case TypeRoomSet:
		if err := requireField(m.Type, "room", m.Room); err != nil {
			return err
		}
		return requireField(m.Type, "key", m.Key)
	case "":
		return fmt.Errorf("%w: type", ErrMissing)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
	}
}

func requireField(t Type, field, value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s needs %s", ErrMissing, t, field)
	}
	return nil
}

// ClientView returns a copy without the node-to-node fields.
func (m *Message) ClientView() *Message {
	c := *m
	c.Shard = 0
	c.Ack = 0
	c.TTL = 0
	c.Bounced = false
	return &c
}

// Clone returns a shallow copy.
func (m *Message) Clone() *Message {
	c := *m
	return &c
}

// ClientFrame encodes the client view of m.
func ClientFrame(m *Message) ([]byte, error) {
	return Encode(m.ClientView())
}
