package schema

import (
	"fmt"

	"github.com/danmuck/poolrep/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Lane data message types.
const (
	MsgPersist    uint32 = 1
	MsgPersistAck uint32 = 2
	MsgRead       uint32 = 3
	MsgReadData   uint32 = 4
	MsgError      uint32 = 5
)

// Lane data field IDs.
const (
	FieldOffset uint16 = 1
	FieldLength uint16 = 2
	FieldData   uint16 = 3

	FieldCode    uint16 = 10
	FieldMessage uint16 = 11
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint32][]Requirement{
	MsgPersist: {
		{FieldOffset, tlv.TypeU64},
		{FieldData, tlv.TypeBytes},
	},
	MsgPersistAck: {
		{FieldOffset, tlv.TypeU64},
		{FieldLength, tlv.TypeU64},
	},
	MsgRead: {
		{FieldOffset, tlv.TypeU64},
		{FieldLength, tlv.TypeU64},
	},
	MsgReadData: {
		{FieldOffset, tlv.TypeU64},
		{FieldData, tlv.TypeBytes},
	},
	MsgError: {
		{FieldCode, tlv.TypeU32},
		{FieldMessage, tlv.TypeString},
	},
}

// MessageName is the log name of a message type.
func MessageName(messageType uint32) string {
	switch messageType {
	case MsgPersist:
		return "persist"
	case MsgPersistAck:
		return "persist.ack"
	case MsgRead:
		return "read"
	case MsgReadData:
		return "read.data"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().Str("message", MessageName(messageType)).Uint16("field_id", req.ID).Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Str("message", MessageName(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
