package transport

import (
	"fmt"
	"io"

	"github.com/danmuck/poolrep/internal/protocol/frame"
	"github.com/danmuck/poolrep/internal/protocol/schema"
	"github.com/danmuck/poolrep/internal/protocol/tlv"
)

// LaneMessage is one decoded lane data frame. Which fields are meaningful
// depends on Type.
type LaneMessage struct {
	ID      uint64
	Type    uint32
	Offset  uint64
	Length  uint64
	Data    []byte
	Code    Code
	Message string
}

func PersistMessage(id, off uint64, data []byte) LaneMessage {
	return LaneMessage{ID: id, Type: schema.MsgPersist, Offset: off, Data: data}
}

func PersistAckMessage(id, off, length uint64) LaneMessage {
	return LaneMessage{ID: id, Type: schema.MsgPersistAck, Offset: off, Length: length}
}

func ReadMessage(id, off, length uint64) LaneMessage {
	return LaneMessage{ID: id, Type: schema.MsgRead, Offset: off, Length: length}
}

func ReadDataMessage(id, off uint64, data []byte) LaneMessage {
	return LaneMessage{ID: id, Type: schema.MsgReadData, Offset: off, Data: data}
}

// ErrorMessage answers request id with err's wire code.
func ErrorMessage(id uint64, err error) LaneMessage {
	code, msg := CodeOf(err)
	if code == CodeOK {
		code = CodeInternal
	}
	return LaneMessage{ID: id, Type: schema.MsgError, Code: code, Message: msg}
}

// Err is the error carried by an error frame, nil for any other type.
func (m LaneMessage) Err() error {
	if m.Type != schema.MsgError {
		return nil
	}
	return ErrorOf(m.Code, m.Message)
}

func (m LaneMessage) fields() ([]tlv.Field, uint32, error) {
	switch m.Type {
	case schema.MsgPersist:
		return []tlv.Field{tlv.U64(schema.FieldOffset, m.Offset), tlv.Bytes(schema.FieldData, m.Data)}, 0, nil
	case schema.MsgPersistAck:
		return []tlv.Field{tlv.U64(schema.FieldOffset, m.Offset), tlv.U64(schema.FieldLength, m.Length)}, frame.FlagIsResponse, nil
	case schema.MsgRead:
		return []tlv.Field{tlv.U64(schema.FieldOffset, m.Offset), tlv.U64(schema.FieldLength, m.Length)}, 0, nil
	case schema.MsgReadData:
		return []tlv.Field{tlv.U64(schema.FieldOffset, m.Offset), tlv.Bytes(schema.FieldData, m.Data)}, frame.FlagIsResponse, nil
	case schema.MsgError:
		return []tlv.Field{tlv.U32(schema.FieldCode, uint32(m.Code)), tlv.String(schema.FieldMessage, m.Message)},
			frame.FlagIsResponse | frame.FlagIsError, nil
	default:
		return nil, 0, fmt.Errorf("transport: unknown lane message type %d", m.Type)
	}
}

func EncodeLaneMessage(m LaneMessage) (frame.Frame, error) {
	if (m.Type == schema.MsgPersist || m.Type == schema.MsgReadData) && len(m.Data) > MaxChunk {
		return frame.Frame{}, fmt.Errorf("transport: %s data %d exceeds chunk %d", schema.MessageName(m.Type), len(m.Data), MaxChunk)
	}
	fields, flags, err := m.fields()
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.Frame{
		Header:  frame.Header{MessageID: m.ID, MessageType: m.Type, Flags: flags},
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func WriteLaneMessage(w io.Writer, m LaneMessage, limits frame.Limits) error {
	f, err := EncodeLaneMessage(m)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, limits)
}

func ReadLaneMessage(r io.Reader, limits frame.Limits) (LaneMessage, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return LaneMessage{}, err
	}
	return DecodeLaneMessage(f)
}

func DecodeLaneMessage(f frame.Frame) (LaneMessage, error) {
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return LaneMessage{}, err
	}
	mt := f.Header.MessageType
	if err := schema.Validate(mt, fields); err != nil {
		return LaneMessage{}, err
	}
	m := LaneMessage{ID: f.Header.MessageID, Type: mt}
	for _, fld := range fields {
		switch fld.ID {
		case schema.FieldOffset:
			if m.Offset, err = tlv.U64FromBytes(fld.Value); err != nil {
				return LaneMessage{}, err
			}
		case schema.FieldLength:
			if m.Length, err = tlv.U64FromBytes(fld.Value); err != nil {
				return LaneMessage{}, err
			}
		case schema.FieldData:
			m.Data = fld.Value
		case schema.FieldCode:
			code, err := tlv.U32FromBytes(fld.Value)
			if err != nil {
				return LaneMessage{}, err
			}
			m.Code = Code(code)
		case schema.FieldMessage:
			m.Message = string(fld.Value)
		}
	}
	if m.Type == schema.MsgPersist || m.Type == schema.MsgReadData {
		if len(m.Data) > MaxChunk {
			return LaneMessage{}, fmt.Errorf("transport: %s data %d exceeds chunk %d", schema.MessageName(m.Type), len(m.Data), MaxChunk)
		}
		m.Length = uint64(len(m.Data))
	}
	if m.Type == schema.MsgRead && m.Length > MaxChunk {
		return LaneMessage{}, fmt.Errorf("transport: read length %d exceeds chunk %d", m.Length, MaxChunk)
	}
	return m, nil
}
