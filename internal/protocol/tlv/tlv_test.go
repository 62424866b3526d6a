package tlv

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/poolrep/internal/testutil/testlog"
)

func TestEncodeDecodeFieldsRoundTripPreservesUnknown(t *testing.T) {
	testlog.Start(t)
	in := []Field{
		U64(1, 1<<33),
		{ID: 9999, Type: TypeBytes, Value: []byte{0xAA, 0xBB}},
	}
	b := EncodeFields(in)
	if len(b) != EncodedLen(in) {
		t.Fatalf("encoded length %d want %d", len(b), EncodedLen(in))
	}
	out, err := DecodeFields(b)
	if err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(out))
	}
	if v, err := U64FromBytes(out[0].Value); err != nil || v != 1<<33 {
		t.Fatalf("u64 field: v=%d err=%v", v, err)
	}
	if out[1].ID != 9999 || out[1].Type != TypeBytes || !bytes.Equal(out[1].Value, []byte{0xAA, 0xBB}) {
		t.Fatalf("unknown field not preserved: %+v", out[1])
	}
}

func TestDecodeFieldsMalformedHeaderIsDeterministic(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeFields([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFieldHeader) {
		t.Fatalf("expected ErrShortFieldHeader, got %v", err)
	}
}

func TestDecodeFieldsMalformedLengthIsDeterministic(t *testing.T) {
	testlog.Start(t)
	// id=1, type=string, len=5, value only 2 bytes
	payload := []byte{0, 1, TypeString, 0, 0, 0, 5, 'a', 'b'}
	_, err := DecodeFields(payload)
	if !errors.Is(err, ErrShortFieldValue) {
		t.Fatalf("expected ErrShortFieldValue, got %v", err)
	}
}

func TestNumericWidthChecks(t *testing.T) {
	testlog.Start(t)
	if _, err := U32FromBytes([]byte{1, 2}); err == nil {
		t.Fatalf("expected u32 width error")
	}
	if _, err := U64FromBytes(U32(1, 7).Value); err == nil {
		t.Fatalf("expected u64 width error")
	}
	if err := MustType(String(11, "x"), TypeString); err != nil {
		t.Fatalf("must type: %v", err)
	}
	if err := MustType(String(11, "x"), TypeU32); err == nil {
		t.Fatalf("expected type mismatch")
	}
}
