// Package attr owns pool attribute layout, checksumming, and compatibility checks.
//
// Attributes travel verbatim between the local node, the wire, and the remote
// registry; their canonical form is a fixed little-endian layout whose final
// eight bytes are a Fletcher-64 checksum over everything before them.
package attr

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SignatureLen = 8
	UUIDLen      = 16
	EncodedLen   = 96

	checksumOffset = EncodedLen - 8
)

var (
	ErrInvalidAttributes = errors.New("attr: invalid attributes")
	ErrAttributeMismatch = errors.New("attr: attribute mismatch")
	ErrInvalidEncoding   = errors.New("attr: invalid encoding")
)

// Attributes identifies a pool's format, version, and identity.
type Attributes struct {
	Signature   [SignatureLen]byte
	Major       uint32
	Minor       uint32
	PoolSetUUID [UUIDLen]byte
	UUID        [UUIDLen]byte
	NextUUID    [UUIDLen]byte
	PrevUUID    [UUIDLen]byte
	CreatedAt   uint64
	Checksum    uint64
}

// MismatchError names the first field that differs between two attribute sets.
type MismatchError struct {
	Field string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("attr: attribute mismatch: %s", e.Field)
}

func (e *MismatchError) Unwrap() error {
	return ErrAttributeMismatch
}

// New builds sealed attributes with fresh identifiers for a new pool set.
func New(signature string, major, minor uint32) Attributes {
	a := Attributes{
		Signature:   SignatureFrom(signature),
		Major:       major,
		Minor:       minor,
		PoolSetUUID: uuid.New(),
		UUID:        uuid.New(),
		CreatedAt:   uint64(time.Now().UnixNano()),
	}
	return Seal(a)
}

// SignatureFrom truncates or zero-pads s to the fixed signature width.
func SignatureFrom(s string) [SignatureLen]byte {
	var sig [SignatureLen]byte
	copy(sig[:], s)
	return sig
}

func (a Attributes) SignatureString() string {
	return string(bytes.TrimRight(a.Signature[:], "\x00"))
}

func (a Attributes) String() string {
	return fmt.Sprintf("%s v%d.%d poolset=%s uuid=%s",
		a.SignatureString(), a.Major, a.Minor,
		uuid.UUID(a.PoolSetUUID).String(), uuid.UUID(a.UUID).String())
}

// Checksum computes the Fletcher-64 checksum over every field except Checksum.
func Checksum(a Attributes) uint64 {
	buf := a.encode()
	return fletcher64(buf[:checksumOffset])
}

// Seal returns a with its checksum recomputed.
func Seal(a Attributes) Attributes {
	a.Checksum = Checksum(a)
	return a
}

// Verify reports ErrInvalidAttributes when the stored checksum does not match.
func Verify(a Attributes) error {
	if got := Checksum(a); got != a.Checksum {
		return fmt.Errorf("%w: checksum %#016x want %#016x", ErrInvalidAttributes, a.Checksum, got)
	}
	return nil
}

type fieldCheck struct {
	name  string
	equal func(a, b Attributes) bool
}

var fieldChecks = []fieldCheck{
	{"signature", func(a, b Attributes) bool { return a.Signature == b.Signature }},
	{"major", func(a, b Attributes) bool { return a.Major == b.Major }},
	{"minor", func(a, b Attributes) bool { return a.Minor == b.Minor }},
	{"pool_set_uuid", func(a, b Attributes) bool { return a.PoolSetUUID == b.PoolSetUUID }},
	{"uuid", func(a, b Attributes) bool { return a.UUID == b.UUID }},
	{"next_uuid", func(a, b Attributes) bool { return a.NextUUID == b.NextUUID }},
	{"prev_uuid", func(a, b Attributes) bool { return a.PrevUUID == b.PrevUUID }},
	{"created_at", func(a, b Attributes) bool { return a.CreatedAt == b.CreatedAt }},
}

// Fields lists comparable field names in comparison order.
func Fields() []string {
	out := make([]string, 0, len(fieldChecks))
	for _, f := range fieldChecks {
		out = append(out, f.name)
	}
	return out
}

// Validate checks declared for internal consistency and then compares every
// field except the checksum against expected. The first differing field is
// reported as a *MismatchError.
func Validate(declared, expected Attributes) error {
	if err := Verify(declared); err != nil {
		return err
	}
	for _, f := range fieldChecks {
		if !f.equal(declared, expected) {
			return &MismatchError{Field: f.name}
		}
	}
	return nil
}

// MismatchField extracts the field name from a mismatch error, if any.
func MismatchField(err error) (string, bool) {
	var m *MismatchError
	if errors.As(err, &m) {
		return m.Field, true
	}
	return "", false
}

func (a Attributes) MarshalBinary() ([]byte, error) {
	buf := a.encode()
	return buf[:], nil
}

func (a *Attributes) UnmarshalBinary(b []byte) error {
	if len(b) != EncodedLen {
		return fmt.Errorf("%w: length %d want %d", ErrInvalidEncoding, len(b), EncodedLen)
	}
	copy(a.Signature[:], b[0:8])
	a.Major = binary.LittleEndian.Uint32(b[8:12])
	a.Minor = binary.LittleEndian.Uint32(b[12:16])
	copy(a.PoolSetUUID[:], b[16:32])
	copy(a.UUID[:], b[32:48])
	copy(a.NextUUID[:], b[48:64])
	copy(a.PrevUUID[:], b[64:80])
	a.CreatedAt = binary.LittleEndian.Uint64(b[80:88])
	a.Checksum = binary.LittleEndian.Uint64(b[88:96])
	return nil
}

// EncodeHex renders the canonical layout as lowercase hex.
func (a Attributes) EncodeHex() string {
	buf := a.encode()
	return hex.EncodeToString(buf[:])
}

func DecodeHex(s string) (Attributes, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return Attributes{}, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	var a Attributes
	if err := a.UnmarshalBinary(raw); err != nil {
		return Attributes{}, err
	}
	return a, nil
}

func (a Attributes) encode() [EncodedLen]byte {
	var buf [EncodedLen]byte
	copy(buf[0:8], a.Signature[:])
	binary.LittleEndian.PutUint32(buf[8:12], a.Major)
	binary.LittleEndian.PutUint32(buf[12:16], a.Minor)
	copy(buf[16:32], a.PoolSetUUID[:])
	copy(buf[32:48], a.UUID[:])
	copy(buf[48:64], a.NextUUID[:])
	copy(buf[64:80], a.PrevUUID[:])
	binary.LittleEndian.PutUint64(buf[80:88], a.CreatedAt)
	binary.LittleEndian.PutUint64(buf[88:96], a.Checksum)
	return buf
}

// fletcher64 sums little-endian 32-bit words; len(b) must be a multiple of 4.
func fletcher64(b []byte) uint64 {
	var lo, hi uint32
	for i := 0; i+4 <= len(b); i += 4 {
		lo += binary.LittleEndian.Uint32(b[i : i+4])
		hi += lo
	}
	return uint64(hi)<<32 | uint64(lo)
}
