package transport

import (
	"errors"
	"fmt"

	"github.com/danmuck/poolrep/internal/attr"
	"github.com/danmuck/poolrep/internal/lane"
	"github.com/danmuck/poolrep/internal/region"
	"github.com/danmuck/poolrep/internal/registry"
	"github.com/danmuck/poolrep/internal/rpool"
)

// Code is the wire form of an error.
type Code uint32

const (
	CodeOK Code = iota
	CodeInternal
	CodeBadRequest
	CodeNotFound
	CodeAlreadyExists
	CodeBusy
	CodeOutOfSpace
	CodeSizeTooLarge
	CodeInvalidSize
	CodeInvalidName
	CodeInvalidAttributes
	CodeAttributeMismatch
	CodeInvalidRange
	CodeUnknownSession
	CodeNoCapacity
	CodeClosed
)

var codeTable = []struct {
	code Code
	err  error
}{
	{CodeBadRequest, ErrInvalidRequest},
	{CodeNotFound, registry.ErrNotFound},
	{CodeAlreadyExists, registry.ErrAlreadyExists},
	{CodeBusy, registry.ErrBusy},
	{CodeOutOfSpace, registry.ErrOutOfSpace},
	{CodeSizeTooLarge, registry.ErrSizeTooLarge},
	{CodeInvalidSize, registry.ErrInvalidSize},
	{CodeInvalidName, registry.ErrInvalidName},
	{CodeInvalidAttributes, attr.ErrInvalidAttributes},
	{CodeInvalidRange, rpool.ErrInvalidRange},
	{CodeInvalidRange, region.ErrOutOfRange},
	{CodeUnknownSession, rpool.ErrUnknownSession},
	{CodeNoCapacity, lane.ErrNoCapacity},
	{CodeClosed, registry.ErrClosed},
	{CodeClosed, region.ErrClosed},
}

// CodeOf maps err to a wire code and message. Attribute mismatches carry the
// field name as their message.
func CodeOf(err error) (Code, string) {
	if err == nil {
		return CodeOK, ""
	}
	if field, ok := attr.MismatchField(err); ok {
		return CodeAttributeMismatch, field
	}
	for _, entry := range codeTable {
		if errors.Is(err, entry.err) {
			return entry.code, err.Error()
		}
	}
	return CodeInternal, err.Error()
}

// ErrorOf rebuilds a local error from a wire code so errors.Is matches the
// original sentinel.
func ErrorOf(code Code, message string) error {
	switch code {
	case CodeOK:
		return nil
	case CodeAttributeMismatch:
		return &attr.MismatchError{Field: message}
	}
	for _, entry := range codeTable {
		if entry.code == code {
			return fmt.Errorf("%w (remote: %s)", entry.err, message)
		}
	}
	return fmt.Errorf("%w: code=%d: %s", ErrRemote, code, message)
}

var ErrRemote = errors.New("transport: remote error")
