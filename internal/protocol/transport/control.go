package transport

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/poolrep/internal/attr"
)

const (
	OpCreate = "pool.create"
	OpOpen   = "pool.open"
	OpClose  = "pool.close"
	OpRemove = "pool.remove"
	OpAttach = "lane.attach"

	StatusOK       = "ok"
	StatusRejected = "rejected"

	replySuffix       = ".reply"
	maxControlMessage = 128 * 1024
)

var (
	ErrInvalidRequest         = errors.New("transport: invalid control request")
	ErrInvalidReply           = errors.New("transport: invalid control reply")
	ErrControlMessageTooLarge = errors.New("transport: control message too large")
)

// Request is one control operation from client to daemon.
type Request struct {
	Op         string `json:"op"`
	Name       string `json:"name,omitempty"`
	Size       uint64 `json:"size,omitempty"`
	Attributes string `json:"attributes,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
}

func (r Request) Validate() error {
	switch r.Op {
	case OpCreate, OpOpen:
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: %s missing name", ErrInvalidRequest, r.Op)
		}
		if r.Size == 0 {
			return fmt.Errorf("%w: %s missing size", ErrInvalidRequest, r.Op)
		}
		if _, err := attr.DecodeHex(r.Attributes); err != nil {
			return fmt.Errorf("%w: %s attributes: %v", ErrInvalidRequest, r.Op, err)
		}
	case OpRemove:
		if strings.TrimSpace(r.Name) == "" {
			return fmt.Errorf("%w: %s missing name", ErrInvalidRequest, r.Op)
		}
	case OpClose, OpAttach:
		if strings.TrimSpace(r.SessionID) == "" {
			return fmt.Errorf("%w: %s missing session_id", ErrInvalidRequest, r.Op)
		}
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidRequest, r.Op)
	}
	return nil
}

// Reply answers exactly one Request.
type Reply struct {
	Status     string `json:"status"`
	Code       Code   `json:"code"`
	Message    string `json:"message,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Name       string `json:"name,omitempty"`
	Capacity   uint64 `json:"capacity,omitempty"`
	Attributes string `json:"attributes,omitempty"`
}

func (r Reply) Validate() error {
	switch r.Status {
	case StatusOK:
		if r.Code != CodeOK {
			return fmt.Errorf("%w: ok reply with code %d", ErrInvalidReply, r.Code)
		}
	case StatusRejected:
		if r.Code == CodeOK {
			return fmt.Errorf("%w: rejected reply without code", ErrInvalidReply)
		}
	default:
		return fmt.Errorf("%w: invalid status %q", ErrInvalidReply, r.Status)
	}
	return nil
}

// Err rebuilds the remote error carried by a rejected reply.
func (r Reply) Err() error {
	if r.Status == StatusOK {
		return nil
	}
	return ErrorOf(r.Code, r.Message)
}

// RejectReply encodes err as a rejected reply.
func RejectReply(err error) Reply {
	code, msg := CodeOf(err)
	if code == CodeOK {
		code = CodeInternal
	}
	return Reply{Status: StatusRejected, Code: code, Message: msg}
}

type controlEnvelope struct {
	Type    string   `json:"type"`
	Request *Request `json:"request,omitempty"`
	Reply   *Reply   `json:"reply,omitempty"`
}

func WriteRequest(w io.Writer, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: req.Op, Request: &req})
}

func ReadRequest(r *bufio.Reader) (Request, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Request{}, err
	}
	if env.Request == nil || env.Type != env.Request.Op {
		return Request{}, fmt.Errorf("%w: unexpected control type %q", ErrInvalidRequest, env.Type)
	}
	if err := env.Request.Validate(); err != nil {
		return Request{}, err
	}
	return *env.Request, nil
}

func WriteReply(w io.Writer, op string, reply Reply) error {
	if err := reply.Validate(); err != nil {
		return err
	}
	return writeControlEnvelope(w, controlEnvelope{Type: op + replySuffix, Reply: &reply})
}

// ReadReply reads the reply to op.
func ReadReply(r *bufio.Reader, op string) (Reply, error) {
	env, err := readControlEnvelope(r)
	if err != nil {
		return Reply{}, err
	}
	if env.Type != op+replySuffix || env.Reply == nil {
		return Reply{}, fmt.Errorf("%w: got %q want %q", ErrInvalidReply, env.Type, op+replySuffix)
	}
	if err := env.Reply.Validate(); err != nil {
		return Reply{}, err
	}
	return *env.Reply, nil
}

func writeControlEnvelope(w io.Writer, env controlEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	payload = append(payload, '\n')
	_, err = w.Write(payload)
	return err
}

func readControlEnvelope(r *bufio.Reader) (controlEnvelope, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return controlEnvelope{}, err
	}
	if len(line) > maxControlMessage {
		return controlEnvelope{}, ErrControlMessageTooLarge
	}
	var env controlEnvelope
	if err := json.Unmarshal(line, &env); err != nil {
		return controlEnvelope{}, err
	}
	return env, nil
}
