// Package protocol implements the frame codec exchanged between election peers.
//
// Every frame is a fixed 3-byte header followed by an opcode-dependent payload:
//
//	[sender id:1][sender term:1][opcode:1][payload...]
//
// There is no length prefix. A frame occupies a whole connection (or a whole
// message on message-oriented transports), so the payload runs to the end of
// the buffer.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// Opcode identifies the operation carried by a frame
type Opcode uint8

const (
	// OpVote carries either a vote grant (empty payload) or a vote request
	// (payload is the candidate's reply address)
	OpVote Opcode = iota
	// OpHeartbeat is the leader liveness message
	OpHeartbeat
	// OpAppendEntry is a replication placeholder, acknowledged but never applied
	OpAppendEntry
)

// String returns the string representation of an Opcode
func (o Opcode) String() string {
	switch o {
	case OpVote:
		return "vote"
	case OpHeartbeat:
		return "heartbeat"
	case OpAppendEntry:
		return "append_entry"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

const (
	// HeaderSize is the size of the sender id, term and opcode fields
	HeaderSize = 3
	// MaxAddressLen bounds the reply address carried by a vote request
	MaxAddressLen = 255
	// MaxFrameSize is the largest frame ReadFrame accepts
	MaxFrameSize = HeaderSize + MaxAddressLen
)

var (
	ErrShortFrame     = errors.New("frame shorter than header")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrInvalidAddress = errors.New("vote request address is not valid UTF-8")
	ErrAddressTooLong = errors.New("vote request address too long")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum size")
	ErrNilOperation   = errors.New("frame has no operation")
)

// Operation is the closed set of messages a frame can carry.
// The unexported method keeps the set closed to this package.
type Operation interface {
	Opcode() Opcode
	operation()
}

// Heartbeat announces that the sender is the leader of its term.
type Heartbeat struct{}

// RequestVote asks the receiver to vote for the sender and to send the vote
// to Address.
type RequestVote struct {
	Address string
}

// Vote grants the receiver the sender's vote for the frame's term.
type Vote struct{}

// AppendEntry is the log replication stub.
type AppendEntry struct{}

func (Heartbeat) Opcode() Opcode   { return OpHeartbeat }
func (RequestVote) Opcode() Opcode { return OpVote }
func (Vote) Opcode() Opcode        { return OpVote }
func (AppendEntry) Opcode() Opcode { return OpAppendEntry }

func (Heartbeat) operation()   {}
func (RequestVote) operation() {}
func (Vote) operation()        {}
func (AppendEntry) operation() {}

// Name returns a short label for logs and metrics
func Name(op Operation) string {
	switch op.(type) {
	case Heartbeat:
		return "heartbeat"
	case RequestVote:
		return "request_vote"
	case Vote:
		return "vote"
	case AppendEntry:
		return "append_entry"
	default:
		return "unknown"
	}
}

// Frame is a decoded message together with its sender and the sender's term
type Frame struct {
	SenderID uint8
	Term     uint8
	Op       Operation
}

// Encode serializes a frame
func Encode(f Frame) ([]byte, error) {
	if f.Op == nil {
		return nil, ErrNilOperation
	}

	buf := make([]byte, HeaderSize, MaxFrameSize)
	buf[0] = f.SenderID
	buf[1] = f.Term
	buf[2] = byte(f.Op.Opcode())

	switch op := f.Op.(type) {
	case RequestVote:
		if len(op.Address) > MaxAddressLen {
			return nil, fmt.Errorf("%w: %d bytes", ErrAddressTooLong, len(op.Address))
		}
		// An empty address would decode as a grant
		if op.Address == "" {
			return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
		}
		if !utf8.ValidString(op.Address) {
			return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidAddress)
		}
		buf = append(buf, op.Address...)
	case Vote, Heartbeat, AppendEntry:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownOpcode, f.Op)
	}

	return buf, nil
}

// MustEncode is Encode for frames known to be valid. It panics on error.
func MustEncode(f Frame) []byte {
	data, err := Encode(f)
	if err != nil {
		panic(err)
	}
	return data
}

// Decode parses a frame. Trailing payload on heartbeat and append-entry
// frames is ignored.
func Decode(data []byte) (Frame, error) {
	if len(data) < HeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(data))
	}

	f := Frame{SenderID: data[0], Term: data[1]}
	payload := data[HeaderSize:]

	switch Opcode(data[2]) {
	case OpVote:
		if len(payload) == 0 {
			f.Op = Vote{}
			break
		}
		if len(payload) > MaxAddressLen {
			return Frame{}, fmt.Errorf("%w: %d bytes", ErrAddressTooLong, len(payload))
		}
		if !utf8.Valid(payload) {
			return Frame{}, ErrInvalidAddress
		}
		f.Op = RequestVote{Address: string(payload)}
	case OpHeartbeat:
		f.Op = Heartbeat{}
	case OpAppendEntry:
		f.Op = AppendEntry{}
	default:
		return Frame{}, fmt.Errorf("%w: %d", ErrUnknownOpcode, data[2])
	}

	return f, nil
}

// ReadFrame reads a single frame from r until EOF
func ReadFrame(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFrameSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}
