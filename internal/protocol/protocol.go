// Package protocol implements the memcached binary protocol: 24-byte
// headers, opcodes, status codes, per-command body validation and the
// expiration encoding.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed size of every request and response header.
const HeaderSize = 24

const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

// MaxKeyLength is the longest key the protocol accepts.
const MaxKeyLength = 250

var (
	// ErrBadMagic is returned when a packet does not start with the expected
	// magic byte. The stream cannot be resynchronized afterwards.
	ErrBadMagic = errors.New("bad magic byte")
	// ErrBodyTooLarge is returned when a packet body exceeds the reader's
	// limit.
	ErrBodyTooLarge = errors.New("body too large")
	// ErrMalformed is returned when header lengths do not add up.
	ErrMalformed = errors.New("malformed packet")
)

// Opcode identifies a command.
type Opcode uint8

const (
	OpGet        Opcode = 0x00
	OpSet        Opcode = 0x01
	OpAdd        Opcode = 0x02
	OpReplace    Opcode = 0x03
	OpDelete     Opcode = 0x04
	OpIncrement  Opcode = 0x05
	OpDecrement  Opcode = 0x06
	OpQuit       Opcode = 0x07
	OpFlush      Opcode = 0x08
	OpGetQ       Opcode = 0x09
	OpNoop       Opcode = 0x0a
	OpVersion    Opcode = 0x0b
	OpGetK       Opcode = 0x0c
	OpGetKQ      Opcode = 0x0d
	OpAppend     Opcode = 0x0e
	OpPrepend    Opcode = 0x0f
	OpStat       Opcode = 0x10
	OpSetQ       Opcode = 0x11
	OpAddQ       Opcode = 0x12
	OpReplaceQ   Opcode = 0x13
	OpDeleteQ    Opcode = 0x14
	OpIncrementQ Opcode = 0x15
	OpDecrementQ Opcode = 0x16
	OpQuitQ      Opcode = 0x17
	OpFlushQ     Opcode = 0x18
	OpAppendQ    Opcode = 0x19
	OpPrependQ   Opcode = 0x1a
)

var opcodeNames = map[Opcode]string{
	OpGet: "GET", OpSet: "SET", OpAdd: "ADD", OpReplace: "REPLACE",
	OpDelete: "DELETE", OpIncrement: "INCREMENT", OpDecrement: "DECREMENT",
	OpQuit: "QUIT", OpFlush: "FLUSH", OpGetQ: "GETQ", OpNoop: "NOOP",
	OpVersion: "VERSION", OpGetK: "GETK", OpGetKQ: "GETKQ", OpAppend: "APPEND",
	OpPrepend: "PREPEND", OpStat: "STAT", OpSetQ: "SETQ", OpAddQ: "ADDQ",
	OpReplaceQ: "REPLACEQ", OpDeleteQ: "DELETEQ", OpIncrementQ: "INCREMENTQ",
	OpDecrementQ: "DECREMENTQ", OpQuitQ: "QUITQ", OpFlushQ: "FLUSHQ",
	OpAppendQ: "APPENDQ", OpPrependQ: "PREPENDQ",
}

// quietOf maps each quiet opcode to its loud counterpart.
var quietOf = map[Opcode]Opcode{
	OpGetQ: OpGet, OpGetKQ: OpGetK, OpSetQ: OpSet, OpAddQ: OpAdd,
	OpReplaceQ: OpReplace, OpDeleteQ: OpDelete, OpIncrementQ: OpIncrement,
	OpDecrementQ: OpDecrement, OpQuitQ: OpQuit, OpFlushQ: OpFlush,
	OpAppendQ: OpAppend, OpPrependQ: OpPrepend,
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Opcode(%#02x)", uint8(o))
}

// Known reports whether the opcode is implemented.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Quiet reports whether the command suppresses its success response. Quiet
// gets also suppress the miss response.
func (o Opcode) Quiet() bool {
	_, ok := quietOf[o]
	return ok
}

// Base returns the loud form of a quiet opcode, or o itself.
func (o Opcode) Base() Opcode {
	if base, ok := quietOf[o]; ok {
		return base
	}
	return o
}

// Keyed reports whether the command operates on a single key and is routed
// by it.
func (o Opcode) Keyed() bool {
	switch o.Base() {
	case OpGet, OpGetK, OpSet, OpAdd, OpReplace, OpDelete,
		OpIncrement, OpDecrement, OpAppend, OpPrepend:
		return true
	}
	return false
}

// Status is a response status. The non-success statuses double as errors.
type Status uint16

const (
	StatusOK               Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusKeyExists        Status = 0x0002
	StatusValueTooLarge    Status = 0x0003
	StatusInvalidArguments Status = 0x0004
	StatusItemNotStored    Status = 0x0005
	StatusNonNumeric       Status = 0x0006
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
	StatusNotSupported     Status = 0x0083
	StatusInternalError    Status = 0x0084
	StatusBusy             Status = 0x0085
	StatusTemporaryFailure Status = 0x0086
)

var statusText = map[Status]string{
	StatusOK:               "No error",
	StatusKeyNotFound:      "Not found",
	StatusKeyExists:        "Data exists for key",
	StatusValueTooLarge:    "Value too large",
	StatusInvalidArguments: "Invalid arguments",
	StatusItemNotStored:    "Item not stored",
	StatusNonNumeric:       "Incr/Decr on non-numeric value",
	StatusUnknownCommand:   "Unknown command",
	StatusOutOfMemory:      "Out of memory",
	StatusNotSupported:     "Not supported",
	StatusInternalError:    "Internal error",
	StatusBusy:             "Busy",
	StatusTemporaryFailure: "Temporary failure",
}

// Text returns the human readable message sent in error bodies.
func (s Status) Text() string {
	if text, ok := statusText[s]; ok {
		return text
	}
	return fmt.Sprintf("Status(%#04x)", uint16(s))
}

func (s Status) Error() string {
	return s.Text()
}

// Header is the fixed 24-byte packet header. VBucket carries the status in
// responses.
type Header struct {
	Magic        byte
	Opcode       Opcode
	KeyLength    uint16
	ExtrasLength uint8
	DataType     uint8
	VBucket      uint16
	BodyLength   uint32
	Opaque       uint32
	CAS          uint64
}

// ValueLength is the body length left after extras and key.
func (h Header) ValueLength() int {
	return int(h.BodyLength) - int(h.KeyLength) - int(h.ExtrasLength)
}

func (h Header) encode(buf []byte) {
	buf[0] = h.Magic
	buf[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(buf[2:], h.KeyLength)
	buf[4] = h.ExtrasLength
	buf[5] = h.DataType
	binary.BigEndian.PutUint16(buf[6:], h.VBucket)
	binary.BigEndian.PutUint32(buf[8:], h.BodyLength)
	binary.BigEndian.PutUint32(buf[12:], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:], h.CAS)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:        buf[0],
		Opcode:       Opcode(buf[1]),
		KeyLength:    binary.BigEndian.Uint16(buf[2:]),
		ExtrasLength: buf[4],
		DataType:     buf[5],
		VBucket:      binary.BigEndian.Uint16(buf[6:]),
		BodyLength:   binary.BigEndian.Uint32(buf[8:]),
		Opaque:       binary.BigEndian.Uint32(buf[12:]),
		CAS:          binary.BigEndian.Uint64(buf[16:]),
	}
}

// Packet is a decoded request or response. Extras, Key and Value share one
// backing body buffer.
type Packet struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// Request is a packet read from a client.
type Request struct {
	Packet
}

// Response is a packet written to a client.
type Response struct {
	Packet
}

// Status returns the response status.
func (r *Response) Status() Status {
	return Status(r.VBucket)
}

// Err returns the response status as an error, or nil on success.
func (r *Response) Err() error {
	if s := r.Status(); s != StatusOK {
		return s
	}
	return nil
}

func readPacket(r io.Reader, magic byte, maxBody int) (Packet, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Packet{}, err
	}
	h := decodeHeader(buf[:])
	if h.Magic != magic {
		return Packet{}, fmt.Errorf("%w: %#02x", ErrBadMagic, h.Magic)
	}
	if maxBody > 0 && int64(h.BodyLength) > int64(maxBody) {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrBodyTooLarge, h.BodyLength)
	}
	if h.ValueLength() < 0 {
		return Packet{}, fmt.Errorf("%w: body %d shorter than key %d + extras %d",
			ErrMalformed, h.BodyLength, h.KeyLength, h.ExtrasLength)
	}

	body := make([]byte, h.BodyLength)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	e, k := int(h.ExtrasLength), int(h.ExtrasLength)+int(h.KeyLength)
	return Packet{
		Header: h,
		Extras: nonEmpty(body[:e:e]),
		Key:    nonEmpty(body[e:k:k]),
		Value:  nonEmpty(body[k:]),
	}, nil
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func writePacket(w io.Writer, p *Packet) error {
	p.ExtrasLength = uint8(len(p.Extras))
	p.KeyLength = uint16(len(p.Key))
	p.BodyLength = uint32(len(p.Extras) + len(p.Key) + len(p.Value))

	var buf [HeaderSize]byte
	p.Header.encode(buf[:])
	for _, part := range [][]byte{buf[:], p.Extras, p.Key, p.Value} {
		if len(part) == 0 {
			continue
		}
		if _, err := w.Write(part); err != nil {
			return err
		}
	}
	return nil
}

// ReadRequest reads one request. maxBody of zero means no limit.
func ReadRequest(r io.Reader, maxBody int) (*Request, error) {
	p, err := readPacket(r, MagicRequest, maxBody)
	if err != nil {
		return nil, err
	}
	return &Request{Packet: p}, nil
}

// WriteRequest writes req, filling in magic and lengths.
func WriteRequest(w io.Writer, req *Request) error {
	req.Magic = MagicRequest
	return writePacket(w, &req.Packet)
}

// ReadResponse reads one response. maxBody of zero means no limit.
func ReadResponse(r io.Reader, maxBody int) (*Response, error) {
	p, err := readPacket(r, MagicResponse, maxBody)
	if err != nil {
		return nil, err
	}
	return &Response{Packet: p}, nil
}

// WriteResponse writes resp, filling in magic and lengths.
func WriteResponse(w io.Writer, resp *Response) error {
	resp.Magic = MagicResponse
	return writePacket(w, &resp.Packet)
}

// NewResponse starts a success response echoing the request's opcode and
// opaque.
func NewResponse(req *Request) *Response {
	return &Response{Packet: Packet{Header: Header{
		Opcode: req.Opcode,
		Opaque: req.Opaque,
	}}}
}

// NewError builds an error response whose body is the status text.
func NewError(req *Request, status Status) *Response {
	resp := NewResponse(req)
	resp.VBucket = uint16(status)
	resp.Value = []byte(status.Text())
	return resp
}

// ValidKey reports whether key is 1-250 bytes of printable ASCII without
// spaces.
func ValidKey(key []byte) bool {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return false
	}
	for _, b := range key {
		if b <= ' ' || b >= 0x7f {
			return false
		}
	}
	return true
}

// Validate checks that the request carries exactly the extras, key and value
// its command requires. It returns StatusUnknownCommand for unknown opcodes
// and StatusInvalidArguments for malformed bodies.
func (r *Request) Validate() Status {
	if !r.Opcode.Known() {
		return StatusUnknownCommand
	}

	var extras int
	var key, value, keyOptional, valueOptional bool
	switch r.Opcode.Base() {
	case OpGet, OpGetK, OpDelete:
		key = true
	case OpSet, OpAdd, OpReplace:
		extras, key, valueOptional = StoreExtrasLength, true, true
	case OpAppend, OpPrepend:
		key, value = true, true
	case OpIncrement, OpDecrement:
		extras, key = CounterExtrasLength, true
	case OpFlush:
		if len(r.Extras) == FlushExtrasLength {
			extras = FlushExtrasLength
		}
	case OpStat:
		keyOptional = true
	case OpNoop, OpVersion, OpQuit:
	}

	switch {
	case len(r.Extras) != extras:
		return StatusInvalidArguments
	case key && !ValidKey(r.Key):
		return StatusInvalidArguments
	case !key && !keyOptional && len(r.Key) != 0:
		return StatusInvalidArguments
	case value && len(r.Value) == 0:
		return StatusInvalidArguments
	case !value && !valueOptional && len(r.Value) != 0:
		return StatusInvalidArguments
	}
	return StatusOK
}
