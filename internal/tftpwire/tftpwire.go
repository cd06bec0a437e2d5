// Package tftpwire implements the TFTP (RFC 1350) opcode and option-block
// codec: the pieces of the wire format that have no existing Go library in
// this server's dependency stack (unlike DHCP, where insomniacslk/dhcp
// already covers the envelope). Grounded on rs_pxe's tftp_state.rs
// (TftpOptsReader/Writer, Repr) and RFC 2347/2348/2349.
package tftpwire

import (
	"encoding/binary"
	"fmt"
)

// Opcode is a TFTP operation code.
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

func (o Opcode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	default:
		return fmt.Sprintf("Opcode(%d)", uint16(o))
	}
}

// TFTP error codes (RFC 1350 §5).
const (
	ErrNotDefined       uint16 = 0
	ErrFileNotFound     uint16 = 1
	ErrAccessViolation  uint16 = 2
	ErrDiskFull         uint16 = 3
	ErrIllegalOperation uint16 = 4
	ErrUnknownTID       uint16 = 5
	ErrFileExists       uint16 = 6
	ErrNoSuchUser       uint16 = 7
)

// Option is a single name/value TFTP option (RFC 2347), e.g. blksize=1024.
type Option struct {
	Name  string
	Value string
}

// Len returns the number of bytes Option occupies on the wire: name, NUL,
// value, NUL.
func (o Option) Len() int {
	return len(o.Name) + 1 + len(o.Value) + 1
}

// Request is a parsed RRQ or WRQ packet.
type Request struct {
	Opcode   Opcode
	Filename string
	Mode     string
	Options  []Option
}

// ParseRequest parses an RRQ/WRQ body (the two opcode-specific bytes already
// consumed by the caller via ParseOpcode).
func ParseRequest(opcode Opcode, body []byte) (*Request, error) {
	filename, rest, err := readCString(body)
	if err != nil {
		return nil, fmt.Errorf("tftp: malformed request: filename: %w", err)
	}
	mode, rest, err := readCString(rest)
	if err != nil {
		return nil, fmt.Errorf("tftp: malformed request: mode: %w", err)
	}
	opts, err := ReadOptions(rest)
	if err != nil {
		return nil, fmt.Errorf("tftp: malformed request: options: %w", err)
	}
	return &Request{Opcode: opcode, Filename: filename, Mode: mode, Options: opts}, nil
}

// Data is a parsed or to-be-built DATA packet.
type Data struct {
	BlockNum uint16
	Payload  []byte
}

// Ack is a parsed ACK packet.
type Ack struct {
	BlockNum uint16
}

// Err is a parsed or to-be-built ERROR packet.
type Err struct {
	Code uint16
	Msg  string
}

// ParseOpcode reads the two-byte opcode prefix common to every TFTP packet.
func ParseOpcode(buf []byte) (Opcode, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, fmt.Errorf("tftp: packet too short for opcode")
	}
	return Opcode(binary.BigEndian.Uint16(buf[:2])), buf[2:], nil
}

// ParseData parses a DATA body (opcode already consumed).
func ParseData(body []byte) (*Data, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("tftp: malformed data: missing block number")
	}
	return &Data{BlockNum: binary.BigEndian.Uint16(body[:2]), Payload: body[2:]}, nil
}

// ParseAck parses an ACK body (opcode already consumed).
func ParseAck(body []byte) (*Ack, error) {
	if len(body) != 2 {
		return nil, fmt.Errorf("tftp: malformed ack: want 2 bytes, got %d", len(body))
	}
	return &Ack{BlockNum: binary.BigEndian.Uint16(body)}, nil
}

// ParseErr parses an ERROR body (opcode already consumed).
func ParseErr(body []byte) (*Err, error) {
	if len(body) < 2 {
		return nil, fmt.Errorf("tftp: malformed error: missing code")
	}
	msg, _, err := readCString(body[2:])
	if err != nil {
		return nil, fmt.Errorf("tftp: malformed error: message: %w", err)
	}
	return &Err{Code: binary.BigEndian.Uint16(body[:2]), Msg: msg}, nil
}

// BuildData serializes a DATA packet.
func BuildData(blockNum uint16, payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(out[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(out[2:4], blockNum)
	copy(out[4:], payload)
	return out
}

// BuildAck serializes an ACK packet.
func BuildAck(blockNum uint16) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint16(out[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(out[2:4], blockNum)
	return out
}

// BuildErr serializes an ERROR packet.
func BuildErr(code uint16, msg string) []byte {
	out := make([]byte, 4, 5+len(msg))
	binary.BigEndian.PutUint16(out[0:2], uint16(OpERROR))
	binary.BigEndian.PutUint16(out[2:4], code)
	out = append(out, msg...)
	out = append(out, 0)
	return out
}

// BuildOack serializes an OACK packet carrying opts in order.
func BuildOack(opts []Option) []byte {
	needed := 2
	for _, o := range opts {
		needed += o.Len()
	}
	out := make([]byte, 2, needed)
	binary.BigEndian.PutUint16(out[0:2], uint16(OpOACK))
	out = append(out, WriteOptions(opts)...)
	return out
}

// ReadOptions reads NUL-terminated name/value pairs until buf is exhausted.
// An unterminated trailing string is Malformed.
func ReadOptions(buf []byte) ([]Option, error) {
	var opts []Option
	for len(buf) > 0 {
		name, rest, err := readCString(buf)
		if err != nil {
			return nil, fmt.Errorf("option name: %w", err)
		}
		value, rest2, err := readCString(rest)
		if err != nil {
			return nil, fmt.Errorf("option value for %q: %w", name, err)
		}
		opts = append(opts, Option{Name: name, Value: value})
		buf = rest2
	}
	return opts, nil
}

// WriteOptions emits opts back to back as NUL-terminated name/value pairs.
func WriteOptions(opts []Option) []byte {
	needed := 0
	for _, o := range opts {
		needed += o.Len()
	}
	out := make([]byte, 0, needed)
	for _, o := range opts {
		out = append(out, o.Name...)
		out = append(out, 0)
		out = append(out, o.Value...)
		out = append(out, 0)
	}
	return out
}

// readCString reads bytes up to and including the first NUL, returning the
// string (without the NUL) and the remaining bytes. An exhausted buffer with
// no NUL found is Malformed.
func readCString(buf []byte) (string, []byte, error) {
	for i, b := range buf {
		if b == 0 {
			return string(buf[:i]), buf[i+1:], nil
		}
	}
	return "", nil, fmt.Errorf("unterminated string")
}
