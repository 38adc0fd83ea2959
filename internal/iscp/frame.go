package iscp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Encoding selects how ISCP messages are wrapped on the wire.
type Encoding int

const (
	// EISCP is the ethernet framing: a 16-byte "ISCP" header followed by the
	// message. Used over TCP and for discovery broadcasts.
	EISCP Encoding = iota
	// Serial is bare ISCP as spoken on the RS-232 port.
	Serial
)

const (
	// DefaultPort is the eISCP TCP/UDP port receivers listen on.
	DefaultPort = 60128

	headerSize  = 16
	version     = 0x01
	maxDataSize = 64 * 1024

	startChar    = '!'
	unitReceiver = '1'
	unitAny      = 'x'
)

var (
	magic = []byte("ISCP")

	// ErrMalformed reports bytes that cannot be decoded as an ISCP message.
	ErrMalformed = errors.New("iscp: malformed message")

	// ErrEmpty reports consumed bytes that were only message terminators.
	ErrEmpty = errors.New("iscp: empty message")
)

func (e Encoding) String() string {
	switch e {
	case EISCP:
		return "eiscp"
	case Serial:
		return "serial"
	default:
		return fmt.Sprintf("encoding(%d)", int(e))
	}
}

// Frame is one decoded ISCP message.
type Frame struct {
	Command  string `json:"command"`  // three letter mnemonic, e.g. "PWR"
	Argument string `json:"argument"` // e.g. "01", "QSTN", "UP"
}

func (f Frame) String() string { return f.Command + f.Argument }

// Splitter tries to take one frame off the front of buf.
//
// n == 0 means no complete frame is available yet and buf must be kept.
// Otherwise the first n bytes are consumed; err != nil means those bytes
// were junk and are dropped without producing a frame. Callers loop until
// n == 0.
type Splitter func(buf []byte) (f Frame, n int, err error)

// Splitter returns the frame splitter for the encoding.
func (e Encoding) Splitter() Splitter {
	if e == Serial {
		return SplitSerial
	}
	return SplitEISCP
}

// Encode renders a raw ISCP message such as "PWR01" for the wire.
func (e Encoding) Encode(msg string) []byte {
	return e.encode(unitReceiver, msg)
}

func (e Encoding) encode(unit byte, msg string) []byte {
	data := make([]byte, 0, len(msg)+3)
	data = append(data, startChar, unit)
	data = append(data, msg...)
	data = append(data, '\r')
	if e == Serial {
		return data
	}

	pkt := make([]byte, headerSize, headerSize+len(data))
	copy(pkt, magic)
	binary.BigEndian.PutUint32(pkt[4:8], headerSize)
	binary.BigEndian.PutUint32(pkt[8:12], uint32(len(data)))
	pkt[12] = version
	return append(pkt, data...)
}

// SplitEISCP extracts one eISCP packet. Bytes in front of the "ISCP" magic
// are skipped together with the next complete packet. A buffer without any
// magic is left alone so the connection's discard timeout can clear it.
func SplitEISCP(buf []byte) (Frame, int, error) {
	start := bytes.Index(buf, magic)
	if start < 0 || len(buf)-start < headerSize {
		return Frame{}, 0, nil
	}
	hdr := buf[start : start+headerSize]
	hdrLen := binary.BigEndian.Uint32(hdr[4:8])
	dataLen := binary.BigEndian.Uint32(hdr[8:12])
	if hdrLen != headerSize || dataLen > maxDataSize {
		// No way to find the packet boundary again; drop everything.
		return Frame{}, len(buf), fmt.Errorf("%w: header size %d, data size %d", ErrMalformed, hdrLen, dataLen)
	}
	end := start + headerSize + int(dataLen)
	if len(buf) < end {
		return Frame{}, 0, nil
	}
	f, err := decode(buf[start+headerSize : end])
	return f, end, err
}

// SplitSerial extracts one terminator delimited ISCP message. Receivers end
// messages with 0x1A, optionally followed by CR/LF; CR and LF alone are
// accepted too.
func SplitSerial(buf []byte) (Frame, int, error) {
	lead := 0
	for lead < len(buf) && isEOF(buf[lead]) {
		lead++
	}
	if lead > 0 && lead == len(buf) {
		// A trailing CR/LF that arrived in a read of its own.
		return Frame{}, lead, ErrEmpty
	}
	end := indexEOF(buf[lead:])
	if end < 0 {
		return Frame{}, 0, nil
	}
	end += lead
	msg := buf[lead:end]
	for end < len(buf) && isEOF(buf[end]) {
		end++
	}
	if i := bytes.IndexByte(msg, startChar); i > 0 {
		msg = msg[i:]
	}
	f, err := decode(msg)
	return f, end, err
}

// decode parses "!1PWR01" with any trailing terminators.
func decode(data []byte) (Frame, error) {
	for len(data) > 0 && isEOF(data[len(data)-1]) {
		data = data[:len(data)-1]
	}
	if len(data) < 5 || data[0] != startChar {
		return Frame{}, fmt.Errorf("%w: %q", ErrMalformed, data)
	}
	cmd := data[2:5]
	for _, b := range cmd {
		if b < 'A' || b > 'Z' {
			return Frame{}, fmt.Errorf("%w: bad command %q", ErrMalformed, data)
		}
	}
	return Frame{Command: string(cmd), Argument: string(data[5:])}, nil
}

func isEOF(b byte) bool {
	return b == 0x1a || b == '\r' || b == '\n'
}

func indexEOF(b []byte) int {
	for i, c := range b {
		if isEOF(c) {
			return i
		}
	}
	return -1
}
