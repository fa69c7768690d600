package wsserver

import (
	"encoding/binary"

	"golang.org/x/xerrors"
)

// opcode represents a WebSocket opcode.
type opcode int

// https://tools.ietf.org/html/rfc6455#section-11.8.
const (
	opContinuation opcode = iota
	opText
	opBinary
	// 3 - 7 are reserved for further non-control frames.
	_
	_
	_
	_
	_
	opClose
	opPing
	opPong
	// 11-16 are reserved for further control frames.
)

func (o opcode) String() string {
	switch o {
	case opContinuation:
		return "continuation"
	case opText:
		return "text"
	case opBinary:
		return "binary"
	case opClose:
		return "close"
	case opPing:
		return "ping"
	case opPong:
		return "pong"
	}
	return "reserved"
}

// maxFramePayload is the largest payload Encode puts in one frame. Output
// frames always use the single byte length form.
const maxFramePayload = 125

// finText is the first byte of every frame Encode writes: FIN set, opcode text.
const finText = 0x80 | byte(opText)

// Encode frames p for a client. p is split into chunks of at most 125 bytes
// and every chunk becomes its own final, unmasked text frame. An empty p
// yields one empty frame.
//
// Frames are never fragmented with continuation opcodes and never use the
// 16 or 64 bit extended lengths.
func Encode(p []byte) []byte {
	n := (len(p) + maxFramePayload - 1) / maxFramePayload
	if n == 0 {
		n = 1
	}

	b := make([]byte, 0, len(p)+2*n)
	for {
		chunk := p
		if len(chunk) > maxFramePayload {
			chunk = chunk[:maxFramePayload]
		}
		b = append(b, finText, byte(len(chunk)))
		b = append(b, chunk...)

		p = p[len(chunk):]
		if len(p) == 0 {
			return b
		}
	}
}

// Decode unmasks one client frame held at the start of b and returns its
// payload. Everything after the mask key is treated as payload.
//
// Decode returns nil for frames it does not process: frames without FIN
// (continuations are not reassembled), frames without the mask bit and
// buffers too short to hold the mask key.
func Decode(b []byte) []byte {
	if len(b) < 2 {
		return nil
	}
	if b[0]&(1<<7) == 0 {
		return nil
	}
	if b[1]&(1<<7) == 0 {
		return nil
	}

	var off int
	switch b[1] &^ (1 << 7) {
	case 126:
		off = 4
	case 127:
		off = 10
	default:
		off = 2
	}
	if len(b) < off+4 {
		return nil
	}

	key := binary.LittleEndian.Uint32(b[off:])
	p := make([]byte, len(b)-off-4)
	copy(p, b[off+4:])
	mask(key, p)
	return p
}

// header is the decoded start of a client frame.
// See https://tools.ietf.org/html/rfc6455#section-5.2.
type header struct {
	fin    bool
	rsv    byte
	opcode opcode

	payloadLength int64

	masked  bool
	maskKey uint32

	// size is the header length including the mask key.
	size int
}

var errShortHeader = xerrors.New("frame header incomplete")

// parseHeader reads the header at the start of b.
// It returns errShortHeader when b does not hold a full header yet.
func parseHeader(b []byte) (header, error) {
	if len(b) < 2 {
		return header{}, errShortHeader
	}

	var h header
	h.fin = b[0]&(1<<7) != 0
	h.rsv = b[0] & 0x70 >> 4
	h.opcode = opcode(b[0] & 0xf)
	h.masked = b[1]&(1<<7) != 0

	off := 2
	payloadLength := b[1] &^ (1 << 7)
	switch {
	case payloadLength < 126:
		h.payloadLength = int64(payloadLength)
	case payloadLength == 126:
		if len(b) < off+2 {
			return header{}, errShortHeader
		}
		h.payloadLength = int64(binary.BigEndian.Uint16(b[off:]))
		off += 2
	case payloadLength == 127:
		if len(b) < off+8 {
			return header{}, errShortHeader
		}
		l := binary.BigEndian.Uint64(b[off:])
		if l>>63 != 0 {
			return header{}, xerrors.Errorf("frame header with negative payload length: %v", int64(l))
		}
		h.payloadLength = int64(l)
		off += 8
	}

	if h.masked {
		if len(b) < off+4 {
			return header{}, errShortHeader
		}
		h.maskKey = binary.LittleEndian.Uint32(b[off:])
		off += 4
	}

	h.size = off
	return h, nil
}

// FrameBuffer accumulates the bytes of a connection's incoming frames
// across reads. It is not safe for concurrent use.
type FrameBuffer struct {
	buf []byte
}

// ReceiveData appends p to the buffer.
func (fb *FrameBuffer) ReceiveData(p []byte) {
	fb.buf = append(fb.buf, p...)
}

// Len returns the number of buffered bytes.
func (fb *FrameBuffer) Len() int {
	return len(fb.buf)
}

// ExpectedLength returns the total length of the first buffered frame:
// header, mask key and payload.
func (fb *FrameBuffer) ExpectedLength() (int64, error) {
	h, err := parseHeader(fb.buf)
	if err != nil {
		return 0, err
	}
	return int64(h.size) + h.payloadLength, nil
}

// Remaining returns how many bytes are missing from the first buffered
// frame. ok is false when that cannot be known yet or the header is
// malformed.
func (fb *FrameBuffer) Remaining() (n int64, ok bool) {
	exp, err := fb.ExpectedLength()
	if err != nil {
		return 0, false
	}
	return exp - int64(len(fb.buf)), true
}

// IsComplete reports whether the first buffered frame has fully arrived.
func (fb *FrameBuffer) IsComplete() bool {
	if len(fb.buf) == 0 {
		return false
	}
	n, ok := fb.Remaining()
	return ok && n <= 0
}

// IsWaitingForData reports whether more bytes are needed to complete the
// first buffered frame. A partial header counts as waiting; a malformed
// one does not.
func (fb *FrameBuffer) IsWaitingForData() bool {
	if len(fb.buf) == 0 {
		return false
	}
	_, err := parseHeader(fb.buf)
	if xerrors.Is(err, errShortHeader) {
		return true
	}
	n, ok := fb.Remaining()
	return ok && n > 0
}

// Next removes the first frame from the buffer and returns its raw bytes.
// ok is false if the frame is not complete.
func (fb *FrameBuffer) Next() (frame []byte, ok bool) {
	if !fb.IsComplete() {
		return nil, false
	}
	exp, _ := fb.ExpectedLength()

	frame = make([]byte, exp)
	copy(frame, fb.buf)

	rest := fb.buf[exp:]
	if len(rest) == 0 {
		fb.buf = fb.buf[:0]
	} else {
		fb.buf = append(fb.buf[:0], rest...)
	}
	return frame, true
}

// Reset drops everything buffered.
func (fb *FrameBuffer) Reset() {
	fb.buf = nil
}
