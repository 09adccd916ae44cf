// Package gt06 implements the GT06 tracker wire protocol: stream framing,
// packet parsing, and acknowledgment encoding.
//
// GT06 frames share the shape
//
//	0x78 0x78 | length | protocol | payload... | serial(2) | crc(2) | 0x0D 0x0A
//
// where length counts every byte from protocol through crc inclusive, so a
// complete frame occupies length+5 bytes on the wire. The package is pure:
// it performs no I/O and holds no per-device state beyond the splitter's
// partial-read buffer.
package gt06

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// -------------------------------------------------------------------------
// Wire Constants
// -------------------------------------------------------------------------

const (
	// StartByte is the frame start marker, repeated twice (0x78 0x78).
	StartByte = 0x78

	// StopByte1 and StopByte2 terminate every frame (0x0D 0x0A).
	StopByte1 = 0x0D
	StopByte2 = 0x0A

	// frameOverhead is the number of wire bytes not counted by the length
	// field: two start bytes, the length byte itself, two stop bytes.
	frameOverhead = 5

	// minLength is the smallest valid length field: protocol(1) +
	// serial(2) + crc(2) with an empty payload.
	minLength = 5

	// AckSize is the fixed wire size of an acknowledgment frame.
	AckSize = 10
)

// Supported protocol numbers.
const (
	// ProtoLogin is the device login packet carrying the BCD IMEI.
	ProtoLogin = 0x01

	// ProtoLocation is the GPS location packet.
	ProtoLocation = 0x12

	// ProtoHeartbeat is the status/heartbeat packet.
	ProtoHeartbeat = 0x13
)

// Framing errors.
var (
	// ErrBadChecksum indicates the frame CRC does not match its contents.
	ErrBadChecksum = errors.New("gt06: frame checksum mismatch")

	// ErrBadLength indicates an impossible length field.
	ErrBadLength = errors.New("gt06: impossible frame length")

	// ErrBadTerminator indicates the frame does not end in 0x0D 0x0A.
	ErrBadTerminator = errors.New("gt06: missing frame terminator")
)

// -------------------------------------------------------------------------
// Frame
// -------------------------------------------------------------------------

// Frame is one complete GT06 packet as cut from the byte stream.
// Payload excludes the serial and CRC; Serial is the big-endian packet
// serial number echoed back in acknowledgments. Frames are consumed
// immediately after parsing and never retained.
type Frame struct {
	Length   byte
	Protocol byte
	Payload  []byte
	Serial   uint16

	// CRCValid records whether the received checksum matched. In lenient
	// mode mismatching frames are still delivered (clone devices are
	// known to ship broken CRC firmware); strict mode drops them.
	CRCValid bool
}

// -------------------------------------------------------------------------
// Splitter — byte stream to frames
// -------------------------------------------------------------------------

// Splitter cuts an inbound byte stream into GT06 frames. It keeps any
// partial tail buffered for the next read, resynchronizes on garbage by
// scanning forward to the next 0x78 0x78, and never discards a valid
// prefix. One Splitter serves one connection; it is not safe for
// concurrent use.
type Splitter struct {
	buf []byte

	// skipped accumulates bytes discarded during resynchronization since
	// the last SkippedBytes call.
	skipped int
}

// NewSplitter returns an empty Splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Feed appends raw bytes read from the transport.
func (s *Splitter) Feed(p []byte) {
	s.buf = append(s.buf, p...)
}

// Next cuts and returns the next complete frame, or ok=false when the
// buffer holds no complete frame (a partial tail stays buffered). A frame
// with an impossible length field is unrecoverable at that position: Next
// skips its start marker and resynchronizes.
func (s *Splitter) Next() (Frame, bool) {
	for {
		start := s.findStart()
		if start < 0 {
			// No start marker anywhere: keep at most one trailing byte in
			// case 0x78 arrives split across reads.
			s.dropAllButTail()
			return Frame{}, false
		}
		if start > 0 {
			s.skipped += start
			s.buf = s.buf[start:]
		}

		if len(s.buf) < 3 {
			return Frame{}, false // Length byte not here yet.
		}

		length := s.buf[2]
		if length < minLength {
			// Impossible frame: skip this marker and rescan.
			s.skipped += 2
			s.buf = s.buf[2:]
			continue
		}

		total := int(length) + frameOverhead
		if len(s.buf) < total {
			return Frame{}, false // Frame straddles reads; wait for more.
		}

		raw := s.buf[:total]
		if raw[total-2] != StopByte1 || raw[total-1] != StopByte2 {
			// Marker was a false positive inside other data.
			s.skipped += 2
			s.buf = s.buf[2:]
			continue
		}

		f := cutFrame(raw)
		s.buf = s.buf[total:]
		return f, true
	}
}

// SkippedBytes returns the number of bytes discarded during
// resynchronization since the last call, and resets the counter.
func (s *Splitter) SkippedBytes() int {
	n := s.skipped
	s.skipped = 0
	return n
}

// Buffered returns the number of bytes held for the next read.
func (s *Splitter) Buffered() int { return len(s.buf) }

// findStart returns the index of the next 0x78 0x78 pair, or -1.
func (s *Splitter) findStart() int {
	for i := 0; i+1 < len(s.buf); i++ {
		if s.buf[i] == StartByte && s.buf[i+1] == StartByte {
			return i
		}
	}
	return -1
}

// dropAllButTail discards garbage but keeps a single trailing 0x78 that
// may be the first half of a split start marker.
func (s *Splitter) dropAllButTail() {
	if n := len(s.buf); n > 0 {
		if s.buf[n-1] == StartByte {
			s.skipped += n - 1
			s.buf = s.buf[n-1:]
			return
		}
		s.skipped += n
		s.buf = s.buf[:0]
	}
}

// cutFrame slices a validated-size raw frame into a Frame value. The
// payload is copied so the splitter buffer can be reused.
func cutFrame(raw []byte) Frame {
	length := raw[2]
	total := int(length) + frameOverhead

	payload := make([]byte, total-frameOverhead-minLength)
	copy(payload, raw[4:total-6])

	serial := binary.BigEndian.Uint16(raw[total-6 : total-4])
	wireCRC := binary.BigEndian.Uint16(raw[total-4 : total-2])

	return Frame{
		Length:   length,
		Protocol: raw[3],
		Payload:  payload,
		Serial:   serial,
		CRCValid: Checksum(raw[2:total-4]) == wireCRC,
	}
}

// -------------------------------------------------------------------------
// Acknowledgment Encoder
// -------------------------------------------------------------------------

// EncodeAck builds the acknowledgment frame for the given protocol number
// and packet serial:
//
//	0x78 0x78 | 0x05 | protocol | serial(2) | crc(2) | 0x0D 0x0A
//
// The CRC covers the bytes from the length field through the serial.
func EncodeAck(protocol byte, serial uint16) []byte {
	ack := make([]byte, AckSize)
	ack[0] = StartByte
	ack[1] = StartByte
	ack[2] = minLength
	ack[3] = protocol
	binary.BigEndian.PutUint16(ack[4:6], serial)
	binary.BigEndian.PutUint16(ack[6:8], Checksum(ack[2:6]))
	ack[8] = StopByte1
	ack[9] = StopByte2
	return ack
}

// String implements fmt.Stringer for logging.
func (f Frame) String() string {
	return fmt.Sprintf("frame{proto=0x%02x len=%d serial=%d crc_ok=%t}",
		f.Protocol, f.Length, f.Serial, f.CRCValid)
}
