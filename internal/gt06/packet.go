package gt06

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Parsed Packets — closed variant set
// -------------------------------------------------------------------------

// Kind discriminates the parsed packet variants.
type Kind uint8

const (
	// KindUnknown is any protocol number the gateway does not handle.
	KindUnknown Kind = iota

	// KindLogin is a 0x01 login packet.
	KindLogin

	// KindLocation is a 0x12 location packet.
	KindLocation

	// KindHeartbeat is a 0x13 heartbeat packet.
	KindHeartbeat
)

// String returns the packet kind name.
func (k Kind) String() string {
	switch k {
	case KindLogin:
		return "login"
	case KindLocation:
		return "location"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// Packet is one decoded GT06 packet. Kind selects which of the variant
// fields is populated; the session handler dispatches on the tag.
type Packet struct {
	Kind     Kind
	Protocol byte
	Serial   uint16

	// Login fields.
	IMEI string

	// Location fields.
	Location Location
}

// Location is the decoded payload of a 0x12 packet.
type Location struct {
	// Time is the device-reported fix time, UTC.
	Time time.Time

	// Lat and Lon are WGS-84 decimal degrees.
	Lat float64
	Lon float64

	// Speed in km/h (0-255).
	Speed uint8

	// Course in degrees. The wire carries a 10-bit value 0..1023; the
	// parser reduces it modulo 360 so 1023 maps to 303.
	Course uint16

	// Satellites is the satellite count (0-15).
	Satellites uint8

	// RealTime reports a real-time GPS fix: the course/status word's
	// bit 13 is clear for live fixes and set for stored re-uploads.
	RealTime bool
}

// ParserConfig controls protocol ambiguities that vary between GT06
// device families.
type ParserConfig struct {
	// HemisphereFlags selects S/W hemisphere handling. When false (the
	// default) the signed 32-bit coordinate values are trusted as-is.
	// When true, bits 10 (south) and 11 (west) of the course/status word
	// carry the hemispheres and are applied to the coordinate magnitudes.
	HemisphereFlags bool
}

// Parsing errors.
var (
	// ErrBadIMEI indicates the decoded IMEI is not 15 decimal digits.
	ErrBadIMEI = errors.New("gt06: IMEI is not 15 decimal digits")

	// ErrShortPayload indicates the payload is too short for its protocol.
	ErrShortPayload = errors.New("gt06: payload too short")
)

// Payload sizes, counting from the protocol-specific field layout.
const (
	loginIMEISize       = 8  // BCD-encoded IMEI
	locationPayloadSize = 18 // datetime(6) + sat(1) + lat(4) + lon(4) + speed(1) + course(2)

	// coordScale converts raw GT06 coordinates to decimal degrees:
	// the wire value is 1/500 of a minute, i.e. degrees x 1,800,000.
	coordScale = 1800000.0
)

// Course/status word bits.
const (
	courseMask   = 0x03FF // low 10 bits
	realTimeBit  = 0x2000 // set for stored (non-real-time) fixes
	southBit     = 0x0400 // hemisphere-flag mode only
	westBit      = 0x0800 // hemisphere-flag mode only
	maxSatNibble = 0x0F
)

// -------------------------------------------------------------------------
// Parser
// -------------------------------------------------------------------------

// Parse decodes a frame's payload by protocol number. Unknown protocols
// yield a KindUnknown packet rather than an error so the session can log
// and advance past the frame. Parse performs no I/O.
func Parse(f Frame, cfg ParserConfig) (Packet, error) {
	pkt := Packet{Kind: KindUnknown, Protocol: f.Protocol, Serial: f.Serial}

	switch f.Protocol {
	case ProtoLogin:
		imei, err := parseLogin(f.Payload)
		if err != nil {
			return Packet{}, err
		}
		pkt.Kind = KindLogin
		pkt.IMEI = imei

	case ProtoLocation:
		loc, err := parseLocation(f.Payload, cfg)
		if err != nil {
			return Packet{}, err
		}
		pkt.Kind = KindLocation
		pkt.Location = loc

	case ProtoHeartbeat:
		// No fields; acknowledged with a heartbeat-typed ACK.
		pkt.Kind = KindHeartbeat
	}

	return pkt, nil
}

// parseLogin decodes the 8-byte BCD IMEI at the start of a login payload.
func parseLogin(payload []byte) (string, error) {
	if len(payload) < loginIMEISize {
		return "", fmt.Errorf("login payload %d bytes: %w", len(payload), ErrShortPayload)
	}
	imei, err := DecodeBCDIMEI(payload[:loginIMEISize])
	if err != nil {
		return "", err
	}
	return imei, nil
}

// DecodeBCDIMEI decodes a BCD-encoded IMEI nibble by nibble, skipping 0xF
// padding nibbles. Eight bytes encode 16 digits; trackers left-pad the
// 15-digit IMEI with a zero, which is stripped. The result must be exactly
// 15 decimal digits.
func DecodeBCDIMEI(b []byte) (string, error) {
	digits := make([]byte, 0, 2*len(b))
	for _, by := range b {
		for _, nib := range [2]byte{by >> 4, by & 0x0F} {
			if nib == 0x0F {
				continue // padding
			}
			if nib > 9 {
				return "", fmt.Errorf("BCD nibble 0x%X: %w", nib, ErrBadIMEI)
			}
			digits = append(digits, '0'+nib)
		}
	}
	// 16 digits with a leading zero is the common left-padded form.
	if len(digits) == 16 && digits[0] == '0' {
		digits = digits[1:]
	}
	if len(digits) != 15 {
		return "", fmt.Errorf("decoded %d digits: %w", len(digits), ErrBadIMEI)
	}
	return string(digits), nil
}

// parseLocation decodes a 0x12 payload. Numeric conversion is exact: the
// raw signed 32-bit values are divided by 1,800,000 with no prior
// rounding, so a zero coordinate round-trips as exactly 0.0.
func parseLocation(payload []byte, cfg ParserConfig) (Location, error) {
	if len(payload) < locationPayloadSize {
		return Location{}, fmt.Errorf("location payload %d bytes: %w", len(payload), ErrShortPayload)
	}

	ts := time.Date(
		2000+int(payload[0]),
		time.Month(payload[1]),
		int(payload[2]),
		int(payload[3]),
		int(payload[4]),
		int(payload[5]),
		0, time.UTC,
	)

	sat := payload[6] >> 4 & maxSatNibble

	latRaw := int32(binary.BigEndian.Uint32(payload[7:11]))
	lonRaw := int32(binary.BigEndian.Uint32(payload[11:15]))
	lat := float64(latRaw) / coordScale
	lon := float64(lonRaw) / coordScale

	speed := payload[15]
	word := binary.BigEndian.Uint16(payload[16:18])

	if cfg.HemisphereFlags {
		// Flag-bit devices encode magnitudes; the word carries the signs.
		lat = abs(lat)
		lon = abs(lon)
		if word&southBit != 0 {
			lat = -lat
		}
		if word&westBit != 0 {
			lon = -lon
		}
	}

	return Location{
		Time:       ts,
		Lat:        lat,
		Lon:        lon,
		Speed:      speed,
		Course:     (word & courseMask) % 360,
		Satellites: sat,
		RealTime:   word&realTimeBit == 0,
	}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
