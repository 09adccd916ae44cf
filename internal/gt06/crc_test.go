package gt06_test

import (
	"testing"

	"github.com/fleetlink/gt06d/internal/gt06"
)

// -------------------------------------------------------------------------
// TestChecksumKnownVectors — CRC-16/ITU against published check values
// -------------------------------------------------------------------------

func TestChecksumKnownVectors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			// The standard CRC-16/X.25 check value.
			name: "ascii 123456789",
			data: []byte("123456789"),
			want: 0x906E,
		},
		{
			name: "empty input",
			data: nil,
			want: 0x0000,
		},
		{
			name: "single zero byte",
			data: []byte{0x00},
			want: 0xF078,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := gt06.Checksum(tt.data); got != tt.want {
				t.Errorf("Checksum(% x) = 0x%04X, want 0x%04X", tt.data, got, tt.want)
			}
		})
	}
}

// TestChecksumHeartbeatAck verifies the checksum over a real heartbeat
// acknowledgment body (length through serial).
func TestChecksumHeartbeatAck(t *testing.T) {
	t.Parallel()

	body := []byte{0x05, 0x13, 0x00, 0x01}
	crc := gt06.Checksum(body)

	// The ACK encoder must produce the same checksum for the same body.
	ack := gt06.EncodeAck(0x13, 0x0001)

	got := uint16(ack[6])<<8 | uint16(ack[7])
	if got != crc {
		t.Errorf("EncodeAck checksum = 0x%04X, want 0x%04X", got, crc)
	}
}
