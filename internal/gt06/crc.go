package gt06

// -------------------------------------------------------------------------
// CRC-16/ITU (X.25) — the GT06 frame checksum
// -------------------------------------------------------------------------

// crcPoly is the reflected CRC-16/ITU polynomial (x^16 + x^12 + x^5 + 1).
const crcPoly = 0x8408

// crcTable is the byte-indexed lookup table for the reflected polynomial.
var crcTable [256]uint16

func init() {
	for i := range crcTable {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ crcPoly
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// Checksum computes the GT06 CRC-16/ITU over data: initial value 0xFFFF,
// reflected polynomial 0x8408, final complement. Devices compute it over
// the bytes from the length field through the serial number inclusive.
func Checksum(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return ^crc
}
