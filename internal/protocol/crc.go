package protocol

// Checksums used by the control unit link. Both are the reflected forms
// common on embedded gimbal controllers:
//
//	header: CRC-8,  poly 0x31 (reflected 0x8C), init 0xFF
//	frame:  CRC-16, poly 0x1021 (reflected 0x8408), init 0xFFFF (MCRF4XX)
const (
	crc8Init  = 0xFF
	crc16Init = 0xFFFF
)

var (
	crc8Table  [256]uint8
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = c8>>1 ^ 0x8C
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = c16>>1 ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func crc8(b []byte) uint8 {
	c := uint8(crc8Init)
	for _, x := range b {
		c = crc8Table[c^x]
	}
	return c
}

func crc16(b []byte) uint16 {
	c := uint16(crc16Init)
	for _, x := range b {
		c = c>>8 ^ crc16Table[uint8(c)^x]
	}
	return c
}
