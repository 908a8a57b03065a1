package nabu

// CRC-16/GENIBUS: poly 0x1021, init 0xFFFF, xor-out 0xFFFF, no input or
// output reflection. The check value for "123456789" is 0xD64E and the
// CRC of the empty string is 0x0000.

// CRCInit returns the initial CRC accumulator value.
func CRCInit() uint16 { return 0xFFFF }

// CRCUpdate folds data into the running CRC accumulator.
func CRCUpdate(crc uint16, data []byte) uint16 {
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// CRCFini finalizes the accumulator.
func CRCFini(crc uint16) uint16 { return crc ^ 0xFFFF }

// CRC16 computes the CRC-16/GENIBUS of data in one call.
func CRC16(data []byte) uint16 {
	return CRCFini(CRCUpdate(CRCInit(), data))
}
