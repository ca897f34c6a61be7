package sim

import "hash/crc32"

// CRC32 is the reference dualpe.CRC32er: the IEEE polynomial from the
// standard library. No example repo in the pack carries a third-party
// CRC32 implementation, and hash/crc32 is the obvious, correct primitive
// for a 32-bit checksum — there is nothing an external library would add
// here, so this is the one ambient concern in internal/sim left on the
// standard library rather than forced onto a pack dependency.
type CRC32 struct{}

func (CRC32) Compute(seed uint32, p []byte) uint32 {
	return crc32.Update(seed, crc32.IEEETable, p)
}
