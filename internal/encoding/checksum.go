package encoding

import "hash/crc32"

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum computes the CRC32C digest used by oplog frames and header
// slots.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}
