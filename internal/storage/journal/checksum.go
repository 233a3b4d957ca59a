package journal

import (
	"encoding/binary"
	"hash/crc32"
)

// Checksum is CRC32-IEEE over the big-endian sequence number followed by
// the raw summary bytes as written.
func Checksum(seq uint64, payload []byte) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	h := crc32.NewIEEE()
	_, _ = h.Write(buf[:])
	_, _ = h.Write(payload)
	return h.Sum32()
}

// Verify reports whether e carries a valid checksum.
func Verify(e Entry) bool {
	return e.Checksum == Checksum(e.Seq, e.Summary)
}
