package calypso

import "encoding/binary"

// 3-byte big-endian integers are the native numeric format of the Calypso
// file system: counters are unsigned, the stored value balance and amounts
// are two's-complement signed.

func uint24(b []byte) uint32 {
	var padded [4]byte
	copy(padded[1:], b[:3])
	return binary.BigEndian.Uint32(padded[:])
}

func uint24Bytes(v uint32) []byte {
	var padded [4]byte
	binary.BigEndian.PutUint32(padded[:], v)
	return padded[1:]
}

func int24(b []byte) int {
	v := int32(uint24(b)) << 8 >> 8 // sign-extend from bit 23
	return int(v)
}

func int24Bytes(v int) []byte {
	return uint24Bytes(uint32(v) & 0xFFFFFF)
}

const (
	maxUint24 = 0xFFFFFF
	maxInt24  = 1<<23 - 1
	minInt24  = -1 << 23
)
