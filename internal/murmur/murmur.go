// Package murmur computes the 32-bit file identity fingerprints shared by the
// kernel probes and the userspace correlation engine.
//
// The algorithm is MurmurHash3 x86_32. It must stay bit-for-bit identical to
// the murmurhash() routine in internal/bpf/durability.bpf.c, otherwise
// durability events stop matching submissions.
package murmur

import (
	"encoding/binary"

	"github.com/spaolacci/murmur3"
)

// Sum32 returns the fingerprint of key under seed.
func Sum32(key []byte, seed uint32) uint32 {
	return murmur3.Sum32WithSeed(key, seed)
}

// InodeKey is the canonical byte key of a file identity: the inode number as
// 8 little-endian bytes.
func InodeKey(inode uint64) [8]byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], inode)
	return b
}

// HashInode fingerprints an inode number.
func HashInode(inode uint64, seed uint32) uint32 {
	key := InodeKey(inode)
	return Sum32(key[:], seed)
}
