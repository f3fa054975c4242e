package internal

import (
	"crypto/rand"
	"encoding/binary"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/puzpuzpuz/xsync/v3"
	"time"
)

// --------------------------------------------------------------------------
// Entry Type (chain with metadata)
// --------------------------------------------------------------------------

// Entry stores the chain of one key plus the highest sequence id ever assigned to it.
// HighSeq survives compaction to an empty chain so sequence ids never go backwards.
type Entry struct {
	Chain   chain.Chain
	HighSeq uint64
}

// WithChain returns the entry for a newly installed chain, keeping HighSeq monotonic.
func (e Entry) WithChain(c chain.Chain) Entry {
	high := e.HighSeq
	if last, ok := c.Last(); ok && last.SequenceID > high {
		high = last.SequenceID
	}
	return Entry{Chain: c, HighSeq: high}
}

// WithHighSeq returns the entry with HighSeq raised to at least high
func (e Entry) WithHighSeq(high uint64) Entry {
	if high > e.HighSeq {
		e.HighSeq = high
	}
	return e
}

// --------------------------------------------------------------------------
// Shard Type (partition of the store)
// --------------------------------------------------------------------------

// Shard represents a partition of the store.
// Each shard has its own concurrent map; MapOf.Compute serializes updates per key.
type Shard struct {
	Data *xsync.MapOf[uint64, Entry]
}

// NewShard creates a new shard using the provided hash function
func NewShard(hasher func(uint64, uint64) uint64) *Shard {
	return &Shard{
		Data: xsync.NewMapOfWithHasher[uint64, Entry](hasher),
	}
}

// GetShard returns the appropriate shard for a given key
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](key, seed uint64, shards []*T) *T {
	return shards[HashKey(key, seed)%uint64(len(shards))]
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashKey mixes a key with a seed (splitmix64 finalizer).
// Cache keys are often small sequential integers, so they must be spread before
// they are used to pick a shard or a bucket.
func HashKey(key, seed uint64) uint64 {
	z := key ^ seed
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// GenerateSeed creates a random seed for the shard distribution
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}
