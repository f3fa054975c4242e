// Package chain defines the ordered, append-only value history kept for every key of a
// clustered store. A chain holds everything a consuming layer needs to rebuild the
// current value of a key (for example by folding the payloads); this package only
// stores and compares chains, it does not interpret payloads.
package chain

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Element is a single entry of a chain. SequenceID is assigned by the active node and
// increases monotonically per key.
type Element struct {
	SequenceID uint64
	Payload    []byte
}

// Chain is the ordered history of one key. A Chain value must be treated as immutable
// once it has been handed to a store; appends produce a new Chain.
type Chain []Element

// New builds a chain from payloads with sequence ids 1..n. Payloads are copied.
func New(payloads ...[]byte) Chain {
	c := make(Chain, len(payloads))
	for i, p := range payloads {
		c[i] = Element{SequenceID: uint64(i + 1), Payload: clonePayload(p)}
	}
	return c
}

// Equal reports whether a and b have the same length and pairwise equal payloads in
// the same order. Sequence ids are not part of chain equality.
func Equal(a, b Chain) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Payload, b[i].Payload) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the chain has no elements.
func (c Chain) IsEmpty() bool {
	return len(c) == 0
}

// Last returns the newest element. ok is false for an empty chain.
func (c Chain) Last() (e Element, ok bool) {
	if len(c) == 0 {
		return Element{}, false
	}
	return c[len(c)-1], true
}

// Payloads returns the payloads in chain order (shared, not copied).
func (c Chain) Payloads() [][]byte {
	out := make([][]byte, len(c))
	for i, e := range c {
		out[i] = e.Payload
	}
	return out
}

// SizeBytes returns the sum of all payload lengths.
func (c Chain) SizeBytes() int {
	size := 0
	for _, e := range c {
		size += len(e.Payload)
	}
	return size
}

// Clone returns a deep copy of the chain.
func (c Chain) Clone() Chain {
	if c == nil {
		return nil
	}
	out := make(Chain, len(c))
	for i, e := range c {
		out[i] = Element{SequenceID: e.SequenceID, Payload: clonePayload(e.Payload)}
	}
	return out
}

// Append returns a new chain with e added at the end. The receiver is not modified.
func (c Chain) Append(e Element) Chain {
	out := make(Chain, len(c), len(c)+1)
	copy(out, c)
	return append(out, e)
}

func (c Chain) String() string {
	var sb strings.Builder
	sb.WriteString("Chain[")
	for i, e := range c {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%d:%x", e.SequenceID, e.Payload))
	}
	sb.WriteString("]")
	return sb.String()
}

// --------------------------------------------------------------------------
// Payload helpers
// --------------------------------------------------------------------------

// LongPayload encodes v as an 8 byte big endian payload.
func LongPayload(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// PayloadLong decodes a payload created by LongPayload.
func PayloadLong(p []byte) (int64, error) {
	if len(p) != 8 {
		return 0, fmt.Errorf("payload has %d bytes, expected 8", len(p))
	}
	return int64(binary.BigEndian.Uint64(p)), nil
}

func clonePayload(p []byte) []byte {
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}
