package store

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
)

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// StoreFactory is a function type that creates a new, empty chain store.
// It decouples the entity (which creates one store per cache) from the store implementation.
type StoreFactory func() IChainStore

// IChainStore is the interface of a per-cache chain store.
// Operations on the same key are atomic with respect to each other, operations on
// different keys do not block each other.
type IChainStore interface {
	// Append adds payload to the chain of key and returns the new element.
	// The element gets the next sequence id of that key.
	Append(key uint64, payload []byte) (element chain.Element)
	// Get returns the full chain of key. Unknown keys yield an empty chain.
	Get(key uint64) (c chain.Chain)
	// Replace swaps the chain of key from expect to update if the stored chain equals expect
	// (chain.Equal). On mismatch it returns an *Error with code RetCConflict and leaves the
	// chain untouched; callers re-read and retry.
	Replace(key uint64, expect, update chain.Chain) (err error)
	// Set installs c as the chain of key, overwriting whatever is stored.
	// It is idempotent and used to apply replicated chains on a passive node.
	Set(key uint64, c chain.Chain)
	// Range calls fn for every key with a non-empty chain until fn returns false.
	// The iteration is not a snapshot: concurrent updates may or may not be observed.
	Range(fn func(key uint64, c chain.Chain) bool)
	// Entries calls fn for every key the store knows, including keys compacted to an empty
	// chain, with the chain and the highest sequence id ever assigned to the key.
	Entries(fn func(e KeyEntry) bool)
	// Restore installs e.Chain as the chain of e.Key and raises the high-water mark of the
	// key to at least e.HighSeq. The mark never goes down.
	Restore(e KeyEntry)
	// Len returns the number of keys with a non-empty chain.
	Len() (n int)
	// Clear removes all chains.
	Clear()
	// GetInfo returns statistics about the store. All values are estimates.
	GetInfo() (info Info)
}

// KeyEntry is the full state of one key: its chain and its high-water mark.
// HighSeq is at least the sequence id of the last element of Chain.
type KeyEntry struct {
	Key     uint64
	Chain   chain.Chain
	HighSeq uint64
}

// Info holds statistics about a chain store.
type Info struct {
	Keys              int     `json:"keys" yaml:"keys"`
	Elements          int     `json:"elements" yaml:"elements"`
	PayloadBytes      int     `json:"payload_bytes" yaml:"payload_bytes"`
	ChainLengthMean   float64 `json:"chain_length_mean" yaml:"chain_length_mean"`
	ChainLengthMax    int64   `json:"chain_length_max" yaml:"chain_length_max"`
	ChainLengthP99    float64 `json:"chain_length_p99" yaml:"chain_length_p99"`
	HighestSequenceID uint64  `json:"highest_sequence_id" yaml:"highest_sequence_id"`
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("ChainStoreError (code %s): %s", e.Code, e.Msg)
}

// NewError creates a new ChainStoreError with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// IsConflict reports whether err is a compare-and-swap conflict.
func IsConflict(err error) bool {
	return CodeOf(err) == RetCConflict
}

// CodeOf returns the return code carried by err, RetCSuccess for nil
// and RetCInternalError for errors of other types.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess           RetCode = iota // 0: Command executed successfully.
	RetCInternalError                    // 1: Command failed due to an internal error.
	RetCInvalidOperation                 // 2: Invalid operation.
	RetCConflict                         // 3: Compare-and-swap mismatch, retryable.
	RetCValidation                       // 4: Malformed input (names, sizes, duplicates).
	RetCUnknownStore                     // 5: The cache id does not exist.
	RetCOrderingViolation                // 6: Data for a cache that the last state sync did not contain.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCConflict:
		return "Conflict"
	case RetCValidation:
		return "Validation"
	case RetCUnknownStore:
		return "UnknownStore"
	case RetCOrderingViolation:
		return "OrderingViolation"
	default:
		return "Unknown"
	}
}
