package config

import (
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Consistency
// --------------------------------------------------------------------------

// Consistency selects the acknowledgement discipline of a store.
// It does not change the representation of chains; the replication driver enforces it.
type Consistency uint8

const (
	ConsistencyStrong   Consistency = iota // client acks wait for passive acknowledgement
	ConsistencyEventual                    // client acks may precede replication
)

func (c Consistency) String() string {
	switch c {
	case ConsistencyStrong:
		return "STRONG"
	case ConsistencyEventual:
		return "EVENTUAL"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the defined values.
func (c Consistency) Valid() bool {
	return c == ConsistencyStrong || c == ConsistencyEventual
}

// ParseConsistency converts "strong" / "eventual" (case-insensitive) to a Consistency.
func ParseConsistency(s string) (Consistency, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "strong":
		return ConsistencyStrong, nil
	case "eventual":
		return ConsistencyEventual, nil
	default:
		return 0, validationErrorf("invalid consistency %q (expected strong or eventual)", s)
	}
}

// --------------------------------------------------------------------------
// ServerStoreConfiguration
// --------------------------------------------------------------------------

// ServerStoreConfiguration describes one cache's store on the server.
// The type and serializer names are opaque identifiers from the client side. They are
// carried verbatim and never interpreted here.
type ServerStoreConfiguration struct {
	PoolAllocation      PoolAllocation
	StoredKeyType       string
	StoredValueType     string
	ActualKeyType       string
	ActualValueType     string
	KeySerializerType   string
	ValueSerializerType string
	Consistency         Consistency
}

// Validate checks the allocation variant and the consistency value.
func (s ServerStoreConfiguration) Validate() error {
	if err := ValidateAllocation(s.PoolAllocation); err != nil {
		return err
	}
	if !s.Consistency.Valid() {
		return validationErrorf("invalid consistency %d", uint8(s.Consistency))
	}
	return nil
}

// Equal compares the allocation variant and all fields.
func (s ServerStoreConfiguration) Equal(o ServerStoreConfiguration) bool {
	if s.PoolAllocation == nil || o.PoolAllocation == nil {
		if s.PoolAllocation != o.PoolAllocation {
			return false
		}
	} else if !s.PoolAllocation.Equal(o.PoolAllocation) {
		return false
	}
	return s.StoredKeyType == o.StoredKeyType &&
		s.StoredValueType == o.StoredValueType &&
		s.ActualKeyType == o.ActualKeyType &&
		s.ActualValueType == o.ActualValueType &&
		s.KeySerializerType == o.KeySerializerType &&
		s.ValueSerializerType == o.ValueSerializerType &&
		s.Consistency == o.Consistency
}

func (s ServerStoreConfiguration) String() string {
	return fmt.Sprintf("ServerStoreConfiguration{alloc=%v, key=%s/%s, value=%s/%s, serializers=%s/%s, consistency=%s}",
		s.PoolAllocation, s.StoredKeyType, s.ActualKeyType, s.StoredValueType, s.ActualValueType,
		s.KeySerializerType, s.ValueSerializerType, s.Consistency)
}
