package config

import (
	"fmt"
)

// --------------------------------------------------------------------------
// Allocation Types
// --------------------------------------------------------------------------

// AllocationType is the discriminant of a PoolAllocation.
// The numeric values are part of the wire format and must never be reused.
type AllocationType uint8

const (
	AllocTDedicated AllocationType = iota + 1 // store owns an exclusive reservation
	AllocTShared                              // store draws from a named shared pool
	AllocTUnknown                             // allocation not yet negotiated
)

func (at AllocationType) String() string {
	switch at {
	case AllocTDedicated:
		return "Dedicated"
	case AllocTShared:
		return "Shared"
	case AllocTUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(at))
	}
}

// PoolAllocation describes how the storage of a single store is funded.
// It is a closed set: the only implementations are Dedicated, Shared and Unknown.
type PoolAllocation interface {
	// AllocationType returns the discriminant of the variant.
	AllocationType() AllocationType
	// Equal reports whether other is the same variant with the same fields.
	Equal(other PoolAllocation) bool

	isPoolAllocation()
}

// --------------------------------------------------------------------------
// Variants
// --------------------------------------------------------------------------

// Dedicated is an exclusive reservation of Size bytes carved from the named server resource.
type Dedicated struct {
	ResourceName string
	Size         uint64
}

// NewDedicated creates a validated Dedicated allocation.
func NewDedicated(resourceName string, size uint64) (Dedicated, error) {
	d := Dedicated{ResourceName: resourceName, Size: size}
	return d, d.Validate()
}

// Validate checks that the resource name is set and the size is positive.
func (d Dedicated) Validate() error {
	if d.ResourceName == "" {
		return validationErrorf("dedicated allocation: resource name must not be empty")
	}
	if d.Size == 0 {
		return validationErrorf("dedicated allocation %q: size must be positive", d.ResourceName)
	}
	return nil
}

func (d Dedicated) AllocationType() AllocationType { return AllocTDedicated }

func (d Dedicated) Equal(other PoolAllocation) bool {
	o, ok := other.(Dedicated)
	return ok && o == d
}

func (d Dedicated) String() string {
	return fmt.Sprintf("Dedicated{resource=%s, size=%d}", d.ResourceName, d.Size)
}

func (Dedicated) isPoolAllocation() {}

// Shared draws from a pool defined in the ServerSideConfiguration.
type Shared struct {
	PoolName string
}

// NewShared creates a validated Shared allocation.
func NewShared(poolName string) (Shared, error) {
	s := Shared{PoolName: poolName}
	return s, s.Validate()
}

// Validate checks that the pool name is set.
// Whether the pool exists is checked against a configuration by ServerSideConfiguration.ResolvePool.
func (s Shared) Validate() error {
	if s.PoolName == "" {
		return validationErrorf("shared allocation: pool name must not be empty")
	}
	return nil
}

func (s Shared) AllocationType() AllocationType { return AllocTShared }

func (s Shared) Equal(other PoolAllocation) bool {
	o, ok := other.(Shared)
	return ok && o == s
}

func (s Shared) String() string {
	return fmt.Sprintf("Shared{pool=%s}", s.PoolName)
}

func (Shared) isPoolAllocation() {}

// Unknown is an allocation that has not been negotiated yet.
// Stores in this state are represented and replicated, but the entity rejects appends
// and replaces on them until the allocation is resolved.
type Unknown struct{}

func (Unknown) AllocationType() AllocationType { return AllocTUnknown }

func (Unknown) Equal(other PoolAllocation) bool {
	_, ok := other.(Unknown)
	return ok
}

func (Unknown) String() string { return "Unknown{}" }

func (Unknown) isPoolAllocation() {}

// ValidateAllocation runs the structural checks of the concrete variant.
func ValidateAllocation(alloc PoolAllocation) error {
	switch a := alloc.(type) {
	case Dedicated:
		return a.Validate()
	case Shared:
		return a.Validate()
	case Unknown:
		return nil
	case nil:
		return validationErrorf("pool allocation must not be nil")
	default:
		return validationErrorf("unsupported pool allocation %T", alloc)
	}
}
