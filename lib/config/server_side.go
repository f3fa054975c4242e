package config

import (
	"fmt"
	"sort"
	"strings"
)

// --------------------------------------------------------------------------
// Pool
// --------------------------------------------------------------------------

// Pool is a named, cluster-level shared allocation.
// A nil ServerResource means the pool draws from the default server resource.
type Pool struct {
	Size           uint64
	ServerResource *string
}

// NewPool creates a validated pool. Pass an empty resource to use the default server resource.
func NewPool(size uint64, serverResource string) (Pool, error) {
	p := Pool{Size: size}
	if serverResource != "" {
		p.ServerResource = &serverResource
	}
	return p, p.Validate()
}

// Validate checks that the size is positive and a present resource name is not empty.
func (p Pool) Validate() error {
	if p.Size == 0 {
		return validationErrorf("pool size must be positive")
	}
	if p.ServerResource != nil && *p.ServerResource == "" {
		return validationErrorf("pool server resource must not be empty when present")
	}
	return nil
}

// Equal compares size and resource, treating two absent resources as equal.
func (p Pool) Equal(o Pool) bool {
	return p.Size == o.Size && optionalEqual(p.ServerResource, o.ServerResource)
}

func (p Pool) String() string {
	if p.ServerResource == nil {
		return fmt.Sprintf("Pool{size=%d, resource=<default>}", p.Size)
	}
	return fmt.Sprintf("Pool{size=%d, resource=%s}", p.Size, *p.ServerResource)
}

// --------------------------------------------------------------------------
// ServerSideConfiguration
// --------------------------------------------------------------------------

// ServerSideConfiguration is the cluster-wide resource pool catalog of an entity.
//
// Thread-safety: not safe for concurrent mutation. The owning entity serializes
// administrative changes; readers receive copies via Clone.
type ServerSideConfiguration struct {
	defaultServerResource *string
	pools                 map[string]Pool
}

// NewServerSideConfiguration creates a configuration from a default resource (nil = absent)
// and an initial set of shared pools. Every pool is validated.
func NewServerSideConfiguration(defaultServerResource *string, sharedPools map[string]Pool) (*ServerSideConfiguration, error) {
	c := &ServerSideConfiguration{pools: make(map[string]Pool, len(sharedPools))}
	if defaultServerResource != nil {
		r := *defaultServerResource
		c.defaultServerResource = &r
	}
	for _, name := range sortedKeys(sharedPools) {
		if err := c.AddSharedPool(name, sharedPools[name]); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// DefaultServerResource returns the default server resource and whether it is present.
// An empty string that is present is distinct from an absent resource.
func (c *ServerSideConfiguration) DefaultServerResource() (string, bool) {
	if c.defaultServerResource == nil {
		return "", false
	}
	return *c.defaultServerResource, true
}

// SetDefaultServerResource sets (or clears, with nil) the default server resource.
func (c *ServerSideConfiguration) SetDefaultServerResource(resource *string) {
	if resource == nil {
		c.defaultServerResource = nil
		return
	}
	r := *resource
	c.defaultServerResource = &r
}

// AddSharedPool registers a new shared pool. It fails on an empty name, an invalid pool
// or a name that is already taken; existing pools are never overwritten.
func (c *ServerSideConfiguration) AddSharedPool(name string, pool Pool) error {
	if name == "" {
		return validationErrorf("shared pool name must not be empty")
	}
	if err := pool.Validate(); err != nil {
		return fmt.Errorf("shared pool %q: %w", name, err)
	}
	if _, exists := c.pools[name]; exists {
		return validationErrorf("shared pool %q already exists", name)
	}
	if c.pools == nil {
		c.pools = make(map[string]Pool)
	}
	c.pools[name] = clonePool(pool)
	return nil
}

// ResizeSharedPool changes the size of an existing pool.
func (c *ServerSideConfiguration) ResizeSharedPool(name string, size uint64) error {
	pool, ok := c.pools[name]
	if !ok {
		return validationErrorf("shared pool %q does not exist", name)
	}
	if size == 0 {
		return validationErrorf("shared pool %q: size must be positive", name)
	}
	pool.Size = size
	c.pools[name] = pool
	return nil
}

// RemoveSharedPool removes a pool. Removing an unknown pool is a validation error.
func (c *ServerSideConfiguration) RemoveSharedPool(name string) error {
	if _, ok := c.pools[name]; !ok {
		return validationErrorf("shared pool %q does not exist", name)
	}
	delete(c.pools, name)
	return nil
}

// SharedPool returns the pool registered under name.
func (c *ServerSideConfiguration) SharedPool(name string) (Pool, bool) {
	p, ok := c.pools[name]
	if !ok {
		return Pool{}, false
	}
	return clonePool(p), true
}

// SharedPools returns a copy of the pool catalog.
func (c *ServerSideConfiguration) SharedPools() map[string]Pool {
	out := make(map[string]Pool, len(c.pools))
	for name, p := range c.pools {
		out[name] = clonePool(p)
	}
	return out
}

// SharedPoolNames returns the pool names in ascending order.
func (c *ServerSideConfiguration) SharedPoolNames() []string {
	return sortedKeys(c.pools)
}

// ResolvePool returns the shared pool a Shared allocation refers to.
// It fails with a validation error for a dangling reference or a non-Shared allocation.
func (c *ServerSideConfiguration) ResolvePool(alloc PoolAllocation) (Pool, error) {
	shared, ok := alloc.(Shared)
	if !ok {
		return Pool{}, validationErrorf("allocation %v does not reference a shared pool", alloc)
	}
	pool, ok := c.SharedPool(shared.PoolName)
	if !ok {
		return Pool{}, validationErrorf("shared pool %q referenced by allocation does not exist", shared.PoolName)
	}
	return pool, nil
}

// Clone returns a deep copy.
func (c *ServerSideConfiguration) Clone() *ServerSideConfiguration {
	if c == nil {
		return nil
	}
	clone := &ServerSideConfiguration{pools: c.SharedPools()}
	clone.SetDefaultServerResource(c.defaultServerResource)
	return clone
}

// Equal compares the default resource (presence and value) and the pool catalogs.
func (c *ServerSideConfiguration) Equal(o *ServerSideConfiguration) bool {
	if c == nil || o == nil {
		return c == o
	}
	if !optionalEqual(c.defaultServerResource, o.defaultServerResource) {
		return false
	}
	if len(c.pools) != len(o.pools) {
		return false
	}
	for name, p := range c.pools {
		op, ok := o.pools[name]
		if !ok || !p.Equal(op) {
			return false
		}
	}
	return true
}

func (c *ServerSideConfiguration) String() string {
	var sb strings.Builder
	if r, ok := c.DefaultServerResource(); ok {
		sb.WriteString(fmt.Sprintf("ServerSideConfiguration{default=%s, pools=[", r))
	} else {
		sb.WriteString("ServerSideConfiguration{default=<absent>, pools=[")
	}
	for i, name := range c.SharedPoolNames() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%s=%s", name, c.pools[name]))
	}
	sb.WriteString("]}")
	return sb.String()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func clonePool(p Pool) Pool {
	if p.ServerResource != nil {
		r := *p.ServerResource
		p.ServerResource = &r
	}
	return p
}

func optionalEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
