// Package config contains the server-side configuration model of a clustered cache entity:
// how each store's memory is provisioned and which shared pools exist cluster-wide.
//
// Key Components:
//
//   - PoolAllocation: a closed sum type with three variants. Dedicated reserves a fixed
//     number of bytes from a named server resource, Shared draws from a pool defined in the
//     ServerSideConfiguration and Unknown marks an allocation that is still being
//     negotiated. Unknown must be representable and transmittable, but a store in that
//     state must not accept data traffic.
//
//   - ServerSideConfiguration: the catalog of shared pools plus an optional default server
//     resource. Absent and empty are different values for the default resource.
//     Mutations (AddSharedPool, ResizeSharedPool, RemoveSharedPool) validate their input and
//     never overwrite an existing pool silently.
//
//   - ServerStoreConfiguration: the per-cache descriptor carrying the allocation, six opaque
//     type/serializer names and the Consistency flag.
//
// Error Handling:
//
//	Every malformed input yields an error wrapping ErrValidation, so callers can test
//	with errors.Is(err, config.ErrValidation).
//
// Thread Safety:
//
//	The types in this package are plain data. ServerSideConfiguration is not synchronized;
//	the owning entity applies administrative changes under its own lock and hands out
//	copies (Clone, SharedPools) to readers.
package config
