// Package testing provides standardised tests and benchmarks for chain store
// implementations that satisfy the store.IChainStore interface.
//
// The package contains:
//   - store_testing: A conformance suite covering append order, compare-and-swap
//     conflicts, monotonic sequence ids across compaction and concurrent use
//   - store_benchmarks: Throughput of appends, reads, compaction and iteration
//
// Example usage:
//
//	factory := func() store.IChainStore {
//		return NewMyChainStore()
//	}
//
//	storetesting.RunChainStoreTests(t, "MyChainStore", factory)
//	storetesting.RunChainStoreBenchmarks(b, "MyChainStore", factory)
package testing
