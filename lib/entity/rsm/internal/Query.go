package internal

// QueryType defines the possible queries for the state machine.
type QueryType uint8

const (
	QueryTGetChain   QueryType = iota // Retrieve the chain of a key.
	QueryTStateSync                   // Retrieve a state snapshot of the entity.
	QueryTStoreInfo                   // Retrieve statistics of one cache's store.
	QueryTCacheIDs                    // Retrieve the ids of all caches.
)

func (q QueryType) String() string {
	switch q {
	case QueryTGetChain:
		return "GetChain"
	case QueryTStateSync:
		return "StateSync"
	case QueryTStoreInfo:
		return "StoreInfo"
	case QueryTCacheIDs:
		return "CacheIDs"
	default:
		return "Unknown"
	}
}

// Query defines the structure for lookup requests (read-only) sent via SyncRead or StaleRead
type Query struct {
	Type    QueryType // The type of Query to perform.
	CacheID string    // The cache for the Query (empty for some queries).
	Key     uint64    // The chain key for QueryTGetChain.
}
