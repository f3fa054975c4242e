package entity

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/ValentinKolb/dCache/lib/store/cstore"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	"iter"
	"sort"
	"sync"
)

var log = logger.GetLogger("entity")

// ErrOrderingViolation is returned when a data sync message references a cache that the
// most recently applied state sync message did not contain. The current sync pass must
// be abandoned and a fresh full resync requested.
var ErrOrderingViolation = errors.New("ordering violation")

// ErrUnknownCache is returned by administrative operations on a cache id that does not exist
var ErrUnknownCache = errors.New("unknown cache")

// Entity is the clustered unit of state of one cache manager: the resource pool catalog,
// the store configurations, one chain store per cache and the set of tracked clients.
//
// Structural state (configuration, store table, clients) is guarded by mu and changes
// under single-writer discipline. Chain traffic goes directly to the per-cache stores,
// which serialize per key.
type Entity struct {
	name    string
	factory store.StoreFactory
	metrics *entityMetrics

	mu           sync.RWMutex
	config       *config.ServerSideConfiguration
	storeConfigs map[string]config.ServerStoreConfiguration
	stores       map[string]store.IChainStore
	clients      map[uuid.UUID]struct{}
}

// Options configures an entity
type Options struct {
	// StoreFactory creates the chain store of every new cache (default: cstore with default options)
	StoreFactory store.StoreFactory
}

// NewEntity creates an entity with the given configuration. A nil configuration starts
// with no default resource and no shared pools. The configuration is copied.
func NewEntity(name string, cfg *config.ServerSideConfiguration, opts *Options) *Entity {
	if cfg == nil {
		cfg, _ = config.NewServerSideConfiguration(nil, nil)
	} else {
		cfg = cfg.Clone()
	}
	factory := cstore.Factory(nil)
	if opts != nil && opts.StoreFactory != nil {
		factory = opts.StoreFactory
	}

	return &Entity{
		name:         name,
		factory:      factory,
		metrics:      newEntityMetrics(name),
		config:       cfg,
		storeConfigs: make(map[string]config.ServerStoreConfiguration),
		stores:       make(map[string]store.IChainStore),
		clients:      make(map[uuid.UUID]struct{}),
	}
}

// Name returns the entity name
func (e *Entity) Name() string {
	return e.name
}

// --------------------------------------------------------------------------
// Shared pools
// --------------------------------------------------------------------------

// Configuration returns a copy of the current server side configuration
func (e *Entity) Configuration() *config.ServerSideConfiguration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Clone()
}

// AddSharedPool registers a new shared pool. Existing pools are never overwritten.
func (e *Entity) AddSharedPool(name string, pool config.Pool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.config.AddSharedPool(name, pool); err != nil {
		return err
	}
	log.Infof("[%s] added shared pool %s=%v", e.name, name, pool)
	return nil
}

// ResizeSharedPool changes the size of an existing shared pool
func (e *Entity) ResizeSharedPool(name string, size uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.config.ResizeSharedPool(name, size); err != nil {
		return err
	}
	log.Infof("[%s] resized shared pool %s to %d bytes", e.name, name, size)
	return nil
}

// RemoveSharedPool removes a shared pool. It fails while a store still references the pool.
func (e *Entity) RemoveSharedPool(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, id := range sortedCacheIDs(e.storeConfigs) {
		if shared, ok := e.storeConfigs[id].PoolAllocation.(config.Shared); ok && shared.PoolName == name {
			return fmt.Errorf("%w: shared pool %q is used by cache %q", config.ErrValidation, name, id)
		}
	}
	if err := e.config.RemoveSharedPool(name); err != nil {
		return err
	}
	log.Infof("[%s] removed shared pool %s", e.name, name)
	return nil
}

// --------------------------------------------------------------------------
// Stores
// --------------------------------------------------------------------------

// CreateStore defines a new cache with an empty chain store. It fails for an empty or
// duplicate cache id, an invalid configuration or a Shared allocation whose pool does
// not exist.
func (e *Entity) CreateStore(cacheID string, cfg config.ServerStoreConfiguration) error {
	if cacheID == "" {
		return fmt.Errorf("%w: cache id must not be empty", config.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.storeConfigs[cacheID]; exists {
		return fmt.Errorf("%w: cache %q already exists", config.ErrValidation, cacheID)
	}
	if _, ok := cfg.PoolAllocation.(config.Shared); ok {
		if _, err := e.config.ResolvePool(cfg.PoolAllocation); err != nil {
			return err
		}
	}

	e.storeConfigs[cacheID] = cfg
	e.stores[cacheID] = e.factory()
	log.Infof("[%s] created store %s with %v", e.name, cacheID, cfg)
	return nil
}

// DestroyStore removes a cache and all its chains
func (e *Entity) DestroyStore(cacheID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.stores[cacheID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCache, cacheID)
	}
	s.Clear()
	delete(e.stores, cacheID)
	delete(e.storeConfigs, cacheID)
	log.Infof("[%s] destroyed store %s", e.name, cacheID)
	return nil
}

// Store returns the chain store of a cache
func (e *Entity) Store(cacheID string) (store.IChainStore, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.stores[cacheID]
	return s, ok
}

// StoreConfiguration returns the configuration of a cache
func (e *Entity) StoreConfiguration(cacheID string) (config.ServerStoreConfiguration, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cfg, ok := e.storeConfigs[cacheID]
	return cfg, ok
}

// CacheIDs returns the ids of all caches in ascending order
func (e *Entity) CacheIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedCacheIDs(e.storeConfigs)
}

// StoreInfo returns statistics of the store of a cache
func (e *Entity) StoreInfo(cacheID string) (store.Info, error) {
	s, ok := e.Store(cacheID)
	if !ok {
		return store.Info{}, fmt.Errorf("%w: %q", ErrUnknownCache, cacheID)
	}
	return s.GetInfo(), nil
}

// --------------------------------------------------------------------------
// Chain access (client-facing store API)
// --------------------------------------------------------------------------

// Append adds payload to the chain of key in a cache
func (e *Entity) Append(cacheID string, key uint64, payload []byte) (chain.Element, error) {
	s, err := e.dataStore(cacheID)
	if err != nil {
		return chain.Element{}, err
	}
	return s.Append(key, payload), nil
}

// Get returns the chain of key in a cache
func (e *Entity) Get(cacheID string, key uint64) (chain.Chain, error) {
	s, ok := e.Store(cacheID)
	if !ok {
		return nil, store.NewError(store.RetCUnknownStore, fmt.Sprintf("cache %q does not exist", cacheID))
	}
	return s.Get(key), nil
}

// Replace swaps the chain of key in a cache (see store.IChainStore.Replace)
func (e *Entity) Replace(cacheID string, key uint64, expect, update chain.Chain) error {
	s, err := e.dataStore(cacheID)
	if err != nil {
		return err
	}
	return s.Replace(key, expect, update)
}

// dataStore returns the store of a cache that may take writes. A store whose allocation is
// still Unknown is rejected with RetCInvalidOperation.
func (e *Entity) dataStore(cacheID string) (store.IChainStore, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	s, ok := e.stores[cacheID]
	if !ok {
		return nil, store.NewError(store.RetCUnknownStore, fmt.Sprintf("cache %q does not exist", cacheID))
	}
	if e.storeConfigs[cacheID].PoolAllocation.AllocationType() == config.AllocTUnknown {
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("cache %q has no negotiated pool allocation", cacheID))
	}
	return s, nil
}

// --------------------------------------------------------------------------
// Clients
// --------------------------------------------------------------------------

// TrackClient adds a client to the tracked set. Tracking a client twice is a no-op.
func (e *Entity) TrackClient(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clients[id] = struct{}{}
}

// UntrackClient removes a client from the tracked set
func (e *Entity) UntrackClient(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.clients, id)
}

// TrackedClients returns a copy of the tracked client set
func (e *Entity) TrackedClients() map[uuid.UUID]struct{} {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[uuid.UUID]struct{}, len(e.clients))
	for id := range e.clients {
		out[id] = struct{}{}
	}
	return out
}

// --------------------------------------------------------------------------
// Sync assembly (active side)
// --------------------------------------------------------------------------

// StateSyncMessage returns a point-in-time copy of configuration, store configurations
// and tracked clients, read under a single lock acquisition.
func (e *Entity) StateSyncMessage() *messages.EntityStateSyncMessage {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stateSyncMessageLocked()
}

func (e *Entity) stateSyncMessageLocked() *messages.EntityStateSyncMessage {
	msg := messages.NewEntityStateSyncMessage(e.config.Clone())
	for id, cfg := range e.storeConfigs {
		msg.StoreConfigs[id] = cfg
	}
	for id := range e.clients {
		msg.TrackedClients[id] = struct{}{}
	}
	return msg
}

// DataSyncMessages returns a lazy sequence of one data message per (cache, key) with a
// non-empty chain. The cache list is copied when iteration starts; chains are read while
// iterating, so they reflect a state at or after the matching state message. The
// sequence is not resumable; a new pass starts from the current state.
func (e *Entity) DataSyncMessages() iter.Seq[*messages.EntityDataSyncMessage] {
	return func(yield func(*messages.EntityDataSyncMessage) bool) {
		type cacheStore struct {
			id string
			s  store.IChainStore
		}

		e.mu.RLock()
		caches := make([]cacheStore, 0, len(e.stores))
		for _, id := range sortedCacheIDs(e.storeConfigs) {
			caches = append(caches, cacheStore{id: id, s: e.stores[id]})
		}
		e.mu.RUnlock()

		for _, cs := range caches {
			stopped := false
			cs.s.Range(func(key uint64, c chain.Chain) bool {
				if !yield(&messages.EntityDataSyncMessage{CacheID: cs.id, Key: key, Chain: c}) {
					stopped = true
					return false
				}
				return true
			})
			if stopped {
				return
			}
		}
	}
}

// DataSyncMessagesOf is DataSyncMessages restricted to the caches of state. Caches created
// after state was taken are skipped, so the passive side never sees data for a cache its
// last applied state does not define.
func (e *Entity) DataSyncMessagesOf(state *messages.EntityStateSyncMessage) iter.Seq[*messages.EntityDataSyncMessage] {
	return func(yield func(*messages.EntityDataSyncMessage) bool) {
		for msg := range e.DataSyncMessages() {
			if _, ok := state.StoreConfigs[msg.CacheID]; !ok {
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

// Snapshot is a point-in-time copy of an entity: the state message plus every key of
// every cache with its chain and high-water mark.
type Snapshot struct {
	State   *messages.EntityStateSyncMessage
	Entries map[string][]store.KeyEntry
}

// CaptureSnapshot copies the state and the entries of all stores. The copy is consistent
// only if no chain traffic runs concurrently. Chains are immutable once installed, so
// only the references are copied.
func (e *Entity) CaptureSnapshot() *Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &Snapshot{
		State:   e.stateSyncMessageLocked(),
		Entries: make(map[string][]store.KeyEntry, len(e.stores)),
	}
	for id, s := range e.stores {
		var entries []store.KeyEntry
		s.Entries(func(ke store.KeyEntry) bool {
			entries = append(entries, ke)
			return true
		})
		snap.Entries[id] = entries
	}
	return snap
}

// DataSyncMessages returns one data message per captured key with a non-empty chain,
// caches in ascending order.
func (s *Snapshot) DataSyncMessages() iter.Seq[*messages.EntityDataSyncMessage] {
	return func(yield func(*messages.EntityDataSyncMessage) bool) {
		for _, id := range sortedCacheIDs(s.State.StoreConfigs) {
			for _, ke := range s.Entries[id] {
				if ke.Chain.IsEmpty() {
					continue
				}
				if !yield(&messages.EntityDataSyncMessage{CacheID: id, Key: ke.Key, Chain: ke.Chain}) {
					return
				}
			}
		}
	}
}

// HighWaterMarks returns the keys whose high-water mark cannot be derived from their
// chain: keys compacted to a shorter or empty chain.
func (s *Snapshot) HighWaterMarks() map[string][]store.KeyEntry {
	out := make(map[string][]store.KeyEntry)
	for id, entries := range s.Entries {
		for _, ke := range entries {
			if last, ok := ke.Chain.Last(); ok && last.SequenceID >= ke.HighSeq {
				continue
			}
			if ke.HighSeq == 0 {
				continue
			}
			out[id] = append(out[id], store.KeyEntry{Key: ke.Key, HighSeq: ke.HighSeq})
		}
	}
	return out
}

// RestoreHighSeq raises the high-water mark of key in a cache to at least highSeq,
// keeping the stored chain
func (e *Entity) RestoreHighSeq(cacheID string, key, highSeq uint64) error {
	s, ok := e.Store(cacheID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCache, cacheID)
	}
	s.Restore(store.KeyEntry{Key: key, Chain: s.Get(key), HighSeq: highSeq})
	return nil
}

// --------------------------------------------------------------------------
// Sync application (passive side)
// --------------------------------------------------------------------------

// Apply dispatches a sync message to ApplyStateSync or ApplyDataSync
func (e *Entity) Apply(msg messages.Message) error {
	switch m := msg.(type) {
	case *messages.EntityStateSyncMessage:
		return e.ApplyStateSync(m)
	case *messages.EntityDataSyncMessage:
		return e.ApplyDataSync(m)
	default:
		return fmt.Errorf("cannot apply message of type %T", msg)
	}
}

// ApplyStateSync replaces configuration, store configurations and tracked clients
// wholesale. A state message starts a full sync pass, so every store is replaced by an
// empty one; the data messages of the pass refill them.
func (e *Entity) ApplyStateSync(msg *messages.EntityStateSyncMessage) error {
	if msg == nil {
		return fmt.Errorf("cannot apply nil state sync message")
	}
	for id, cfg := range msg.StoreConfigs {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("store configuration of cache %q: %w", id, err)
		}
	}

	cfg := msg.Configuration.Clone()
	if cfg == nil {
		cfg, _ = config.NewServerSideConfiguration(nil, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stores := make(map[string]store.IChainStore, len(msg.StoreConfigs))
	storeConfigs := make(map[string]config.ServerStoreConfiguration, len(msg.StoreConfigs))
	for id, sc := range msg.StoreConfigs {
		storeConfigs[id] = sc
		stores[id] = e.factory()
	}
	for _, s := range e.stores {
		s.Clear()
	}

	clients := make(map[uuid.UUID]struct{}, len(msg.TrackedClients))
	for id := range msg.TrackedClients {
		clients[id] = struct{}{}
	}

	e.config = cfg
	e.storeConfigs = storeConfigs
	e.stores = stores
	e.clients = clients

	e.metrics.stateApplied.Inc()
	log.Infof("[%s] applied state sync: %d stores, %d clients", e.name, len(storeConfigs), len(clients))
	return nil
}

// ApplyDataSync installs the chain of one key. Applying the same message again is a no-op.
// A message for a cache that is not part of the last applied state returns
// ErrOrderingViolation.
func (e *Entity) ApplyDataSync(msg *messages.EntityDataSyncMessage) error {
	if msg == nil {
		return fmt.Errorf("cannot apply nil data sync message")
	}

	s, ok := e.Store(msg.CacheID)
	if !ok {
		e.metrics.orderingViolations.Inc()
		log.Warningf("[%s] data sync for unknown cache %q (key %d)", e.name, msg.CacheID, msg.Key)
		return fmt.Errorf("%w: cache %q is not part of the applied state", ErrOrderingViolation, msg.CacheID)
	}

	s.Set(msg.Key, msg.Chain)
	e.metrics.dataApplied.Inc()
	return nil
}

// Reset drops all stores, store configurations and clients and installs cfg
func (e *Entity) Reset(cfg *config.ServerSideConfiguration) {
	if cfg == nil {
		cfg, _ = config.NewServerSideConfiguration(nil, nil)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range e.stores {
		s.Clear()
	}
	e.config = cfg.Clone()
	e.storeConfigs = make(map[string]config.ServerStoreConfiguration)
	e.stores = make(map[string]store.IChainStore)
	e.clients = make(map[uuid.UUID]struct{})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func sortedCacheIDs(m map[string]config.ServerStoreConfiguration) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
