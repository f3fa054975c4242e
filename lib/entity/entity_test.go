package entity

import (
	"errors"
	"sync"
	"testing"

	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEntity(t *testing.T) *Entity {
	t.Helper()
	def := "default-pool"
	cfg, err := config.NewServerSideConfiguration(&def, nil)
	require.NoError(t, err)
	e := NewEntity("test", cfg, nil)

	pool, err := config.NewPool(1024, "foo1")
	require.NoError(t, err)
	require.NoError(t, e.AddSharedPool("shared", pool))
	return e
}

func storeConfig(alloc config.PoolAllocation) config.ServerStoreConfiguration {
	return config.ServerStoreConfiguration{
		PoolAllocation:      alloc,
		StoredKeyType:       "java.lang.Long",
		StoredValueType:     "java.lang.String",
		ActualKeyType:       "java.lang.Long",
		ActualValueType:     "java.lang.String",
		KeySerializerType:   "LongSerializer",
		ValueSerializerType: "StringSerializer",
		Consistency:         config.ConsistencyStrong,
	}
}

// --------------------------------------------------------------------------
// Administrative API
// --------------------------------------------------------------------------

func TestCreateStore(t *testing.T) {
	e := newTestEntity(t)

	require.NoError(t, e.CreateStore("dedicated", storeConfig(config.Dedicated{ResourceName: "r", Size: 4})))
	require.NoError(t, e.CreateStore("shared", storeConfig(config.Shared{PoolName: "shared"})))
	require.NoError(t, e.CreateStore("unknown", storeConfig(config.Unknown{})))
	assert.Equal(t, []string{"dedicated", "shared", "unknown"}, e.CacheIDs())

	tests := []struct {
		name    string
		cacheID string
		cfg     config.ServerStoreConfiguration
	}{
		{"duplicate", "dedicated", storeConfig(config.Unknown{})},
		{"empty id", "", storeConfig(config.Unknown{})},
		{"nil allocation", "x", storeConfig(nil)},
		{"dangling shared pool", "x", storeConfig(config.Shared{PoolName: "missing"})},
		{"zero dedicated size", "x", storeConfig(config.Dedicated{ResourceName: "r"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CreateStore(tt.cacheID, tt.cfg)
			assert.ErrorIs(t, err, config.ErrValidation)
		})
	}
	assert.Len(t, e.CacheIDs(), 3)
}

func TestSharedPoolAdministration(t *testing.T) {
	e := newTestEntity(t)

	pool, err := config.NewPool(1, "other")
	require.NoError(t, err)
	assert.ErrorIs(t, e.AddSharedPool("shared", pool), config.ErrValidation, "duplicate pool must fail")

	require.NoError(t, e.ResizeSharedPool("shared", 2048))
	p, ok := e.Configuration().SharedPool("shared")
	require.True(t, ok)
	assert.Equal(t, uint64(2048), p.Size)

	require.NoError(t, e.CreateStore("c", storeConfig(config.Shared{PoolName: "shared"})))
	assert.ErrorIs(t, e.RemoveSharedPool("shared"), config.ErrValidation, "pool in use must not be removed")

	require.NoError(t, e.DestroyStore("c"))
	require.NoError(t, e.RemoveSharedPool("shared"))
	assert.ErrorIs(t, e.DestroyStore("c"), ErrUnknownCache)
}

func TestConfigurationIsCopied(t *testing.T) {
	e := newTestEntity(t)
	cfg := e.Configuration()
	require.NoError(t, cfg.RemoveSharedPool("shared"))

	_, ok := e.Configuration().SharedPool("shared")
	assert.True(t, ok, "mutating the returned configuration must not affect the entity")
}

func TestChainAccess(t *testing.T) {
	e := newTestEntity(t)
	require.NoError(t, e.CreateStore("c", storeConfig(config.Dedicated{ResourceName: "dedicated", Size: 4})))

	_, err := e.Append("c", 1, chain.LongPayload(10))
	require.NoError(t, err)
	stale, err := e.Get("c", 1)
	require.NoError(t, err)
	_, err = e.Append("c", 1, chain.LongPayload(100))
	require.NoError(t, err)

	err = e.Replace("c", 1, stale, chain.New(chain.LongPayload(0)))
	assert.True(t, store.IsConflict(err), "stale replace must conflict, got %v", err)

	_, err = e.Get("missing", 1)
	assert.Equal(t, store.RetCUnknownStore, store.CodeOf(err))
}

func TestUnknownAllocationRejectsWrites(t *testing.T) {
	e := newTestEntity(t)
	require.NoError(t, e.CreateStore("pending", storeConfig(config.Unknown{})))

	_, err := e.Append("pending", 1, chain.LongPayload(1))
	assert.Equal(t, store.RetCInvalidOperation, store.CodeOf(err))
	err = e.Replace("pending", 1, chain.Chain{}, chain.New(chain.LongPayload(1)))
	assert.Equal(t, store.RetCInvalidOperation, store.CodeOf(err))

	// reads and replicated chains are still accepted
	got, err := e.Get("pending", 1)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
	require.NoError(t, e.ApplyDataSync(&messages.EntityDataSyncMessage{CacheID: "pending", Key: 1, Chain: chain.New(chain.LongPayload(1))}))
	got, err = e.Get("pending", 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// --------------------------------------------------------------------------
// Sync
// --------------------------------------------------------------------------

func populate(t *testing.T, e *Entity) {
	t.Helper()
	require.NoError(t, e.CreateStore("cache1", storeConfig(config.Dedicated{ResourceName: "dedicated", Size: 4})))
	require.NoError(t, e.CreateStore("cache2", storeConfig(config.Shared{PoolName: "shared"})))
	for k := uint64(0); k < 10; k++ {
		_, err := e.Append("cache1", k, chain.LongPayload(int64(k)))
		require.NoError(t, err)
		_, err = e.Append("cache2", k, chain.LongPayload(int64(k*10)))
		require.NoError(t, err)
	}
	e.TrackClient(uuid.New())
	e.TrackClient(uuid.New())
}

func TestStateSyncMessageIsSnapshot(t *testing.T) {
	e := newTestEntity(t)
	populate(t, e)

	msg := e.StateSyncMessage()
	e.TrackClient(uuid.New())
	require.NoError(t, e.CreateStore("late", storeConfig(config.Unknown{})))
	require.NoError(t, e.ResizeSharedPool("shared", 1))

	assert.Len(t, msg.TrackedClients, 2)
	assert.Len(t, msg.StoreConfigs, 2)
	p, _ := msg.Configuration.SharedPool("shared")
	assert.Equal(t, uint64(1024), p.Size)
}

func TestDataSyncMessages(t *testing.T) {
	e := newTestEntity(t)
	populate(t, e)

	// an empty chain produces no message
	s, _ := e.Store("cache1")
	s.Set(99, chain.Chain{})

	seen := make(map[string]int)
	for msg := range e.DataSyncMessages() {
		seen[msg.CacheID]++
		assert.False(t, msg.Chain.IsEmpty())
	}
	assert.Equal(t, map[string]int{"cache1": 10, "cache2": 10}, seen)

	// early stop
	n := 0
	for range e.DataSyncMessages() {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestDataSyncMessagesOfSkipsLaterCaches(t *testing.T) {
	e := newTestEntity(t)
	populate(t, e)
	state := e.StateSyncMessage()

	require.NoError(t, e.CreateStore("late", storeConfig(config.Dedicated{ResourceName: "dedicated", Size: 4})))
	_, err := e.Append("late", 1, chain.LongPayload(1))
	require.NoError(t, err)

	n := 0
	for msg := range e.DataSyncMessagesOf(state) {
		assert.NotEqual(t, "late", msg.CacheID)
		n++
	}
	assert.Equal(t, 20, n)
}

func TestFullSyncReconstructsState(t *testing.T) {
	active := newTestEntity(t)
	populate(t, active)

	passive := NewEntity("passive", nil, nil)
	c := codec.NewBinaryCodec()

	transfer := func(msg messages.Message) {
		data, err := c.Encode(1, msg)
		require.NoError(t, err)
		decoded, err := c.Decode(2, data)
		require.NoError(t, err)
		require.NoError(t, passive.Apply(decoded))
	}

	transfer(active.StateSyncMessage())
	for msg := range active.DataSyncMessages() {
		transfer(msg)
	}

	assert.True(t, passive.StateSyncMessage().Equal(active.StateSyncMessage()))
	for _, id := range active.CacheIDs() {
		for k := uint64(0); k < 10; k++ {
			want, _ := active.Get(id, k)
			got, err := passive.Get(id, k)
			require.NoError(t, err)
			assert.True(t, chain.Equal(want, got), "cache %s key %d", id, k)
		}
	}
}

func TestApplyDataSyncIsIdempotent(t *testing.T) {
	passive := NewEntity("passive", nil, nil)
	state := messages.NewEntityStateSyncMessage(nil)
	state.StoreConfigs["foo"] = storeConfig(config.Unknown{})
	require.NoError(t, passive.Apply(state))

	msg := &messages.EntityDataSyncMessage{CacheID: "foo", Key: 123,
		Chain: chain.New(chain.LongPayload(10), chain.LongPayload(100))}
	require.NoError(t, passive.Apply(msg))
	require.NoError(t, passive.Apply(msg))

	got, err := passive.Get("foo", 123)
	require.NoError(t, err)
	assert.True(t, chain.Equal(msg.Chain, got))
	info, err := passive.StoreInfo("foo")
	require.NoError(t, err)
	assert.Equal(t, 1, info.Keys)
}

func TestApplyDataSyncOrderingViolation(t *testing.T) {
	passive := NewEntity("passive", nil, nil)
	state := messages.NewEntityStateSyncMessage(nil)
	state.StoreConfigs["foo"] = storeConfig(config.Unknown{})
	require.NoError(t, passive.Apply(state))

	err := passive.Apply(&messages.EntityDataSyncMessage{CacheID: "bar", Key: 1, Chain: chain.New([]byte("x"))})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrderingViolation))

	// a later state message without "foo" invalidates data for it
	require.NoError(t, passive.Apply(messages.NewEntityStateSyncMessage(nil)))
	err = passive.Apply(&messages.EntityDataSyncMessage{CacheID: "foo", Key: 1, Chain: chain.New([]byte("x"))})
	assert.ErrorIs(t, err, ErrOrderingViolation)
}

func TestApplyStateSyncReplacesWholesale(t *testing.T) {
	passive := newTestEntity(t)
	populate(t, passive)

	state := messages.NewEntityStateSyncMessage(nil)
	state.StoreConfigs["cache1"] = storeConfig(config.Unknown{})
	client := uuid.New()
	state.TrackedClients[client] = struct{}{}
	require.NoError(t, passive.ApplyStateSync(state))

	assert.Equal(t, []string{"cache1"}, passive.CacheIDs())
	assert.Equal(t, map[uuid.UUID]struct{}{client: {}}, passive.TrackedClients())
	assert.Empty(t, passive.Configuration().SharedPoolNames())
	got, err := passive.Get("cache1", 1)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty(), "stores restart empty for the new pass")
}

func TestSyncWhileWriting(t *testing.T) {
	active := newTestEntity(t)
	require.NoError(t, active.CreateStore("c", storeConfig(config.Dedicated{ResourceName: "dedicated", Size: 4})))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_, _ = active.Append("c", uint64(i%50), chain.LongPayload(int64(i)))
		}
	}()

	passive := NewEntity("passive", nil, nil)
	require.NoError(t, passive.Apply(active.StateSyncMessage()))
	for msg := range active.DataSyncMessages() {
		require.NoError(t, passive.Apply(msg))
	}
	wg.Wait()

	// a second pass after writes stopped converges
	require.NoError(t, passive.Apply(active.StateSyncMessage()))
	for msg := range active.DataSyncMessages() {
		require.NoError(t, passive.Apply(msg))
	}
	for k := uint64(0); k < 50; k++ {
		want, _ := active.Get("c", k)
		got, _ := passive.Get("c", k)
		assert.True(t, chain.Equal(want, got), "key %d", k)
	}
}
