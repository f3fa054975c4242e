package messages

import (
	"testing"

	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stateMessage(t *testing.T, clients ...uuid.UUID) *EntityStateSyncMessage {
	t.Helper()
	pool, err := config.NewPool(1, "foo1")
	require.NoError(t, err)
	def := "default-pool"
	cfg, err := config.NewServerSideConfiguration(&def, map[string]config.Pool{"shared-pool-1": pool})
	require.NoError(t, err)

	m := NewEntityStateSyncMessage(cfg)
	m.StoreConfigs["cache"] = config.ServerStoreConfiguration{PoolAllocation: config.Unknown{}}
	for _, c := range clients {
		m.TrackedClients[c] = struct{}{}
	}
	return m
}

func TestStateSyncEqual(t *testing.T) {
	a, b := uuid.New(), uuid.New()

	t.Run("set order is irrelevant", func(t *testing.T) {
		assert.True(t, stateMessage(t, a, b).Equal(stateMessage(t, b, a)))
	})

	t.Run("different membership", func(t *testing.T) {
		assert.False(t, stateMessage(t, a).Equal(stateMessage(t, b)))
	})

	t.Run("different store config", func(t *testing.T) {
		m := stateMessage(t, a)
		o := stateMessage(t, a)
		o.StoreConfigs["cache"] = config.ServerStoreConfiguration{PoolAllocation: config.Shared{PoolName: "x"}}
		assert.False(t, m.Equal(o))
	})

	t.Run("nil", func(t *testing.T) {
		var m *EntityStateSyncMessage
		assert.True(t, m.Equal(nil))
		assert.False(t, stateMessage(t).Equal(nil))
	})
}

func TestClientIDsSorted(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	m := stateMessage(t, ids...)

	sorted := m.ClientIDs()
	require.Len(t, sorted, 3)
	for i := 1; i < len(sorted); i++ {
		assert.Less(t, sorted[i-1].String(), sorted[i].String())
	}
}

func TestDataSyncEqual(t *testing.T) {
	m := &EntityDataSyncMessage{CacheID: "foo", Key: 123, Chain: chain.New(chain.LongPayload(10))}
	renumbered := &EntityDataSyncMessage{CacheID: "foo", Key: 123,
		Chain: chain.Chain{{SequenceID: 99, Payload: chain.LongPayload(10)}}}

	assert.True(t, m.Equal(renumbered))
	assert.False(t, m.Equal(&EntityDataSyncMessage{CacheID: "foo", Key: 124, Chain: m.Chain}))
	assert.Equal(t, MsgTDataSync, m.MessageType())
}
