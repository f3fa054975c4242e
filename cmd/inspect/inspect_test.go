package inspect

import (
	"bytes"
	"testing"

	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func stateMessage(t *testing.T) *messages.EntityStateSyncMessage {
	t.Helper()
	def := "offheap"
	pool, err := config.NewPool(1024, "")
	require.NoError(t, err)
	cfg, err := config.NewServerSideConfiguration(&def, map[string]config.Pool{"shared": pool})
	require.NoError(t, err)

	msg := messages.NewEntityStateSyncMessage(cfg)
	msg.StoreConfigs["orders"] = config.ServerStoreConfiguration{
		PoolAllocation:      config.Shared{PoolName: "shared"},
		StoredKeyType:       "java.lang.Long",
		StoredValueType:     "java.lang.String",
		ActualKeyType:       "java.lang.Long",
		ActualValueType:     "java.lang.String",
		KeySerializerType:   "LongSerializer",
		ValueSerializerType: "StringSerializer",
		Consistency:         config.ConsistencyStrong,
	}
	msg.TrackedClients[uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")] = struct{}{}
	return msg
}

func TestPayload(t *testing.T) {
	data, err := codec.NewBinaryCodec().Encode(0, stateMessage(t))
	require.NoError(t, err)

	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	require.NoError(t, Payload(bytes.NewReader(data), 0, enc))
	require.NoError(t, enc.Close())

	var got stateView
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "StateSync", got.Type)
	require.NotNil(t, got.DefaultServerResource)
	assert.Equal(t, "offheap", *got.DefaultServerResource)
	assert.Equal(t, uint64(1024), got.SharedPools["shared"].Size)
	assert.Nil(t, got.SharedPools["shared"].ServerResource)
	assert.Equal(t, "LongSerializer", got.Stores["orders"].KeySerializerType)
	assert.Contains(t, got.Stores["orders"].Allocation, "shared")
	assert.Equal(t, []string{"6ba7b810-9dad-11d1-80b4-00c04fd430c8"}, got.TrackedClients)
}

func TestPayloadRejectsGarbage(t *testing.T) {
	var out bytes.Buffer
	err := Payload(bytes.NewReader([]byte{1, 2, 3}), 0, yaml.NewEncoder(&out))
	assert.Error(t, err)
}

func TestStream(t *testing.T) {
	data := func(yield func(*messages.EntityDataSyncMessage) bool) {
		yield(&messages.EntityDataSyncMessage{CacheID: "orders", Key: 42, Chain: chain.New([]byte{0xca, 0xfe})})
	}

	var stream bytes.Buffer
	_, err := codec.WriteSyncStream(&stream, codec.NewBinaryCodec(), 3, stateMessage(t), data)
	require.NoError(t, err)

	var out bytes.Buffer
	enc := yaml.NewEncoder(&out)
	n, err := Stream(&stream, enc)
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	assert.Equal(t, 1, n)

	dec := yaml.NewDecoder(&out)
	var state stateView
	require.NoError(t, dec.Decode(&state))
	assert.Equal(t, "StateSync", state.Type)

	var d dataView
	require.NoError(t, dec.Decode(&d))
	assert.Equal(t, "orders", d.CacheID)
	assert.Equal(t, uint64(42), d.Key)
	require.Len(t, d.Chain, 1)
	assert.Equal(t, "cafe", d.Chain[0].Payload)
}
