package codec

import (
	"bytes"
	"errors"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/google/uuid"
	"testing"
)

// --------------------------------------------------------------------------
// Fixtures
// --------------------------------------------------------------------------

func strPtr(s string) *string {
	return &s
}

func storeConfig(alloc config.PoolAllocation, consistency config.Consistency) config.ServerStoreConfiguration {
	return config.ServerStoreConfiguration{
		PoolAllocation:      alloc,
		StoredKeyType:       "java.lang.Long",
		StoredValueType:     "java.lang.String",
		ActualKeyType:       "java.lang.Long",
		ActualValueType:     "java.lang.String",
		KeySerializerType:   "org.ehcache.impl.serialization.LongSerializer",
		ValueSerializerType: "org.ehcache.impl.serialization.StringSerializer",
		Consistency:         consistency,
	}
}

// scenarioStateMessage builds a state message with two shared pools, a default
// resource, one store config per allocation variant and two tracked clients.
func scenarioStateMessage(t *testing.T) *messages.EntityStateSyncMessage {
	t.Helper()

	pool1, err := config.NewPool(1, "foo1")
	if err != nil {
		t.Fatal(err)
	}
	pool2, err := config.NewPool(2, "foo2")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.NewServerSideConfiguration(strPtr("default-pool"), map[string]config.Pool{
		"shared-pool-1": pool1,
		"shared-pool-2": pool2,
	})
	if err != nil {
		t.Fatal(err)
	}

	dedicated, err := config.NewDedicated("dedicated", 4)
	if err != nil {
		t.Fatal(err)
	}
	shared, err := config.NewShared("shared")
	if err != nil {
		t.Fatal(err)
	}

	msg := messages.NewEntityStateSyncMessage(cfg)
	msg.StoreConfigs["cache1"] = storeConfig(dedicated, config.ConsistencyStrong)
	msg.StoreConfigs["cache2"] = storeConfig(shared, config.ConsistencyEventual)
	msg.StoreConfigs["cache3"] = storeConfig(config.Unknown{}, config.ConsistencyStrong)
	msg.TrackedClients[uuid.New()] = struct{}{}
	msg.TrackedClients[uuid.New()] = struct{}{}
	return msg
}

func roundTrip(t *testing.T, encodeStripe, decodeStripe int, msg messages.Message) messages.Message {
	t.Helper()
	c := NewBinaryCodec()

	data, err := c.Encode(encodeStripe, msg)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := c.Decode(decodeStripe, data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return decoded
}

// --------------------------------------------------------------------------
// Round trip
// --------------------------------------------------------------------------

// TestStateSyncScenario tests the full state message round trip field by field
func TestStateSyncScenario(t *testing.T) {
	msg := scenarioStateMessage(t)

	decoded, ok := roundTrip(t, 1, 1, msg).(*messages.EntityStateSyncMessage)
	if !ok {
		t.Fatal("decoded message has wrong type")
	}

	if r, ok := decoded.Configuration.DefaultServerResource(); !ok || r != "default-pool" {
		t.Errorf("default resource = %q, %v", r, ok)
	}

	pools := decoded.Configuration.SharedPools()
	wantPools := msg.Configuration.SharedPools()
	if len(pools) != len(wantPools) {
		t.Fatalf("expected %d pools, got %d", len(wantPools), len(pools))
	}
	for name, want := range wantPools {
		if got, ok := pools[name]; !ok || !got.Equal(want) {
			t.Errorf("pool %q = %v, want %v", name, got, want)
		}
	}

	if len(decoded.TrackedClients) != 2 {
		t.Errorf("expected 2 tracked clients, got %d", len(decoded.TrackedClients))
	}
	for id := range msg.TrackedClients {
		if _, ok := decoded.TrackedClients[id]; !ok {
			t.Errorf("client %s missing", id)
		}
	}

	for id, want := range msg.StoreConfigs {
		got, ok := decoded.StoreConfigs[id]
		if !ok {
			t.Errorf("store config %q missing", id)
			continue
		}
		if got.PoolAllocation.AllocationType() != want.PoolAllocation.AllocationType() {
			t.Errorf("%s: allocation %v, want %v", id, got.PoolAllocation, want.PoolAllocation)
		}
		if !got.Equal(want) {
			t.Errorf("%s: %v, want %v", id, got, want)
		}
	}

	dedicated := decoded.StoreConfigs["cache1"].PoolAllocation.(config.Dedicated)
	if dedicated.ResourceName != "dedicated" || dedicated.Size != 4 {
		t.Errorf("unexpected dedicated allocation %v", dedicated)
	}
	if shared := decoded.StoreConfigs["cache2"].PoolAllocation.(config.Shared); shared.PoolName != "shared" {
		t.Errorf("unexpected shared allocation %v", shared)
	}
	if _, ok := decoded.StoreConfigs["cache3"].PoolAllocation.(config.Unknown); !ok {
		t.Errorf("expected unknown allocation, got %v", decoded.StoreConfigs["cache3"].PoolAllocation)
	}

	if !decoded.Equal(msg) {
		t.Error("decoded message not equal to original")
	}
}

// TestDataSyncRoundTrip tests data messages, including asymmetric stripes
func TestDataSyncRoundTrip(t *testing.T) {
	tests := []struct {
		name         string
		encodeStripe int
		decodeStripe int
		msg          *messages.EntityDataSyncMessage
	}{
		{
			name:         "long payloads",
			encodeStripe: 1,
			decodeStripe: 1,
			msg: &messages.EntityDataSyncMessage{CacheID: "foo", Key: 123,
				Chain: chain.New(chain.LongPayload(10), chain.LongPayload(100), chain.LongPayload(1000))},
		},
		{
			name:         "asymmetric stripes",
			encodeStripe: 1,
			decodeStripe: 42,
			msg: &messages.EntityDataSyncMessage{CacheID: "foo", Key: 123,
				Chain: chain.New(chain.LongPayload(10))},
		},
		{
			name:         "empty chain",
			encodeStripe: 0,
			decodeStripe: 0,
			msg:          &messages.EntityDataSyncMessage{CacheID: "", Key: 0, Chain: chain.Chain{}},
		},
		{
			name:         "empty payload element",
			encodeStripe: -1,
			decodeStripe: 7,
			msg:          &messages.EntityDataSyncMessage{CacheID: "c", Key: ^uint64(0), Chain: chain.New([]byte{})},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decoded, ok := roundTrip(t, tt.encodeStripe, tt.decodeStripe, tt.msg).(*messages.EntityDataSyncMessage)
			if !ok {
				t.Fatal("decoded message has wrong type")
			}
			if !decoded.Equal(tt.msg) {
				t.Errorf("got %v, want %v", decoded, tt.msg)
			}
			for i := range tt.msg.Chain {
				if decoded.Chain[i].SequenceID != tt.msg.Chain[i].SequenceID {
					t.Errorf("element %d: sequence id %d, want %d", i, decoded.Chain[i].SequenceID, tt.msg.Chain[i].SequenceID)
				}
			}
		})
	}
}

// TestChainsWithDifferentSequenceIDsDecodeEqual tests chain equality after decoding
func TestChainsWithDifferentSequenceIDsDecodeEqual(t *testing.T) {
	a := &messages.EntityDataSyncMessage{CacheID: "foo", Key: 1, Chain: chain.New(chain.LongPayload(10), chain.LongPayload(100))}
	b := &messages.EntityDataSyncMessage{CacheID: "foo", Key: 1, Chain: chain.Chain{
		{SequenceID: 40, Payload: chain.LongPayload(10)},
		{SequenceID: 41, Payload: chain.LongPayload(100)},
	}}

	da := roundTrip(t, 0, 0, a).(*messages.EntityDataSyncMessage)
	db := roundTrip(t, 0, 0, b).(*messages.EntityDataSyncMessage)
	if !chain.Equal(da.Chain, db.Chain) {
		t.Error("chains with equal payloads must be equal after decoding")
	}
}

// TestDefaultResourcePresence tests that absent and empty default resources stay distinct
func TestDefaultResourcePresence(t *testing.T) {
	tests := []struct {
		name     string
		resource *string
	}{
		{"absent", nil},
		{"empty", strPtr("")},
		{"set", strPtr("primary")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.NewServerSideConfiguration(tt.resource, nil)
			if err != nil {
				t.Fatal(err)
			}
			decoded := roundTrip(t, 0, 0, messages.NewEntityStateSyncMessage(cfg)).(*messages.EntityStateSyncMessage)

			got, ok := decoded.Configuration.DefaultServerResource()
			if ok != (tt.resource != nil) {
				t.Fatalf("presence = %v, want %v", ok, tt.resource != nil)
			}
			if ok && got != *tt.resource {
				t.Errorf("resource = %q, want %q", got, *tt.resource)
			}
		})
	}
}

// TestPoolWithDefaultResource tests a pool without explicit resource
func TestPoolWithDefaultResource(t *testing.T) {
	cfg, err := config.NewServerSideConfiguration(nil, map[string]config.Pool{
		"p": {Size: 1024},
	})
	if err != nil {
		t.Fatal(err)
	}
	decoded := roundTrip(t, 0, 0, messages.NewEntityStateSyncMessage(cfg)).(*messages.EntityStateSyncMessage)

	pool, ok := decoded.Configuration.SharedPool("p")
	if !ok || pool.ServerResource != nil || pool.Size != 1024 {
		t.Errorf("unexpected pool %v", pool)
	}
}

// TestEncodeDeterministic tests that a fixed input encodes to the same bytes
func TestEncodeDeterministic(t *testing.T) {
	c := NewBinaryCodec()
	msg := scenarioStateMessage(t)

	first, err := c.Encode(0, msg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := c.Encode(i, msg)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(first, again) {
			t.Fatal("encoding is not reproducible")
		}
	}
}

// TestDataSyncLayout tests the exact byte layout of a data message
func TestDataSyncLayout(t *testing.T) {
	msg := &messages.EntityDataSyncMessage{CacheID: "ab", Key: 5, Chain: chain.Chain{{SequenceID: 3, Payload: []byte{0xff}}}}
	data, err := NewBinaryCodec().Encode(0, msg)
	if err != nil {
		t.Fatal(err)
	}

	want := []byte{
		1, 2, // version, type
		0, 0, 0, 2, 'a', 'b', // cache id
		0, 0, 0, 0, 0, 0, 0, 5, // key
		0, 0, 0, 1, // element count
		0, 0, 0, 0, 0, 0, 0, 3, // sequence id
		0, 0, 0, 1, 0xff, // payload
	}
	if !bytes.Equal(data, want) {
		t.Errorf("layout mismatch\n got: %v\nwant: %v", data, want)
	}
}

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

// TestDecodeTruncated tests that every strict prefix of a payload fails as truncated
func TestDecodeTruncated(t *testing.T) {
	c := NewBinaryCodec()
	inputs := map[string]messages.Message{
		"state": scenarioStateMessage(t),
		"data":  &messages.EntityDataSyncMessage{CacheID: "foo", Key: 123, Chain: chain.New(chain.LongPayload(10), chain.LongPayload(100))},
	}

	for name, msg := range inputs {
		t.Run(name, func(t *testing.T) {
			data, err := c.Encode(0, msg)
			if err != nil {
				t.Fatal(err)
			}
			for i := 0; i < len(data); i++ {
				decoded, err := c.Decode(0, data[:i])
				if !errors.Is(err, ErrTruncated) {
					t.Fatalf("prefix of %d bytes: expected ErrTruncated, got %v", i, err)
				}
				if decoded != nil {
					t.Fatalf("prefix of %d bytes returned a message", i)
				}
			}
		})
	}
}

// TestDecodeUnknownTags tests that unknown tags are reported distinct from truncation
func TestDecodeUnknownTags(t *testing.T) {
	c := NewBinaryCodec()

	msg := messages.NewEntityStateSyncMessage(nil)
	msg.StoreConfigs["c"] = storeConfig(config.Unknown{}, config.ConsistencyEventual)
	data, err := c.Encode(0, msg)
	if err != nil {
		t.Fatal(err)
	}

	// header(2) + presence(1) + pool count(4) + store count(4) + id("c")(5)
	allocOffset := 2 + 1 + 4 + 4 + 5
	consistencyOffset := len(data) - 4 - 1

	tests := []struct {
		name   string
		offset int
		value  byte
	}{
		{"version", 0, 9},
		{"message type", 1, 77},
		{"allocation tag", allocOffset, 4},
		{"consistency", consistencyOffset, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrupt := bytes.Clone(data)
			corrupt[tt.offset] = tt.value
			decoded, err := c.Decode(0, corrupt)
			if !errors.Is(err, ErrUnknownTag) {
				t.Errorf("expected ErrUnknownTag, got %v", err)
			}
			if errors.Is(err, ErrTruncated) {
				t.Error("unknown tag must not be reported as truncation")
			}
			if decoded != nil {
				t.Error("decode returned a message on error")
			}
		})
	}
}

// TestDecodeMalformed tests structurally invalid payloads
func TestDecodeMalformed(t *testing.T) {
	c := NewBinaryCodec()
	data, err := c.Encode(0, &messages.EntityDataSyncMessage{CacheID: "x", Key: 1, Chain: chain.New([]byte("v"))})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("trailing bytes", func(t *testing.T) {
		if _, err := c.Decode(0, append(bytes.Clone(data), 0)); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed, got %v", err)
		}
	})

	t.Run("presence flag", func(t *testing.T) {
		state, err := c.Encode(0, messages.NewEntityStateSyncMessage(nil))
		if err != nil {
			t.Fatal(err)
		}
		state[2] = 2
		if _, err := c.Decode(0, state); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed, got %v", err)
		}
	})

	t.Run("huge count", func(t *testing.T) {
		corrupt := bytes.Clone(data)
		// element count follows header(2) + id(5) + key(8)
		copy(corrupt[15:19], []byte{0xff, 0xff, 0xff, 0xff})
		if _, err := c.Decode(0, corrupt); !errors.Is(err, ErrTruncated) {
			t.Errorf("expected ErrTruncated, got %v", err)
		}
	})

	t.Run("zero sized dedicated allocation", func(t *testing.T) {
		raw, err := EncodeStoreConfiguration(storeConfig(config.Dedicated{ResourceName: "r", Size: 1}, config.ConsistencyStrong))
		if err != nil {
			t.Fatal(err)
		}
		copy(raw[1:9], make([]byte, 8))
		if _, err := DecodeStoreConfiguration(raw); !errors.Is(err, ErrMalformed) {
			t.Errorf("expected ErrMalformed, got %v", err)
		}
	})
}

// TestEncodeRejectsInvalidStoreConfig tests that a nil allocation is not encoded
func TestEncodeRejectsInvalidStoreConfig(t *testing.T) {
	msg := messages.NewEntityStateSyncMessage(nil)
	msg.StoreConfigs["c"] = config.ServerStoreConfiguration{}
	if _, err := NewBinaryCodec().Encode(0, msg); !errors.Is(err, config.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// TestChainHelpers tests the exported chain encoding used by raft commands
func TestChainHelpers(t *testing.T) {
	c := chain.New(chain.LongPayload(1), []byte("two"))
	decoded, err := DecodeChain(EncodeChain(c))
	if err != nil {
		t.Fatal(err)
	}
	if !chain.Equal(decoded, c) || decoded[1].SequenceID != 2 {
		t.Errorf("got %v, want %v", decoded, c)
	}
	if _, err := DecodeChain([]byte{0, 0}); !errors.Is(err, ErrTruncated) {
		t.Errorf("expected ErrTruncated, got %v", err)
	}
}
