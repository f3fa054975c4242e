package replication

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/entity"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 5 * time.Second

func storeConfig(alloc config.PoolAllocation) config.ServerStoreConfiguration {
	return config.ServerStoreConfiguration{
		PoolAllocation:      alloc,
		StoredKeyType:       "java.lang.Long",
		StoredValueType:     "java.lang.String",
		ActualKeyType:       "java.lang.Long",
		ActualValueType:     "java.lang.String",
		KeySerializerType:   "LongSerializer",
		ValueSerializerType: "StringSerializer",
		Consistency:         config.ConsistencyEventual,
	}
}

// newActive returns an entity with two caches of ten keys each and one tracked client
func newActive(t *testing.T) *entity.Entity {
	t.Helper()
	def := "offheap"
	pool, err := config.NewPool(1024, "primary")
	require.NoError(t, err)
	cfg, err := config.NewServerSideConfiguration(&def, map[string]config.Pool{"shared": pool})
	require.NoError(t, err)

	e := entity.NewEntity("active", cfg, nil)
	require.NoError(t, e.CreateStore("dedicated", storeConfig(config.Dedicated{ResourceName: "primary", Size: 64})))
	require.NoError(t, e.CreateStore("shared", storeConfig(config.Shared{PoolName: "shared"})))
	for _, id := range e.CacheIDs() {
		for k := uint64(0); k < 10; k++ {
			for v := int64(0); v <= int64(k%3); v++ {
				_, err := e.Append(id, k, chain.LongPayload(v))
				require.NoError(t, err)
			}
		}
	}
	e.TrackClient(uuid.New())
	return e
}

func assertSameState(t *testing.T, want, got *entity.Entity) {
	t.Helper()
	assert.True(t, want.StateSyncMessage().Equal(got.StateSyncMessage()))
	for _, id := range want.CacheIDs() {
		for k := uint64(0); k < 10; k++ {
			w, err := want.Get(id, k)
			require.NoError(t, err)
			g, err := got.Get(id, k)
			require.NoError(t, err)
			assert.True(t, chain.Equal(w, g), "cache %s key %d", id, k)
		}
	}
}

func TestSyncOverPipe(t *testing.T) {
	active := newActive(t)
	passive := entity.NewEntity("passive", nil, nil)

	activeConn, passiveConn := net.Pipe()
	sender := NewSender(active, 3, testTimeout)
	receiver := NewReceiver(passive, testTimeout)

	errCh := make(chan error, 1)
	go func() { errCh <- sender.ServeConn(context.Background(), activeConn) }()

	n, err := receiver.Sync(context.Background(), passiveConn)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, 20, n)

	assertSameState(t, active, passive)
	assert.Empty(t, sender.Sessions())
}

func TestResyncReplacesPassiveState(t *testing.T) {
	active := newActive(t)
	passive := entity.NewEntity("passive", nil, nil)
	require.NoError(t, passive.CreateStore("stale", storeConfig(config.Dedicated{ResourceName: "dedicated", Size: 4})))
	_, err := passive.Append("stale", 1, chain.LongPayload(1))
	require.NoError(t, err)

	sender := NewSender(active, 0, testTimeout)
	receiver := NewReceiver(passive, testTimeout)

	pass := func() {
		activeConn, passiveConn := net.Pipe()
		go func() { _ = sender.ServeConn(context.Background(), activeConn) }()
		_, err := receiver.Sync(context.Background(), passiveConn)
		require.NoError(t, err)
	}

	pass()
	assertSameState(t, active, passive)
	assert.NotContains(t, passive.CacheIDs(), "stale")

	// a second pass after more writes converges again
	require.NoError(t, active.DestroyStore("shared"))
	_, err = active.Append("dedicated", 1, chain.LongPayload(42))
	require.NoError(t, err)
	pass()
	assertSameState(t, active, passive)
}

func TestFramesCarryStripe(t *testing.T) {
	active := newActive(t)
	activeConn, passiveConn := net.Pipe()
	defer passiveConn.Close()

	go func() { _ = NewSender(active, 7, testTimeout).ServeConn(context.Background(), activeConn) }()

	buf := make([]byte, 4096)
	for seq := uint64(1); ; seq++ {
		stripe, gotSeq, payload, err := codec.ReadFrame(passiveConn, buf)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), stripe)
		assert.Equal(t, seq, gotSeq)
		if len(payload) == 0 {
			assert.Equal(t, uint64(22), seq) // state + 20 chains + end marker
			return
		}
	}
}

func TestOrderingViolationAbortsPass(t *testing.T) {
	passive := entity.NewEntity("passive", nil, nil)
	receiver := NewReceiver(passive, testTimeout)

	activeConn, passiveConn := net.Pipe()
	go func() {
		defer activeConn.Close()
		state := messages.NewEntityStateSyncMessage(nil)
		state.StoreConfigs["a"] = storeConfig(config.Unknown{})
		data := func(yield func(*messages.EntityDataSyncMessage) bool) {
			if !yield(&messages.EntityDataSyncMessage{CacheID: "a", Key: 1, Chain: chain.New(chain.LongPayload(1))}) {
				return
			}
			yield(&messages.EntityDataSyncMessage{CacheID: "b", Key: 1, Chain: chain.New(chain.LongPayload(2))})
		}
		_, _ = codec.WriteSyncStream(activeConn, codec.NewBinaryCodec(), 0, state, data)
	}()

	n, err := receiver.Sync(context.Background(), passiveConn)
	assert.ErrorIs(t, err, entity.ErrOrderingViolation)
	assert.Equal(t, 1, n)
}

func TestTruncatedPassFails(t *testing.T) {
	passive := entity.NewEntity("passive", nil, nil)
	receiver := NewReceiver(passive, testTimeout)

	activeConn, passiveConn := net.Pipe()
	go func() {
		payload, err := codec.NewBinaryCodec().Encode(0, messages.NewEntityStateSyncMessage(nil))
		if err == nil {
			_ = codec.WriteFrame(activeConn, 0, 1, payload)
		}
		activeConn.Close()
	}()

	_, err := receiver.Sync(context.Background(), passiveConn)
	assert.Error(t, err)
}

func TestListenAndAttach(t *testing.T) {
	active := newActive(t)
	sender := NewSender(active, 1, testTimeout)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- sender.Serve(ctx, listener) }()

	passive := entity.NewEntity("passive", nil, nil)
	n, err := NewReceiver(passive, testTimeout).Attach(context.Background(), listener.Addr().String())
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assertSameState(t, active, passive)

	// Run keeps the passive in sync
	runCtx, stopRun := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	follower := entity.NewEntity("follower", nil, nil)
	go func() {
		runErr <- NewReceiver(follower, testTimeout).Run(runCtx, listener.Addr().String(), 10*time.Millisecond)
	}()
	require.Eventually(t, func() bool {
		return follower.StateSyncMessage().Equal(active.StateSyncMessage())
	}, testTimeout, 10*time.Millisecond)
	stopRun()
	require.NoError(t, <-runErr)

	cancel()
	require.NoError(t, <-serveErr)
}

// failingListener fails every Accept until it is closed
type failingListener struct {
	accepts atomic.Int64
	closed  atomic.Bool
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	if l.closed.Load() {
		return nil, net.ErrClosed
	}
	return nil, errors.New("accept: too many open files")
}

func (l *failingListener) Close() error {
	l.closed.Store(true)
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func TestServeBacksOffOnAcceptErrors(t *testing.T) {
	sender := NewSender(newActive(t), 0, testTimeout)
	listener := &failingListener{}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, sender.Serve(ctx, listener))

	// 5ms doubling up to 1s allows only a handful of retries in 200ms
	assert.LessOrEqual(t, listener.accepts.Load(), int64(10))
	assert.GreaterOrEqual(t, listener.accepts.Load(), int64(2))
}
