package codec

import (
	"fmt"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/google/uuid"
)

// NewBinaryCodec creates a new codec using the versioned big endian binary format
func NewBinaryCodec() ISyncCodec {
	return &binaryCodecImpl{}
}

// binaryCodecImpl implements ISyncCodec. It is stateless and safe for concurrent use.
type binaryCodecImpl struct {
}

const (
	headerSize = 2 // version + message type

	// name length + size + presence flag
	minPoolEntrySize = 4 + 8 + 1
	// cache id length + allocation tag + 6 string lengths + consistency
	minStoreEntrySize = 4 + 1 + 6*4 + 1
	clientIDSize      = 16
)

// --------------------------------------------------------------------------
// Interface Methods (docu see codec.ISyncCodec)
// --------------------------------------------------------------------------

func (b binaryCodecImpl) Encode(_ int, msg messages.Message) ([]byte, error) {
	switch m := msg.(type) {
	case *messages.EntityStateSyncMessage:
		return b.encodeStateSync(m)
	case *messages.EntityDataSyncMessage:
		return b.encodeDataSync(m), nil
	case nil:
		return nil, fmt.Errorf("cannot encode nil message")
	default:
		return nil, fmt.Errorf("cannot encode message of type %T", msg)
	}
}

func (b binaryCodecImpl) Decode(_ int, data []byte) (messages.Message, error) {
	r := &reader{data: data}

	version, err := r.u8("format version")
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: format version %d", ErrUnknownTag, version)
	}
	msgType, err := r.u8("message type")
	if err != nil {
		return nil, err
	}

	var msg messages.Message
	switch messages.MessageType(msgType) {
	case messages.MsgTStateSync:
		msg, err = b.decodeStateSync(r)
	case messages.MsgTDataSync:
		msg, err = b.decodeDataSync(r)
	default:
		return nil, fmt.Errorf("%w: message type %d", ErrUnknownTag, msgType)
	}
	if err != nil {
		return nil, err
	}

	if err := r.finish(); err != nil {
		return nil, err
	}
	return msg, nil
}

// --------------------------------------------------------------------------
// EntityStateSyncMessage
// --------------------------------------------------------------------------

// Layout:
//
//	[presence u8][string]                                  default server resource
//	[u32 n]([string name][u64 size][presence u8][string])* shared pools, sorted by name
//	[u32 n]([string cache id][store configuration])*      store configs, sorted by id
//	[u32 n]([16 bytes])*                                   tracked clients, sorted
func (b binaryCodecImpl) encodeStateSync(m *messages.EntityStateSyncMessage) ([]byte, error) {
	cfg := m.Configuration
	if cfg == nil {
		cfg, _ = config.NewServerSideConfiguration(nil, nil)
	}

	var defaultResource *string
	if r, ok := cfg.DefaultServerResource(); ok {
		defaultResource = &r
	}
	poolNames := cfg.SharedPoolNames()
	pools := cfg.SharedPools()
	cacheIDs := m.CacheIDs()
	clients := m.ClientIDs()

	// Calculate total size needed
	size := headerSize + sizeOptString(defaultResource) + 4
	for _, name := range poolNames {
		size += 4 + len(name) + 8 + sizeOptString(pools[name].ServerResource)
	}
	size += 4
	for _, id := range cacheIDs {
		sc := m.StoreConfigs[id]
		if err := sc.Validate(); err != nil {
			return nil, fmt.Errorf("store configuration of cache %q: %w", id, err)
		}
		size += 4 + len(id) + sizeStoreConfiguration(sc)
	}
	size += 4 + clientIDSize*len(clients)

	w := newWriter(size)
	w.u8(FormatVersion)
	w.u8(byte(messages.MsgTStateSync))

	w.optStr(defaultResource)

	w.u32(uint32(len(poolNames)))
	for _, name := range poolNames {
		pool := pools[name]
		w.str(name)
		w.u64(pool.Size)
		w.optStr(pool.ServerResource)
	}

	w.u32(uint32(len(cacheIDs)))
	for _, id := range cacheIDs {
		w.str(id)
		writeStoreConfiguration(w, m.StoreConfigs[id])
	}

	w.u32(uint32(len(clients)))
	for _, id := range clients {
		w.raw(id[:])
	}

	return w.buf, nil
}

func (b binaryCodecImpl) decodeStateSync(r *reader) (*messages.EntityStateSyncMessage, error) {
	defaultResource, err := r.optStr("default server resource")
	if err != nil {
		return nil, err
	}

	// Read shared pools
	n, err := r.count("shared pools", minPoolEntrySize)
	if err != nil {
		return nil, err
	}
	pools := make(map[string]config.Pool, n)
	for i := 0; i < n; i++ {
		name, err := r.str("shared pool name")
		if err != nil {
			return nil, err
		}
		size, err := r.u64("shared pool size")
		if err != nil {
			return nil, err
		}
		resource, err := r.optStr("shared pool resource")
		if err != nil {
			return nil, err
		}
		if _, dup := pools[name]; dup {
			return nil, fmt.Errorf("%w: duplicate shared pool %q", ErrMalformed, name)
		}
		pools[name] = config.Pool{Size: size, ServerResource: resource}
	}

	cfg, err := config.NewServerSideConfiguration(defaultResource, pools)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := messages.NewEntityStateSyncMessage(cfg)

	// Read store configurations
	n, err = r.count("store configurations", minStoreEntrySize)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		id, err := r.str("cache id")
		if err != nil {
			return nil, err
		}
		sc, err := readStoreConfiguration(r)
		if err != nil {
			return nil, err
		}
		if _, dup := msg.StoreConfigs[id]; dup {
			return nil, fmt.Errorf("%w: duplicate cache id %q", ErrMalformed, id)
		}
		msg.StoreConfigs[id] = sc
	}

	// Read tracked clients
	n, err = r.count("tracked clients", clientIDSize)
	if err != nil {
		return nil, err
	}
	for i := 0; i < n; i++ {
		raw, err := r.raw(clientIDSize, "client id")
		if err != nil {
			return nil, err
		}
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if _, dup := msg.TrackedClients[id]; dup {
			return nil, fmt.Errorf("%w: duplicate client id %s", ErrMalformed, id)
		}
		msg.TrackedClients[id] = struct{}{}
	}

	return msg, nil
}

// --------------------------------------------------------------------------
// EntityDataSyncMessage
// --------------------------------------------------------------------------

// Layout: [string cache id][u64 key][chain]
func (b binaryCodecImpl) encodeDataSync(m *messages.EntityDataSyncMessage) []byte {
	w := newWriter(headerSize + 4 + len(m.CacheID) + 8 + sizeChain(m.Chain))
	w.u8(FormatVersion)
	w.u8(byte(messages.MsgTDataSync))
	w.str(m.CacheID)
	w.u64(m.Key)
	writeChain(w, m.Chain)
	return w.buf
}

func (b binaryCodecImpl) decodeDataSync(r *reader) (*messages.EntityDataSyncMessage, error) {
	cacheID, err := r.str("cache id")
	if err != nil {
		return nil, err
	}
	key, err := r.u64("key")
	if err != nil {
		return nil, err
	}
	c, err := readChain(r)
	if err != nil {
		return nil, err
	}
	return &messages.EntityDataSyncMessage{CacheID: cacheID, Key: key, Chain: c}, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func sizeOptString(s *string) int {
	if s == nil {
		return 1
	}
	return 1 + 4 + len(*s)
}
