// Package messages defines the two payloads exchanged when a passive node attaches to
// (or resynchronizes with) the active node of an entity: one state snapshot followed by
// a stream of per-key data messages.
//
// Messages are transient values. They are built by the active entity, turned into bytes
// by the codec and applied by the passive entity; they are never stored.
package messages

import (
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/google/uuid"
	"slices"
	"strings"
)

// MessageType discriminates the sync payloads on the wire
type MessageType uint8

const (
	MsgTStateSync MessageType = iota + 1 // EntityStateSyncMessage
	MsgTDataSync                         // EntityDataSyncMessage
)

func (t MessageType) String() string {
	switch t {
	case MsgTStateSync:
		return "StateSync"
	case MsgTDataSync:
		return "DataSync"
	default:
		return fmt.Sprintf("MessageType(%d)", uint8(t))
	}
}

// Message is implemented by all sync payloads
type Message interface {
	MessageType() MessageType
}

// --------------------------------------------------------------------------
// EntityStateSyncMessage
// --------------------------------------------------------------------------

// EntityStateSyncMessage is a point-in-time snapshot of the non-data state of an entity.
type EntityStateSyncMessage struct {
	Configuration  *config.ServerSideConfiguration
	StoreConfigs   map[string]config.ServerStoreConfiguration
	TrackedClients map[uuid.UUID]struct{}
}

// NewEntityStateSyncMessage creates a message with empty (non-nil) tables
func NewEntityStateSyncMessage(cfg *config.ServerSideConfiguration) *EntityStateSyncMessage {
	if cfg == nil {
		cfg, _ = config.NewServerSideConfiguration(nil, nil)
	}
	return &EntityStateSyncMessage{
		Configuration:  cfg,
		StoreConfigs:   make(map[string]config.ServerStoreConfiguration),
		TrackedClients: make(map[uuid.UUID]struct{}),
	}
}

func (m *EntityStateSyncMessage) MessageType() MessageType { return MsgTStateSync }

// CacheIDs returns the cache ids of the message in ascending order
func (m *EntityStateSyncMessage) CacheIDs() []string {
	ids := make([]string, 0, len(m.StoreConfigs))
	for id := range m.StoreConfigs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ClientIDs returns the tracked client ids in ascending byte order
func (m *EntityStateSyncMessage) ClientIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m.TrackedClients))
	for id := range m.TrackedClients {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return strings.Compare(string(a[:]), string(b[:]))
	})
	return ids
}

// Equal compares configuration, store configurations (key set and values) and client
// membership. Nil and empty tables are equal.
func (m *EntityStateSyncMessage) Equal(o *EntityStateSyncMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	if !m.Configuration.Equal(o.Configuration) {
		return false
	}
	if len(m.StoreConfigs) != len(o.StoreConfigs) || len(m.TrackedClients) != len(o.TrackedClients) {
		return false
	}
	for id, sc := range m.StoreConfigs {
		osc, ok := o.StoreConfigs[id]
		if !ok || !sc.Equal(osc) {
			return false
		}
	}
	for id := range m.TrackedClients {
		if _, ok := o.TrackedClients[id]; !ok {
			return false
		}
	}
	return true
}

func (m *EntityStateSyncMessage) String() string {
	return fmt.Sprintf("EntityStateSyncMessage{%v, stores=%v, clients=%d}",
		m.Configuration, m.CacheIDs(), len(m.TrackedClients))
}

// --------------------------------------------------------------------------
// EntityDataSyncMessage
// --------------------------------------------------------------------------

// EntityDataSyncMessage carries the full chain of one key of one cache.
type EntityDataSyncMessage struct {
	CacheID string
	Key     uint64
	Chain   chain.Chain
}

func (m *EntityDataSyncMessage) MessageType() MessageType { return MsgTDataSync }

// Equal compares cache id, key and chain (by chain.Equal)
func (m *EntityDataSyncMessage) Equal(o *EntityDataSyncMessage) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.CacheID == o.CacheID && m.Key == o.Key && chain.Equal(m.Chain, o.Chain)
}

func (m *EntityDataSyncMessage) String() string {
	return fmt.Sprintf("EntityDataSyncMessage{cache=%s, key=%d, %v}", m.CacheID, m.Key, m.Chain)
}
