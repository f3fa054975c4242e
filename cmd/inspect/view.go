package inspect

import (
	"encoding/hex"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/messages"
)

// --------------------------------------------------------------------------
// YAML views of sync messages
// --------------------------------------------------------------------------

type poolView struct {
	Size           uint64  `yaml:"size"`
	ServerResource *string `yaml:"serverResource,omitempty"`
}

type storeView struct {
	Allocation          string `yaml:"allocation"`
	StoredKeyType       string `yaml:"storedKeyType"`
	StoredValueType     string `yaml:"storedValueType"`
	ActualKeyType       string `yaml:"actualKeyType"`
	ActualValueType     string `yaml:"actualValueType"`
	KeySerializerType   string `yaml:"keySerializerType"`
	ValueSerializerType string `yaml:"valueSerializerType"`
	Consistency         string `yaml:"consistency"`
}

type stateView struct {
	Type                  string               `yaml:"type"`
	DefaultServerResource *string              `yaml:"defaultServerResource"`
	SharedPools           map[string]poolView  `yaml:"sharedPools"`
	Stores                map[string]storeView `yaml:"stores"`
	TrackedClients        []string             `yaml:"trackedClients"`
}

type elementView struct {
	SequenceID uint64 `yaml:"sequenceId"`
	Payload    string `yaml:"payload"`
}

type dataView struct {
	Type    string        `yaml:"type"`
	CacheID string        `yaml:"cacheId"`
	Key     uint64        `yaml:"key"`
	Chain   []elementView `yaml:"chain"`
}

// viewOf converts a decoded message into its YAML view. Payloads are rendered as hex.
func viewOf(msg messages.Message) (interface{}, error) {
	switch m := msg.(type) {
	case *messages.EntityStateSyncMessage:
		return stateViewOf(m), nil
	case *messages.EntityDataSyncMessage:
		v := dataView{
			Type:    m.MessageType().String(),
			CacheID: m.CacheID,
			Key:     m.Key,
			Chain:   make([]elementView, len(m.Chain)),
		}
		for i, el := range m.Chain {
			v.Chain[i] = elementView{SequenceID: el.SequenceID, Payload: hex.EncodeToString(el.Payload)}
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unsupported message type %T", msg)
	}
}

func stateViewOf(m *messages.EntityStateSyncMessage) stateView {
	v := stateView{
		Type:           m.MessageType().String(),
		SharedPools:    make(map[string]poolView),
		Stores:         make(map[string]storeView, len(m.StoreConfigs)),
		TrackedClients: make([]string, 0, len(m.TrackedClients)),
	}

	if m.Configuration != nil {
		if def, ok := m.Configuration.DefaultServerResource(); ok {
			v.DefaultServerResource = &def
		}
		for name, pool := range m.Configuration.SharedPools() {
			v.SharedPools[name] = poolView{Size: pool.Size, ServerResource: pool.ServerResource}
		}
	}

	for _, id := range m.CacheIDs() {
		sc := m.StoreConfigs[id]
		v.Stores[id] = storeView{
			Allocation:          allocationString(sc.PoolAllocation),
			StoredKeyType:       sc.StoredKeyType,
			StoredValueType:     sc.StoredValueType,
			ActualKeyType:       sc.ActualKeyType,
			ActualValueType:     sc.ActualValueType,
			KeySerializerType:   sc.KeySerializerType,
			ValueSerializerType: sc.ValueSerializerType,
			Consistency:         sc.Consistency.String(),
		}
	}

	for _, id := range m.ClientIDs() {
		v.TrackedClients = append(v.TrackedClients, id.String())
	}
	return v
}

func allocationString(alloc config.PoolAllocation) string {
	if alloc == nil {
		return "<none>"
	}
	return fmt.Sprint(alloc)
}
