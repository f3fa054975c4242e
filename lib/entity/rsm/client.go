package rsm

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/entity/rsm/internal"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"time"
)

var retries = 5

// Client proposes entity operations to a raft shard running an EntityStateMachine.
// Writes go through SyncPropose and are applied on every replica in log order.
type Client struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
}

// NewClient creates a client for the shard on the given node host
func NewClient(nh *dragonboat.NodeHost, shardID uint64, timeout time.Duration) *Client {
	return &Client{
		nh:      nh,
		shardID: shardID,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations
// --------------------------------------------------------------------------

// write proposes a Command and returns its result data.
// It returns a *store.Error if the command failed.
func (c *Client) write(cmd internal.Command) ([]byte, error) {
	for i := 0; i < retries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		res, err := c.nh.SyncPropose(ctx, c.cs, cmd.Serialize())
		cancel()

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(c.timeout / 10)
			continue
		}
		if err != nil {
			return nil, store.NewError(store.RetCInternalError, err.Error())
		}
		if res.Value != uint64(store.RetCSuccess) {
			return nil, store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return res.Data, nil
	}
	return nil, store.NewError(store.RetCInternalError, "timeout")
}

// read queries the state machine and converts the response into R.
// SyncRead is used unless stale is set.
func read[R any](c *Client, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		var res interface{}
		var err error

		if stale {
			res, err = c.nh.StaleRead(c.shardID, q)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
			res, err = c.nh.SyncRead(ctx, c.shardID, q)
			cancel()
		}

		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			time.Sleep(c.timeout / 10)
			continue
		}
		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, store.NewError(store.RetCInternalError, err.Error())
		}

		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCInternalError, "timeout")
}

// --------------------------------------------------------------------------
// Chains
// --------------------------------------------------------------------------

// Append adds payload to the chain of key and returns the element assigned by the state machine
func (c *Client) Append(cacheID string, key uint64, payload []byte) (chain.Element, error) {
	data, err := c.write(internal.Command{Type: internal.CommandTAppend, Name: cacheID, Key: key, Value: payload})
	if err != nil {
		return chain.Element{}, err
	}
	decoded, err := codec.DecodeChain(data)
	if err != nil || len(decoded) != 1 {
		return chain.Element{}, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid append result: %v", err))
	}
	return decoded[0], nil
}

// Replace swaps the chain of key if it still equals expect. A mismatch returns an error
// with code store.RetCConflict.
func (c *Client) Replace(cacheID string, key uint64, expect, update chain.Chain) error {
	_, err := c.write(internal.Command{
		Type:  internal.CommandTReplace,
		Name:  cacheID,
		Key:   key,
		Value: internal.EncodeReplace(expect, update),
	})
	return err
}

// Get returns the chain of key (linearizable read)
func (c *Client) Get(cacheID string, key uint64) (chain.Chain, error) {
	return read[chain.Chain](c, internal.Query{Type: internal.QueryTGetChain, CacheID: cacheID, Key: key}, false)
}

// --------------------------------------------------------------------------
// Administration
// --------------------------------------------------------------------------

// CreateStore defines a new cache on all replicas
func (c *Client) CreateStore(cacheID string, sc config.ServerStoreConfiguration) error {
	body, err := codec.EncodeStoreConfiguration(sc)
	if err != nil {
		return store.NewError(store.RetCValidation, err.Error())
	}
	_, err = c.write(internal.Command{Type: internal.CommandTCreateStore, Name: cacheID, Value: body})
	return err
}

// DestroyStore removes a cache on all replicas
func (c *Client) DestroyStore(cacheID string) error {
	_, err := c.write(internal.Command{Type: internal.CommandTDestroyStore, Name: cacheID})
	return err
}

// AddSharedPool registers a shared pool on all replicas
func (c *Client) AddSharedPool(name string, pool config.Pool) error {
	_, err := c.write(internal.Command{
		Type:  internal.CommandTAddSharedPool,
		Name:  name,
		Key:   pool.Size,
		Value: internal.EncodePoolResource(pool),
	})
	return err
}

// ResizeSharedPool changes the size of a shared pool on all replicas
func (c *Client) ResizeSharedPool(name string, size uint64) error {
	_, err := c.write(internal.Command{Type: internal.CommandTResizeSharedPool, Name: name, Key: size})
	return err
}

// RemoveSharedPool removes an unused shared pool on all replicas
func (c *Client) RemoveSharedPool(name string) error {
	_, err := c.write(internal.Command{Type: internal.CommandTRemoveSharedPool, Name: name})
	return err
}

// TrackClient adds a client id to the tracked set
func (c *Client) TrackClient(id uuid.UUID) error {
	_, err := c.write(internal.Command{Type: internal.CommandTTrackClient, Value: id[:]})
	return err
}

// UntrackClient removes a client id from the tracked set
func (c *Client) UntrackClient(id uuid.UUID) error {
	_, err := c.write(internal.Command{Type: internal.CommandTUntrackClient, Value: id[:]})
	return err
}

// --------------------------------------------------------------------------
// Inspection
// --------------------------------------------------------------------------

// StateSync returns a state snapshot of the replicated entity (linearizable read)
func (c *Client) StateSync() (*messages.EntityStateSyncMessage, error) {
	return read[*messages.EntityStateSyncMessage](c, internal.Query{Type: internal.QueryTStateSync}, false)
}

// CacheIDs returns the ids of all caches (stale read)
func (c *Client) CacheIDs() ([]string, error) {
	return read[[]string](c, internal.Query{Type: internal.QueryTCacheIDs}, true)
}

// StoreInfo returns statistics of one cache's store (stale read)
func (c *Client) StoreInfo(cacheID string) (store.Info, error) {
	return read[store.Info](c, internal.Query{Type: internal.QueryTStoreInfo, CacheID: cacheID}, true)
}
