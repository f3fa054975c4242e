package rsm

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/entity"
	"github.com/ValentinKolb/dCache/lib/entity/rsm/internal"
	"github.com/ValentinKolb/dCache/lib/messages"
	"github.com/ValentinKolb/dCache/lib/store"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"io"
	"time"
)

var log = logger.GetLogger("rsm")

const marksPerFrame = 4096

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// EntityStateMachine is a Dragonboat state machine replicating one Entity.
// Snapshots use the sync stream of the codec package, so a raft snapshot is the same
// byte stream a passive node receives over the replication channel.
type EntityStateMachine struct {
	replicaID uint64
	shardID   uint64
	entity    *entity.Entity
	codec     codec.ISyncCodec
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a
// new state machine for a node host. Every replica starts from a copy of cfg.
func CreateStateMachineFactory(name string, cfg *config.ServerSideConfiguration, opts *entity.Options) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return NewEntityStateMachine(shardID, replicaID, entity.NewEntity(name, cfg, opts))
	}
}

// NewEntityStateMachine wraps an existing entity
func NewEntityStateMachine(shardID, replicaID uint64, e *entity.Entity) *EntityStateMachine {
	return &EntityStateMachine{
		replicaID: replicaID,
		shardID:   shardID,
		entity:    e,
		codec:     codec.NewBinaryCodec(),
	}
}

// Entity returns the replicated entity
func (fsm *EntityStateMachine) Entity() *entity.Entity {
	return fsm.entity
}

// Lookup handles read-only queries by mapping each Query to the corresponding Entity method.
func (fsm *EntityStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	switch q.Type {
	case internal.QueryTGetChain:
		c, err := fsm.entity.Get(q.CacheID, q.Key)
		if err != nil {
			return nil, err
		}
		return c, nil
	case internal.QueryTStateSync:
		return fsm.entity.StateSyncMessage(), nil
	case internal.QueryTStoreInfo:
		info, err := fsm.entity.StoreInfo(q.CacheID)
		if err != nil {
			return nil, store.NewError(store.RetCUnknownStore, err.Error())
		}
		return info, nil
	case internal.QueryTCacheIDs:
		return fsm.entity.CacheIDs(), nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update applies write commands to the entity.
// Every entry gets a result whose Value is a store.RetCode. A replace conflict is reported
// as RetCConflict and is not an error of the state machine.
func (fsm *EntityStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {
	if len(entries) == 0 {
		return entries, nil
	}

	start := time.Now()

	for idx, e := range entries {
		if len(e.Cmd) == 0 {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
			continue
		}

		cmd := internal.Command{}
		if err := cmd.Deserialize(e.Cmd); err != nil {
			entries[idx].Result = sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
			continue
		}

		entries[idx].Result = fsm.apply(cmd)
	}

	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("State machine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// apply executes a single command
func (fsm *EntityStateMachine) apply(cmd internal.Command) sm.Result {
	switch cmd.Type {
	case internal.CommandTAppend:
		el, err := fsm.entity.Append(cmd.Name, cmd.Key, cmd.Value)
		if err != nil {
			return errorResult(err)
		}
		return sm.Result{Value: uint64(store.RetCSuccess), Data: codec.EncodeChain(chain.Chain{el})}

	case internal.CommandTReplace:
		expect, update, err := internal.DecodeReplace(cmd.Value)
		if err != nil {
			return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte(err.Error())}
		}
		return resultOf(fsm.entity.Replace(cmd.Name, cmd.Key, expect, update), "replaced: cache=%s key=%d", cmd.Name, cmd.Key)

	case internal.CommandTCreateStore:
		sc, err := codec.DecodeStoreConfiguration(cmd.Value)
		if err != nil {
			return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte(err.Error())}
		}
		return resultOf(fsm.entity.CreateStore(cmd.Name, sc), "created store %s", cmd.Name)

	case internal.CommandTDestroyStore:
		return resultOf(fsm.entity.DestroyStore(cmd.Name), "destroyed store %s", cmd.Name)

	case internal.CommandTTrackClient, internal.CommandTUntrackClient:
		id, err := uuid.FromBytes(cmd.Value)
		if err != nil {
			return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte(err.Error())}
		}
		if cmd.Type == internal.CommandTTrackClient {
			fsm.entity.TrackClient(id)
		} else {
			fsm.entity.UntrackClient(id)
		}
		return resultOf(nil, "%s %s", cmd.Type, id)

	case internal.CommandTAddSharedPool:
		pool, err := internal.DecodePool(cmd.Key, cmd.Value)
		if err != nil {
			return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte(err.Error())}
		}
		return resultOf(fsm.entity.AddSharedPool(cmd.Name, pool), "added shared pool %s", cmd.Name)

	case internal.CommandTResizeSharedPool:
		return resultOf(fsm.entity.ResizeSharedPool(cmd.Name, cmd.Key), "resized shared pool %s", cmd.Name)

	case internal.CommandTRemoveSharedPool:
		return resultOf(fsm.entity.RemoveSharedPool(cmd.Name), "removed shared pool %s", cmd.Name)

	default:
		return sm.Result{
			Value: uint64(store.RetCInvalidOperation),
			Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
		}
	}
}

// PrepareSnapshot captures state, chains and high-water marks at the snapshot index.
// Dragonboat does not run Update concurrently with PrepareSnapshot.
func (fsm *EntityStateMachine) PrepareSnapshot() (interface{}, error) {
	return fsm.entity.CaptureSnapshot(), nil
}

// SaveSnapshot writes the sync stream (state message, data messages, end marker) of the
// captured snapshot, followed by the high-water mark section: frames of encoded marks
// numbered from 1 and closed by an empty frame.
func (fsm *EntityStateMachine) SaveSnapshot(ctx interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, done <-chan struct{}) error {
	snap, ok := ctx.(*entity.Snapshot)
	if !ok {
		return fmt.Errorf("invalid snapshot context type: %T", ctx)
	}

	data := func(yield func(*messages.EntityDataSyncMessage) bool) {
		for msg := range snap.DataSyncMessages() {
			select {
			case <-done:
				return
			default:
			}
			if !yield(msg) {
				return
			}
		}
	}

	n, err := codec.WriteSyncStream(writer, fsm.codec, int(fsm.shardID), snap.State, data)
	if err == nil {
		err = fsm.writeMarks(writer, snap)
	}
	select {
	case <-done:
		return sm.ErrSnapshotStopped
	default:
	}
	if err != nil {
		return err
	}
	log.Debugf("Saved snapshot of shard %d: %d stores, %d chains", fsm.shardID, len(snap.State.StoreConfigs), n)
	return nil
}

// writeMarks writes the high-water mark section in batches of marksPerFrame
func (fsm *EntityStateMachine) writeMarks(w io.Writer, snap *entity.Snapshot) error {
	stripe := fsm.shardID
	seq := uint64(0)
	batch := make([]internal.Mark, 0, marksPerFrame)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		seq++
		err := codec.WriteFrame(w, stripe, seq, internal.EncodeMarks(batch))
		batch = batch[:0]
		return err
	}

	for cacheID, entries := range snap.HighWaterMarks() {
		for _, ke := range entries {
			batch = append(batch, internal.Mark{CacheID: cacheID, Key: ke.Key, HighSeq: ke.HighSeq})
			if len(batch) == marksPerFrame {
				if err := flush(); err != nil {
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}
	seq++
	return codec.WriteFrame(w, stripe, seq, nil)
}

// RecoverFromSnapshot rebuilds the entity from a sync stream and restores the high-water
// marks that follow it
func (fsm *EntityStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, done <-chan struct{}) error {
	n, err := codec.ReadSyncStream(r, fsm.codec, func(msg messages.Message) error {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}
		return fsm.entity.Apply(msg)
	})
	if err != nil {
		return err
	}

	marks, err := fsm.readMarks(r)
	if err != nil {
		return err
	}
	log.Infof("Recovered shard %d replica %d from snapshot with %d chains and %d high-water marks", fsm.shardID, fsm.replicaID, n, marks)
	return nil
}

// readMarks reads the high-water mark section and applies it to the entity
func (fsm *EntityStateMachine) readMarks(r io.Reader) (int, error) {
	buf := make([]byte, 64*1024)
	expected := uint64(1)
	n := 0

	for {
		_, seq, payload, err := codec.ReadFrame(r, buf)
		if err != nil {
			return n, fmt.Errorf("failed to read high-water mark frame %d: %w", expected, err)
		}
		if seq != expected {
			return n, fmt.Errorf("%w: high-water mark frame %d out of sequence, expected %d", codec.ErrMalformed, seq, expected)
		}
		expected++
		if len(payload) == 0 {
			return n, nil
		}

		marks, err := internal.DecodeMarks(payload)
		if err != nil {
			return n, fmt.Errorf("failed to decode high-water mark frame %d: %w", seq, err)
		}
		for _, m := range marks {
			if err := fsm.entity.RestoreHighSeq(m.CacheID, m.Key, m.HighSeq); err != nil {
				return n, err
			}
			n++
		}
	}
}

// Close performs any necessary cleanup.
func (fsm *EntityStateMachine) Close() error {
	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// retCodeOf maps entity and configuration errors to return codes
func retCodeOf(err error) store.RetCode {
	switch {
	case err == nil:
		return store.RetCSuccess
	case errors.Is(err, config.ErrValidation):
		return store.RetCValidation
	case errors.Is(err, entity.ErrUnknownCache):
		return store.RetCUnknownStore
	case errors.Is(err, entity.ErrOrderingViolation):
		return store.RetCOrderingViolation
	default:
		return store.CodeOf(err)
	}
}

func errorResult(err error) sm.Result {
	return sm.Result{Value: uint64(retCodeOf(err)), Data: []byte(err.Error())}
}

func resultOf(err error, format string, args ...interface{}) sm.Result {
	if err != nil {
		return errorResult(err)
	}
	return sm.Result{Value: uint64(store.RetCSuccess), Data: []byte(fmt.Sprintf(format, args...))}
}
