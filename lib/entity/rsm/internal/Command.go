package internal

import (
	"encoding/binary"
	"fmt"
	"github.com/ValentinKolb/dCache/lib/chain"
	"github.com/ValentinKolb/dCache/lib/codec"
	"github.com/ValentinKolb/dCache/lib/config"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTAppend           CommandType = iota // Append a payload to the chain of a key.
	CommandTReplace                             // Compare-and-swap the chain of a key.
	CommandTCreateStore                         // Define a new cache.
	CommandTDestroyStore                        // Remove a cache and its chains.
	CommandTTrackClient                         // Add a client id to the tracked set.
	CommandTUntrackClient                       // Remove a client id from the tracked set.
	CommandTAddSharedPool                       // Register a shared pool.
	CommandTResizeSharedPool                    // Change the size of a shared pool.
	CommandTRemoveSharedPool                    // Remove an unused shared pool.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTAppend:
		return "Append"
	case CommandTReplace:
		return "Replace"
	case CommandTCreateStore:
		return "CreateStore"
	case CommandTDestroyStore:
		return "DestroyStore"
	case CommandTTrackClient:
		return "TrackClient"
	case CommandTUntrackClient:
		return "UntrackClient"
	case CommandTAddSharedPool:
		return "AddSharedPool"
	case CommandTResizeSharedPool:
		return "ResizeSharedPool"
	case CommandTRemoveSharedPool:
		return "RemoveSharedPool"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type  CommandType
	Name  string // cache id or pool name
	Key   uint64 // chain key or pool size
	Value []byte // type specific body (payload, encoded chains, store configuration, client id)
}

const commandHeaderSize = 1 + 8 + 4 // Type + Key + NameLen

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return commandHeaderSize + len(command.Name) + len(command.Value)
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for key,
// 4 bytes for name length (big endian),
// N bytes for name data,
// N bytes for value data (optional)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	result[0] = byte(command.Type)
	binary.BigEndian.PutUint64(result[1:9], command.Key)
	binary.BigEndian.PutUint32(result[9:13], uint32(len(command.Name)))
	copy(result[13:13+len(command.Name)], command.Name)
	copy(result[13+len(command.Name):], command.Value)

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < commandHeaderSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.Key = binary.BigEndian.Uint64(data[1:9])
	nameLen := binary.BigEndian.Uint32(data[9:13])

	if uint64(len(data)) < commandHeaderSize+uint64(nameLen) {
		return fmt.Errorf("data too short for name of length %d", nameLen)
	}
	command.Name = string(data[13 : 13+nameLen])

	if rest := data[13+nameLen:]; len(rest) > 0 {
		command.Value = make([]byte, len(rest))
		copy(command.Value, rest)
	} else {
		command.Value = nil
	}
	return nil
}

// --------------------------------------------------------------------------
// Value bodies
// --------------------------------------------------------------------------

// EncodeReplace encodes the expected and new chain of a replace command as
// [u32 expect length][expect chain][update chain]
func EncodeReplace(expect, update chain.Chain) []byte {
	e := codec.EncodeChain(expect)
	u := codec.EncodeChain(update)
	out := make([]byte, 4+len(e)+len(u))
	binary.BigEndian.PutUint32(out[:4], uint32(len(e)))
	copy(out[4:], e)
	copy(out[4+len(e):], u)
	return out
}

// DecodeReplace decodes a body produced by EncodeReplace
func DecodeReplace(data []byte) (expect, update chain.Chain, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("data too short for replace body")
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint64(len(data)) < 4+uint64(n) {
		return nil, nil, fmt.Errorf("data too short for expected chain of length %d", n)
	}
	if expect, err = codec.DecodeChain(data[4 : 4+n]); err != nil {
		return nil, nil, err
	}
	if update, err = codec.DecodeChain(data[4+n:]); err != nil {
		return nil, nil, err
	}
	return expect, update, nil
}

// EncodePoolResource encodes the optional server resource of a pool as a presence byte
// followed by the resource name
func EncodePoolResource(pool config.Pool) []byte {
	if pool.ServerResource == nil {
		return []byte{0}
	}
	out := make([]byte, 1+len(*pool.ServerResource))
	out[0] = 1
	copy(out[1:], *pool.ServerResource)
	return out
}

// DecodePool rebuilds a pool from the command key (size) and a body produced by EncodePoolResource
func DecodePool(size uint64, data []byte) (config.Pool, error) {
	if len(data) == 0 {
		return config.Pool{}, fmt.Errorf("data too short for pool resource")
	}
	pool := config.Pool{Size: size}
	switch data[0] {
	case 0:
	case 1:
		r := string(data[1:])
		pool.ServerResource = &r
	default:
		return config.Pool{}, fmt.Errorf("invalid pool resource presence flag %d", data[0])
	}
	return pool, nil
}
