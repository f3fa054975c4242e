package common

import (
	"fmt"
	"github.com/ValentinKolb/dCache/lib/config"
	dbconfig "github.com/lni/dragonboat/v4/config"
	"sort"
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// helper functions for to interface with Dragonboat (for the server util)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig() dbconfig.Config {
	return dbconfig.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() dbconfig.NodeHostConfig {
	return dbconfig.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// ServerRole is the role of a node on the replication channel
type ServerRole string

const (
	RoleActive  ServerRole = "active"
	RolePassive ServerRole = "passive"
)

// ReplicationMode selects how the entity is replicated
type ReplicationMode string

const (
	// ReplicationStream pushes sync passes from the active to passives over TCP
	ReplicationStream ReplicationMode = "stream"
	// ReplicationRaft replicates every operation through a raft shard
	ReplicationRaft ReplicationMode = "raft"
)

// ServerConfig holds all configuration parameters of a cache server node.
type ServerConfig struct {
	// Entity
	EntityName      string   `yaml:"entity-name"`
	DefaultResource string   `yaml:"default-resource"`
	SharedPools     []string `yaml:"shared-pools"`

	// Replication channel
	Role                 ServerRole      `yaml:"role"`
	Replication          ReplicationMode `yaml:"replication"`
	Endpoint             string          `yaml:"endpoint"`
	ActiveEndpoint       string          `yaml:"active-endpoint"`
	Stripe               int             `yaml:"stripe"`
	ResyncIntervalSecond int64           `yaml:"resync-interval"`

	// Dragonboat parameters
	ShardID            uint64            `yaml:"shard-id"`
	RTTMillisecond     uint64            `yaml:"rtt-ms"`
	SnapshotEntries    uint64            `yaml:"snapshot-entries"`
	CompactionOverhead uint64            `yaml:"compaction-overhead"`
	DataDir            string            `yaml:"data-dir"`
	ReplicaID          uint64            `yaml:"replica-id"`
	ClusterMembers     map[uint64]string `yaml:"cluster-members"`

	// timeouts for raft proposals and sync sessions
	TimeoutSecond int64 `yaml:"timeout"`

	// Prometheus text endpoint, disabled if empty
	MetricsEndpoint string `yaml:"metrics-endpoint"`

	// Logging configuration
	LogLevel string `yaml:"log-level"`
}

// Validate checks the combination of role, replication mode and endpoints
func (c *ServerConfig) Validate() error {
	if c.EntityName == "" {
		return fmt.Errorf("entity name must not be empty")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.TimeoutSecond <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", c.TimeoutSecond)
	}

	switch c.Replication {
	case ReplicationStream:
		switch c.Role {
		case RoleActive:
			if c.Endpoint == "" {
				return fmt.Errorf("an active node needs an endpoint to serve passives on")
			}
		case RolePassive:
			if c.ActiveEndpoint == "" {
				return fmt.Errorf("a passive node needs the endpoint of the active")
			}
		default:
			return fmt.Errorf("invalid role %q. must be one of %s, %s", c.Role, RoleActive, RolePassive)
		}
		if c.Stripe < 0 {
			return fmt.Errorf("stripe must not be negative, got %d", c.Stripe)
		}
	case ReplicationRaft:
		if c.DataDir == "" {
			return fmt.Errorf("raft replication needs a data directory")
		}
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return fmt.Errorf("replica %d is not a cluster member", c.ReplicaID)
		}
	default:
		return fmt.Errorf("invalid replication mode %q. must be one of %s, %s", c.Replication, ReplicationStream, ReplicationRaft)
	}

	_, err := c.ServerSideConfiguration()
	return err
}

// ServerSideConfiguration builds the initial resource pool catalog of the entity from the
// default resource and the shared pool specs (name=size[@resource]).
func (c *ServerConfig) ServerSideConfiguration() (*config.ServerSideConfiguration, error) {
	var def *string
	if c.DefaultResource != "" {
		r := c.DefaultResource
		def = &r
	}

	pools := make(map[string]config.Pool, len(c.SharedPools))
	for _, spec := range c.SharedPools {
		name, pool, err := config.ParsePoolSpec(spec)
		if err != nil {
			return nil, err
		}
		if _, exists := pools[name]; exists {
			return nil, fmt.Errorf("%w: shared pool %q defined twice", config.ErrValidation, name)
		}
		pools[name] = pool
	}
	return config.NewServerSideConfiguration(def, pools)
}

// ParseClusterMembers parses the member list "1=host:port,2=host:port"
func ParseClusterMembers(members []string) (map[uint64]string, error) {
	out := make(map[uint64]string, len(members))
	for _, m := range members {
		id, addr, ok := strings.Cut(strings.TrimSpace(m), "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("invalid cluster member %q, expected id=address", m)
		}
		replicaID, err := strconv.ParseUint(id, 10, 64)
		if err != nil || replicaID == 0 {
			return nil, fmt.Errorf("invalid replica id in cluster member %q", m)
		}
		if _, exists := out[replicaID]; exists {
			return nil, fmt.Errorf("replica %d listed twice", replicaID)
		}
		out[replicaID] = addr
	}
	return out, nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Entity
	addSection("Entity")
	addField("Name", c.EntityName)
	if c.DefaultResource == "" {
		addField("Default Resource", "<none>")
	} else {
		addField("Default Resource", c.DefaultResource)
	}
	for _, spec := range c.SharedPools {
		addField("Shared Pool", spec)
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)
	if c.MetricsEndpoint != "" {
		addField("Metrics Endpoint", c.MetricsEndpoint)
	}

	addSection("Replication")
	addField("Mode", string(c.Replication))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	switch c.Replication {
	case ReplicationStream:
		addField("Role", string(c.Role))
		if c.Role == RoleActive {
			addField("Endpoint", c.Endpoint)
			addField("Stripe", strconv.Itoa(c.Stripe))
		} else {
			addField("Active Endpoint", c.ActiveEndpoint)
			addField("Resync Interval", fmt.Sprintf("%d sec", c.ResyncIntervalSecond))
		}

	case ReplicationRaft:
		// Node Identity
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.ShardID, 10))

		// RAFT parameters
		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		// Storage
		addSection("Storage")
		addField("Data Directory", c.DataDir)

		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}
	}
	return sb.String()
}
