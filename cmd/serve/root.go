package serve

import (
	"context"
	"errors"
	"fmt"
	"github.com/ValentinKolb/dCache/cmd/util"
	"github.com/ValentinKolb/dCache/lib/config"
	"github.com/ValentinKolb/dCache/lib/entity"
	"github.com/ValentinKolb/dCache/lib/entity/rsm"
	"github.com/ValentinKolb/dCache/rpc/common"
	"github.com/ValentinKolb/dCache/rpc/replication"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/logger"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"
)

var (
	log = logger.GetLogger("server")

	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Start a dCache server node",
		Long: `Start a dCache server node hosting one cache entity. The configuration can be set via command line flags, a YAML config file (--config) or environment variables. The format of the environment variables is DCACHE_<flag> (e.g. DCACHE_LOG_LEVEL=debug).

With --replication=stream an active node serves sync passes on --endpoint and passive nodes pull them from --active-endpoint. With --replication=raft every operation is replicated through a raft shard.`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	key := "config"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Path of a YAML config file. Keys are the flag names (e.g. 'shared-pools: [\"a=1GB\"]'). Flags and environment variables take precedence"))

	key = "print-config"
	ServeCmd.PersistentFlags().Bool(key, false, util.WrapString("Print the resulting configuration as YAML and exit"))

	// entity
	key = "entity-name"
	ServeCmd.PersistentFlags().String(key, "cache-manager", util.WrapString("Name of the cache entity hosted by this node"))

	key = "default-resource"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Default server resource of the entity. Pools without an explicit resource draw from it (empty = none)"))

	key = "shared-pools"
	ServeCmd.PersistentFlags().StringSlice(key, nil, util.WrapString("Comma-separated list of shared pools. Format: name=size[@resource], size with an optional unit (B, KB, MB, GB, TB), e.g. 'primary=128GB@offheap,small=64MB'"))

	// replication
	key = "replication"
	ServeCmd.PersistentFlags().String(key, string(common.ReplicationStream), util.WrapString("Replication mode (stream, raft)"))

	key = "role"
	ServeCmd.PersistentFlags().String(key, string(common.RoleActive), util.WrapString("(Stream Mode) Role of this node (active, passive)"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:9410", util.WrapString("Address on which sync passes are served to passive nodes. In raft mode passes are served from the local replica if set"))

	key = "active-endpoint"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("(Stream Mode) Address of the active node a passive node syncs from"))

	key = "stripe"
	ServeCmd.PersistentFlags().Int(key, 0, util.WrapString("Concurrency stripe written into every frame of the sync channel"))

	key = "resync-interval"
	ServeCmd.PersistentFlags().Int64(key, 10, util.WrapString("(Stream Mode) Seconds a passive node waits between sync passes and before retrying a failed pass"))

	// raft
	key = "shard-id"
	ServeCmd.PersistentFlags().Uint64(key, 1, util.WrapString("(Raft Mode) ID of the raft shard replicating the entity"))

	key = "rtt-ms"
	ServeCmd.PersistentFlags().Uint64(key, 100, util.WrapString("(Raft Mode) RTTMillisecond defines the average Round Trip Time (RTT) in milliseconds between two NodeHost instances. Other raft configuration parameters (ElectionRTT, HeartbeatRTT) are derived from this value"))

	key = "snapshot-entries"
	ServeCmd.PersistentFlags().Uint64(key, 10000, util.WrapString("(Raft Mode) SnapshotEntries defines how often the state machine should be snapshotted automatically, in applied Raft log entries. 0 disables automatic snapshots (not recommended)"))

	key = "compaction-overhead"
	ServeCmd.PersistentFlags().Uint64(key, 5000, util.WrapString("(Raft Mode) CompactionOverhead defines the number of log entries to keep after a snapshot"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", util.WrapString("(Raft Mode) DataDir is the directory used for the raft log and snapshots"))

	key = "replica-id"
	ServeCmd.PersistentFlags().Uint64(key, 0, util.WrapString("(Raft Mode) ReplicaID is the numeric identifier of this NodeHost instance"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().StringSlice(key, nil, util.WrapString("(Raft Mode) Comma-separated list of cluster members in the format '1=localhost:63001,2=localhost:63002,...'"))

	// ambient
	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, util.WrapString("Timeout in seconds for raft proposals and sync channel reads and writes"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", util.WrapString("Address on which Prometheus metrics are served at /metrics (empty = disabled)"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", util.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags, the config file and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	if file := viper.GetString("config"); file != "" {
		viper.SetConfigFile(file)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", file, err)
		}
	}

	serveCmdConfig.EntityName = viper.GetString("entity-name")
	serveCmdConfig.DefaultResource = viper.GetString("default-resource")
	serveCmdConfig.SharedPools = util.SplitList(viper.GetStringSlice("shared-pools"))

	serveCmdConfig.Replication = common.ReplicationMode(viper.GetString("replication"))
	serveCmdConfig.Role = common.ServerRole(viper.GetString("role"))
	serveCmdConfig.Endpoint = viper.GetString("endpoint")
	serveCmdConfig.ActiveEndpoint = viper.GetString("active-endpoint")
	serveCmdConfig.Stripe = viper.GetInt("stripe")
	serveCmdConfig.ResyncIntervalSecond = viper.GetInt64("resync-interval")

	serveCmdConfig.ShardID = viper.GetUint64("shard-id")
	serveCmdConfig.RTTMillisecond = viper.GetUint64("rtt-ms")
	serveCmdConfig.SnapshotEntries = viper.GetUint64("snapshot-entries")
	serveCmdConfig.CompactionOverhead = viper.GetUint64("compaction-overhead")
	serveCmdConfig.DataDir = viper.GetString("data-dir")
	serveCmdConfig.ReplicaID = viper.GetUint64("replica-id")

	members, err := common.ParseClusterMembers(util.SplitList(viper.GetStringSlice("cluster-members")))
	if err != nil {
		return err
	}
	serveCmdConfig.ClusterMembers = members

	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	return serveCmdConfig.Validate()
}

// run starts the server node and blocks until SIGINT or SIGTERM
func run(cmd *cobra.Command, _ []string) error {
	if viper.GetBool("print-config") {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer enc.Close()
		return enc.Encode(serveCmdConfig)
	}

	if err := common.InitLoggers(*serveCmdConfig); err != nil {
		return err
	}
	log.Infof("Starting dCache server with configuration:\n%s", serveCmdConfig)

	cfg, err := serveCmdConfig.ServerSideConfiguration()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveCmdConfig.MetricsEndpoint != "" {
		go serveMetrics(ctx, serveCmdConfig.MetricsEndpoint)
	}

	timeout := time.Duration(serveCmdConfig.TimeoutSecond) * time.Second
	switch serveCmdConfig.Replication {
	case common.ReplicationRaft:
		return runRaft(ctx, cfg, timeout)
	default:
		e := entity.NewEntity(serveCmdConfig.EntityName, cfg, nil)
		if serveCmdConfig.Role == common.RolePassive {
			interval := time.Duration(serveCmdConfig.ResyncIntervalSecond) * time.Second
			return replication.NewReceiver(e, timeout).Run(ctx, serveCmdConfig.ActiveEndpoint, interval)
		}
		return replication.NewSender(e, serveCmdConfig.Stripe, timeout).Listen(ctx, serveCmdConfig.Endpoint)
	}
}

// runRaft starts a NodeHost with one replica of the entity state machine. If an endpoint
// is configured, sync passes of the local replica are served to passive nodes.
func runRaft(ctx context.Context, cfg *config.ServerSideConfiguration, timeout time.Duration) error {
	nodeHost, err := dragonboat.NewNodeHost(serveCmdConfig.ToNodeHostConfig())
	if err != nil {
		return fmt.Errorf("failed to create node host: %w", err)
	}
	defer nodeHost.Close()

	var replica atomic.Pointer[rsm.EntityStateMachine]
	factory := rsm.CreateStateMachineFactory(serveCmdConfig.EntityName, cfg, nil)
	create := func(shardID, replicaID uint64) sm.IConcurrentStateMachine {
		fsm := factory(shardID, replicaID).(*rsm.EntityStateMachine)
		replica.Store(fsm)
		return fsm
	}

	shardID := serveCmdConfig.ShardID
	if err := nodeHost.StartConcurrentReplica(serveCmdConfig.ClusterMembers, false, create, serveCmdConfig.ToDragonboatConfig()); err != nil {
		return fmt.Errorf("failed to start replica of shard %d: %w", shardID, err)
	}
	log.Infof("Started replica %d of shard %d", serveCmdConfig.ReplicaID, shardID)

	if serveCmdConfig.Endpoint != "" {
		fsm := replica.Load()
		if fsm == nil {
			return errors.New("state machine was not created")
		}
		go func() {
			sender := replication.NewSender(fsm.Entity(), serveCmdConfig.Stripe, timeout)
			if err := sender.Listen(ctx, serveCmdConfig.Endpoint); err != nil {
				log.Errorf("Sync channel stopped: %v", err)
			}
		}()
	}

	client := rsm.NewClient(nodeHost, shardID, timeout)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Infof("Shutting down replica %d of shard %d", serveCmdConfig.ReplicaID, shardID)
			return nil
		case <-ticker.C:
			ids, err := client.CacheIDs()
			if err != nil {
				log.Warningf("Failed to read cache ids: %v", err)
				continue
			}
			for _, id := range ids {
				if info, err := client.StoreInfo(id); err == nil {
					log.Infof("Cache %s: %d keys, %d elements, mean chain length %.2f, max %d", id, info.Keys, info.Elements, info.ChainLengthMean, info.ChainLengthMax)
				}
			}
		}
	}
}

// serveMetrics exposes all VictoriaMetrics counters in Prometheus text format
func serveMetrics(ctx context.Context, endpoint string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})
	srv := &http.Server{Addr: endpoint, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	log.Infof("Serving metrics on http://%s/metrics", endpoint)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Metrics endpoint stopped: %v", err)
	}
}
