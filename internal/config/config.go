// Package config loads slogd's layered configuration the way the
// teacher's own config package does: a viper-backed reader over
// YAML/TOML with SLOGD_-prefixed environment overrides, defaults, and
// a Validate pass before anything is wired up.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full daemon configuration: cluster topology, this
// process's place in it, the transport/consensus/storage
// collaborators, and the two client ingest adapters.
type Config struct {
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Transport TransportConfig `mapstructure:"transport"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Feature   FeatureConfig   `mapstructure:"feature"`
}

// ClusterConfig describes the fixed replica/partition layout and this
// process's place in it, mirrored onto internal/topology.Topology by
// cmd/slogd.
type ClusterConfig struct {
	NumReplicas          uint32        `mapstructure:"num_replicas"`
	NumPartitions        uint32        `mapstructure:"num_partitions"`
	LocalReplica         uint32        `mapstructure:"local_replica"`
	LocalPartition       uint32        `mapstructure:"local_partition"`
	LeaderPartitionForMH uint32        `mapstructure:"leader_partition_for_mh"`
	Strategy             string        `mapstructure:"strategy"`
	DistanceRank         []uint32      `mapstructure:"distance_rank"`
	TickInterval         time.Duration `mapstructure:"tick_interval"`
}

// TransportConfig configures the machine-to-machine bus. Peers maps a
// decimal machine id to its dial address.
type TransportConfig struct {
	ListenAddress string            `mapstructure:"listen_address"`
	Peers         map[string]string `mapstructure:"peers"`
}

// ConsensusConfig configures the raft-backed consensus engine.
// PeerAddresses maps a decimal raft node id to its dial address.
type ConsensusConfig struct {
	NodeID         uint64            `mapstructure:"node_id"`
	Address        string            `mapstructure:"address"`
	PeerAddresses  map[string]string `mapstructure:"peer_addresses"`
	TickInterval   time.Duration     `mapstructure:"tick_interval"`
	ElectionTicks  int               `mapstructure:"election_ticks"`
	HeartbeatTicks int               `mapstructure:"heartbeat_ticks"`
	Bootstrap      bool              `mapstructure:"bootstrap"`
}

// StorageConfig configures the local master/counter table.
type StorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

type IngestConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Brokers        []string `mapstructure:"brokers"`
	Topics         []string `mapstructure:"topics"`
	GroupID        string   `mapstructure:"group_id"`
	ClientID       string   `mapstructure:"client_id"`
	WorkerCount    int      `mapstructure:"worker_count"`
	MaxPollRecords int      `mapstructure:"max_poll_records"`
	QueueCapacity  int      `mapstructure:"queue_capacity"`
	CommitMode     string   `mapstructure:"commit_mode"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Endpoints     []string `mapstructure:"endpoints"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	ManualAck     bool     `mapstructure:"manual_ack"`
	Workers       int      `mapstructure:"workers"`
	DeliveryQueue int      `mapstructure:"delivery_queue"`

	DeadLetterExchange string `mapstructure:"dead_letter_exchange"`
	MaxRedeliveries    int    `mapstructure:"max_redeliveries"`
}

type FeatureConfig struct {
	AllowMultipleAdapters bool `mapstructure:"allow_multiple_adapters"`
}

// Load reads path (format inferred from its extension) through viper,
// applies SLOGD_-prefixed environment overrides, fills defaults, and
// validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("slogd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cluster.strategy", "hash")
	v.SetDefault("cluster.tick_interval", "10ms")
	v.SetDefault("consensus.tick_interval", "20ms")
	v.SetDefault("consensus.election_ticks", 10)
	v.SetDefault("consensus.heartbeat_ticks", 1)
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("feature.allow_multiple_adapters", true)
	v.SetDefault("ingest.kafka.worker_count", 4)
	v.SetDefault("ingest.kafka.max_poll_records", 500)
	v.SetDefault("ingest.kafka.queue_capacity", 1000)
	v.SetDefault("ingest.kafka.commit_mode", "after_quorum_commit")
	v.SetDefault("ingest.rabbitmq.workers", 4)
	v.SetDefault("ingest.rabbitmq.delivery_queue", 1000)
	v.SetDefault("ingest.rabbitmq.prefetch_count", 20)
	v.SetDefault("ingest.rabbitmq.manual_ack", true)
	v.SetDefault("ingest.rabbitmq.max_redeliveries", 5)
}

func (c Config) Validate() error {
	if c.Cluster.NumReplicas == 0 {
		return fmt.Errorf("cluster.num_replicas is required")
	}
	if c.Cluster.NumPartitions == 0 {
		return fmt.Errorf("cluster.num_partitions is required")
	}
	if c.Cluster.LocalReplica >= c.Cluster.NumReplicas {
		return fmt.Errorf("cluster.local_replica %d out of range [0, %d)", c.Cluster.LocalReplica, c.Cluster.NumReplicas)
	}
	if c.Cluster.LocalPartition >= c.Cluster.NumPartitions {
		return fmt.Errorf("cluster.local_partition %d out of range [0, %d)", c.Cluster.LocalPartition, c.Cluster.NumPartitions)
	}
	if c.Cluster.LeaderPartitionForMH >= c.Cluster.NumPartitions {
		return fmt.Errorf("cluster.leader_partition_for_mh %d out of range [0, %d)", c.Cluster.LeaderPartitionForMH, c.Cluster.NumPartitions)
	}
	if c.Transport.ListenAddress == "" {
		return fmt.Errorf("transport.listen_address is required")
	}
	if c.Consensus.Address == "" {
		return fmt.Errorf("consensus.address is required")
	}
	if c.Ingest.Kafka.Enabled && c.Ingest.Kafka.CommitMode != "after_quorum_commit" && c.Ingest.Kafka.CommitMode != "immediate" {
		return fmt.Errorf("ingest.kafka.commit_mode %q is not a recognized commit mode", c.Ingest.Kafka.CommitMode)
	}
	if !c.Feature.AllowMultipleAdapters {
		enabled := 0
		if c.Ingest.Kafka.Enabled {
			enabled++
		}
		if c.Ingest.RabbitMQ.Enabled {
			enabled++
		}
		if enabled > 1 {
			return fmt.Errorf("multiple adapters enabled while feature.allow_multiple_adapters=false")
		}
	}
	return nil
}
