package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	t.Setenv("SLOGD_INGEST_KAFKA_ENABLED", "true")

	path := filepath.Join(t.TempDir(), "slogd.yaml")
	content := []byte(`
cluster:
  num_replicas: 3
  num_partitions: 4
  local_replica: 0
  local_partition: 1
  leader_partition_for_mh: 0
transport:
  listen_address: "0.0.0.0:7000"
  peers:
    "1": "10.0.0.2:7000"
consensus:
  node_id: 1
  address: "0.0.0.0:8000"
ingest:
  kafka:
    enabled: false
    brokers: ["127.0.0.1:9092"]
    topics: ["txns"]
    group_id: g1
    commit_mode: after_quorum_commit
  rabbitmq:
    enabled: true
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if !cfg.Ingest.Kafka.Enabled {
		t.Fatalf("expected env override to enable kafka")
	}
	if !cfg.Ingest.RabbitMQ.Enabled {
		t.Fatalf("expected rabbitmq enabled from file")
	}
	if cfg.Cluster.NumPartitions != 4 || cfg.Cluster.LocalPartition != 1 {
		t.Fatalf("unexpected cluster config: %+v", cfg.Cluster)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slogd.toml")
	content := []byte(`
[cluster]
num_replicas = 3
num_partitions = 4
local_replica = 1
local_partition = 0
leader_partition_for_mh = 0

[transport]
listen_address = "0.0.0.0:7000"

[consensus]
node_id = 2
address = "0.0.0.0:8000"

[ingest.kafka]
enabled = false
brokers = ["127.0.0.1:9092"]
topics = ["txns"]
group_id = "g1"
commit_mode = "after_quorum_commit"

[ingest.rabbitmq]
enabled = false
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load toml: %v", err)
	}
	if cfg.Cluster.LocalReplica != 1 {
		t.Fatalf("unexpected local replica: %d", cfg.Cluster.LocalReplica)
	}
	if cfg.Consensus.NodeID != 2 {
		t.Fatalf("unexpected consensus node id: %d", cfg.Consensus.NodeID)
	}
}

func baseValidConfig() Config {
	return Config{
		Cluster: ClusterConfig{
			NumReplicas: 3, NumPartitions: 4, LocalReplica: 0, LocalPartition: 0, LeaderPartitionForMH: 0,
		},
		Transport: TransportConfig{ListenAddress: "0.0.0.0:7000"},
		Consensus: ConsensusConfig{Address: "0.0.0.0:8000"},
	}
}

func TestValidateRejectsOutOfRangeTopology(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Cluster.LocalPartition = 4 // out of [0, NumPartitions)
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for out-of-range local_partition")
	}
}

func TestValidateDisallowMultipleAdapters(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Ingest = IngestConfig{
		Kafka:    KafkaConfig{Enabled: true, Brokers: []string{"b:9092"}, Topics: []string{"t"}, GroupID: "g", CommitMode: "after_quorum_commit"},
		RabbitMQ: RabbitMQConfig{Enabled: true},
	}
	cfg.Feature = FeatureConfig{AllowMultipleAdapters: false}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error when multiple adapters are enabled")
	}
}

func TestValidateKafkaCommitMode(t *testing.T) {
	cfg := baseValidConfig()
	cfg.Ingest.Kafka = KafkaConfig{Enabled: true, Brokers: []string{"b:9092"}, Topics: []string{"events"}, GroupID: "g1", CommitMode: "before_quorum"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected commit mode validation error")
	}
}
