// Command slogd runs one node of the deterministic ordering layer:
// the MultiHomeOrderer, the single-home local batcher, and the
// Interleaver, wired to a transport bus, a raft-backed consensus
// engine, local sqlite storage, and whichever client ingest adapters
// are enabled. Grounded on
// _examples/fabricekabongo-chronicles/cmd/chroniclesd/main.go's shape
// (flag for config path, fatal on load failure), scaled up from a
// one-line status print to actually starting every actor.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"slogd/internal/actor"
	"slogd/internal/config"
	"slogd/internal/consensus"
	"slogd/internal/core/interleaver"
	"slogd/internal/core/localbatcher"
	"slogd/internal/core/orderer"
	"slogd/internal/core/remaster"
	"slogd/internal/domain"
	"slogd/internal/ingest/kafka"
	"slogd/internal/ingest/rabbitmq"
	"slogd/internal/storage/sqlite"
	"slogd/internal/topology"
	"slogd/internal/transport"
	"slogd/internal/wire"
)

func main() {
	cfgPath := flag.String("config", "slogd.yaml", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	top := buildTopology(cfg.Cluster)
	logger = logger.With("machine_id", top.LocalMachineID(), "replica", top.LocalReplica, "partition", top.LocalPartition)

	bus := transportBus(cfg, top, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := bus.Start(ctx); err != nil {
			logger.Error("transport listener stopped", "err", err)
		}
	}()
	defer bus.Close()

	store, err := sqlite.NewStore(cfg.Storage.BaseDir, top.LocalPartition)
	if err != nil {
		logger.Error("open storage", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	groups := []string{localbatcher.LocalGroupID(top.LocalPartition)}
	if top.LocalPartition == top.LeaderPartitionForMH {
		groups = append(groups, orderer.GlobalGroupID)
	}

	engine, err := consensusEngine(cfg, groups, bus, logger)
	if err != nil {
		logger.Error("start consensus", "err", err)
		os.Exit(1)
	}
	engine.Start()
	defer engine.Stop()

	ordererHandler := orderer.NewHandler(top, engine, bus, logger.With("component", "orderer"))
	localBatcherHandler := localbatcher.NewHandler(top, engine, bus, logger.With("component", "localbatcher"))
	interleaverHandler := interleaver.NewHandler(bus, top.LocalMachineID(), logger.With("component", "interleaver"))
	remasterManager := remaster.New(store, logger.With("component", "remaster"))
	schedulerHandler := &schedulerShim{remaster: remasterManager, logger: logger.With("component", "scheduler")}

	loops := []*actor.Loop{
		actor.NewLoop(bus.Register(wire.ChannelMultiHomeOrderer), cfg.Cluster.TickInterval, ordererHandler),
		actor.NewLoop(bus.Register(wire.ChannelLocalLog), cfg.Cluster.TickInterval, localBatcherHandler),
		actor.NewLoop(bus.Register(wire.ChannelInterleaver), 0, interleaverHandler),
		actor.NewLoop(bus.Register(wire.ChannelScheduler), 0, schedulerHandler),
	}
	for _, l := range loops {
		go l.Run(ctx)
	}

	submitter := &txnRouter{bus: bus, top: top}
	stopIngest := startIngest(ctx, cfg, top, submitter, logger)
	defer stopIngest()

	logger.Info("slogd started",
		"num_replicas", top.NumReplicas, "num_partitions", top.NumPartitions,
		"kafka_enabled", cfg.Ingest.Kafka.Enabled, "rabbitmq_enabled", cfg.Ingest.RabbitMQ.Enabled)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("slogd shutting down")
}

func buildTopology(c config.ClusterConfig) topology.Topology {
	strategy := topology.StrategyHash
	if c.Strategy == "range" {
		strategy = topology.StrategyRange
	}
	return topology.Topology{
		NumReplicas:          c.NumReplicas,
		NumPartitions:        c.NumPartitions,
		LocalReplica:         c.LocalReplica,
		LocalPartition:       c.LocalPartition,
		LeaderPartitionForMH: c.LeaderPartitionForMH,
		Strategy:             strategy,
		DistanceRank:         c.DistanceRank,
	}
}

func transportBus(cfg config.Config, top topology.Topology, logger *slog.Logger) *transport.Bus {
	peers := make(map[uint32]string, len(cfg.Transport.Peers))
	for idStr, addr := range cfg.Transport.Peers {
		id, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			logger.Warn("skipping unparseable transport peer id", "id", idStr, "err", err)
			continue
		}
		peers[uint32(id)] = addr
	}
	return transport.New(transport.Config{
		LocalMachineID: top.LocalMachineID(),
		ListenAddress:  cfg.Transport.ListenAddress,
		Peers:          peers,
	}, logger)
}

func consensusEngine(cfg config.Config, groups []string, bus *transport.Bus, logger *slog.Logger) (*consensus.Engine, error) {
	peerAddrs := make(map[uint64]string, len(cfg.Consensus.PeerAddresses))
	for idStr, addr := range cfg.Consensus.PeerAddresses {
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			logger.Warn("skipping unparseable consensus peer id", "id", idStr, "err", err)
			continue
		}
		peerAddrs[id] = addr
	}
	return consensus.NewEngine(consensus.Config{
		NodeID:         cfg.Consensus.NodeID,
		Address:        cfg.Consensus.Address,
		PeerAddresses:  peerAddrs,
		Groups:         consensus.GroupSet{Groups: groups},
		TickInterval:   cfg.Consensus.TickInterval,
		ElectionTicks:  cfg.Consensus.ElectionTicks,
		HeartbeatTicks: cfg.Consensus.HeartbeatTicks,
		Bootstrap:      cfg.Consensus.Bootstrap,
		OnDecision:     decisionBridge(bus, logger),
	})
}

// decisionBridge turns a committed consensus.Decision into the wire
// envelope its origin group's owner expects: a BatchOrder for the
// global multi-home group, delivered back to the orderer; a
// LocalBatchOrder for a per-partition group, delivered to the
// interleaver, with the origin queue recovered from the decided batch
// id itself.
func decisionBridge(bus *transport.Bus, logger *slog.Logger) consensus.DecisionFunc {
	return func(d consensus.Decision) {
		if d.GroupID == orderer.GlobalGroupID {
			env := &wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
				BatchOrder: &wire.BatchOrder{Slot: d.Slot, BatchID: d.Value},
			}}}
			if err := bus.SendLocal(wire.ChannelMultiHomeOrderer, env); err != nil {
				logger.Warn("failed to deliver global batch order", "err", err)
			}
			return
		}
		queueID := localbatcher.QueueIDFromBatchID(domain.BatchID(d.Value))
		env := &wire.Envelope{Request: &wire.Request{ForwardBatch: &wire.ForwardBatchRequest{
			LocalBatchOrder: &wire.LocalBatchOrder{Slot: d.Slot, QueueID: queueID, Leader: uint32(d.LeaderID)},
		}}}
		if err := bus.SendLocal(wire.ChannelInterleaver, env); err != nil {
			logger.Warn("failed to deliver local batch order", "group", d.GroupID, "err", err)
		}
	}
}

// txnRouter implements both kafka.Submitter and rabbitmq.Submitter,
// classifying each ingested transaction and forwarding it to the
// actor responsible for its home: the MultiHomeOrderer at this
// replica's designated MH-leader partition for multi-home
// transactions, the local batcher for single-home ones.
type txnRouter struct {
	bus *transport.Bus
	top topology.Topology
}

func (r *txnRouter) Submit(_ context.Context, txn *domain.Transaction) error {
	txn.Classify()
	env := &wire.Envelope{Request: &wire.Request{ForwardTxn: &wire.ForwardTxnRequest{Txn: wire.ToWireTxn(txn)}}}
	if txn.Type == domain.MultiHome {
		if r.top.LocalPartition == r.top.LeaderPartitionForMH {
			return r.bus.SendLocal(wire.ChannelMultiHomeOrderer, env)
		}
		leader := r.top.MultiHomeLeaderMachineID(r.top.LocalReplica)
		return r.bus.Send(leader, wire.ChannelMultiHomeOrderer, env)
	}
	return r.bus.SendLocal(wire.ChannelLocalLog, env)
}

// schedulerShim stands in for the downstream scheduler this daemon
// treats as external: it runs each incoming ordered batch's
// transactions through the remaster admission gate and logs the
// outcome. Committing or executing a transaction is the scheduler's
// job, outside this repository's scope.
type schedulerShim struct {
	remaster *remaster.Manager
	logger   *slog.Logger
}

func (s *schedulerShim) HandleEnvelope(env *wire.Envelope) {
	if env == nil || env.Request == nil || env.Request.ForwardBatch == nil || env.Request.ForwardBatch.BatchData == nil {
		return
	}
	batch := wire.FromWireBatch(env.Request.ForwardBatch.BatchData)
	for _, txn := range batch.Transactions {
		result, err := s.remaster.VerifyMaster(context.Background(), txn)
		if err != nil {
			s.logger.Error("verify master", "txn_id", txn.ID, "err", err)
			continue
		}
		s.logger.Info("verified transaction", "txn_id", txn.ID, "result", result.String())
	}
}

func (s *schedulerShim) HandleTick() {}

func startIngest(ctx context.Context, cfg config.Config, top topology.Topology, submitter *txnRouter, logger *slog.Logger) func() {
	var stops []func()
	if cfg.Ingest.Kafka.Enabled {
		adapter, err := kafka.NewAdapter(kafkaConfig(cfg.Ingest.Kafka, top), submitter)
		if err != nil {
			logger.Error("start kafka adapter", "err", err)
		} else {
			go func() {
				if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("kafka adapter stopped", "err", err)
				}
			}()
		}
	}
	if cfg.Ingest.RabbitMQ.Enabled {
		adapter, err := rabbitmq.NewAdapter(rabbitmqConfig(cfg.Ingest.RabbitMQ, top), submitter)
		if err != nil {
			logger.Error("start rabbitmq adapter", "err", err)
		} else {
			go func() {
				if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
					logger.Error("rabbitmq adapter stopped", "err", err)
				}
			}()
			stops = append(stops, func() { _ = adapter.Close() })
		}
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

func kafkaConfig(c config.KafkaConfig, top topology.Topology) kafka.Config {
	return kafka.Config{
		Enabled:        c.Enabled,
		Brokers:        c.Brokers,
		Topics:         c.Topics,
		GroupID:        c.GroupID,
		ClientID:       c.ClientID,
		WorkerCount:    c.WorkerCount,
		MaxPollRecords: c.MaxPollRecords,
		QueueCapacity:  c.QueueCapacity,
		CommitMode:     c.CommitMode,
		Home:           top,
	}
}

func rabbitmqConfig(c config.RabbitMQConfig, top topology.Topology) rabbitmq.Config {
	return rabbitmq.Config{
		Enabled:       c.Enabled,
		URL:           c.URL,
		Endpoints:     c.Endpoints,
		Exchange:      c.Exchange,
		Queue:         c.Queue,
		RoutingKeys:   c.RoutingKeys,
		ConsumerTag:   c.ConsumerTag,
		PrefetchCount: c.PrefetchCount,
		ManualAck:     c.ManualAck,
		Workers:       c.Workers,
		DeliveryQueue: c.DeliveryQueue,

		DeadLetterExchange: c.DeadLetterExchange,
		MaxRedeliveries:    c.MaxRedeliveries,

		Home: top,
	}
}
