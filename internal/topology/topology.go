// Package topology derives machine identity and key routing from the
// cluster's replica/partition layout, the way the teacher's hashroute
// package derives stream routing from a partition count.
package topology

import (
	"hash/fnv"
	"sort"
	"strings"
)

// Strategy selects how keys are mapped to partitions.
type Strategy int

const (
	// StrategyHash assigns partitions by FNV-1a hash of the key,
	// matching the teacher's PartitionForStreamKey.
	StrategyHash Strategy = iota
	// StrategyRange is reserved for a future range-partitioned
	// deployment; PartitionForKey falls back to StrategyHash for it
	// today since no range boundaries are configured anywhere yet.
	StrategyRange
)

// Topology is the immutable, freely-shared cluster layout described in
// §6: replica/partition counts, this machine's identity, and the
// partition responsible for multi-home ordering.
type Topology struct {
	NumReplicas          uint32
	NumPartitions        uint32
	LocalReplica         uint32
	LocalPartition       uint32
	LeaderPartitionForMH uint32
	Strategy             Strategy
	// DistanceRank[r] is region r's rank in this region's latency
	// ordering, ascending (0 = closest). Optional; nil means unranked.
	DistanceRank []uint32
}

// MakeMachineID applies the cluster's fixed enumeration: replicas are
// laid out contiguously, each holding NumPartitions machines.
func (t Topology) MakeMachineID(replica, partition uint32) uint32 {
	return replica*t.NumPartitions + partition
}

// LocalMachineID is this process's own machine id.
func (t Topology) LocalMachineID() uint32 {
	return t.MakeMachineID(t.LocalReplica, t.LocalPartition)
}

// MultiHomeLeaderMachineID returns the machine id hosting the
// multi-home ordering leader for the given replica.
func (t Topology) MultiHomeLeaderMachineID(replica uint32) uint32 {
	return t.MakeMachineID(replica, t.LeaderPartitionForMH)
}

// CanonicalizeKey normalizes a key before hashing, matching the
// teacher's CanonicalizeStreamKey.
func CanonicalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// PartitionForKey computes the deterministic partition for a key under
// the configured strategy.
func (t Topology) PartitionForKey(key string) uint32 {
	switch t.Strategy {
	case StrategyRange:
		fallthrough
	default:
		h := fnv.New64a()
		_, _ = h.Write([]byte(CanonicalizeKey(key)))
		return uint32(h.Sum64() % uint64(t.NumPartitions))
	}
}

// ClosestReplicas returns the replicas ordered by ascending distance
// rank. The kafka and rabbitmq ingest adapters use this (as
// homeLocator) to pick a low-latency default master region for a key
// whose caller left master_region undeclared.
func (t Topology) ClosestReplicas() []uint32 {
	if len(t.DistanceRank) == 0 {
		out := make([]uint32, t.NumReplicas)
		for i := range out {
			out[i] = uint32(i)
		}
		return out
	}
	out := make([]uint32, len(t.DistanceRank))
	for i := range out {
		out[i] = uint32(i)
	}
	sort.Slice(out, func(i, j int) bool { return t.DistanceRank[out[i]] < t.DistanceRank[out[j]] })
	return out
}
