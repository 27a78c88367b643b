package topology

import (
	"math/rand"
	"testing"
	"testing/quick"
	"time"
)

func testTopology() Topology {
	return Topology{NumReplicas: 3, NumPartitions: 4, LocalReplica: 1, LocalPartition: 2, LeaderPartitionForMH: 0}
}

func TestMakeMachineIDContiguousLayout(t *testing.T) {
	top := testTopology()
	if got := top.MakeMachineID(0, 0); got != 0 {
		t.Fatalf("machine id = %d, want 0", got)
	}
	if got := top.MakeMachineID(1, 2); got != 6 {
		t.Fatalf("machine id = %d, want 6", got)
	}
	if got := top.LocalMachineID(); got != 6 {
		t.Fatalf("local machine id = %d, want 6", got)
	}
}

func TestMultiHomeLeaderMachineID(t *testing.T) {
	top := testTopology()
	if got := top.MultiHomeLeaderMachineID(2); got != 8 {
		t.Fatalf("mh leader machine id = %d, want 8", got)
	}
}

func TestPartitionForKeyDeterministic(t *testing.T) {
	top := testTopology()
	keys := []string{"acct-1", "  Acct-1 ", "550e8400-e29b-41d4-a716-446655440000"}
	for _, k := range keys {
		p1 := top.PartitionForKey(k)
		p2 := top.PartitionForKey(k)
		if p1 != p2 {
			t.Fatalf("partition not deterministic for %q", k)
		}
		if p1 >= top.NumPartitions {
			t.Fatalf("partition out of range for %q: %d", k, p1)
		}
	}
	if top.PartitionForKey("acct-1") != top.PartitionForKey("  Acct-1 ") {
		t.Fatalf("expected canonicalized keys to route identically")
	}
}

func TestPartitionForKeyRangeProperty(t *testing.T) {
	top := testTopology()
	cfg := &quick.Config{Rand: rand.New(rand.NewSource(time.Now().UnixNano()))}
	if err := quick.Check(func(s string) bool {
		return top.PartitionForKey(s) < top.NumPartitions
	}, cfg); err != nil {
		t.Fatalf("partition range property failed: %v", err)
	}
}

func TestCanonicalizeKeyEdgeCases(t *testing.T) {
	cases := map[string]string{
		"  ABC  ":    "abc",
		"":           "",
		"MiXeD Case": "mixed case",
	}
	for in, want := range cases {
		if got := CanonicalizeKey(in); got != want {
			t.Fatalf("canonicalize(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestClosestReplicasUnranked(t *testing.T) {
	top := testTopology()
	got := top.ClosestReplicas()
	want := []uint32{0, 1, 2}
	if len(got) != len(want) {
		t.Fatalf("len=%d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ClosestReplicas()=%v, want %v", got, want)
		}
	}
}

func TestClosestReplicasRanked(t *testing.T) {
	top := testTopology()
	top.DistanceRank = []uint32{2, 0, 1} // replica 1 is closest, then 2, then 0
	got := top.ClosestReplicas()
	want := []uint32{1, 2, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ClosestReplicas()=%v, want %v", got, want)
		}
	}
}
