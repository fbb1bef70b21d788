package loadbalance

import (
	"errors"
	"fmt"
	"testing"

	"tunnel-rpc/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: "tcp://127.0.0.1:8001", Weight: 10, Version: "1.0"},
	{Addr: "tcp://127.0.0.1:8002", Weight: 5, Version: "1.0"},
	{Addr: "tcp://127.0.0.1:8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	for i := 0; i < 2*len(testInstances); i++ {
		inst, err := b.Pick("add", testInstances)
		if err != nil {
			t.Fatal(err)
		}
		if want := testInstances[i%len(testInstances)].Addr; inst.Addr != want {
			t.Fatalf("pick %d = %s, want %s", i, inst.Addr, want)
		}
	}
}

func TestEmpty(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		if _, err := b.Pick("add", nil); !errors.Is(err, ErrNoInstances) {
			t.Fatalf("%s: err = %v, want ErrNoInstances", b.Name(), err)
		}
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		inst, err := b.Pick("", testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// weights are 10:5:10
	ratio := float64(counts["tcp://127.0.0.1:8001"]) / float64(counts["tcp://127.0.0.1:8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio 8001/8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick("", []registry.ServiceInstance{{Addr: "a"}, {Addr: "b"}})
	if err != nil || inst == nil {
		t.Fatalf("pick = %v, %v", inst, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	first, _ := b.Pick("add", testInstances)
	for i := 0; i < 10; i++ {
		inst, _ := b.Pick("add", testInstances)
		if inst.Addr != first.Addr {
			t.Fatalf("same key mapped to %s and %s", first.Addr, inst.Addr)
		}
	}

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Pick(fmt.Sprintf("method-%d", i), testInstances)
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	b.Pick("add", testInstances)

	only := testInstances[1:2]
	inst, err := b.Pick("add", only)
	if err != nil {
		t.Fatal(err)
	}
	if inst.Addr != only[0].Addr {
		t.Fatalf("picked %s after the ring shrank to %s", inst.Addr, only[0].Addr)
	}
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                "round-robin",
		"round-robin":     "round-robin",
		"weighted-random": "weighted-random",
		"consistent-hash": "consistent-hash",
	} {
		b, err := New(name)
		if err != nil || b.Name() != want {
			t.Fatalf("New(%q) = %v, %v", name, b, err)
		}
	}
	if _, err := New("random"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}
