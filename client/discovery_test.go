package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"tunnel-rpc/loadbalance"
	"tunnel-rpc/registry"
)

func TestDiscoveryClient(t *testing.T) {
	urlA, recA := startTCP(t)
	urlB, recB := startHTTP(t)

	ctx := context.Background()
	reg := registry.NewMemoryRegistry()
	for _, u := range []string{urlA, urlB} {
		if err := reg.Register(ctx, "math", registry.ServiceInstance{Addr: u, Weight: 1}, 10); err != nil {
			t.Fatal(err)
		}
	}

	c := NewDiscoveryClient(reg, &loadbalance.RoundRobinBalancer{}, "math", WithHeartbeat(0))
	defer c.Close()

	for i := 0; i < 4; i++ {
		res, err := c.Call(ctx, "add", []any{i, 1}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if res != int64(i+1) {
			t.Fatalf("add(%d, 1) = %#v", i, res)
		}
	}
	if recA.count() != 2 || recB.count() != 2 {
		t.Fatalf("calls per instance = %d, %d; want 2, 2", recA.count(), recB.count())
	}

	if err := reg.Deregister(ctx, "math", urlA); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		before := recA.count()
		if _, err := c.Call(ctx, "add", []any{1, 1}, nil); err != nil {
			t.Fatal(err)
		}
		if recA.count() == before {
			// one more to make sure round robin no longer reaches A
			if _, err := c.Call(ctx, "add", []any{1, 1}, nil); err != nil {
				t.Fatal(err)
			}
			if recA.count() == before {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("deregistered instance still receives calls")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestDiscoveryNoInstances(t *testing.T) {
	c := NewDiscoveryClient(registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{}, "empty")
	defer c.Close()

	_, err := c.Call(context.Background(), "add", []any{1, 2}, nil)
	if !errors.Is(err, loadbalance.ErrNoInstances) {
		t.Fatalf("err = %v, want ErrNoInstances", err)
	}
}

func TestDiscoveryClosed(t *testing.T) {
	c := NewDiscoveryClient(registry.NewMemoryRegistry(), &loadbalance.RoundRobinBalancer{}, "math")
	c.Close()
	_, err := c.Call(context.Background(), "add", []any{1, 2}, nil)
	if err == nil {
		t.Fatal("call on a closed client succeeded")
	}
}
