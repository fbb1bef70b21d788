package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"tunnel-rpc/codec"
	"tunnel-rpc/message"
	"tunnel-rpc/server"
)

func add(_ context.Context, args []any, _ map[string]any) (any, error) {
	return args[0].(int) + args[1].(int), nil
}

func sleepy(ctx context.Context, _ []any, _ map[string]any) (any, error) {
	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	return "late", nil
}

func startServer(t *testing.T) string {
	t.Helper()
	svr := server.NewServer()
	if err := svr.Register("add", "", add); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register("sleepy", "", sleepy); err != nil {
		t.Fatal(err)
	}
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.Serve(lis)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return lis.Addr().String()
}

func dial(t *testing.T, addr string, ct codec.CodecType) *ClientTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	tr, err := DialTCP(ctx, addr, ct, nil, WithHeartbeat(0))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestClientTransportSerial(t *testing.T) {
	addr := startServer(t)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeSnappy} {
		tr := dial(t, addr, ct)
		for _, tc := range []struct{ a, b, want int }{{1, 2, 3}, {10, 20, 30}, {100, 200, 300}} {
			resp, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{tc.a, tc.b}})
			if err != nil {
				t.Fatalf("%s: %v", ct, err)
			}
			if resp.Error != "" || resp.Result != tc.want {
				t.Fatalf("%s: add(%d, %d) = %#v, %q", ct, tc.a, tc.b, resp.Result, resp.Error)
			}
		}
	}
}

func TestClientTransportConcurrent(t *testing.T) {
	tr := dial(t, startServer(t), codec.CodecTypeBinary)

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{i, i}})
			if err != nil {
				errs <- err
				return
			}
			if resp.Result != 2*i {
				errs <- fmt.Errorf("add(%d, %d) = %v", i, i, resp.Result)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestClientTransportFault(t *testing.T) {
	tr := dial(t, startServer(t), codec.CodecTypeJSON)
	resp, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "nope"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error == "" {
		t.Fatalf("expected a fault, got %#v", resp.Result)
	}
}

func TestClientTransportContextCancel(t *testing.T) {
	tr := dial(t, startServer(t), codec.CodecTypeJSON)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.RoundTrip(ctx, &message.RPCMessage{ServiceMethod: "sleepy"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}

	// the connection stays usable
	resp, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{1, 1}})
	if err != nil || resp.Result != 2 {
		t.Fatalf("after cancel: %#v, %v", resp, err)
	}
}

func TestClientTransportClosed(t *testing.T) {
	tr := dial(t, startServer(t), codec.CodecTypeJSON)
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if !tr.Closed() {
		t.Fatal("Closed() = false after Close")
	}
	_, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{1, 1}})
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

// A peer that hangs up must release every waiting caller.
func TestClientTransportPeerHangup(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer lis.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := lis.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	tr := dial(t, lis.Addr().String(), codec.CodecTypeJSON)
	peer := <-accepted

	result := make(chan error, 1)
	go func() {
		_, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add"})
		result <- err
	}()
	time.Sleep(50 * time.Millisecond)
	peer.Close()

	select {
	case err := <-result:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("caller not released after hangup")
	}
	if !tr.Closed() {
		t.Fatal("transport not marked closed")
	}
}

func TestPoolRedialsBrokenConnections(t *testing.T) {
	addr := startServer(t)
	var dials int
	var mu sync.Mutex
	pool := NewPool(2, func(ctx context.Context) (*ClientTransport, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return DialTCP(ctx, addr, codec.CodecTypeJSON, nil, WithHeartbeat(0))
	})
	defer pool.Close()

	call := func() {
		t.Helper()
		resp, err := pool.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{2, 3}})
		if err != nil || resp.Result != 5 {
			t.Fatalf("add = %#v, %v", resp, err)
		}
	}
	for i := 0; i < 4; i++ {
		call()
	}
	if dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}

	first, err := pool.Get(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	first.Close()
	call()
	call()
	if dials != 3 {
		t.Fatalf("dials = %d after one broken connection, want 3", dials)
	}

	pool.Close()
	if _, err := pool.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Method: "add", Err: ErrClosed}
	if !errors.Is(e, ErrClosed) || e.Error() != "transport: add: transport: closed" {
		t.Fatalf("unexpected error %q", e)
	}
	f := &Error{Method: "add", Fault: "boom"}
	if f.Error() != "transport: add: fault: boom" {
		t.Fatalf("unexpected error %q", f)
	}
}
