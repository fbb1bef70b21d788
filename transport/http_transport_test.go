package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tunnel-rpc/httprpc"
	"tunnel-rpc/message"
	"tunnel-rpc/server"
)

func newRPCHandler(t *testing.T) http.Handler {
	t.Helper()
	svr := server.NewServer()
	if err := svr.Register("add", "", add); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register("echo", "", func(_ context.Context, args []any, _ map[string]any) (any, error) {
		return args[0], nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := svr.Register("nothing", "", func(context.Context, []any, map[string]any) (any, error) {
		return nil, nil
	}); err != nil {
		t.Fatal(err)
	}
	return httprpc.NewMux(httprpc.NewHandler(svr.Handler(), nil), nil)
}

func TestHTTPTransport(t *testing.T) {
	ts := httptest.NewServer(newRPCHandler(t))
	defer ts.Close()

	tr := NewHTTPTransport(ts.URL+httprpc.DefaultPath, nil, 5*time.Second)
	defer tr.Close()

	resp, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{2, 3}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Error != "" || resp.Result != 5 {
		t.Fatalf("add = %#v, %q", resp.Result, resp.Error)
	}

	resp, err = tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "nothing"})
	if err != nil || resp.Result != nil || resp.Error != "" {
		t.Fatalf("nothing = %#v, %v", resp, err)
	}

	resp, err = tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "missing"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(resp.Error, "missing") {
		t.Fatalf("expected a fault naming the method, got %q", resp.Error)
	}
}

func TestHTTPTransportCarriesEnvelope(t *testing.T) {
	ts := httptest.NewServer(newRPCHandler(t))
	defer ts.Close()
	tr := NewHTTPTransport(ts.URL, nil, 5*time.Second)

	env := message.NewRequest([]any{int64(1) << 40, 2.5}, map[string]any{"k": "v"})
	resp, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "echo", Params: []any{env}})
	if err != nil {
		t.Fatal(err)
	}
	back, ok := message.ParseEnvelope(resp.Result)
	if !ok {
		t.Fatalf("result is not an envelope: %#v", resp.Result)
	}
	args := back.Args()
	if len(args) != 2 || args[0] != int64(1)<<40 || args[1] != 2.5 || back.Kwargs()["k"] != "v" {
		t.Fatalf("args = %#v kwargs = %#v", args, back.Kwargs())
	}
}

func TestHTTPTransportUnencodableParams(t *testing.T) {
	tr := NewHTTPTransport("http://127.0.0.1:1/rpc", nil, time.Second)
	_, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{int64(1) << 40}})
	if err == nil || !strings.Contains(err.Error(), "encode params") {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPTransportStatus(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()
	tr := NewHTTPTransport(ts.URL, nil, time.Second)
	_, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add"})
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPSTransportUsesHTTP2(t *testing.T) {
	var proto string
	rpc := newRPCHandler(t)
	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proto = r.Proto
		rpc.ServeHTTP(w, r)
	}))
	ts.EnableHTTP2 = true
	ts.StartTLS()
	defer ts.Close()

	tr := NewHTTPTransport(ts.URL+httprpc.DefaultPath, &tls.Config{InsecureSkipVerify: true}, 5*time.Second)
	defer tr.Close()

	resp, err := tr.RoundTrip(context.Background(), &message.RPCMessage{ServiceMethod: "add", Params: []any{20, 22}})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Result != 42 {
		t.Fatalf("add = %#v", resp.Result)
	}
	if proto != "HTTP/2.0" {
		t.Fatalf("proto = %s, want HTTP/2.0", proto)
	}
}
