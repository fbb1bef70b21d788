package httprpc

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/prometheus/client_golang/prometheus"

	"tunnel-rpc/dispatch"
	"tunnel-rpc/mathsvc"
	"tunnel-rpc/message"
	"tunnel-rpc/middleware"
	"tunnel-rpc/server"
)

func newTestServer(t *testing.T) (*httptest.Server, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics, err := middleware.NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}

	srv := server.NewServer()
	if _, err := srv.RegisterInstance(mathsvc.New(nil)); err != nil {
		t.Fatal(err)
	}
	srv.Use(middleware.MetricsMiddleware(metrics))
	dispatch.Install(srv)

	ts := httptest.NewServer(NewMux(NewHandler(srv.Handler(), nil), reg))
	t.Cleanup(ts.Close)
	return ts, reg
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func post(t *testing.T, url, body string) rpcResponse {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestEnvelopeCall(t *testing.T) {
	ts, _ := newTestServer(t)

	env, _ := json.Marshal(message.NewRequest([]any{10, 5}, nil))
	out := post(t, ts.URL+DefaultPath, `{"jsonrpc":"2.0","id":1,"method":"add","params":[`+string(env)+`]}`)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}

	var result map[string]any
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatal(err)
	}
	parsed, ok := message.ParseEnvelope(result)
	if !ok || parsed.Code() != message.StatusOK || parsed.Result() != int64(15) {
		t.Fatalf("unexpected result: %s", out.Result)
	}
}

func TestNotFoundIsEnvelope(t *testing.T) {
	ts, _ := newTestServer(t)

	out := post(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"doesNotExist","params":[]}`)
	if out.Error != nil {
		t.Fatalf("404 must not be a JSON-RPC error: %+v", out.Error)
	}
	if !bytes.Contains(out.Result, []byte(`"response_code":404`)) {
		t.Fatalf("unexpected result: %s", out.Result)
	}
}

func TestListMethods(t *testing.T) {
	ts, _ := newTestServer(t)

	out := post(t, ts.URL, `{"jsonrpc":"2.0","id":7,"method":"system.listMethods"}`)
	var names []string
	if err := json.Unmarshal(out.Result, &names); err != nil {
		t.Fatalf("result %s: %v", out.Result, err)
	}
	want := "add,divide,multiply,subtract,system.listMethods,system.methodHelp,system.methodSignature"
	if strings.Join(names, ",") != want {
		t.Fatalf("names = %v", names)
	}
}

func TestFaultIsJSONRPCError(t *testing.T) {
	ts, _ := newTestServer(t)

	out := post(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"system.methodHelp","params":[1, 2]}`)
	if out.Error == nil || !strings.Contains(out.Error.Message, "exactly one parameter") {
		t.Fatalf("expected fault, got %+v", out)
	}
}

func TestObjectParamsRejected(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL, "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"add","params":{"x":1}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out.Error == nil || out.Error.Code != int(json2.E_BAD_PARAMS) || !strings.Contains(out.Error.Message, "params must be an array") {
		t.Fatalf("unexpected body: %+v", out)
	}
}

func TestGetNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, err := http.Get(ts.URL + DefaultPath)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestHealthzAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)
	post(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"add","params":[1, 2]}`)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != `{"status":"ok"}` {
		t.Fatalf("healthz = %s", body)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !bytes.Contains(body, []byte(`tunnel_rpc_requests_total{method="add",outcome="200"} 1`)) {
		t.Fatalf("metrics missing add counter:\n%s", body)
	}
}
