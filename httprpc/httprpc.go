// Package httprpc serves the server's handler chain as JSON-RPC 2.0 over
// HTTP, next to /healthz and /metrics.
//
// The JSON-RPC codec comes from gorilla/rpc's json2 package; dispatch itself
// stays with the server chain, so the tunnel interceptor and every middleware
// apply exactly as on the TCP transport.
package httprpc

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tunnel-rpc/codec"
	"tunnel-rpc/message"
	"tunnel-rpc/middleware"
)

// DefaultPath is where the JSON-RPC endpoint is mounted.
const DefaultPath = "/rpc"

// Handler answers JSON-RPC 2.0 POSTs by running them through a handler chain.
type Handler struct {
	next   middleware.HandlerFunc
	codec  *json2.Codec
	logger *zap.Logger
}

// NewHandler wraps next, normally (*server.Server).Handler().
func NewHandler(next middleware.HandlerFunc, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{next: next, codec: json2.NewCodec(), logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "rpc: POST method required", http.StatusMethodNotAllowed)
		return
	}

	cr := h.codec.NewRequest(r)
	method, err := cr.Method()
	if err != nil {
		cr.WriteError(w, http.StatusOK, err)
		return
	}

	var raw json.RawMessage
	if err := cr.ReadRequest(&raw); err != nil {
		cr.WriteError(w, http.StatusOK, err)
		return
	}
	params, err := decodeParams(raw)
	if err != nil {
		cr.WriteError(w, http.StatusOK, &json2.Error{Code: json2.E_BAD_PARAMS, Message: err.Error()})
		return
	}

	resp := h.next(r.Context(), &message.RPCMessage{ServiceMethod: method, Params: params})
	if resp.Error != "" {
		cr.WriteError(w, http.StatusOK, &json2.Error{Code: json2.E_SERVER, Message: resp.Error})
		return
	}

	result, err := codec.Normalize(resp.Result)
	if err != nil {
		h.logger.Error("encode response failed", zap.String("method", method), zap.Error(err))
		cr.WriteError(w, http.StatusOK, &json2.Error{Code: json2.E_INTERNAL, Message: "encode response: " + err.Error()})
		return
	}
	cr.WriteResponse(w, result)
}

// decodeParams accepts an absent, null or array params member.
func decodeParams(raw json.RawMessage) ([]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := (&codec.JSONCodec{}).Decode(raw, &v); err != nil {
		return nil, err
	}
	switch p := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return p, nil
	}
	return nil, fmt.Errorf("params must be an array, got %T", v)
}

// NewMux mounts the RPC handler at DefaultPath and at "/", plus /healthz and,
// when gatherer is non-nil, /metrics.
func NewMux(rpc http.Handler, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, rpc)
	mux.Handle("/", rpc)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	if gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// NewServer returns an http.Server with conservative timeouts. tlsConfig may
// be nil for plain HTTP.
func NewServer(addr string, handler http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Shutdown stops srv gracefully within timeout.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}
