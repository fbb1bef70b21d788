package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/rpc/v2/json2"
	"golang.org/x/net/http2"

	"tunnel-rpc/codec"
	"tunnel-rpc/message"
)

// HTTPTransport sends each call as a JSON-RPC 2.0 POST. https URLs go over
// HTTP/2.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// NewHTTPTransport creates a transport for url (http:// or https://, path
// included). tlsConfig applies to https only; nil means the system roots.
func NewHTTPTransport(url string, tlsConfig *tls.Config, timeout time.Duration) *HTTPTransport {
	var rt http.RoundTripper
	if strings.HasPrefix(url, "https://") {
		rt = &http2.Transport{TLSClientConfig: tlsConfig}
	} else {
		rt = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 16,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &HTTPTransport{
		url:    url,
		client: &http.Client{Transport: rt, Timeout: timeout},
	}
}

// RoundTrip posts req and maps the JSON-RPC response back onto an RPCMessage.
// JSON-RPC errors become faults; HTTP and network failures become errors.
func (t *HTTPTransport) RoundTrip(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	params, err := codec.Normalize(req.Params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	if params == nil {
		params = []any{}
	}
	body, err := json2.EncodeClientRequest(req.ServiceMethod, params)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer cleanlyCloseBody(httpResp.Body)

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		return nil, fmt.Errorf("received status code: %d", httpResp.StatusCode)
	}

	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod}
	var raw json.RawMessage
	err = json2.DecodeClientResponse(httpResp.Body, &raw)
	var rpcErr *json2.Error
	switch {
	case err == nil:
		var result any
		if err := (&codec.JSONCodec{}).Decode(raw, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		resp.Result = result
	case errors.Is(err, json2.ErrNullResult):
	case errors.As(err, &rpcErr):
		resp.Error = rpcErr.Message
	default:
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}

// cleanlyCloseBody drains the body before closing it so the connection can be
// reused and HTTP/2 streams end without a reset.
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
