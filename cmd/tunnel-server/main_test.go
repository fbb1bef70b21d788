package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"tunnel-rpc/client"
	"tunnel-rpc/config"
)

func TestServiceOverHTTP(t *testing.T) {
	cfg := config.DefaultServerConfig()
	cfg.RateLimit = 1000
	s, err := newService(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.mux())
	defer ts.Close()

	c, err := client.Dial(context.Background(), ts.URL+"/rpc")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	res, err := c.Call(context.Background(), "multiply", []any{7, 6}, nil)
	if err != nil || res != int64(42) {
		t.Fatalf("multiply = %#v, %v", res, err)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{`tunnel_rpc_requests_total{method="multiply",outcome="200"} 1`, "go_goroutines"} {
		if !bytes.Contains(body, []byte(want)) {
			t.Fatalf("metrics missing %q", want)
		}
	}
}

func TestHTTPSCommandGeneratesCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := config.DefaultServerConfig()
	cfg.CertFile = filepath.Join(dir, "server.crt")
	cfg.KeyFile = filepath.Join(dir, "server.key")
	s, err := newService(cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		t.Fatal(err)
	}
	if len(tlsConfig.Certificates) != 1 {
		t.Fatal("no certificate loaded")
	}
	for _, f := range []string{cfg.CertFile, cfg.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			t.Fatal(err)
		}
	}
}

func TestLoadConfigFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "c.yaml")
	os.WriteFile(path, []byte("server:\n  httpPort: 8100\n  logLevel: debug\n"), 0o644)

	var got config.ServerConfig
	capture := func() *cli.App {
		app := newApp()
		for _, cmd := range app.Commands {
			cmd.Action = func(c *cli.Context) error {
				var err error
				got, err = loadConfig(c)
				return err
			}
		}
		return app
	}

	if err := capture().Run([]string{"tunnel-server", "--config", path, "--log-level", "warn", "http", "--host", "0.0.0.0"}); err != nil {
		t.Fatal(err)
	}
	if got.HTTPPort != 8100 || got.Host != "0.0.0.0" || got.LogLevel != "warn" {
		t.Fatalf("cfg = %+v", got)
	}

	if err := capture().Run([]string{"tunnel-server", "both", "--https-port", "9443"}); err != nil {
		t.Fatal(err)
	}
	if got.HTTPSPort != 9443 || got.HTTPPort != 8000 {
		t.Fatalf("cfg = %+v", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.yaml")
	os.WriteFile(path, []byte("server:\n  host: 127.0.0.1\n  tcpPort: 39157\n  logDir: "+filepath.Join(dir, "logs")+"\n"), 0o644)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- newApp().RunContext(ctx, []string{"tunnel-server", "--config", path, "--log-level", "error", "tcp"})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "tunnel-server.log"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "servers stopped") {
		t.Fatalf("log file lacks shutdown entry:\n%s", data)
	}
}
