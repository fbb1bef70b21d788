package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"tunnel-rpc/config"
	"tunnel-rpc/dispatch"
	"tunnel-rpc/httprpc"
	"tunnel-rpc/mathsvc"
	"tunnel-rpc/middleware"
	"tunnel-rpc/registry"
	"tunnel-rpc/server"
	"tunnel-rpc/tlsutil"
)

const (
	shutdownTimeout = 5 * time.Second
	rateLimiterTTL  = 10 * time.Minute
)

// service is one process worth of listeners sharing a single handler chain.
type service struct {
	cfg     config.ServerConfig
	logger  *zap.Logger
	rpc     *server.Server
	metrics *prometheus.Registry
	reg     *registry.EtcdRegistry

	mu      sync.Mutex
	stopped bool
	web     []*http.Server
}

func newService(cfg config.ServerConfig, logger *zap.Logger) (*service, error) {
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := middleware.NewMetrics(promReg)
	if err != nil {
		return nil, err
	}

	rpc := server.NewServer(server.WithLogger(logger))
	names, err := rpc.RegisterInstance(mathsvc.New(logger.Named("math")))
	if err != nil {
		return nil, err
	}
	logger.Info("registered methods", zap.Strings("methods", names))

	rpc.Use(middleware.LoggingMiddleware(logger.Named("rpc")))
	rpc.Use(middleware.MetricsMiddleware(metrics))
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst == 0 {
			burst = int(cfg.RateLimit) + 1
		}
		rpc.Use(middleware.KeyedRateLimitMiddleware(cfg.RateLimit, burst, rateLimiterTTL))
	}
	if cfg.RequestTimeout > 0 {
		rpc.Use(middleware.TimeOutMiddleware(cfg.RequestTimeout))
	}
	dispatch.Install(rpc, dispatch.WithLogger(logger.Named("dispatch")))

	s := &service{cfg: cfg, logger: logger, rpc: rpc, metrics: promReg}
	if len(cfg.EtcdEndpoints) > 0 {
		s.reg, err = registry.NewEtcdRegistry(cfg.EtcdEndpoints, registry.WithRegistryLogger(logger.Named("registry")))
		if err != nil {
			return nil, fmt.Errorf("connect etcd: %w", err)
		}
	}
	return s, nil
}

func (s *service) mux() http.Handler {
	return httprpc.NewMux(httprpc.NewHandler(s.rpc.Handler(), s.logger.Named("http")), s.metrics)
}

// announce publishes url under the configured service name when a registry
// is configured.
func (s *service) announce(ctx context.Context, url string) error {
	if s.reg == nil {
		return nil
	}
	return s.rpc.Announce(ctx, s.reg, s.cfg.ServiceName, url, s.cfg.LeaseTTL)
}

func (s *service) advertise(host string, port int) string {
	if s.cfg.AdvertiseHost != "" {
		host = s.cfg.AdvertiseHost
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// serveHTTP serves JSON-RPC over plain HTTP until the server is shut down.
func (s *service) serveHTTP(ctx context.Context, host string, port int) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := httprpc.NewServer(addr, s.mux(), nil)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("failed to start HTTP server", zap.String("addr", addr), zap.Error(err))
		return err
	}
	if !s.track(srv) {
		lis.Close()
		return nil
	}
	if err := s.announce(ctx, "http://"+s.advertise(host, port)+httprpc.DefaultPath); err != nil {
		return err
	}
	s.logger.Info("HTTP server started", zap.String("addr", lis.Addr().String()))
	return ignoreClosed(srv.Serve(lis))
}

// serveHTTPS is serveHTTP over TLS, generating a self-signed certificate
// when the configured files are missing.
func (s *service) serveHTTPS(ctx context.Context, host string, port int) error {
	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	srv := httprpc.NewServer(addr, s.mux(), tlsConfig)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		s.logger.Error("failed to start HTTPS server", zap.String("addr", addr), zap.Error(err))
		return err
	}
	if !s.track(srv) {
		lis.Close()
		return nil
	}
	if err := s.announce(ctx, "https://"+s.advertise(host, port)+httprpc.DefaultPath); err != nil {
		return err
	}
	s.logger.Info("HTTPS server started", zap.String("addr", lis.Addr().String()))
	return ignoreClosed(srv.ServeTLS(lis, "", ""))
}

// serveTCP serves the framed protocol, over TLS when useTLS is set.
func (s *service) serveTCP(ctx context.Context, host string, port int, useTLS bool) error {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	scheme := "tcp://"
	var lis net.Listener
	var err error
	if useTLS {
		var tlsConfig *tls.Config
		if tlsConfig, err = s.tlsConfig(); err != nil {
			return err
		}
		tlsConfig.NextProtos = nil
		lis, err = tls.Listen("tcp", addr, tlsConfig)
		scheme = "tls://"
	} else {
		lis, err = net.Listen("tcp", addr)
	}
	if err != nil {
		s.logger.Error("failed to start TCP server", zap.String("addr", addr), zap.Error(err))
		return err
	}
	if err := s.announce(ctx, scheme+s.advertise(host, port)); err != nil {
		lis.Close()
		return err
	}
	return s.rpc.Serve(lis)
}

func (s *service) tlsConfig() (*tls.Config, error) {
	created, err := tlsutil.EnsureCert(s.cfg.CertFile, s.cfg.KeyFile, tlsutil.Options{})
	if err != nil {
		return nil, fmt.Errorf("certificate: %w", err)
	}
	if created {
		s.logger.Info("generated self-signed certificate",
			zap.String("cert", s.cfg.CertFile), zap.String("key", s.cfg.KeyFile))
	} else {
		s.logger.Info("using existing certificate", zap.String("cert", s.cfg.CertFile))
	}
	return tlsutil.ServerConfig(s.cfg.CertFile, s.cfg.KeyFile)
}

// track records srv for shutdown. It reports false once shutdown has begun.
func (s *service) track(srv *http.Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.web = append(s.web, srv)
	return true
}

// shutdown withdraws announcements, then stops every listener.
func (s *service) shutdown() {
	if err := s.rpc.Shutdown(shutdownTimeout); err != nil {
		s.logger.Warn("rpc shutdown", zap.Error(err))
	}
	s.mu.Lock()
	s.stopped = true
	web := s.web
	s.mu.Unlock()
	for _, srv := range web {
		if err := httprpc.Shutdown(srv, shutdownTimeout); err != nil {
			s.logger.Warn("http shutdown", zap.String("addr", srv.Addr), zap.Error(err))
		}
	}
	if s.reg != nil {
		s.reg.Close()
	}
	s.logger.Info("servers stopped")
}

func ignoreClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
