// Command tunnel-server serves the math methods over the typed-value tunnel:
// JSON-RPC over HTTP and HTTPS, and the framed TCP protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tunnel-rpc/config"
	"tunnel-rpc/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tunnel-server",
		Usage: "serve the math methods over HTTP, HTTPS and TCP",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"TUNNEL_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "console log level (debug, info, warn, error)"},
			&cli.StringFlag{Name: "log-dir", Usage: "directory for the rotated log file"},
		},
		Commands: []*cli.Command{
			{
				Name:  "http",
				Usage: "start the HTTP server",
				Flags: []cli.Flag{hostFlag("host"), portFlag("port", 8000)},
				Action: func(c *cli.Context) error {
					return run(c, func(ctx context.Context, s *service, cfg config.ServerConfig) []func() error {
						return []func() error{func() error { return s.serveHTTP(ctx, cfg.Host, cfg.HTTPPort) }}
					})
				},
			},
			{
				Name:  "https",
				Usage: "start the HTTPS server, generating a self-signed certificate if needed",
				Flags: append([]cli.Flag{hostFlag("host"), portFlag("port", 8443)}, certFlags()...),
				Action: func(c *cli.Context) error {
					return run(c, func(ctx context.Context, s *service, cfg config.ServerConfig) []func() error {
						return []func() error{func() error { return s.serveHTTPS(ctx, cfg.Host, cfg.HTTPSPort) }}
					})
				},
			},
			{
				Name:  "both",
				Usage: "start the HTTP and HTTPS servers",
				Flags: append([]cli.Flag{
					hostFlag("http-host"), portFlag("http-port", 8000),
					hostFlag("https-host"), portFlag("https-port", 8443),
				}, certFlags()...),
				Action: func(c *cli.Context) error {
					httpHost, httpsHost := c.String("http-host"), c.String("https-host")
					return run(c, func(ctx context.Context, s *service, cfg config.ServerConfig) []func() error {
						if httpHost == "" {
							httpHost = cfg.Host
						}
						if httpsHost == "" {
							httpsHost = cfg.Host
						}
						return []func() error{
							func() error { return s.serveHTTP(ctx, httpHost, cfg.HTTPPort) },
							func() error { return s.serveHTTPS(ctx, httpsHost, cfg.HTTPSPort) },
						}
					})
				},
			},
			{
				Name:  "tcp",
				Usage: "start the framed TCP server",
				Flags: append([]cli.Flag{
					hostFlag("host"), portFlag("port", 9000),
					&cli.BoolFlag{Name: "tls", Usage: "serve TLS on the TCP port"},
				}, certFlags()...),
				Action: func(c *cli.Context) error {
					useTLS := c.Bool("tls")
					return run(c, func(ctx context.Context, s *service, cfg config.ServerConfig) []func() error {
						return []func() error{func() error { return s.serveTCP(ctx, cfg.Host, cfg.TCPPort, useTLS) }}
					})
				},
			},
		},
	}
}

func hostFlag(name string) cli.Flag {
	return &cli.StringFlag{Name: name, Usage: "interface to bind"}
}

func portFlag(name string, def int) cli.Flag {
	return &cli.IntFlag{Name: name, Value: def, Usage: "port to listen on"}
}

func certFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "cert", Usage: "certificate file"},
		&cli.StringFlag{Name: "key", Usage: "private key file"},
	}
}

// loadConfig layers defaults, the config file, the environment and finally
// the flags that were set explicitly.
func loadConfig(c *cli.Context) (config.ServerConfig, error) {
	cfg, err := config.LoadServer(c.String("config"))
	if err != nil {
		return cfg, err
	}
	flags := config.ServerConfig{
		LogLevel: c.String("log-level"),
		LogDir:   c.String("log-dir"),
		CertFile: c.String("cert"),
		KeyFile:  c.String("key"),
		Host:     c.String("host"),
	}
	switch c.Command.Name {
	case "http":
		flags.HTTPPort = setInt(c, "port")
	case "https":
		flags.HTTPSPort = setInt(c, "port")
	case "tcp":
		flags.TCPPort = setInt(c, "port")
	case "both":
		flags.HTTPPort = setInt(c, "http-port")
		flags.HTTPSPort = setInt(c, "https-port")
	}
	config.MergeServer(&cfg, flags)
	return cfg, cfg.Validate()
}

// setInt returns the flag value if it was given or has a default the config
// file did not override.
func setInt(c *cli.Context, name string) int {
	if c.IsSet(name) {
		return c.Int(name)
	}
	return 0
}

type starter func(ctx context.Context, s *service, cfg config.ServerConfig) []func() error

// run starts every listener returned by start and blocks until one fails or
// the process is signalled, then shuts everything down.
func run(c *cli.Context, start starter) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Config{Name: "tunnel-server", Dir: cfg.LogDir, Level: cfg.LogLevel})
	if err != nil {
		return err
	}
	defer closeLog()

	s, err := newService(cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}

	g, ctx := errgroup.WithContext(c.Context)
	for _, fn := range start(ctx, s, cfg) {
		g.Go(fn)
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown requested")
		s.shutdown()
		return nil
	})
	return g.Wait()
}
