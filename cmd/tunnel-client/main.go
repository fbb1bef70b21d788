// Command tunnel-client calls the math methods of a tunnel-server.
//
//	tunnel-client add 10 5
//	tunnel-client multiply --url https://localhost:8443 7 6
//	tunnel-client list-methods --url tcp://localhost:9000
//
// Flags go before the numbers; use -- ahead of a negative operand.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"tunnel-rpc/client"
	"tunnel-rpc/codec"
	"tunnel-rpc/config"
	"tunnel-rpc/logging"
	"tunnel-rpc/middleware"
	"tunnel-rpc/tlsutil"
	"tunnel-rpc/value"
)

// errReported fails a command whose problem was already printed.
var errReported = errors.New("failed")

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	app := &cli.App{
		Name:      "tunnel-client",
		Usage:     "call math functions on a tunnel-server",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"TUNNEL_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "console log level"},
		},
		Action: func(c *cli.Context) error {
			fmt.Fprintln(out, "Use --help to see available commands")
			fmt.Fprintln(out, "\nQuick examples:")
			fmt.Fprintln(out, "  tunnel-client add 10 5")
			fmt.Fprintln(out, "  tunnel-client multiply --url https://localhost:8443 7 6")
			fmt.Fprintln(out, "  tunnel-client list-methods")
			return nil
		},
	}
	for _, op := range []struct{ name, usage string }{
		{"add", "add two numbers"},
		{"subtract", "subtract y from x"},
		{"multiply", "multiply two numbers"},
		{"divide", "divide x by y"},
	} {
		name := op.name
		app.Commands = append(app.Commands, &cli.Command{
			Name:      name,
			Usage:     op.usage,
			ArgsUsage: "X Y",
			Flags:     connFlags(),
			Action: func(c *cli.Context) error {
				return callMath(c, out, name)
			},
		})
	}
	app.Commands = append(app.Commands,
		&cli.Command{
			Name:  "list-methods",
			Usage: "list the methods the server offers",
			Flags: connFlags(),
			Action: func(c *cli.Context) error {
				return withClient(c, out, true, func(ctx context.Context, cl *client.Client) error {
					names, err := cl.ListMethods(ctx)
					if err != nil {
						fmt.Fprintf(out, "Error listing methods: %v\n", err)
						return errReported
					}
					fmt.Fprintln(out, "Available methods:")
					for _, n := range names {
						fmt.Fprintf(out, "  - %s\n", n)
					}
					return nil
				})
			},
		},
		&cli.Command{
			Name:  "test",
			Usage: "test the connection to the server",
			Flags: connFlags(),
			Action: func(c *cli.Context) error {
				return withClient(c, out, false, func(ctx context.Context, cl *client.Client) error {
					if !testConnection(ctx, cl, out, urlOf(c), true) {
						return errReported
					}
					fmt.Fprintln(out, "Connection test successful!")
					return nil
				})
			},
		},
	)
	return app
}

func connFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "url", Usage: "server URL (http, https, tcp or tls)"},
		&cli.StringFlag{Name: "codec", Usage: "wire codec for tcp URLs: json, binary or snappy"},
		&cli.BoolFlag{Name: "verify-tls", Usage: "verify the server certificate"},
	}
}

func loadConfig(c *cli.Context) (config.ClientConfig, error) {
	cfg, err := config.LoadClient(c.String("config"))
	if err != nil {
		return cfg, err
	}
	config.MergeClient(&cfg, config.ClientConfig{
		URL:       c.String("url"),
		Codec:     c.String("codec"),
		VerifyTLS: c.Bool("verify-tls"),
		LogLevel:  c.String("log-level"),
	})
	return cfg, cfg.Validate()
}

func urlOf(c *cli.Context) string {
	cfg, _ := loadConfig(c)
	return cfg.URL
}

// withClient dials the configured server and runs fn. With probe set the
// connection is tested first and the command fails quietly if it is down.
func withClient(c *cli.Context, out io.Writer, probe bool, fn func(context.Context, *client.Client) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Config{Name: "tunnel-client", Level: cfg.LogLevel, Console: os.Stderr})
	if err != nil {
		return err
	}
	defer closeLog()

	ct, _ := codec.ParseCodecType(cfg.Codec)
	tlsConfig, err := tlsutil.ClientConfig(cfg.VerifyTLS, cfg.CAFile)
	if err != nil {
		return err
	}
	ctx := c.Context
	cl, err := client.Dial(ctx, cfg.URL,
		client.WithCodec(ct),
		client.WithTLSConfig(tlsConfig),
		client.WithTimeout(cfg.Timeout),
		client.WithLogger(logger))
	if err != nil {
		return err
	}
	defer cl.Close()
	cl.Use(middleware.LoggingMiddleware(logger))
	if cfg.Retries > 0 {
		cl.Use(middleware.RetryMiddleware(cfg.Retries, cfg.RetryDelay, logger))
	}

	if probe && !testConnection(ctx, cl, out, cfg.URL, false) {
		return errReported
	}
	return fn(ctx, cl)
}

func testConnection(ctx context.Context, cl *client.Client, out io.Writer, url string, verbose bool) bool {
	names, err := cl.ListMethods(ctx)
	if err != nil {
		if verbose {
			fmt.Fprintf(out, "✗ Failed to connect to %s: %v\n", url, err)
		}
		return false
	}
	if verbose {
		fmt.Fprintf(out, "✓ Connected to %s\n", url)
		fmt.Fprintf(out, "Available methods: %s\n", strings.Join(names, ", "))
	}
	return true
}

func callMath(c *cli.Context, out io.Writer, op string) error {
	if c.NArg() != 2 {
		return fmt.Errorf("%s needs exactly two numbers", op)
	}
	x, err := parseNumber(c.Args().Get(0))
	if err != nil {
		return err
	}
	y, err := parseNumber(c.Args().Get(1))
	if err != nil {
		return err
	}

	return withClient(c, out, true, func(ctx context.Context, cl *client.Client) error {
		label := fmt.Sprintf("%s(%s, %s)", op, format(x), format(y))
		res, err := cl.Call(ctx, op, nil, map[string]any{"x": x, "y": y})

		var ce *client.CallError
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s = %s (Code: 200)\n", label, format(res))
		case errors.As(err, &ce):
			fmt.Fprintf(out, "%s - Code: %d, Error: %s\n", label, ce.Code, ce.Message)
		default:
			fmt.Fprintf(out, "Error calling %s: %v\n", label, err)
			return errReported
		}
		return nil
	})
}

// parseNumber reads an integer of any size, or else a float.
func parseNumber(s string) (any, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	if n, ok := new(big.Int).SetString(s, 10); ok {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("not a number: %q", s)
	}
	return f, nil
}

func format(v any) string {
	switch x := v.(type) {
	case float64:
		return value.FormatFloat(x, 64)
	case *big.Int:
		return x.String()
	}
	return fmt.Sprint(v)
}
