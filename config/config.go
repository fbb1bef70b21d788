// Package config loads server and client settings from a YAML file with
// TUNNEL_* environment overrides on top. Command-line flags, applied by the
// binaries, win over both.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"tunnel-rpc/codec"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

type ServerConfig struct {
	Host      string `yaml:"host"`
	HTTPPort  int    `yaml:"httpPort"`
	HTTPSPort int    `yaml:"httpsPort"`
	TCPPort   int    `yaml:"tcpPort"`
	CertFile  string `yaml:"certFile"`
	KeyFile   string `yaml:"keyFile"`

	// RequestTimeout bounds each call; zero disables the timeout middleware.
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	// RateLimit is calls per second per method; zero disables limiting.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`

	LogLevel string `yaml:"logLevel"`
	LogDir   string `yaml:"logDir"`

	EtcdEndpoints []string `yaml:"etcdEndpoints"`
	ServiceName   string   `yaml:"serviceName"`
	// AdvertiseHost is the host put into announced URLs; defaults to Host.
	AdvertiseHost string `yaml:"advertiseHost"`
	LeaseTTL      int64  `yaml:"leaseTTL"`
}

type ClientConfig struct {
	URL        string        `yaml:"url"`
	Codec      string        `yaml:"codec"`
	Timeout    time.Duration `yaml:"timeout"`
	VerifyTLS  bool          `yaml:"verifyTLS"`
	CAFile     string        `yaml:"caFile"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	LogLevel   string        `yaml:"logLevel"`
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "localhost",
		HTTPPort:       8000,
		HTTPSPort:      8443,
		TCPPort:        9000,
		CertFile:       "server.crt",
		KeyFile:        "server.key",
		RequestTimeout: 30 * time.Second,
		LogLevel:       "info",
		LogDir:         "logs",
		ServiceName:    "tunnel-rpc",
		LeaseTTL:       10,
	}
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:        "http://localhost:8000",
		Codec:      "json",
		Timeout:    30 * time.Second,
		Retries:    2,
		RetryDelay: 100 * time.Millisecond,
		LogLevel:   "warn",
	}
}

// file is the on-disk layout; pointers tell "unset" from zero.
type file struct {
	Server *ServerConfig `yaml:"server"`
	Client *ClientConfig `yaml:"client"`
}

func read(path string) (*file, error) {
	var f file
	if path == "" {
		return &f, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &f, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// LoadServer reads the server section of path over the defaults, then
// applies the environment. A missing file yields the defaults.
func LoadServer(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	f, err := read(path)
	if err != nil {
		return cfg, err
	}
	if f.Server != nil {
		MergeServer(&cfg, *f.Server)
	}
	ApplyServerEnv(&cfg)
	return cfg, cfg.Validate()
}

// LoadClient is LoadServer for the client section.
func LoadClient(path string) (ClientConfig, error) {
	cfg := DefaultClientConfig()
	f, err := read(path)
	if err != nil {
		return cfg, err
	}
	if f.Client != nil {
		MergeClient(&cfg, *f.Client)
	}
	ApplyClientEnv(&cfg)
	return cfg, cfg.Validate()
}

// MergeServer copies the non-zero fields of src into dst.
func MergeServer(dst *ServerConfig, src ServerConfig) {
	if src.Host != "" {
		dst.Host = src.Host
	}
	if src.HTTPPort != 0 {
		dst.HTTPPort = src.HTTPPort
	}
	if src.HTTPSPort != 0 {
		dst.HTTPSPort = src.HTTPSPort
	}
	if src.TCPPort != 0 {
		dst.TCPPort = src.TCPPort
	}
	if src.CertFile != "" {
		dst.CertFile = src.CertFile
	}
	if src.KeyFile != "" {
		dst.KeyFile = src.KeyFile
	}
	if src.RequestTimeout != 0 {
		dst.RequestTimeout = src.RequestTimeout
	}
	if src.RateLimit != 0 {
		dst.RateLimit = src.RateLimit
	}
	if src.RateBurst != 0 {
		dst.RateBurst = src.RateBurst
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.LogDir != "" {
		dst.LogDir = src.LogDir
	}
	if src.EtcdEndpoints != nil {
		dst.EtcdEndpoints = src.EtcdEndpoints
	}
	if src.ServiceName != "" {
		dst.ServiceName = src.ServiceName
	}
	if src.AdvertiseHost != "" {
		dst.AdvertiseHost = src.AdvertiseHost
	}
	if src.LeaseTTL != 0 {
		dst.LeaseTTL = src.LeaseTTL
	}
}

// MergeClient copies the non-zero fields of src into dst. VerifyTLS can only
// be switched on this way.
func MergeClient(dst *ClientConfig, src ClientConfig) {
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.Codec != "" {
		dst.Codec = src.Codec
	}
	if src.Timeout != 0 {
		dst.Timeout = src.Timeout
	}
	if src.VerifyTLS {
		dst.VerifyTLS = true
	}
	if src.CAFile != "" {
		dst.CAFile = src.CAFile
	}
	if src.Retries != 0 {
		dst.Retries = src.Retries
	}
	if src.RetryDelay != 0 {
		dst.RetryDelay = src.RetryDelay
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}

func envInt(name string, dst *int) {
	if n, err := strconv.Atoi(env(name)); err == nil {
		*dst = n
	}
}

func envDuration(name string, dst *time.Duration) {
	if d, err := time.ParseDuration(env(name)); err == nil {
		*dst = d
	}
}

// ApplyServerEnv applies TUNNEL_HOST, TUNNEL_HTTP_PORT, TUNNEL_HTTPS_PORT,
// TUNNEL_TCP_PORT, TUNNEL_REQUEST_TIMEOUT, TUNNEL_LOG_LEVEL, TUNNEL_LOG_DIR,
// TUNNEL_ETCD_ENDPOINTS (comma separated) and TUNNEL_SERVICE_NAME.
// Unparsable values are ignored.
func ApplyServerEnv(cfg *ServerConfig) {
	if v := env("TUNNEL_HOST"); v != "" {
		cfg.Host = v
	}
	envInt("TUNNEL_HTTP_PORT", &cfg.HTTPPort)
	envInt("TUNNEL_HTTPS_PORT", &cfg.HTTPSPort)
	envInt("TUNNEL_TCP_PORT", &cfg.TCPPort)
	envDuration("TUNNEL_REQUEST_TIMEOUT", &cfg.RequestTimeout)
	if v := env("TUNNEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := env("TUNNEL_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := env("TUNNEL_ETCD_ENDPOINTS"); v != "" {
		cfg.EtcdEndpoints = strings.Split(v, ",")
	}
	if v := env("TUNNEL_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
}

// ApplyClientEnv applies TUNNEL_URL, TUNNEL_CODEC, TUNNEL_TIMEOUT,
// TUNNEL_VERIFY_TLS and TUNNEL_LOG_LEVEL.
func ApplyClientEnv(cfg *ClientConfig) {
	if v := env("TUNNEL_URL"); v != "" {
		cfg.URL = v
	}
	if v := env("TUNNEL_CODEC"); v != "" {
		cfg.Codec = v
	}
	envDuration("TUNNEL_TIMEOUT", &cfg.Timeout)
	if b, err := strconv.ParseBool(env("TUNNEL_VERIFY_TLS")); err == nil {
		cfg.VerifyTLS = b
	}
	if v := env("TUNNEL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

func (c ServerConfig) Validate() error {
	for name, p := range map[string]int{"httpPort": c.HTTPPort, "httpsPort": c.HTTPSPort, "tcpPort": c.TCPPort} {
		if !validPort(p) {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, p)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("%w: negative requestTimeout", ErrInvalid)
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		return fmt.Errorf("%w: negative rate limit", ErrInvalid)
	}
	if len(c.EtcdEndpoints) > 0 && c.ServiceName == "" {
		return fmt.Errorf("%w: serviceName required with etcdEndpoints", ErrInvalid)
	}
	return nil
}

func (c ClientConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: empty url", ErrInvalid)
	}
	if _, err := codec.ParseCodecType(c.Codec); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Timeout < 0 || c.Retries < 0 || c.RetryDelay < 0 {
		return fmt.Errorf("%w: negative timeout or retry setting", ErrInvalid)
	}
	return nil
}
