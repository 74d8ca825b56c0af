package pingd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBindAddress is the interface the server binds to when none is configured.
	DefaultBindAddress = "0.0.0.0"
	// DefaultPort is the TCP port used when Port is not set.
	DefaultPort = 3000
	// DefaultRequestTimeout bounds a single request in the HTTP pipeline.
	DefaultRequestTimeout = 5 * time.Second
	// DefaultReadHeaderTimeout bounds how long a client may take to send request headers.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultMaxHeaderBytes caps request header size.
	DefaultMaxHeaderBytes = 1 << 20
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof endpoint (empty disables).
	DefaultPprofListen = ""
	// DefaultConfigFileName is the config file looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a pingd.Server instance.
type Config struct {
	// BindAddress is the interface to bind (for example "0.0.0.0" or "127.0.0.1").
	BindAddress string
	// Port is the TCP port to bind. Zero selects DefaultPort unless PortSet is true,
	// in which case the OS assigns a free port.
	Port int
	// PortSet reports whether Port was explicitly set by caller/flags/env.
	PortSet bool
	// RequestTimeout bounds each request; negative disables the timeout middleware.
	RequestTimeout time.Duration
	// ReadHeaderTimeout bounds header reads; negative disables it.
	ReadHeaderTimeout time.Duration
	// MaxHeaderBytes caps request header size.
	MaxHeaderBytes int
	// MaxConnections caps concurrently accepted connections; zero means unlimited.
	MaxConnections int
	// ShutdownGrace bounds the drain phase of Stop. Zero waits for in-flight
	// requests indefinitely.
	ShutdownGrace time.Duration
	// ReusePort sets SO_REUSEPORT on the listening socket where supported.
	ReusePort bool
	// DisableRequestTracing turns off the per-request logging/correlation middleware.
	DisableRequestTracing bool
	// OTLPEndpoint enables OTLP trace export (grpc://, http://, https:// or host:port).
	OTLPEndpoint string
	// MetricsListen is the Prometheus scrape endpoint bind address; empty disables metrics.
	MetricsListen string
	// PprofListen is the pprof endpoint bind address; empty disables pprof.
	PprofListen string
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool
}

// Validate applies defaults and rejects inconsistent settings. The port range
// is checked when binding so an out-of-range port surfaces as a BindError.
func (c *Config) Validate() error {
	c.BindAddress = strings.TrimSpace(c.BindAddress)
	if c.BindAddress == "" {
		c.BindAddress = DefaultBindAddress
	}
	if c.Port == 0 && !c.PortSet {
		c.Port = DefaultPort
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if c.MaxHeaderBytes <= 0 {
		c.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("config: max connections must be >= 0")
	}
	if c.ShutdownGrace < 0 {
		return fmt.Errorf("config: shutdown grace must be >= 0")
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

// Addr returns the host:port the server binds.
func (c Config) Addr() string {
	host := c.BindAddress
	if host == "" {
		host = DefaultBindAddress
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// DefaultConfigDir returns the default configuration directory ($HOME/.pingd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("PINGD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".pingd"), nil
}
