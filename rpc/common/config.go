package common

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Defaults
// --------------------------------------------------------------------------

const (
	DefaultRequestTimeout             = 250 * time.Millisecond
	DefaultConnectTimeout             = 2 * time.Second
	DefaultMaxRedirects               = 5
	DefaultRefreshAttempts            = 3
	DefaultConnectionFailureThreshold = 3
	DefaultWorkersPerConnection       = 64
	DefaultBufferSize                 = 64 * 1024
	DefaultMaxFrameSize               = 512 * 1024 * 1024
)

// --------------------------------------------------------------------------
// Engine client configuration
// --------------------------------------------------------------------------

// ClientConfig configures the engine client, i.e. how nodes are reached,
// how long requests may take and how the cluster topology is tracked
type ClientConfig struct {
	// Addresses are the seed nodes ("host:port", or socket paths for the unix transport)
	Addresses []string
	// ClusterMode enables slot routing, redirects and topology discovery
	ClusterMode bool
	// Transport selects the connector used to reach the nodes ("tcp" or "unix")
	Transport string

	RequestTimeout time.Duration
	ConnectTimeout time.Duration

	// MaxRedirects bounds the number of MOVED/ASK/TRYAGAIN retries of a single request
	MaxRedirects int
	// RefreshAttempts bounds the number of rounds a topology refresh tries all known nodes
	RefreshAttempts int
	// RefreshInterval triggers a periodic topology refresh, 0 disables it
	RefreshInterval time.Duration
	// ConnectionFailureThreshold is the number of consecutive connection
	// failures after which the topology is refreshed
	ConnectionFailureThreshold int
	// AllowPartialCoverage accepts topologies that do not cover every slot
	AllowPartialCoverage bool

	TCPConf    TCPConf
	SocketConf SocketConf

	LogLevel string
}

// TCPConf holds socket options applied to tcp connections
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int
}

// SocketConf holds buffer sizes applied to every connection
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// DefaultClientConfig returns a config for a standalone node on localhost
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addresses:                  []string{"localhost:6379"},
		Transport:                  "tcp",
		RequestTimeout:             DefaultRequestTimeout,
		ConnectTimeout:             DefaultConnectTimeout,
		MaxRedirects:               DefaultMaxRedirects,
		RefreshAttempts:            DefaultRefreshAttempts,
		ConnectionFailureThreshold: DefaultConnectionFailureThreshold,
		TCPConf: TCPConf{
			TCPNoDelay:      true,
			TCPKeepAliveSec: 30,
			TCPLingerSec:    0,
		},
		SocketConf: SocketConf{
			WriteBufferSize: DefaultBufferSize,
			ReadBufferSize:  DefaultBufferSize,
		},
		LogLevel: "info",
	}
}

// Validate checks the configuration for obvious mistakes
func (c *ClientConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return fmt.Errorf("at least one address is required")
	}
	switch c.Transport {
	case "tcp", "unix":
	default:
		return fmt.Errorf("unknown transport %q, must be one of tcp, unix", c.Transport)
	}
	if c.RequestTimeout < 0 || c.ConnectTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.MaxRedirects < 0 {
		return fmt.Errorf("max redirects must not be negative")
	}
	if c.ClusterMode && c.RefreshAttempts < 1 {
		return fmt.Errorf("refresh attempts must be at least 1 in cluster mode")
	}
	return nil
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Mode", map[bool]string{true: "cluster", false: "standalone"}[c.ClusterMode])
	addField("Transport", c.Transport)
	addField("Request Timeout", c.RequestTimeout.String())
	addField("Connect Timeout", c.ConnectTimeout.String())
	addField("Max Redirects", strconv.Itoa(c.MaxRedirects))

	if c.ClusterMode {
		addSection("Topology")
		addField("Refresh Attempts", strconv.Itoa(c.RefreshAttempts))
		if c.RefreshInterval > 0 {
			addField("Refresh Interval", c.RefreshInterval.String())
		} else {
			addField("Refresh Interval", "disabled")
		}
		addField("Failure Threshold", strconv.Itoa(c.ConnectionFailureThreshold))
		addField("Partial Coverage", strconv.FormatBool(c.AllowPartialCoverage))
	}

	if c.Transport == "tcp" {
		addSection("TCP")
		addField("No Delay", strconv.FormatBool(c.TCPConf.TCPNoDelay))
		addField("Keep Alive", fmt.Sprintf("%d sec", c.TCPConf.TCPKeepAliveSec))
		addField("Linger", fmt.Sprintf("%d sec", c.TCPConf.TCPLingerSec))
	}

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Addresses")
	for i, addr := range c.Addresses {
		addField(strconv.Itoa(i), addr)
	}

	return sb.String()
}

// --------------------------------------------------------------------------
// IPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig configures the IPC socket listener that bridges binding
// processes to the engine
type ServerConfig struct {
	// SocketPath of the shared unix socket, empty selects a fresh temp path
	SocketPath string
	// Serializer used for the envelopes ("binary", "json" or "gob")
	Serializer string
	// WorkersPerConnection bounds the concurrently served requests of one binding connection
	WorkersPerConnection int
	// MaxFrameSize bounds the size of a single inbound envelope
	MaxFrameSize int
	// TimeoutSecond bounds the execution of a single request, 0 disables the limit
	TimeoutSecond int64

	SocketConf SocketConf

	// Client configures the engine clients created for binding connections
	Client ClientConfig

	LogLevel string
}

// DefaultServerConfig returns the default listener configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Serializer:           "binary",
		WorkersPerConnection: DefaultWorkersPerConnection,
		MaxFrameSize:         DefaultMaxFrameSize,
		SocketConf: SocketConf{
			WriteBufferSize: DefaultBufferSize,
			ReadBufferSize:  DefaultBufferSize,
		},
		Client:   DefaultClientConfig(),
		LogLevel: "info",
	}
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("IPC Server")
	addField("Socket Path", c.SocketPath)
	addField("Serializer", c.Serializer)
	addField("Workers / Connection", strconv.Itoa(c.WorkersPerConnection))
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaxFrameSize))
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	sb.WriteString(c.Client.String())
	return sb.String()
}
