package util

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/kvengine/rpc/client"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/serializer"
	"github.com/ValentinKolb/kvengine/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50

	// EnvPrefix is the prefix of all environment variables read by the cli
	EnvPrefix = "kvengine"
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var lines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}

// InitConfig loads .env files and makes viper read KVENGINE_* variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	return viper.BindPFlags(cmd.Flags())
}

// --------------------------------------------------------------------------
// Client configuration
// --------------------------------------------------------------------------

// SetupClientFlags adds the flags of the engine client to a command
func SetupClientFlags(cmd *cobra.Command) {
	d := common.DefaultClientConfig()
	f := cmd.PersistentFlags()

	f.String("addresses", "localhost:6379", WrapString("Comma-separated list of seed nodes (host:port, or socket paths for the unix transport)"))
	f.Bool("cluster", false, WrapString("Enable cluster mode: slot routing, redirects and topology discovery"))
	f.String("transport", "tcp", WrapString("Transport used to reach the nodes (tcp, unix)"))
	f.Duration("request-timeout", d.RequestTimeout, WrapString("Timeout of a single request, 0 disables it"))
	f.Duration("connect-timeout", d.ConnectTimeout, WrapString("Timeout of a single connection attempt"))
	f.Int("max-redirects", d.MaxRedirects, WrapString("How many MOVED, ASK and TRYAGAIN replies are followed per request"))
	f.Int("refresh-attempts", d.RefreshAttempts, WrapString("How many rounds a topology refresh tries all known nodes"))
	f.Duration("refresh-interval", 0, WrapString("Refresh the topology periodically, 0 disables it"))
	f.Int("failure-threshold", d.ConnectionFailureThreshold, WrapString("Consecutive connection failures that trigger a topology refresh"))
	f.Bool("allow-partial-coverage", false, WrapString("Accept topologies that do not cover every slot"))
	f.Int("write-buffer", 64, WrapString("The size of the write buffer of every connection (in KB)"))
	f.Int("read-buffer", 64, WrapString("The size of the read buffer of every connection (in KB)"))
	f.Bool("tcp-nodelay", true, WrapString("Whether to enable TCP_NODELAY"))
	f.Int("tcp-keepalive", 0, WrapString("The keepalive interval (in seconds)"))
	f.Int("tcp-linger", 0, WrapString("The linger time (in seconds)"))
}

// GetClientConfig reads the client configuration from viper
func GetClientConfig() common.ClientConfig {
	conf := common.DefaultClientConfig()
	conf.Addresses = splitList(viper.GetString("addresses"))
	conf.ClusterMode = viper.GetBool("cluster")
	conf.Transport = viper.GetString("transport")
	conf.RequestTimeout = viper.GetDuration("request-timeout")
	conf.ConnectTimeout = viper.GetDuration("connect-timeout")
	conf.MaxRedirects = viper.GetInt("max-redirects")
	conf.RefreshAttempts = viper.GetInt("refresh-attempts")
	conf.RefreshInterval = viper.GetDuration("refresh-interval")
	conf.ConnectionFailureThreshold = viper.GetInt("failure-threshold")
	conf.AllowPartialCoverage = viper.GetBool("allow-partial-coverage")
	conf.SocketConf = common.SocketConf{
		WriteBufferSize: viper.GetInt("write-buffer") * 1024,
		ReadBufferSize:  viper.GetInt("read-buffer") * 1024,
	}
	conf.TCPConf = common.TCPConf{
		TCPNoDelay:      viper.GetBool("tcp-nodelay"),
		TCPKeepAliveSec: viper.GetInt("tcp-keepalive"),
		TCPLingerSec:    viper.GetInt("tcp-linger"),
	}
	conf.LogLevel = viper.GetString("log-level")
	return conf
}

// GetSerializer creates the serializer selected by the serializer flag
func GetSerializer() (serializer.IRPCSerializer, error) {
	return serializer.ByName(viper.GetString("serializer"))
}

// Connect creates the engine used by the client commands: an IPC client if
// the socket flag is set, a direct engine client otherwise
func Connect(ctx context.Context) (server.Engine, error) {
	if err := common.InitLoggers(viper.GetString("log-level")); err != nil {
		return nil, err
	}
	config := GetClientConfig()

	if socket := viper.GetString("socket"); socket != "" {
		s, err := GetSerializer()
		if err != nil {
			return nil, err
		}
		return client.NewIPCClient(ctx, socket, s, config)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}
	return client.NewClient(ctx, config)
}

// CommandContext returns a context bounded by the timeout flag, if set
func CommandContext() (context.Context, context.CancelFunc) {
	if d := viper.GetDuration("timeout"); d > 0 {
		return context.WithTimeout(context.Background(), d)
	}
	return context.WithCancel(context.Background())
}

// ParseCommand splits a command line like "SET key value" into a command
func ParseCommand(line string) (common.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return common.Command{}, fmt.Errorf("empty command")
	}
	return common.NewCommand(strings.ToUpper(fields[0]), fields[1:]...), nil
}

// PrintValue writes a reply the way the store cli does
func PrintValue(v common.Value) {
	fmt.Println(v.String())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Elapsed formats the time since start for command output
func Elapsed(start time.Time) string {
	return time.Since(start).Round(time.Microsecond).String()
}
