package serve

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	cmdUtil "github.com/ValentinKolb/kvengine/cmd/util"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/serializer"
	"github.com/ValentinKolb/kvengine/rpc/server"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("rpc")

var (
	serveCmdConfig = common.DefaultServerConfig()
	ServeCmd       = &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine on a unix socket for binding processes",
		Long: `Serve the engine on a unix socket. Every process connecting to the socket gets
its own engine client talking to the configured store nodes. The configuration can be set
via command line flags or environment variables. The format of the environment variables
is KVENGINE_<flag> (e.g. KVENGINE_SOCKET_PATH=/tmp/kvengine.sock)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)

	cmdUtil.SetupClientFlags(ServeCmd)

	key := "socket-path"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Path of the unix socket, a fresh path in the temp directory if empty"))

	key = "workers"
	ServeCmd.PersistentFlags().Int(key, common.DefaultWorkersPerConnection, cmdUtil.WrapString("Requests served concurrently per binding connection"))

	key = "max-frame-size"
	ServeCmd.PersistentFlags().Int(key, common.DefaultMaxFrameSize, cmdUtil.WrapString("Largest accepted request envelope (in bytes)"))

	key = "timeout-second"
	ServeCmd.PersistentFlags().Int64(key, 0, cmdUtil.WrapString("Bounds the execution of a single request (in seconds), 0 disables the limit"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Expose Prometheus metrics on this address (e.g. localhost:9100), empty disables it"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	serveCmdConfig.SocketPath = viper.GetString("socket-path")
	serveCmdConfig.Serializer = viper.GetString("serializer")
	serveCmdConfig.WorkersPerConnection = viper.GetInt("workers")
	serveCmdConfig.MaxFrameSize = viper.GetInt("max-frame-size")
	serveCmdConfig.TimeoutSecond = viper.GetInt64("timeout-second")
	serveCmdConfig.LogLevel = viper.GetString("log-level")
	serveCmdConfig.Client = cmdUtil.GetClientConfig()
	serveCmdConfig.SocketConf = serveCmdConfig.Client.SocketConf

	if err := serveCmdConfig.Client.Validate(); err != nil {
		return fmt.Errorf("invalid client configuration: %w", err)
	}
	return nil
}

// run serves the engine until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	if err := common.InitLoggers(serveCmdConfig.LogLevel); err != nil {
		return err
	}

	s, err := serializer.ByName(serveCmdConfig.Serializer)
	if err != nil {
		return err
	}

	fmt.Println(serveCmdConfig.String())

	if addr := viper.GetString("metrics-endpoint"); addr != "" {
		go serveMetrics(addr)
	}

	srv := server.NewServer(serveCmdConfig, s, server.ClientFactory(serveCmdConfig.Client))

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		Logger.Infof("Received %s, shutting down", sig)
		if err := srv.Close(); err != nil {
			Logger.Errorf("Shutdown failed: %v", err)
		}
	}()

	go func() {
		<-srv.Ready()
		fmt.Printf("Listening on %s\n", srv.Path())
	}()
	return srv.Serve()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		common.WriteMetrics(w, true)
	})
	Logger.Infof("Serving metrics on http://%s/metrics", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		Logger.Errorf("Metrics endpoint failed: %v", err)
	}
}
