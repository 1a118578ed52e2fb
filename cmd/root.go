package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/kvengine/cmd/kv"
	"github.com/ValentinKolb/kvengine/cmd/serve"
	"github.com/ValentinKolb/kvengine/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (
	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "kvengine",
		Short: "client-side execution engine for a clustered key-value store",
		Long: fmt.Sprintf(`kvengine (v%s)

A client-side execution engine for a slot partitioned key-value store:
multiplexed connections, cluster routing, batches and cluster wide scans.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of kvengine",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kvengine v%s\n", Version)
		},
	}
)

func init() {
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(versionCmd)

	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer of the IPC envelopes (binary, json, gob)"))
	key = "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("level at which logs will be output (debug, info, warn, error)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
