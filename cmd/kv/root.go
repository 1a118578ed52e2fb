package kv

import (
	"github.com/ValentinKolb/kvengine/cmd/util"
	"github.com/ValentinKolb/kvengine/rpc/server"
	"github.com/spf13/cobra"
)

var (
	engine server.Engine

	// KeyValueCommands represents the command group talking to the store
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Run commands against the store through the engine",
		PersistentPreRunE:  setupEngine,
		PersistentPostRunE: closeEngine,
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	util.SetupClientFlags(KeyValueCommands)
	KeyValueCommands.PersistentFlags().String("socket", "", util.WrapString("Talk to an engine served on this unix socket (see serve) instead of connecting to the nodes"))
	KeyValueCommands.PersistentFlags().Duration("timeout", 0, util.WrapString("Timeout of the whole command, 0 disables it"))

	KeyValueCommands.AddCommand(execCmd)
	KeyValueCommands.AddCommand(batchCmd)
	KeyValueCommands.AddCommand(scanCmd)
	KeyValueCommands.AddCommand(subscribeCmd)
	KeyValueCommands.AddCommand(perfTestCmd)
}

// setupEngine connects the engine used by all subcommands
func setupEngine(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	ctx, cancel := util.CommandContext()
	defer cancel()

	var err error
	engine, err = util.Connect(ctx)
	return err
}

func closeEngine(_ *cobra.Command, _ []string) error {
	if engine == nil {
		return nil
	}
	return engine.Close()
}
