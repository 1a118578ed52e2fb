package kv

import (
	"fmt"
	"strings"
	"time"

	"github.com/ValentinKolb/kvengine/cmd/util"
	"github.com/ValentinKolb/kvengine/lib/cluster"
	"github.com/ValentinKolb/kvengine/rpc/client"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/spf13/cobra"
)

var (
	execCmd = &cobra.Command{
		Use:   "exec [command] [args...]",
		Short: "Runs a single command",
		Long: `Runs a single command. Keyed commands are sent to the owner of their slot,
multi key commands are split and key-less commands follow their default route.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.CommandContext()
			defer cancel()

			route, err := parseRoute(cmd)
			if err != nil {
				return err
			}
			v, err := engine.Exec(ctx, common.NewCommand(strings.ToUpper(args[0]), args[1:]...), route)
			if err != nil {
				return err
			}
			util.PrintValue(v)
			return nil
		},
	}

	batchCmd = &cobra.Command{
		Use:   "batch [command]...",
		Short: "Runs several commands as one pipeline or transaction",
		Long: `Runs several commands as one batch, every argument is one command line, e.g.
  kv batch "SET a 1" "INCR a" "GET a"
With --atomic the commands run in MULTI/EXEC on one node, all keys must hash to the same slot.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.CommandContext()
			defer cancel()

			atomic, _ := cmd.Flags().GetBool("atomic")
			b := common.NewBatch(atomic)
			for _, line := range args {
				c, err := util.ParseCommand(line)
				if err != nil {
					return err
				}
				b.Commands = append(b.Commands, c)
			}
			b.Watch, _ = cmd.Flags().GetStringSlice("watch")
			b.RaiseOnError, _ = cmd.Flags().GetBool("raise-on-error")
			if d, _ := cmd.Flags().GetDuration("batch-timeout"); d > 0 {
				b.TimeoutMillis = uint32(d.Milliseconds())
			}
			route, err := parseRoute(cmd)
			if err != nil {
				return err
			}
			b.Route = route

			start := time.Now()
			res, err := engine.ExecBatch(ctx, b)
			if err != nil {
				return err
			}
			if res.Aborted {
				fmt.Println("(aborted, a watched key changed)")
				return nil
			}
			for i, v := range res.Values {
				fmt.Printf("%d) %s\n", i+1, v)
			}
			fmt.Printf("(%d commands in %s)\n", len(res.Values), util.Elapsed(start))
			return nil
		},
	}

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Lists the keys of all nodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := util.CommandContext()
			defer cancel()

			c, ok := engine.(*client.Client)
			if !ok {
				return fmt.Errorf("scan needs a direct connection to the nodes, remove --socket")
			}
			args := cluster.ScanArgs{}
			args.Match, _ = cmd.Flags().GetString("match")
			args.Count, _ = cmd.Flags().GetInt("count")
			args.Type, _ = cmd.Flags().GetString("type")
			args.AllowNonCoveredSlots, _ = cmd.Flags().GetBool("allow-non-covered")

			cursor := c.NewScanCursor(args)
			total := 0
			for !cursor.IsFinished() {
				keys, err := c.Scan(ctx, cursor)
				if err != nil {
					return err
				}
				for _, k := range keys {
					fmt.Println(k)
				}
				total += len(keys)
			}
			fmt.Printf("(%d keys)\n", total)
			return nil
		},
	}

	subscribeCmd = &cobra.Command{
		Use:   "subscribe [channel]...",
		Short: "Prints the messages published on the channels",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := util.CommandContext()
			defer cancel()

			if _, err := engine.Exec(ctx, common.NewCommand("SUBSCRIBE", args...), nil); err != nil {
				return err
			}
			limit, _ := cmd.Flags().GetInt("limit")
			for n := 0; limit <= 0 || n < limit; {
				p, err := engine.GetPubSubMessage(ctx)
				if err != nil {
					return err
				}
				if !p.Kind.IsMessage() {
					continue
				}
				if p.Pattern != "" {
					fmt.Printf("%s (%s): %s\n", p.Channel, p.Pattern, p.Payload)
				} else {
					fmt.Printf("%s: %s\n", p.Channel, p.Payload)
				}
				n++
			}
			return nil
		},
	}
)

func init() {
	for _, c := range []*cobra.Command{execCmd, batchCmd} {
		c.Flags().String("route", "", util.WrapString("Explicit route: random, all-primaries, all-nodes, key:<key>, slot:<id> or addr:<host:port>"))
	}

	batchCmd.Flags().Bool("atomic", false, util.WrapString("Run the commands as one transaction"))
	batchCmd.Flags().StringSlice("watch", nil, util.WrapString("Keys to WATCH before an atomic batch"))
	batchCmd.Flags().Bool("raise-on-error", false, util.WrapString("Fail if any command of the batch failed"))
	batchCmd.Flags().Duration("batch-timeout", 0, util.WrapString("Timeout of the whole batch"))

	scanCmd.Flags().String("match", "", util.WrapString("Only return keys matching this glob pattern"))
	scanCmd.Flags().Int("count", 100, util.WrapString("COUNT hint sent with every SCAN"))
	scanCmd.Flags().String("type", "", util.WrapString("Only return keys of this type"))
	scanCmd.Flags().Bool("allow-non-covered", false, util.WrapString("Skip slots without owner instead of failing"))

	subscribeCmd.Flags().Int("limit", 0, util.WrapString("Exit after this many messages, 0 waits forever"))
}

// parseRoute reads the route flag
func parseRoute(cmd *cobra.Command) (*common.Route, error) {
	s, _ := cmd.Flags().GetString("route")
	if s == "" {
		return nil, nil
	}
	kind, arg, _ := strings.Cut(s, ":")
	switch kind {
	case "random":
		return common.RandomRoute(), nil
	case "all-primaries":
		return common.AllPrimariesRoute(), nil
	case "all-nodes":
		return common.AllNodesRoute(), nil
	case "key":
		return common.SlotKeyRoute(arg), nil
	case "slot":
		var slot int
		if _, err := fmt.Sscanf(arg, "%d", &slot); err != nil {
			return nil, fmt.Errorf("invalid slot %q: %w", arg, err)
		}
		return common.SlotIDRoute(slot), nil
	case "addr":
		return common.AddressRoute(arg), nil
	default:
		return nil, fmt.Errorf("unknown route %q", s)
	}
}
