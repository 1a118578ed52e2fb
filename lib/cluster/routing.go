package cluster

import (
	"strconv"
	"strings"

	"github.com/ValentinKolb/kvengine/rpc/common"
)

// RoutePolicy is the default target of a command without explicit route
type RoutePolicy uint8

const (
	// RouteByKey routes to the primary owning the slot of the command's keys.
	// Key-less invocations go to a random node.
	RouteByKey RoutePolicy = iota
	RouteRandom
	RouteAllPrimaries
	RouteAllNodes
	// RouteBySlotArg routes to the primary of the slot number given as argument
	RouteBySlotArg
	// RouteUndefined commands cannot be routed automatically (SCAN, SHUTDOWN, ...)
	RouteUndefined
)

// ResponsePolicy combines the replies of a command sent to several nodes
type ResponsePolicy uint8

const (
	// ResponseDefault returns a map address -> reply
	ResponseDefault ResponsePolicy = iota
	// ResponseAllSucceeded returns one reply if all succeeded, otherwise the first error
	ResponseAllSucceeded
	// ResponseOneSucceeded returns the first success, the last error if all failed
	ResponseOneSucceeded
	// ResponseFirstSucceededNonEmpty returns the first non nil success, Nil if all are empty
	ResponseFirstSucceededNonEmpty
	// ResponseAggregateSum adds integer replies
	ResponseAggregateSum
	// ResponseAggregateMin returns the smallest integer reply
	ResponseAggregateMin
	// ResponseLogicalAnd combines arrays of 0/1 integers element wise
	ResponseLogicalAnd
	// ResponseCombineArrays concatenates array replies
	ResponseCombineArrays
	// ResponseCombineMaps merges flat key/count arrays, counts are added
	ResponseCombineMaps
	// ResponseSpecial has no generic rule, replies are returned per address
	ResponseSpecial
)

// SplitPattern describes how a multi key command is split when its keys map
// to different slots
type SplitPattern uint8

const (
	SplitNone SplitPattern = iota
	// SplitKeysOnly: every argument is a key (MGET, DEL, ...)
	SplitKeysOnly
	// SplitKeyValuePairs: arguments alternate between key and value (MSET)
	SplitKeyValuePairs
)

// KeySpec locates the keys in the arguments of a command. Indices are
// relative to the arguments following the command name, for two-word
// commands the subcommand is argument 0.
type KeySpec struct {
	// First is the index of the first key, -1 if the command has no keys
	First int
	// Last is the index of the last key, negative values count from the end
	Last int
	// Step is the distance between two keys
	Step int
	// NumKeysAt is the index of an argument holding the number of keys that
	// directly follow it, -1 if unused
	NumKeysAt int
	// AfterToken names an argument after which the keys start, the keys
	// make up the first half of the remaining arguments (XREAD ... STREAMS)
	AfterToken string
}

var (
	noKeys    = KeySpec{First: -1, NumKeysAt: -1}
	firstKey  = KeySpec{First: 0, Last: 0, Step: 1, NumKeysAt: -1}
	secondArg = KeySpec{First: 1, Last: 1, Step: 1, NumKeysAt: -1}
	allArgs   = KeySpec{First: 0, Last: -1, Step: 1, NumKeysAt: -1}
	pairArgs  = KeySpec{First: 0, Last: -1, Step: 2, NumKeysAt: -1}
)

// Descriptor holds the routing rules of one command
type Descriptor struct {
	Name     string
	Route    RoutePolicy
	Keys     KeySpec
	Response ResponsePolicy
	Split    SplitPattern
}

// KeysOf extracts the keys from the arguments of a command
func (d *Descriptor) KeysOf(args []string) []string {
	ks := d.Keys
	switch {
	case ks.AfterToken != "":
		for i, a := range args {
			if strings.EqualFold(a, ks.AfterToken) {
				rest := args[i+1:]
				return rest[:len(rest)/2]
			}
		}
		return nil

	case ks.NumKeysAt >= 0:
		if ks.NumKeysAt >= len(args) {
			return nil
		}
		n, err := strconv.Atoi(args[ks.NumKeysAt])
		if err != nil || n <= 0 {
			return nil
		}
		start := ks.NumKeysAt + 1
		end := min(start+n, len(args))
		return args[start:end]

	case ks.First < 0 || ks.First >= len(args):
		return nil
	}

	last := ks.Last
	if last < 0 {
		last += len(args)
	}
	last = min(last, len(args)-1)
	step := max(ks.Step, 1)

	keys := make([]string, 0, (last-ks.First)/step+1)
	for i := ks.First; i <= last; i += step {
		keys = append(keys, args[i])
	}
	return keys
}

// descriptors is keyed by the upper case command name, two-word commands
// are stored as "NAME SUBCOMMAND"
var descriptors = map[string]*Descriptor{}

// register adds the same rules for several commands
func register(d Descriptor, names ...string) {
	for _, n := range names {
		c := d
		c.Name = n
		descriptors[n] = &c
	}
}

func init() {
	register(Descriptor{Route: RouteAllNodes, Keys: noKeys, Response: ResponseAllSucceeded},
		"ACL SETUSER", "ACL DELUSER", "ACL SAVE", "CLIENT SETNAME", "CLIENT SETINFO", "SELECT",
		"SLOWLOG RESET", "CONFIG SET", "CONFIG RESETSTAT", "CONFIG REWRITE", "SCRIPT FLUSH", "SCRIPT LOAD")
	register(Descriptor{Route: RouteAllNodes, Keys: noKeys, Response: ResponseAggregateSum},
		"SLOWLOG LEN", "LATENCY RESET", "PUBSUB NUMPAT")
	register(Descriptor{Route: RouteAllNodes, Keys: noKeys, Response: ResponseCombineArrays},
		"SLOWLOG GET", "PUBSUB CHANNELS", "PUBSUB SHARDCHANNELS")
	register(Descriptor{Route: RouteAllNodes, Keys: noKeys, Response: ResponseCombineMaps},
		"PUBSUB NUMSUB", "PUBSUB SHARDNUMSUB")
	register(Descriptor{Route: RouteAllNodes, Keys: noKeys, Response: ResponseOneSucceeded},
		"SCRIPT KILL", "FUNCTION KILL")
	register(Descriptor{Route: RouteAllNodes, Keys: noKeys, Response: ResponseSpecial},
		"LATENCY GRAPH", "LATENCY HISTOGRAM", "LATENCY HISTORY", "LATENCY DOCTOR", "LATENCY LATEST",
		"FUNCTION STATS")

	register(Descriptor{Route: RouteAllPrimaries, Keys: noKeys, Response: ResponseAllSucceeded},
		"FLUSHALL", "FLUSHDB", "FUNCTION DELETE", "FUNCTION FLUSH", "FUNCTION LOAD", "FUNCTION RESTORE",
		"MEMORY PURGE", "PING", "UNWATCH")
	register(Descriptor{Route: RouteAllPrimaries, Keys: noKeys, Response: ResponseAggregateSum}, "DBSIZE")
	register(Descriptor{Route: RouteAllPrimaries, Keys: noKeys, Response: ResponseAggregateMin}, "WAIT")
	register(Descriptor{Route: RouteAllPrimaries, Keys: noKeys, Response: ResponseLogicalAnd}, "SCRIPT EXISTS")
	register(Descriptor{Route: RouteAllPrimaries, Keys: noKeys, Response: ResponseCombineArrays}, "KEYS")
	register(Descriptor{Route: RouteAllPrimaries, Keys: noKeys, Response: ResponseFirstSucceededNonEmpty}, "RANDOMKEY")
	register(Descriptor{Route: RouteAllPrimaries, Keys: noKeys, Response: ResponseSpecial},
		"INFO", "MEMORY DOCTOR", "MEMORY MALLOC-STATS", "MEMORY STATS", "DEBUG", "WAITAOF")

	register(Descriptor{Route: RouteByKey, Keys: allArgs, Response: ResponseCombineArrays, Split: SplitKeysOnly}, "MGET")
	register(Descriptor{Route: RouteByKey, Keys: allArgs, Response: ResponseAggregateSum, Split: SplitKeysOnly},
		"DEL", "EXISTS", "UNLINK", "TOUCH")
	register(Descriptor{Route: RouteByKey, Keys: allArgs, Response: ResponseAllSucceeded, Split: SplitKeysOnly}, "WATCH")
	register(Descriptor{Route: RouteByKey, Keys: pairArgs, Response: ResponseAllSucceeded, Split: SplitKeyValuePairs}, "MSET")

	register(Descriptor{Route: RouteByKey, Keys: KeySpec{NumKeysAt: 1}},
		"EVAL", "EVALSHA", "EVAL_RO", "EVALSHA_RO", "FCALL", "FCALL_RO", "BLMPOP", "BZMPOP")
	register(Descriptor{Route: RouteByKey, Keys: KeySpec{NumKeysAt: 0}},
		"LMPOP", "SINTERCARD", "ZDIFF", "ZINTER", "ZINTERCARD", "ZMPOP", "ZUNION")
	register(Descriptor{Route: RouteByKey, Keys: KeySpec{NumKeysAt: -1, AfterToken: "STREAMS"}}, "XREAD", "XREADGROUP")
	register(Descriptor{Route: RouteByKey, Keys: secondArg},
		"BITOP", "MEMORY USAGE", "OBJECT ENCODING", "OBJECT FREQ", "OBJECT IDLETIME", "OBJECT REFCOUNT",
		"XGROUP CREATE", "XGROUP CREATECONSUMER", "XGROUP DELCONSUMER", "XGROUP DESTROY", "XGROUP SETID",
		"XINFO CONSUMERS", "XINFO GROUPS", "XINFO STREAM")
	register(Descriptor{Route: RouteBySlotArg, Keys: noKeys},
		"CLUSTER ADDSLOTS", "CLUSTER COUNTKEYSINSLOT", "CLUSTER DELSLOTS", "CLUSTER DELSLOTSRANGE",
		"CLUSTER GETKEYSINSLOT", "CLUSTER SETSLOT")

	register(Descriptor{Route: RouteRandom, Keys: noKeys},
		"ACL DRYRUN", "ACL GENPASS", "ACL GETUSER", "ACL LIST", "ACL LOG", "ACL USERS", "ACL WHOAMI",
		"AUTH", "BGSAVE", "CLIENT GETNAME", "CLIENT ID", "CLIENT INFO", "CLIENT KILL", "CLIENT PAUSE",
		"CLIENT REPLY", "CLIENT UNBLOCK", "CLIENT UNPAUSE", "CLUSTER INFO", "CLUSTER KEYSLOT",
		"CLUSTER MYSHARDID", "CLUSTER NODES", "CLUSTER REPLICAS", "CLUSTER SHARDS", "CLUSTER SLOTS",
		"COMMAND", "COMMAND COUNT", "COMMAND GETKEYS", "COMMAND LIST", "CONFIG GET", "ECHO",
		"FUNCTION LIST", "LASTSAVE", "LOLWUT", "MODULE LIST", "READONLY", "READWRITE", "SAVE",
		"SCRIPT SHOW", "TIME", "PUBLISH", "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE")

	register(Descriptor{Route: RouteUndefined, Keys: noKeys}, "SCAN", "SHUTDOWN", "SLAVEOF", "REPLICAOF")
}

// fallback is used for every command not in the table: the first argument is the key
var fallback = Descriptor{Route: RouteByKey, Keys: firstKey}

// Lookup returns the descriptor of cmd. Two-word commands are matched by
// their first two words before the name alone is tried.
func Lookup(cmd common.Command) *Descriptor {
	name := strings.ToUpper(cmd.Name)
	if len(cmd.Args) > 0 {
		if d, ok := descriptors[name+" "+strings.ToUpper(cmd.Args[0])]; ok {
			return d
		}
	}
	if d, ok := descriptors[name]; ok {
		return d
	}
	// container commands without a known subcommand have no key
	if isContainer(name) {
		d := Descriptor{Name: name, Route: RouteRandom, Keys: noKeys}
		return &d
	}
	d := fallback
	d.Name = name
	return &d
}

func isContainer(name string) bool {
	switch name {
	case "ACL", "CLIENT", "CLUSTER", "COMMAND", "CONFIG", "FUNCTION", "LATENCY", "MEMORY",
		"MODULE", "OBJECT", "PUBSUB", "SCRIPT", "SLOWLOG", "XGROUP", "XINFO":
		return true
	}
	return false
}

// slotArg parses the slot number of a RouteBySlotArg command
func slotArg(args []string) (int, bool) {
	if len(args) < 2 {
		return 0, false
	}
	slot, err := strconv.Atoi(args[1])
	if err != nil || slot < 0 || slot >= NumSlots {
		return 0, false
	}
	return slot, true
}
