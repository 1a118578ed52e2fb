package nodetest

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/ValentinKolb/kvengine/lib/cluster"
)

// command describes one supported command
type command struct {
	minArgs int
	keys    func(args []string) []string
	run     func(n *Node, args []string) interface{}
}

func firstKey(args []string) []string { return args[:1] }
func allKeys(args []string) []string  { return args }

func pairKeys(args []string) []string {
	keys := make([]string, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		keys = append(keys, args[i])
	}
	return keys
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"PING":     {run: cmdPing},
		"ECHO":     {minArgs: 1, run: func(_ *Node, args []string) interface{} { return args[0] }},
		"CLUSTER":  {minArgs: 1, run: cmdCluster},
		"GET":      {minArgs: 1, keys: firstKey, run: cmdGet},
		"SET":      {minArgs: 2, keys: firstKey, run: cmdSet},
		"DEL":      {minArgs: 1, keys: allKeys, run: cmdDel},
		"UNLINK":   {minArgs: 1, keys: allKeys, run: cmdDel},
		"EXISTS":   {minArgs: 1, keys: allKeys, run: cmdExists},
		"MGET":     {minArgs: 1, keys: allKeys, run: cmdMGet},
		"MSET":     {minArgs: 2, keys: pairKeys, run: cmdMSet},
		"INCR":     {minArgs: 1, keys: firstKey, run: incrBy(1)},
		"DECR":     {minArgs: 1, keys: firstKey, run: incrBy(-1)},
		"INCRBY":   {minArgs: 2, keys: firstKey, run: cmdIncrBy},
		"TYPE":     {minArgs: 1, keys: firstKey, run: cmdType},
		"DBSIZE":   {run: cmdDBSize},
		"FLUSHALL": {run: cmdFlushAll},
		"KEYS":     {minArgs: 1, run: cmdKeys},
		"SCAN":     {minArgs: 1, run: cmdScan},
	}
}

// handle executes one command and returns the replies to send
func (n *Node) handle(c *conn, name string, args []string) []interface{} {
	cl := n.cluster
	asking := c.asking
	c.asking = false

	switch name {
	case "SUBSCRIBE":
		return cl.subscribe(c, args)
	case "UNSUBSCRIBE":
		return cl.unsubscribe(c, args)
	case "PUBLISH":
		if len(args) != 2 {
			return one(wrongArgs(name))
		}
		return one(cl.publish(args[0], args[1]))
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if msg, ok := cl.takeInjectedLocked(name); ok {
		return one(Error(msg))
	}

	switch name {
	case "ASKING":
		c.asking = true
		return one(replyOK)
	case "MULTI":
		if c.inMulti {
			return one(Error("ERR MULTI calls can not be nested"))
		}
		c.inMulti = true
		return one(replyOK)
	case "DISCARD":
		if !c.inMulti {
			return one(Error("ERR DISCARD without MULTI"))
		}
		c.resetTx()
		return one(replyOK)
	case "EXEC":
		return one(n.execTxLocked(c))
	case "WATCH":
		if c.inMulti {
			return one(Error("ERR WATCH inside MULTI is not allowed"))
		}
		if len(args) == 0 {
			return one(wrongArgs(name))
		}
		if e := cl.checkSlotLocked(n.idx, args, asking); e != "" {
			return one(e)
		}
		if c.watched == nil {
			c.watched = make(map[string]uint64)
		}
		for _, k := range args {
			c.watched[k] = cl.versions[k]
		}
		return one(replyOK)
	case "UNWATCH":
		c.watched = nil
		return one(replyOK)
	}

	reply := n.checkLocked(c, name, args, asking)
	if c.inMulti {
		if reply != nil {
			c.dirty = true
			return one(reply)
		}
		c.queued = append(c.queued, append([]string{name}, args...))
		return one(Status("QUEUED"))
	}
	if reply != nil {
		return one(reply)
	}
	return one(commands[name].run(n, args))
}

// checkLocked validates name and its arguments, it returns the error reply
// or nil if the command may run
func (n *Node) checkLocked(c *conn, name string, args []string, asking bool) interface{} {
	cmd, ok := commands[name]
	if !ok {
		return Error(fmt.Sprintf("ERR unknown command '%s'", strings.ToLower(name)))
	}
	if len(args) < cmd.minArgs {
		return wrongArgs(name)
	}
	if cmd.keys != nil {
		if e := n.cluster.checkSlotLocked(n.idx, cmd.keys(args), asking); e != "" {
			return e
		}
	}
	return nil
}

func (n *Node) execTxLocked(c *conn) interface{} {
	if !c.inMulti {
		return Error("ERR EXEC without MULTI")
	}
	defer c.resetTx()

	if c.dirty {
		return Error("EXECABORT Transaction discarded because of previous errors.")
	}
	for k, v := range c.watched {
		if n.cluster.versions[k] != v {
			return nilArray{}
		}
	}

	results := make([]interface{}, len(c.queued))
	for i, q := range c.queued {
		results[i] = commands[q[0]].run(n, q[1:])
	}
	return results
}

func (c *conn) resetTx() {
	c.inMulti = false
	c.dirty = false
	c.queued = nil
	c.watched = nil
}

func one(v interface{}) []interface{} { return []interface{}{v} }

func wrongArgs(name string) Error {
	return Error(fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name)))
}

// --------------------------------------------------------------------------
// Commands, all called with Cluster.mu held
// --------------------------------------------------------------------------

func cmdPing(_ *Node, args []string) interface{} {
	if len(args) > 0 {
		return args[0]
	}
	return Status("PONG")
}

func cmdCluster(n *Node, args []string) interface{} {
	cl := n.cluster
	if cl.standalone {
		return Error("ERR This instance has cluster support disabled")
	}
	switch strings.ToUpper(args[0]) {
	case "SLOTS":
		return cl.clusterSlotsLocked()
	case "INFO":
		return fmt.Sprintf("cluster_state:ok\r\ncluster_known_nodes:%d\r\n", len(cl.nodes))
	case "KEYSLOT":
		if len(args) != 2 {
			return wrongArgs("cluster|keyslot")
		}
		return int64(cluster.Slot(args[1]))
	default:
		return Error(fmt.Sprintf("ERR unknown subcommand '%s'", args[0]))
	}
}

func cmdGet(n *Node, args []string) interface{} {
	if e, ok := n.cluster.data[args[0]]; ok {
		return e.value
	}
	return nil
}

func cmdSet(n *Node, args []string) interface{} {
	n.cluster.setLocked(args[0], args[1])
	return replyOK
}

func cmdDel(n *Node, args []string) interface{} {
	var count int64
	for _, k := range args {
		if n.cluster.deleteLocked(k) {
			count++
		}
	}
	return count
}

func cmdExists(n *Node, args []string) interface{} {
	var count int64
	for _, k := range args {
		if _, ok := n.cluster.data[k]; ok {
			count++
		}
	}
	return count
}

func cmdMGet(n *Node, args []string) interface{} {
	values := make([]interface{}, len(args))
	for i, k := range args {
		values[i] = cmdGet(n, []string{k})
	}
	return values
}

func cmdMSet(n *Node, args []string) interface{} {
	if len(args)%2 != 0 {
		return wrongArgs("mset")
	}
	for i := 0; i < len(args); i += 2 {
		n.cluster.setLocked(args[i], args[i+1])
	}
	return replyOK
}

func cmdIncrBy(n *Node, args []string) interface{} {
	delta, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return Error("ERR value is not an integer or out of range")
	}
	return incrBy(delta)(n, args[:1])
}

func incrBy(delta int64) func(*Node, []string) interface{} {
	return func(n *Node, args []string) interface{} {
		var cur int64
		if e, ok := n.cluster.data[args[0]]; ok {
			v, err := strconv.ParseInt(e.value, 10, 64)
			if err != nil {
				return Error("ERR value is not an integer or out of range")
			}
			cur = v
		}
		cur += delta
		n.cluster.setLocked(args[0], strconv.FormatInt(cur, 10))
		return cur
	}
}

func cmdType(n *Node, args []string) interface{} {
	if _, ok := n.cluster.data[args[0]]; ok {
		return Status("string")
	}
	return Status("none")
}

func cmdDBSize(n *Node, _ []string) interface{} {
	return int64(len(n.cluster.keysOwnedLocked(n.idx)))
}

func cmdFlushAll(n *Node, _ []string) interface{} {
	for _, k := range n.cluster.keysOwnedLocked(n.idx) {
		n.cluster.deleteLocked(k)
	}
	return replyOK
}

func cmdKeys(n *Node, args []string) interface{} {
	keys := []string{}
	for _, k := range n.cluster.keysOwnedLocked(n.idx) {
		if ok, _ := path.Match(args[0], k); ok {
			keys = append(keys, k)
		}
	}
	return keys
}

// cmdScan walks the sorted key space of the whole cluster and returns the
// keys owned by the node. The cursor is an offset into that key space, so
// slot moves during an iteration neither skip nor repeat keys.
func cmdScan(n *Node, args []string) interface{} {
	offset, err := strconv.Atoi(args[0])
	if err != nil || offset < 0 {
		return Error("ERR invalid cursor")
	}

	match, typ, count := "*", "", 10
	for i := 1; i < len(args); i += 2 {
		if i+1 >= len(args) {
			return Error("ERR syntax error")
		}
		switch strings.ToUpper(args[i]) {
		case "MATCH":
			match = args[i+1]
		case "COUNT":
			if count, err = strconv.Atoi(args[i+1]); err != nil || count < 1 {
				return Error("ERR value is not an integer or out of range")
			}
		case "TYPE":
			typ = strings.ToLower(args[i+1])
		default:
			return Error("ERR syntax error")
		}
	}

	all := n.cluster.keysOwnedLocked(-1)
	end := min(offset+count, len(all))
	keys := []string{}
	for i := min(offset, end); i < end; i++ {
		if !n.cluster.ownsLocked(n.idx, all[i]) || (typ != "" && typ != "string") {
			continue
		}
		if ok, _ := path.Match(match, all[i]); ok {
			keys = append(keys, all[i])
		}
	}

	next := "0"
	if end < len(all) {
		next = strconv.Itoa(end)
	}
	return []interface{}{next, keys}
}

// --------------------------------------------------------------------------
// Pub/Sub
// --------------------------------------------------------------------------

func (cl *Cluster) subscribe(c *conn, channels []string) []interface{} {
	if len(channels) == 0 {
		return one(wrongArgs("subscribe"))
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if c.channels == nil {
		c.channels = make(map[string]struct{})
	}
	replies := make([]interface{}, 0, len(channels))
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
		if cl.subs[ch] == nil {
			cl.subs[ch] = make(map[*conn]struct{})
		}
		cl.subs[ch][c] = struct{}{}
		replies = append(replies, []interface{}{"subscribe", ch, int64(len(c.channels))})
	}
	return replies
}

func (cl *Cluster) unsubscribe(c *conn, channels []string) []interface{} {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if len(channels) == 0 {
		for ch := range c.channels {
			channels = append(channels, ch)
		}
		sort.Strings(channels)
	}
	if len(channels) == 0 {
		return one([]interface{}{"unsubscribe", nil, int64(0)})
	}

	replies := make([]interface{}, 0, len(channels))
	for _, ch := range channels {
		delete(c.channels, ch)
		delete(cl.subs[ch], c)
		replies = append(replies, []interface{}{"unsubscribe", ch, int64(len(c.channels))})
	}
	return replies
}

func (cl *Cluster) unsubscribeAll(c *conn) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for ch := range c.channels {
		delete(cl.subs[ch], c)
	}
	c.channels = nil
}

// publish delivers msg to every subscriber of channel on any node
func (cl *Cluster) publish(channel, msg string) int64 {
	cl.mu.Lock()
	receivers := make([]*conn, 0, len(cl.subs[channel]))
	for c := range cl.subs[channel] {
		receivers = append(receivers, c)
	}
	cl.mu.Unlock()

	var delivered int64
	for _, c := range receivers {
		if err := c.send([]interface{}{"message", channel, msg}); err == nil {
			delivered++
		}
	}
	return delivered
}
