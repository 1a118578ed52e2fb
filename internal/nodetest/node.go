package nodetest

import (
	"bufio"
	"net"
	"strings"
	"sync"
)

// Node is one member of a Cluster
type Node struct {
	Addr string

	cluster *Cluster
	idx     int
	l       net.Listener
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	mu        sync.Mutex
	conns     map[*conn]struct{}
	counters  map[string]int
}

// conn is the state of one client connection
type conn struct {
	nc  net.Conn
	wmu sync.Mutex
	w   *bufio.Writer

	// only touched by the connection goroutine
	asking  bool
	inMulti bool
	dirty   bool
	queued  [][]string
	watched map[string]uint64

	// guarded by Cluster.mu
	channels map[string]struct{}
}

// Index returns the position of the node in the cluster
func (n *Node) Index() int { return n.idx }

// Count returns how often the node received the command name
func (n *Node) Count(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.counters[strings.ToUpper(name)]
}

// Close stops the node and drops all its connections. Clients see a
// connection failure, the node keeps owning its slots.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.l.Close()

		n.mu.Lock()
		for c := range n.conns {
			c.nc.Close()
		}
		n.mu.Unlock()
		n.wg.Wait()
	})
}

func (n *Node) serve() {
	for {
		nc, err := n.l.Accept()
		if err != nil {
			return
		}

		c := &conn{nc: nc, w: bufio.NewWriter(nc)}
		n.mu.Lock()
		select {
		case <-n.done:
			n.mu.Unlock()
			nc.Close()
			return
		default:
		}
		n.conns[c] = struct{}{}
		n.wg.Add(1)
		n.mu.Unlock()

		go n.serveConn(c)
	}
}

func (n *Node) serveConn(c *conn) {
	defer n.wg.Done()
	defer func() {
		n.cluster.unsubscribeAll(c)
		n.mu.Lock()
		delete(n.conns, c)
		n.mu.Unlock()
		c.nc.Close()
	}()

	r := bufio.NewReader(c.nc)
	for {
		argv, err := readRequest(r)
		if err != nil {
			return
		}

		name := strings.ToUpper(argv[0])
		n.mu.Lock()
		n.counters[name]++
		n.mu.Unlock()
		if hook := n.cluster.hook(); hook != nil {
			hook(n, argv)
		}

		replies := n.handle(c, name, argv[1:])
		if err := c.send(replies...); err != nil {
			return
		}
	}
}

// send writes replies and flushes them
func (c *conn) send(replies ...interface{}) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	for _, r := range replies {
		if err := writeReply(c.w, r); err != nil {
			return err
		}
	}
	return c.w.Flush()
}
