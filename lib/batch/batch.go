package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	vmetrics "github.com/VictoriaMetrics/metrics"
	"github.com/ValentinKolb/kvengine/lib/cluster"
	"github.com/ValentinKolb/kvengine/lib/mux"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

var Logger = logger.GetLogger("batch")

var (
	metricPipelines    = vmetrics.NewCounter("kvengine_batch_pipelines_total")
	metricTransactions = vmetrics.NewCounter("kvengine_batch_transactions_total")
	metricAborted      = vmetrics.NewCounter("kvengine_batch_aborted_total")
	metricRetried      = vmetrics.NewCounter("kvengine_batch_retried_commands_total")
)

// Router is the part of the cluster router used by the executor
type Router interface {
	ClusterMode() bool
	Conn(ctx context.Context, addr string) (*mux.Multiplexer, error)
	AddressFor(ctx context.Context, slot int) (string, error)
	RandomAddress(ctx context.Context) (string, error)
	ApplyRedirect(red *common.RedirectError)
	Exec(ctx context.Context, cmd common.Command, route *common.Route) (common.Value, error)
	FollowRedirect(ctx context.Context, red *common.RedirectError, cmd common.Command, hint common.DecodeHint) (common.Value, error)
}

// Result holds one value per command of the batch. Failed commands of a non
// atomic batch are Error values. Aborted is set when a watched key changed
// and the transaction was not executed, Values is empty then.
type Result struct {
	Values  []common.Value
	Aborted bool
}

// Executor runs batches against the nodes of a Router
type Executor struct {
	router  Router
	txLocks *xsync.MapOf[string, *sync.Mutex]
}

// NewExecutor creates an executor
func NewExecutor(r Router) *Executor {
	return &Executor{router: r, txLocks: xsync.NewMapOf[string, *sync.Mutex]()}
}

// Exec runs b. Atomic batches run as one transaction on a single node, non
// atomic batches are pipelined per node.
func (e *Executor) Exec(ctx context.Context, b *common.Batch) (Result, error) {
	if b == nil || len(b.Commands) == 0 {
		return Result{}, nil
	}
	if b.TimeoutMillis > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(b.TimeoutMillis)*time.Millisecond)
		defer cancel()
	}

	var (
		res Result
		err error
	)
	if b.Atomic {
		res, err = e.execAtomic(ctx, b)
	} else {
		res, err = e.execPipeline(ctx, b)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = common.ErrTimeout
	}
	if err != nil {
		return Result{}, err
	}

	if b.RaiseOnError {
		for _, v := range res.Values {
			if v.IsError() {
				return Result{}, v.Err()
			}
		}
	}
	return res, nil
}

// --------------------------------------------------------------------------
// Pipelines
// --------------------------------------------------------------------------

// execPipeline sends the commands for each node back to back and awaits the
// replies afterwards. Commands that cannot be pinned to one node run through
// the router.
func (e *Executor) execPipeline(ctx context.Context, b *common.Batch) (Result, error) {
	metricPipelines.Inc()

	var (
		order  []string
		groups = make(map[string][]int)
		routed []int
	)
	for i, cmd := range b.Commands {
		addr, pinned, err := e.pin(ctx, cmd, b.Route)
		if err != nil {
			return Result{}, err
		}
		if !pinned {
			routed = append(routed, i)
			continue
		}
		if _, ok := groups[addr]; !ok {
			order = append(order, addr)
		}
		groups[addr] = append(groups[addr], i)
	}

	values := make([]common.Value, len(b.Commands))
	var g errgroup.Group
	for _, addr := range order {
		idxs := groups[addr]
		g.Go(func() error {
			e.runPipeline(ctx, addr, b.Commands, idxs, values)
			return nil
		})
	}
	_ = g.Wait()

	// multi node commands see the effects of the pipelined ones
	for _, i := range routed {
		g.Go(func() error {
			v, err := e.router.Exec(ctx, b.Commands[i], nil)
			values[i] = toResult(v, err)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{Values: values}, nil
}

// runPipeline writes the commands idxs to addr and stores their replies.
// Redirected commands are retried one by one.
func (e *Executor) runPipeline(ctx context.Context, addr string, cmds []common.Command, idxs []int, values []common.Value) {
	m, err := e.router.Conn(ctx, addr)
	if err != nil {
		for _, i := range idxs {
			values[i] = common.ErrorValueFrom(err)
		}
		return
	}

	sub := make([]common.Command, len(idxs))
	for j, i := range idxs {
		sub[j] = cmds[i]
	}
	futures, err := m.SubmitPipeline(ctx, sub)
	if err != nil {
		for _, i := range idxs {
			values[i] = common.ErrorValueFrom(err)
		}
		return
	}

	replies, errs := mux.AwaitAll(ctx, futures)
	for j, i := range idxs {
		if red, ok := common.ParseRedirect(errs[j]); ok {
			metricRetried.Inc()
			Logger.Debugf("Retrying %s after %s", cmds[i].Name, red)
			v, err := e.router.FollowRedirect(ctx, red, cmds[i], common.HintRaw)
			values[i] = toResult(v, err)
			continue
		}
		values[i] = toResult(replies[j], errs[j])
	}
}

// pin returns the single node cmd must run on. Commands spanning several
// slots or nodes are not pinned.
func (e *Executor) pin(ctx context.Context, cmd common.Command, route *common.Route) (string, bool, error) {
	if route != nil {
		addr, err := e.routeAddress(ctx, route)
		return addr, true, err
	}
	if !e.router.ClusterMode() {
		addr, err := e.router.AddressFor(ctx, 0)
		return addr, true, err
	}

	d := cluster.Lookup(cmd)
	if keys := d.KeysOf(cmd.Args); len(keys) > 0 {
		slot, ok := sameSlot(keys)
		if !ok {
			return "", false, nil
		}
		addr, err := e.router.AddressFor(ctx, slot)
		return addr, true, err
	}
	if d.Route == cluster.RouteRandom {
		addr, err := e.router.RandomAddress(ctx)
		return addr, true, err
	}
	return "", false, nil
}

// routeAddress resolves an explicit batch route to a single node
func (e *Executor) routeAddress(ctx context.Context, route *common.Route) (string, error) {
	switch route.Kind {
	case common.RouteAddress:
		return route.Address, nil
	case common.RouteSlotKey:
		return e.router.AddressFor(ctx, cluster.Slot(route.Key))
	case common.RouteSlotID:
		if route.Slot < 0 || route.Slot >= cluster.NumSlots {
			return "", fmt.Errorf("%w: slot %d out of range", common.ErrNoRoute, route.Slot)
		}
		return e.router.AddressFor(ctx, route.Slot)
	case common.RouteRandom:
		return e.router.RandomAddress(ctx)
	default:
		return "", fmt.Errorf("%w: a batch cannot be sent to %s", common.ErrNoRoute, route.Kind)
	}
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// execAtomic wraps the commands in MULTI/EXEC. A MOVED or ASK while queueing
// aborts the transaction on the node, it is then sent once more to the node
// named by the redirect.
func (e *Executor) execAtomic(ctx context.Context, b *common.Batch) (Result, error) {
	metricTransactions.Inc()

	keys := append([]string(nil), b.Watch...)
	for _, cmd := range b.Commands {
		keys = append(keys, cluster.Lookup(cmd).KeysOf(cmd.Args)...)
	}
	slot, sameSlotOK := sameSlot(keys)
	if e.router.ClusterMode() && len(keys) > 0 && !sameSlotOK {
		return Result{}, common.ErrCrossSlot
	}

	var (
		addr string
		err  error
	)
	switch {
	case b.Route != nil:
		addr, err = e.routeAddress(ctx, b.Route)
	case len(keys) > 0:
		addr, err = e.router.AddressFor(ctx, slot)
	default:
		addr, err = e.router.RandomAddress(ctx)
	}
	if err != nil {
		return Result{}, err
	}

	res, red, err := e.runTransaction(ctx, addr, b, false)
	if red == nil {
		return res, err
	}
	Logger.Debugf("Transaction redirected: %s", red)
	metricRetried.Inc()
	e.router.ApplyRedirect(red)
	res, red, err = e.runTransaction(ctx, red.Addr, b, red.Kind == common.RedirectAsk)
	if red != nil {
		return Result{}, red
	}
	return res, err
}

// runTransaction sends WATCH in its own round trip and then MULTI cmds EXEC
// as one pipeline. A redirect reply to WATCH or a queued command is returned
// separately. Transactions to one node are serialized, an EXEC clears every
// watch of the connection.
func (e *Executor) runTransaction(ctx context.Context, addr string, b *common.Batch, asking bool) (Result, *common.RedirectError, error) {
	m, err := e.router.Conn(ctx, addr)
	if err != nil {
		return Result{}, nil, err
	}

	lock, _ := e.txLocks.LoadOrCompute(addr, func() *sync.Mutex { return &sync.Mutex{} })
	lock.Lock()
	defer lock.Unlock()

	if len(b.Watch) > 0 {
		red, err := e.watch(ctx, m, b.Watch, asking)
		if red != nil || err != nil {
			return Result{}, red, err
		}
	}

	var (
		cmds []common.Command
		// index of the reply that decides about a redirect, per keyed command
		keyed []int
	)
	add := func(cmd common.Command, hasKeys bool) {
		if asking && hasKeys {
			cmds = append(cmds, common.NewCommand("ASKING"))
		}
		if hasKeys {
			keyed = append(keyed, len(cmds))
		}
		cmds = append(cmds, cmd)
	}
	add(common.NewCommand("MULTI"), false)
	for _, cmd := range b.Commands {
		add(cmd, len(cluster.Lookup(cmd).KeysOf(cmd.Args)) > 0)
	}
	add(common.NewCommand("EXEC"), false)

	futures, err := m.SubmitPipeline(ctx, cmds)
	if err != nil {
		return Result{}, nil, err
	}
	replies, errs := mux.AwaitAll(ctx, futures)

	for _, i := range keyed {
		if red, ok := common.ParseRedirect(errs[i]); ok {
			return Result{}, red, nil
		}
	}
	if errs[0] != nil {
		return Result{}, nil, fmt.Errorf("MULTI: %w", errs[0])
	}
	// errors of queued commands surface through EXECABORT

	exec := len(cmds) - 1
	if errs[exec] != nil {
		return Result{}, nil, errs[exec]
	}
	reply := replies[exec]
	if reply.IsNil() {
		metricAborted.Inc()
		return Result{Aborted: true}, nil, nil
	}
	if reply.Kind != common.KindArray {
		return Result{}, nil, fmt.Errorf("unexpected EXEC reply %s", reply)
	}
	if len(reply.Array) != len(b.Commands) {
		return Result{}, nil, fmt.Errorf("EXEC returned %d replies for %d commands", len(reply.Array), len(b.Commands))
	}
	return Result{Values: reply.Array}, nil, nil
}

// watch sends WATCH keys and waits for the reply. Nothing of the transaction
// is sent when it fails.
func (e *Executor) watch(ctx context.Context, m *mux.Multiplexer, keys []string, asking bool) (*common.RedirectError, error) {
	cmds := []common.Command{common.NewCommand("WATCH", keys...)}
	if asking {
		cmds = append([]common.Command{common.NewCommand("ASKING")}, cmds...)
	}
	futures, err := m.SubmitPipeline(ctx, cmds)
	if err != nil {
		return nil, err
	}
	_, errs := mux.AwaitAll(ctx, futures)
	werr := errs[len(errs)-1]
	if red, ok := common.ParseRedirect(werr); ok {
		return red, nil
	}
	if werr != nil {
		return nil, fmt.Errorf("WATCH: %w", werr)
	}
	return nil, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

func sameSlot(keys []string) (int, bool) {
	if len(keys) == 0 {
		return 0, true
	}
	slot := cluster.Slot(keys[0])
	for _, k := range keys[1:] {
		if cluster.Slot(k) != slot {
			return slot, false
		}
	}
	return slot, true
}

func toResult(v common.Value, err error) common.Value {
	if err != nil {
		return common.ErrorValueFrom(err)
	}
	return v
}
