package server

import (
	"context"

	"github.com/ValentinKolb/kvengine/lib/batch"
	"github.com/ValentinKolb/kvengine/rpc/client"
	"github.com/ValentinKolb/kvengine/rpc/common"
)

// Engine serves the requests of one binding connection
type Engine interface {
	// Exec runs a single command
	Exec(ctx context.Context, cmd common.Command, route *common.Route) (common.Value, error)
	// ExecBatch runs a pipeline or transaction
	ExecBatch(ctx context.Context, b *common.Batch) (batch.Result, error)
	// GetPubSubMessage blocks until the next push, it returns an error once
	// the engine is closed and drained
	GetPubSubMessage(ctx context.Context) (common.Push, error)
	// Close releases the engine
	Close() error
}

// EngineFactory creates the engine of a new binding connection
type EngineFactory func(ctx context.Context) (Engine, error)

// ClientFactory returns a factory that connects one client.Client per
// binding connection
func ClientFactory(config common.ClientConfig, opts ...client.Option) EngineFactory {
	return func(ctx context.Context) (Engine, error) {
		return client.NewClient(ctx, config, opts...)
	}
}
