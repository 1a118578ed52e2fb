package base

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/ValentinKolb/kvengine/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var Logger = logger.GetLogger("transport/ipc")

// initialBackoff is the first delay between two connection attempts
const initialBackoff = 50 * time.Millisecond

// Backoff returns the delay before retry number attempt (0 based): exponential
// growth from initialBackoff with a small random jitter (+-10%)
func Backoff(attempt int) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	base := float64(initialBackoff) * float64(uint64(1)<<uint(attempt))
	jitter := base * (0.9 + 0.2*rand.Float64())
	return time.Duration(jitter)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial connects to endpoint with the given connector and applies the
// connection settings. Failed attempts are retried with exponential backoff
// up to attempts times (at least once). Errors are returned as *common.ConnectionError.
func Dial(ctx context.Context, connector transport.IConnector, endpoint string, config common.ClientConfig, attempts int) (net.Conn, error) {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := dialOnce(ctx, connector, endpoint, config)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		Logger.Debugf("Connection attempt %d/%d to %s failed: %v", i+1, attempts, endpoint, err)

		if i < attempts-1 {
			if err := Sleep(ctx, Backoff(i)); err != nil {
				lastErr = err
				break
			}
		}
	}
	return nil, &common.ConnectionError{
		Addr: endpoint,
		Err:  fmt.Errorf("failed to connect via %s after %d attempts: %w", connector.GetName(), attempts, lastErr),
	}
}

func dialOnce(ctx context.Context, connector transport.IConnector, endpoint string, config common.ClientConfig) (net.Conn, error) {
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	conn, err := connector.Connect(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	if err := connector.UpgradeConnection(conn, config); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to upgrade connection to %s: %v", endpoint, err)
	}
	return conn, nil
}
