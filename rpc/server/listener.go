package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/ValentinKolb/kvengine/lib/socketref"
)

// acceptPollInterval bounds how long a closed listener may stay in Accept
// while other servers still hold the socket
const acceptPollInterval = 200 * time.Millisecond

// sharedListener serves the listener of a socket reference. Closing it
// releases the reference, the socket itself is closed by the registry once
// the last reference is gone.
type sharedListener struct {
	net.Listener
	ref  *socketref.Reference
	done chan struct{}
	once sync.Once
}

func newSharedListener(ref *socketref.Reference, l net.Listener) *sharedListener {
	return &sharedListener{Listener: l, ref: ref, done: make(chan struct{})}
}

func (l *sharedListener) Accept() (net.Conn, error) {
	ul, canPoll := l.Listener.(*net.UnixListener)
	for {
		select {
		case <-l.done:
			return nil, net.ErrClosed
		default:
		}

		if canPoll {
			_ = ul.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := l.Listener.Accept()
		if err == nil {
			select {
			case <-l.done:
				_ = conn.Close()
				return nil, net.ErrClosed
			default:
				return conn, nil
			}
		}

		var ne net.Error
		if canPoll && errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		return nil, err
	}
}

func (l *sharedListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.ref.Release()
	})
	return nil
}
