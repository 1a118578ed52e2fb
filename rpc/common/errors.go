package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrClosed is returned by every operation on a closed client or connection
	ErrClosed = errors.New("kvengine: connection closed")
	// ErrTimeout is returned when a request did not complete within its timeout
	ErrTimeout = &TimeoutError{}
	// ErrCrossSlot is returned when an atomic batch touches keys of different slots
	ErrCrossSlot = errors.New("kvengine: keys of an atomic batch must map to the same slot")
	// ErrScanFinished is returned when a finished scan cursor is used again
	ErrScanFinished = errors.New("kvengine: scan cursor is finished")
	// ErrNoRoute is returned when a route cannot be resolved to any node
	ErrNoRoute = errors.New("kvengine: no node available for route")
)

// TimeoutError is returned when a request timed out
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "kvengine: request timed out" }

// Timeout implements the net.Error style timeout check
func (e *TimeoutError) Timeout() bool { return true }

// ConnectionError wraps a transport failure of the connection to Addr.
// Every request pending on that connection is rejected with it.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("kvengine: connection error: %v", e.Err)
	}
	return fmt.Sprintf("kvengine: connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err is (or wraps) a ConnectionError
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// RequestError is an error reply returned by the store, kept verbatim
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

// Prefix returns the error code, i.e. the first word of the message (e.g. "MOVED", "ERR")
func (e *RequestError) Prefix() string {
	if i := strings.IndexByte(e.Msg, ' '); i >= 0 {
		return e.Msg[:i]
	}
	return e.Msg
}

// HasPrefix reports whether err is a RequestError with the given error code
func HasPrefix(err error, prefix string) bool {
	var re *RequestError
	return errors.As(err, &re) && re.Prefix() == prefix
}

// TopologyError is returned when the cluster topology cannot be discovered
// or does not cover a requested slot
type TopologyError struct {
	Msg string
	Err error
}

func (e *TopologyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("kvengine: topology error: %s: %v", e.Msg, e.Err)
	}
	return "kvengine: topology error: " + e.Msg
}

func (e *TopologyError) Unwrap() error { return e.Err }

// --------------------------------------------------------------------------
// Redirects
// --------------------------------------------------------------------------

// RedirectKind distinguishes permanent (MOVED) from one-shot (ASK) redirects
type RedirectKind uint8

const (
	RedirectMoved RedirectKind = iota + 1
	RedirectAsk
)

func (k RedirectKind) String() string {
	if k == RedirectAsk {
		return "ASK"
	}
	return "MOVED"
}

// RedirectError is a MOVED or ASK error reply parsed into its parts
type RedirectError struct {
	Kind RedirectKind
	Slot int
	Addr string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("%s %d %s", e.Kind, e.Slot, e.Addr)
}

// ParseRedirect extracts the redirect information from a MOVED or ASK
// error reply. It returns false for any other error.
func ParseRedirect(err error) (*RedirectError, bool) {
	var re *RedirectError
	if errors.As(err, &re) {
		return re, true
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		return nil, false
	}
	parts := strings.Fields(reqErr.Msg)
	if len(parts) != 3 {
		return nil, false
	}
	var kind RedirectKind
	switch parts[0] {
	case "MOVED":
		kind = RedirectMoved
	case "ASK":
		kind = RedirectAsk
	default:
		return nil, false
	}
	slot, convErr := strconv.Atoi(parts[1])
	if convErr != nil {
		return nil, false
	}
	return &RedirectError{Kind: kind, Slot: slot, Addr: parts[2]}, true
}

// --------------------------------------------------------------------------
// Serializable error info
// --------------------------------------------------------------------------

// ErrorKind classifies an error carried in a response frame
type ErrorKind uint8

const (
	ErrKindRequest ErrorKind = iota + 1
	ErrKindConnection
	ErrKindTimeout
	ErrKindClosed
	ErrKindTopology
	ErrKindCrossSlot
	ErrKindScanFinished
	ErrKindNoRoute
	ErrKindOther
)

// ErrorInfo is the wire form of an error, it keeps the error class so the
// receiving side can rebuild a matching typed error
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// ErrorInfoFrom classifies err
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: ErrKindOther, Message: err.Error()}
	var (
		reqErr  *RequestError
		connErr *ConnectionError
		topoErr *TopologyError
		timeout *TimeoutError
	)
	switch {
	case errors.As(err, &reqErr):
		info.Kind, info.Message = ErrKindRequest, reqErr.Msg
	case errors.As(err, &timeout):
		info.Kind = ErrKindTimeout
	case errors.Is(err, ErrClosed):
		info.Kind = ErrKindClosed
	case errors.As(err, &connErr):
		info.Kind = ErrKindConnection
	case errors.As(err, &topoErr):
		info.Kind = ErrKindTopology
	case errors.Is(err, ErrCrossSlot):
		info.Kind = ErrKindCrossSlot
	case errors.Is(err, ErrScanFinished):
		info.Kind = ErrKindScanFinished
	case errors.Is(err, ErrNoRoute):
		info.Kind = ErrKindNoRoute
	}
	return info
}

// Err rebuilds a typed error from the info
func (i *ErrorInfo) Err() error {
	if i == nil {
		return nil
	}
	switch i.Kind {
	case ErrKindRequest:
		return &RequestError{Msg: i.Message}
	case ErrKindTimeout:
		return ErrTimeout
	case ErrKindClosed:
		return ErrClosed
	case ErrKindConnection:
		return &ConnectionError{Err: errors.New(i.Message)}
	case ErrKindTopology:
		return &TopologyError{Msg: i.Message}
	case ErrKindCrossSlot:
		return ErrCrossSlot
	case ErrKindScanFinished:
		return ErrScanFinished
	case ErrKindNoRoute:
		return ErrNoRoute
	default:
		return errors.New(i.Message)
	}
}
