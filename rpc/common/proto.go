package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// --------------------------------------------------------------------------
// Command
// --------------------------------------------------------------------------

// Command is the opaque command descriptor carried by every outbound envelope.
// Name holds the command name (e.g. "GET"), Args the remaining arguments.
// Multi-word commands keep their sub command as the first argument
// (e.g. Name "CLUSTER", Args ["SLOTS"]).
type Command struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

// NewCommand creates a new command from a name and its arguments
func NewCommand(name string, args ...string) Command {
	return Command{Name: name, Args: args}
}

// CommandFromArgs builds a command from a full argument vector (name first)
func CommandFromArgs(argv []string) (Command, error) {
	if len(argv) == 0 || argv[0] == "" {
		return Command{}, fmt.Errorf("empty command")
	}
	return Command{Name: argv[0], Args: argv[1:]}, nil
}

// Argv returns the full argument vector of the command (name first)
func (c Command) Argv() []string {
	argv := make([]string, 0, len(c.Args)+1)
	argv = append(argv, c.Name)
	return append(argv, c.Args...)
}

// String returns the command name followed by the number of arguments.
// Argument values are never printed, they may contain user data.
func (c Command) String() string {
	return fmt.Sprintf("%s (%d args)", strings.ToUpper(c.Name), len(c.Args))
}

// --------------------------------------------------------------------------
// Route
// --------------------------------------------------------------------------

// RouteKind selects how a command is routed in cluster mode
type RouteKind uint8

const (
	RouteRandom       RouteKind = iota + 1 // one random primary
	RouteAllPrimaries                      // every primary
	RouteAllNodes                          // every node, primaries and replicas
	RouteSlotKey                           // the primary owning the slot of Key
	RouteSlotID                            // the primary owning Slot
	RouteAddress                           // the node at Address
)

// Route is an explicit routing instruction supplied by the caller.
// A nil *Route means the route is inferred from the command.
type Route struct {
	Kind    RouteKind `json:"kind"`
	Key     string    `json:"key,omitempty"`
	Slot    int       `json:"slot,omitempty"`
	Address string    `json:"address,omitempty"`
}

func RandomRoute() *Route       { return &Route{Kind: RouteRandom} }
func AllPrimariesRoute() *Route { return &Route{Kind: RouteAllPrimaries} }
func AllNodesRoute() *Route     { return &Route{Kind: RouteAllNodes} }

// SlotKeyRoute routes to the primary owning the slot of key
func SlotKeyRoute(key string) *Route { return &Route{Kind: RouteSlotKey, Key: key} }

// SlotIDRoute routes to the primary owning slot
func SlotIDRoute(slot int) *Route { return &Route{Kind: RouteSlotID, Slot: slot} }

// AddressRoute routes to a specific node ("host:port")
func AddressRoute(addr string) *Route { return &Route{Kind: RouteAddress, Address: addr} }

func (k RouteKind) String() string {
	switch k {
	case RouteRandom:
		return "Random"
	case RouteAllPrimaries:
		return "AllPrimaries"
	case RouteAllNodes:
		return "AllNodes"
	case RouteSlotKey:
		return "SlotKey"
	case RouteSlotID:
		return "SlotID"
	case RouteAddress:
		return "Address"
	default:
		return fmt.Sprintf("RouteKind(%d)", uint8(k))
	}
}

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// Batch is an ordered sequence of commands executed as one unit.
// Atomic batches are sent as a transaction (MULTI/EXEC), non atomic
// batches are pipelined. The batch is owned by the caller and only read
// by the executor.
type Batch struct {
	Commands []Command `json:"commands"`
	Atomic   bool      `json:"atomic,omitempty"`
	// Route overrides the route inferred from the first key
	Route *Route `json:"route,omitempty"`
	// Watch lists keys watched right before the transaction starts (atomic only)
	Watch []string `json:"watch,omitempty"`
	// RaiseOnError returns the first command error instead of an error value in the results
	RaiseOnError bool `json:"raiseOnError,omitempty"`
	// TimeoutMillis bounds the whole batch execution, 0 means the request timeout applies
	TimeoutMillis uint32 `json:"timeoutMillis,omitempty"`
}

// NewBatch creates an empty batch
func NewBatch(atomic bool) *Batch {
	return &Batch{Atomic: atomic}
}

// Add appends a command to the batch and returns the batch for chaining
func (b *Batch) Add(name string, args ...string) *Batch {
	b.Commands = append(b.Commands, NewCommand(name, args...))
	return b
}

// --------------------------------------------------------------------------
// Envelopes
// --------------------------------------------------------------------------

// Request is the outbound envelope: {correlation id, command, optional route}.
// Exactly one of Command and Batch is set.
type Request struct {
	ID      uint32     `json:"id"`
	Command *Command   `json:"command,omitempty"`
	Batch   *Batch     `json:"batch,omitempty"`
	Route   *Route     `json:"route,omitempty"`
	Hint    DecodeHint `json:"hint,omitempty"`
}

// FrameKind tags an inbound frame
type FrameKind uint8

const (
	FrameResponse FrameKind = iota + 1
	FramePush
)

// Frame is the inbound envelope. It is a tagged variant: a response
// {ID, Value | Err} or an unsolicited push {Push}.
type Frame struct {
	Kind  FrameKind  `json:"kind"`
	ID    uint32     `json:"id,omitempty"`
	Value Value      `json:"value"`
	Err   *ErrorInfo `json:"err,omitempty"`
	Push  *Push      `json:"push,omitempty"`
}

// ResponseFrame creates a response frame for id. A non nil err takes precedence over v.
func ResponseFrame(id uint32, v Value, err error) Frame {
	f := Frame{Kind: FrameResponse, ID: id, Value: v}
	if err != nil {
		f.Value = Value{}
		f.Err = ErrorInfoFrom(err)
	}
	return f
}

// PushFrame wraps a push notification into a frame
func PushFrame(p Push) Frame {
	return Frame{Kind: FramePush, Push: &p}
}

// --------------------------------------------------------------------------
// Push notifications
// --------------------------------------------------------------------------

// PushKind identifies the type of unsolicited message
type PushKind uint8

const (
	PushOther PushKind = iota
	PushMessage
	PushPMessage
	PushSMessage
	PushSubscribe
	PushPSubscribe
	PushSSubscribe
	PushUnsubscribe
	PushPUnsubscribe
	PushSUnsubscribe
)

var pushKindNames = map[PushKind]string{
	PushOther:        "other",
	PushMessage:      "message",
	PushPMessage:     "pmessage",
	PushSMessage:     "smessage",
	PushSubscribe:    "subscribe",
	PushPSubscribe:   "psubscribe",
	PushSSubscribe:   "ssubscribe",
	PushUnsubscribe:  "unsubscribe",
	PushPUnsubscribe: "punsubscribe",
	PushSUnsubscribe: "sunsubscribe",
}

func (k PushKind) String() string {
	if name, ok := pushKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PushKind(%d)", uint8(k))
}

// ParsePushKind maps the first element of a push reply to its kind
func ParsePushKind(s string) PushKind {
	s = strings.ToLower(s)
	for k, name := range pushKindNames {
		if name == s {
			return k
		}
	}
	return PushOther
}

// IsMessage reports whether the push carries a published payload
func (k PushKind) IsMessage() bool {
	return k == PushMessage || k == PushPMessage || k == PushSMessage
}

// IsSubscription reports whether the push confirms a (un)subscription
func (k PushKind) IsSubscription() bool {
	return k >= PushSubscribe && k <= PushSUnsubscribe
}

// Push is an unsolicited server-to-client message (e.g. pub/sub delivery).
// Count is only set for subscription confirmations.
type Push struct {
	Kind    PushKind `json:"kind"`
	Channel string   `json:"channel,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
	Payload string   `json:"payload,omitempty"`
	Count   int64    `json:"count,omitempty"`
}

// MarshalJSON implements the json.Marshaller interface for PushKind.
// The kind is written as its name.
func (k PushKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for PushKind.
func (k *PushKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParsePushKind(s)
	return nil
}
