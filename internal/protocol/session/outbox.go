package session

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/fleetlink/internal/protocol/frame"
)

var (
	ErrDuplicateCommand = errors.New("session: duplicate command id")
	// ErrConnectionClosed settles commands whose link went away before a reply.
	ErrConnectionClosed = errors.New("session: connection closed")
)

type CommandState int

const (
	CommandPending CommandState = iota
	CommandResolved
	CommandRejected
)

func (s CommandState) String() string {
	switch s {
	case CommandPending:
		return "pending"
	case CommandResolved:
		return "resolved"
	case CommandRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PendingCommand tracks one command awaiting its correlated reply.
type PendingCommand struct {
	CorrelationID uint64
	EndpointID    string
	Type          string
	QueuedAt      time.Time
	Deadline      time.Time
	State         CommandState
}

// Settlement is the single outcome of a pending command.
type Settlement struct {
	Command PendingCommand
	Reply   frame.Frame
	Err     error
}

type pendingEntry struct {
	cmd  PendingCommand
	done chan Settlement
}

// CommandOutbox stores pending commands by correlation id. Each entry leaves
// the table exactly once, through settle.
type CommandOutbox struct {
	mu    sync.Mutex
	items map[uint64]*pendingEntry
}

func NewCommandOutbox() *CommandOutbox {
	return &CommandOutbox{
		items: make(map[uint64]*pendingEntry),
	}
}

// Add records cmd as pending and returns the channel that receives its
// settlement.
func (o *CommandOutbox) Add(cmd PendingCommand) (<-chan Settlement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.items[cmd.CorrelationID]; exists {
		return nil, ErrDuplicateCommand
	}
	cmd.State = CommandPending
	entry := &pendingEntry{cmd: cmd, done: make(chan Settlement, 1)}
	o.items[cmd.CorrelationID] = entry
	return entry.done, nil
}

// Resolve settles id with reply. It reports false when id is not pending.
func (o *CommandOutbox) Resolve(id uint64, reply frame.Frame) bool {
	return o.settle(id, CommandResolved, reply, nil)
}

// Reject settles id with err. It reports false when id is not pending.
func (o *CommandOutbox) Reject(id uint64, err error) bool {
	return o.settle(id, CommandRejected, nil, err)
}

// RejectAll rejects every pending command and returns how many were settled.
func (o *CommandOutbox) RejectAll(err error) int {
	o.mu.Lock()
	ids := make([]uint64, 0, len(o.items))
	for id := range o.items {
		ids = append(ids, id)
	}
	o.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	n := 0
	for _, id := range ids {
		if o.Reject(id, err) {
			n++
		}
	}
	return n
}

func (o *CommandOutbox) settle(id uint64, state CommandState, reply frame.Frame, err error) bool {
	o.mu.Lock()
	entry, ok := o.items[id]
	if !ok {
		o.mu.Unlock()
		return false
	}
	delete(o.items, id)
	o.mu.Unlock()

	entry.cmd.State = state
	entry.done <- Settlement{Command: entry.cmd, Reply: reply, Err: err}
	return true
}

func (o *CommandOutbox) Get(id uint64) (PendingCommand, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entry, ok := o.items[id]
	if !ok {
		return PendingCommand{}, false
	}
	return entry.cmd, true
}

func (o *CommandOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.items)
}

func (o *CommandOutbox) List() []PendingCommand {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]PendingCommand, 0, len(o.items))
	for _, entry := range o.items {
		out = append(out, entry.cmd)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CorrelationID < out[j].CorrelationID
	})
	return out
}
