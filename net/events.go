package net

// EventKind identifies a lifecycle notification.
type EventKind uint8

const (
	EventClientEntered EventKind = iota + 1
	EventClientExited
	EventNodeTerminated
	EventConnectionEnded
)

func (k EventKind) String() string {
	switch k {
	case EventClientEntered:
		return "client-entered"
	case EventClientExited:
		return "client-exited"
	case EventNodeTerminated:
		return "node-terminated"
	case EventConnectionEnded:
		return "connection-ended"
	default:
		return "unknown"
	}
}

// Event is one lifecycle notification. Node is meaningless for
// EventConnectionEnded.
type Event struct {
	Kind EventKind
	Node NodeID
}

// EventHandler receives lifecycle notifications from Dispatch.
type EventHandler interface {
	OnClientEntered(id NodeID)
	OnClientExited(id NodeID)
	OnConnectionEnded()
}

// NodeTerminatedHandler is implemented by handlers that also want
// node-terminated notifications.
type NodeTerminatedHandler interface {
	OnNodeTerminated(id NodeID)
}

// EventQueue is a FIFO of lifecycle events, filled by the transport and
// drained by the gameplay layer on the same goroutine.
type EventQueue struct {
	events []Event
	head   int
}

// Post appends e.
func (q *EventQueue) Post(e Event) {
	q.events = append(q.events, e)
}

// Next pops the oldest event.
func (q *EventQueue) Next() (Event, bool) {
	if q.head >= len(q.events) {
		return Event{}, false
	}
	e := q.events[q.head]
	q.head++
	if q.head == len(q.events) {
		q.events = q.events[:0]
		q.head = 0
	}
	return e, true
}

// Len is the number of undelivered events.
func (q *EventQueue) Len() int {
	return len(q.events) - q.head
}

// Dispatch drains the queue into h and returns how many events it handled.
func (q *EventQueue) Dispatch(h EventHandler) int {
	if h == nil {
		return 0
	}
	terminated, _ := h.(NodeTerminatedHandler)
	n := 0
	for {
		e, ok := q.Next()
		if !ok {
			return n
		}
		n++
		switch e.Kind {
		case EventClientEntered:
			h.OnClientEntered(e.Node)
		case EventClientExited:
			h.OnClientExited(e.Node)
		case EventConnectionEnded:
			h.OnConnectionEnded()
		case EventNodeTerminated:
			if terminated != nil {
				terminated.OnNodeTerminated(e.Node)
			}
		}
	}
}
