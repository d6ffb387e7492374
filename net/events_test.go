package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEventQueue_FIFO(t *testing.T) {
	var q EventQueue
	q.Post(Event{Kind: EventClientEntered, Node: 1})
	q.Post(Event{Kind: EventClientExited, Node: 1})
	assert.Equal(t, 2, q.Len())

	e, ok := q.Next()
	assert.True(t, ok)
	assert.Equal(t, EventClientEntered, e.Kind)

	q.Post(Event{Kind: EventNodeTerminated, Node: 1})
	e, _ = q.Next()
	assert.Equal(t, EventClientExited, e.Kind)
	e, _ = q.Next()
	assert.Equal(t, EventNodeTerminated, e.Kind)

	_, ok = q.Next()
	assert.False(t, ok)
	assert.Zero(t, q.Len())
}

type plainHandler struct {
	calls []string
}

func (h *plainHandler) OnClientEntered(NodeID) { h.calls = append(h.calls, "entered") }
func (h *plainHandler) OnClientExited(NodeID)  { h.calls = append(h.calls, "exited") }
func (h *plainHandler) OnConnectionEnded()     { h.calls = append(h.calls, "ended") }

func TestEventQueue_Dispatch(t *testing.T) {
	var q EventQueue
	post := func() {
		q.Post(Event{Kind: EventClientEntered, Node: 2})
		q.Post(Event{Kind: EventClientExited, Node: 2})
		q.Post(Event{Kind: EventNodeTerminated, Node: 2})
		q.Post(Event{Kind: EventConnectionEnded})
	}

	post()
	rec := &recordingHandler{}
	assert.Equal(t, 4, q.Dispatch(rec))
	assert.Equal(t, []NodeID{2}, rec.entered)
	assert.Equal(t, []NodeID{2}, rec.exited)
	assert.Equal(t, []NodeID{2}, rec.terminated)
	assert.Equal(t, 1, rec.ended)

	post()
	plain := &plainHandler{}
	assert.Equal(t, 4, q.Dispatch(plain), "node-terminated is consumed even when unhandled")
	assert.Equal(t, []string{"entered", "exited", "ended"}, plain.calls)

	post()
	assert.Zero(t, q.Dispatch(nil))
	assert.Equal(t, 4, q.Len())
}

func TestEventKind_String(t *testing.T) {
	assert.Equal(t, "client-entered", EventClientEntered.String())
	assert.Equal(t, "connection-ended", EventConnectionEnded.String())
	assert.Equal(t, "unknown", EventKind(0).String())
}
