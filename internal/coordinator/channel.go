package coordinator

import (
	"errors"
	"sync"
	"time"
)

// FrameKind identifies a coordination frame.
type FrameKind string

const (
	// FrameRegister announces a new session to its peers.
	FrameRegister FrameKind = "register"

	// FrameHeartbeat proves a session is alive. The leader's heartbeats
	// carry its ID in LeaderID.
	FrameHeartbeat FrameKind = "heartbeat"

	// FrameClaim bids for leadership during an election.
	FrameClaim FrameKind = "claim"

	// FrameRelease announces a voluntary leadership handoff.
	FrameRelease FrameKind = "release"

	// FrameGoodbye announces a clean session shutdown.
	FrameGoodbye FrameKind = "goodbye"

	// FrameSync carries a sync event broadcast between sessions.
	FrameSync FrameKind = "sync"
)

// Frame is one message on the coordination channel.
type Frame struct {
	Kind         FrameKind `json:"kind"`
	SessionID    string    `json:"session_id"`
	RegisteredAt time.Time `json:"registered_at"`
	LeaderID     string    `json:"leader_id,omitempty"`
	Event        *Event    `json:"event,omitempty"`
	Time         time.Time `json:"time"`
}

// Channel is the transport the coordinator speaks over. Frames posted by
// one session are delivered to every other session on the same channel,
// never echoed back to the sender.
type Channel interface {
	Post(Frame) error
	Frames() <-chan Frame
	Close() error
}

// ErrChannelClosed is returned by Post after Close.
var ErrChannelClosed = errors.New("coordination channel closed")

// Hub is an in-process Channel fabric, used by tests and single-process
// deployments that still run several sessions.
type Hub struct {
	mu      sync.Mutex
	members map[int]*hubChannel
	nextID  int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{members: make(map[int]*hubChannel)}
}

// Join attaches a new channel to the hub.
func (h *Hub) Join() Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := &hubChannel{
		hub:    h,
		id:     h.nextID,
		frames: make(chan Frame, 64),
	}
	h.nextID++
	h.members[ch.id] = ch
	return ch
}

func (h *Hub) broadcast(from int, frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, member := range h.members {
		if id == from {
			continue
		}
		select {
		case member.frames <- frame:
		default:
			// Slow consumer: drop rather than stall the sender. Liveness
			// recovers on the next heartbeat.
		}
	}
}

func (h *Hub) leave(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if member, ok := h.members[id]; ok {
		delete(h.members, id)
		close(member.frames)
	}
}

type hubChannel struct {
	hub    *Hub
	id     int
	frames chan Frame

	mu     sync.Mutex
	closed bool
}

func (c *hubChannel) Post(frame Frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if frame.Time.IsZero() {
		frame.Time = time.Now().UTC()
	}
	c.hub.broadcast(c.id, frame)
	return nil
}

func (c *hubChannel) Frames() <-chan Frame {
	return c.frames
}

func (c *hubChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.hub.leave(c.id)
	return nil
}
