package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotLeader is returned when a write is attempted from a follower
// session.
var ErrNotLeader = errors.New("session is not the leader")

// Config configures a session coordinator.
type Config struct {
	// SessionID identifies this session. Defaults to a random UUID.
	SessionID string

	// HeartbeatInterval is how often liveness frames are posted.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a leader may stay silent before
	// followers treat it as dead and elect.
	HeartbeatTimeout time.Duration

	// ElectionWait is how long a claimant collects competing claims
	// before deciding the election.
	ElectionWait time.Duration

	// Logger receives coordination logs. Defaults to stderr.
	Logger *log.Logger
}

// DefaultConfig returns the default coordination settings.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 500 * time.Millisecond,
		HeartbeatTimeout:  2 * time.Second,
		ElectionWait:      250 * time.Millisecond,
	}
}

type peer struct {
	registeredAt time.Time
	lastSeen     time.Time
}

// Session is a point-in-time view of one known session.
type Session struct {
	ID           string
	RegisteredAt time.Time
	LastSeen     time.Time
	IsLeader     bool
}

// Coordinator runs leader election for one session and owns the local
// event bus.
//
// With a nil Channel the coordinator degrades to single-session mode:
// the session is the permanent leader and no frames are exchanged. This
// is the normal shape for CLI invocations and tests that do not exercise
// multi-session behavior.
type Coordinator struct {
	cfg    Config
	id     string
	ch     Channel
	bus    *Bus
	logger *log.Logger

	registeredAt time.Time

	mu         sync.Mutex
	isLeader   bool
	leaderID   string
	leaderSeen time.Time
	peers      map[string]*peer
	claims     map[string]time.Time
	electing   bool
	started    bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a coordinator. ch may be nil for single-session mode; bus
// may be nil, in which case the coordinator creates its own.
func New(ch Channel, bus *Bus, cfg Config) *Coordinator {
	def := DefaultConfig()
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if cfg.ElectionWait <= 0 {
		cfg.ElectionWait = def.ElectionWait
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	if bus == nil {
		bus = NewBus()
	}
	return &Coordinator{
		cfg:          cfg,
		id:           cfg.SessionID,
		ch:           ch,
		bus:          bus,
		logger:       cfg.Logger,
		registeredAt: time.Now().UTC(),
		peers:        make(map[string]*peer),
	}
}

// SessionID returns this session's ID.
func (c *Coordinator) SessionID() string { return c.id }

// Bus returns the coordinator's event bus.
func (c *Coordinator) Bus() *Bus { return c.bus }

// Start registers the session and begins exchanging heartbeats. In
// single-session mode it immediately assumes leadership.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("coordinator already started")
	}
	c.started = true

	if c.ch == nil {
		c.isLeader = true
		c.leaderID = c.id
		c.mu.Unlock()
		c.logger.Printf("single-session mode: %s is leader", c.id)
		c.bus.Publish(Event{Type: EventLeaderChanged, SessionID: c.id})
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.ch.Post(c.frame(FrameRegister)); err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}

	c.wg.Add(2)
	go c.readLoop(runCtx)
	go c.tickLoop(runCtx)
	return nil
}

// Stop releases leadership if held, says goodbye, and shuts the session
// down.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	wasLeader := c.isLeader
	c.isLeader = false
	ch := c.ch
	cancel := c.cancel
	c.mu.Unlock()

	if ch != nil {
		if wasLeader {
			ch.Post(c.frame(FrameRelease))
		}
		ch.Post(c.frame(FrameGoodbye))
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	if ch != nil {
		ch.Close()
	}
}

// IsLeader reports whether this session currently holds leadership.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLeader
}

// LeaderID returns the last known leader's session ID, or "" when no
// leader is known.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// Sessions returns a snapshot of this session plus every live peer.
func (c *Coordinator) Sessions() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := []Session{{
		ID:           c.id,
		RegisteredAt: c.registeredAt,
		LastSeen:     time.Now().UTC(),
		IsLeader:     c.isLeader,
	}}
	for id, p := range c.peers {
		out = append(out, Session{
			ID:           id,
			RegisteredAt: p.registeredAt,
			LastSeen:     p.lastSeen,
			IsLeader:     id == c.leaderID,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RequestLeadership attempts to become leader. It returns true when this
// session won. A live leader causes an immediate false; otherwise the
// session posts a claim, waits out the election window, and wins only if
// it has the strongest claim seen. Claims are ordered by registration
// time with the session ID as tiebreak, so concurrent claimants decide
// the same winner.
func (c *Coordinator) RequestLeadership(ctx context.Context) (bool, error) {
	c.mu.Lock()
	if c.ch == nil {
		leader := c.isLeader
		c.mu.Unlock()
		return leader, nil
	}
	if c.isLeader {
		c.mu.Unlock()
		return true, nil
	}
	if c.leaderAliveLocked() {
		c.mu.Unlock()
		return false, nil
	}
	if c.electing {
		c.mu.Unlock()
		return false, nil
	}
	c.electing = true
	c.claims = map[string]time.Time{c.id: c.registeredAt}
	c.mu.Unlock()

	if err := c.ch.Post(c.frame(FrameClaim)); err != nil {
		c.mu.Lock()
		c.electing = false
		c.mu.Unlock()
		return false, fmt.Errorf("failed to post leadership claim: %w", err)
	}

	select {
	case <-time.After(c.cfg.ElectionWait):
	case <-ctx.Done():
		c.mu.Lock()
		c.electing = false
		c.mu.Unlock()
		return false, ctx.Err()
	}

	c.mu.Lock()
	c.electing = false
	if c.leaderAliveLocked() {
		c.mu.Unlock()
		return false, nil
	}
	winner := c.id
	winnerAt := c.registeredAt
	for id, at := range c.claims {
		if at.Before(winnerAt) || (at.Equal(winnerAt) && id < winner) {
			winner, winnerAt = id, at
		}
	}
	won := winner == c.id
	if won {
		c.isLeader = true
		c.leaderID = c.id
		c.leaderSeen = time.Now().UTC()
	}
	c.mu.Unlock()

	if won {
		c.logger.Printf("session %s won leadership", c.id)
		c.ch.Post(c.leaderFrame(FrameHeartbeat))
		c.bus.Publish(Event{Type: EventLeaderChanged, SessionID: c.id})
	}
	return won, nil
}

// ReleaseLeadership voluntarily steps down. Followers elect a new leader
// after their next liveness check.
func (c *Coordinator) ReleaseLeadership() {
	c.mu.Lock()
	if !c.isLeader {
		c.mu.Unlock()
		return
	}
	c.isLeader = false
	c.leaderID = ""
	ch := c.ch
	c.mu.Unlock()

	c.logger.Printf("session %s released leadership", c.id)
	if ch != nil {
		ch.Post(c.frame(FrameRelease))
	}
	c.bus.Publish(Event{Type: EventLeaderChanged, SessionID: ""})
}

// ExecuteDBOperation runs op only when this session holds leadership.
// Followers get ErrNotLeader and must route writes through the leader.
func (c *Coordinator) ExecuteDBOperation(ctx context.Context, op func(ctx context.Context) error) error {
	if !c.IsLeader() {
		return ErrNotLeader
	}
	return op(ctx)
}

// BroadcastSyncEvent publishes ev on the local bus and to every peer
// session. Any session may broadcast; leadership is not required.
func (c *Coordinator) BroadcastSyncEvent(ev Event) {
	if ev.SessionID == "" {
		ev.SessionID = c.id
	}
	c.bus.Publish(ev)

	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()
	if ch != nil {
		frame := c.frame(FrameSync)
		frame.Event = &ev
		ch.Post(frame)
	}
}

func (c *Coordinator) readLoop(ctx context.Context) {
	defer c.wg.Done()
	frames := c.ch.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			c.handleFrame(frame)
		}
	}
}

func (c *Coordinator) tickLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			leader := c.isLeader
			needElection := !leader && !c.leaderAliveLocked() && !c.electing
			c.pruneDeadPeersLocked()
			c.mu.Unlock()

			if leader {
				c.ch.Post(c.leaderFrame(FrameHeartbeat))
			} else {
				c.ch.Post(c.frame(FrameHeartbeat))
			}
			if needElection {
				go c.RequestLeadership(ctx)
			}
		}
	}
}

func (c *Coordinator) handleFrame(frame Frame) {
	now := time.Now().UTC()

	switch frame.Kind {
	case FrameRegister:
		c.mu.Lock()
		c.peers[frame.SessionID] = &peer{registeredAt: frame.RegisteredAt, lastSeen: now}
		leader := c.isLeader
		c.mu.Unlock()
		// Leader answers right away so the newcomer does not wait a full
		// heartbeat interval to learn who holds the store.
		if leader {
			c.ch.Post(c.leaderFrame(FrameHeartbeat))
		}

	case FrameHeartbeat:
		c.mu.Lock()
		c.peers[frame.SessionID] = &peer{registeredAt: frame.RegisteredAt, lastSeen: now}
		if frame.LeaderID != "" {
			c.leaderID = frame.LeaderID
			c.leaderSeen = now
		}
		stepDown := c.isLeader && frame.LeaderID == frame.SessionID && frame.SessionID != c.id &&
			strongerClaim(frame.RegisteredAt, frame.SessionID, c.registeredAt, c.id)
		if stepDown {
			c.isLeader = false
			c.leaderID = frame.SessionID
		}
		c.mu.Unlock()
		if stepDown {
			c.logger.Printf("session %s stepping down: %s holds the stronger claim", c.id, frame.SessionID)
			c.bus.Publish(Event{Type: EventLeaderChanged, SessionID: frame.SessionID})
		}

	case FrameClaim:
		c.mu.Lock()
		c.peers[frame.SessionID] = &peer{registeredAt: frame.RegisteredAt, lastSeen: now}
		if c.claims != nil {
			c.claims[frame.SessionID] = frame.RegisteredAt
		}
		leader := c.isLeader
		c.mu.Unlock()
		// A live leader squashes stray claims with a fresh heartbeat.
		if leader {
			c.ch.Post(c.leaderFrame(FrameHeartbeat))
		}

	case FrameRelease:
		c.mu.Lock()
		if c.leaderID == frame.SessionID {
			c.leaderID = ""
			c.leaderSeen = time.Time{}
		}
		c.mu.Unlock()

	case FrameGoodbye:
		c.mu.Lock()
		delete(c.peers, frame.SessionID)
		if c.leaderID == frame.SessionID {
			c.leaderID = ""
			c.leaderSeen = time.Time{}
		}
		c.mu.Unlock()

	case FrameSync:
		if frame.Event != nil {
			c.bus.Publish(*frame.Event)
		}
	}
}

// leaderAliveLocked reports whether a leader heartbeat was seen within
// the timeout. Caller holds c.mu.
func (c *Coordinator) leaderAliveLocked() bool {
	if c.isLeader {
		return true
	}
	if c.leaderID == "" {
		return false
	}
	return time.Since(c.leaderSeen) < c.cfg.HeartbeatTimeout
}

// pruneDeadPeersLocked drops peers that stopped heartbeating. Caller
// holds c.mu.
func (c *Coordinator) pruneDeadPeersLocked() {
	cutoff := time.Now().UTC().Add(-2 * c.cfg.HeartbeatTimeout)
	for id, p := range c.peers {
		if p.lastSeen.Before(cutoff) {
			delete(c.peers, id)
		}
	}
}

func (c *Coordinator) frame(kind FrameKind) Frame {
	return Frame{
		Kind:         kind,
		SessionID:    c.id,
		RegisteredAt: c.registeredAt,
		Time:         time.Now().UTC(),
	}
}

func (c *Coordinator) leaderFrame(kind FrameKind) Frame {
	frame := c.frame(kind)
	frame.LeaderID = c.id
	return frame
}

// strongerClaim reports whether claim (atA, idA) beats (atB, idB).
// Earlier registration wins; the lower session ID breaks ties.
func strongerClaim(atA time.Time, idA string, atB time.Time, idB string) bool {
	if !atA.Equal(atB) {
		return atA.Before(atB)
	}
	return idA < idB
}
