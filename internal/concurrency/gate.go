// Package concurrency caps the number of open streaming calls per user.
package concurrency

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrConcurrencyExceeded is returned by Acquire when the user is at the cap
var ErrConcurrencyExceeded = errors.New("concurrent stream limit exceeded")

// DefaultCap and DefaultMaxHold apply when a Config field is zero
const (
	DefaultCap     = 2
	DefaultMaxHold = 15 * time.Minute
)

// Config configures a Gate
type Config struct {
	Cap     int
	MaxHold time.Duration
	// OnForcedRelease is called when a slot outlives MaxHold
	OnForcedRelease func(userID string)
}

// Gate counts open slots per user. The zero value is not usable; use NewGate.
type Gate struct {
	cap     int
	maxHold time.Duration
	onForce func(string)

	mu     sync.Mutex
	active map[string]int
}

// NewGate creates a gate
func NewGate(cfg Config) *Gate {
	if cfg.Cap <= 0 {
		cfg.Cap = DefaultCap
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = DefaultMaxHold
	}
	return &Gate{
		cap:     cfg.Cap,
		maxHold: cfg.MaxHold,
		onForce: cfg.OnForcedRelease,
		active:  make(map[string]int),
	}
}

// Cap returns the per-user limit
func (g *Gate) Cap() int {
	return g.cap
}

// Acquire reserves a slot for userID under the gate-wide cap or fails with
// ErrConcurrencyExceeded. The caller must Release the slot on every exit path.
func (g *Gate) Acquire(userID string) (*Slot, error) {
	return g.AcquireWithCap(userID, g.cap)
}

// AcquireWithCap is Acquire with a per-user cap. A non-positive cap means the gate-wide one.
func (g *Gate) AcquireWithCap(userID string, limit int) (*Slot, error) {
	if limit <= 0 {
		limit = g.cap
	}
	g.mu.Lock()
	if g.active[userID] >= limit {
		g.mu.Unlock()
		return nil, ErrConcurrencyExceeded
	}
	g.active[userID]++
	g.mu.Unlock()

	s := &Slot{gate: g, userID: userID, expired: make(chan struct{})}
	s.timer = time.AfterFunc(g.maxHold, s.expire)
	return s, nil
}

func (g *Gate) release(userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch n := g.active[userID]; {
	case n <= 1:
		delete(g.active, userID)
	default:
		g.active[userID] = n - 1
	}
}

// Active returns the number of open slots for userID
func (g *Gate) Active(userID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active[userID]
}

// UserSlots is one row of a Snapshot
type UserSlots struct {
	UserID string `json:"user_id"`
	Active int    `json:"active"`
}

// Snapshot lists users holding at least one slot, ordered by user id
func (g *Gate) Snapshot() []UserSlots {
	g.mu.Lock()
	out := make([]UserSlots, 0, len(g.active))
	for id, n := range g.active {
		out = append(out, UserSlots{UserID: id, Active: n})
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Slot is one reservation returned by Acquire
type Slot struct {
	gate    *Gate
	userID  string
	timer   *time.Timer
	once    sync.Once
	expired chan struct{}
}

// Release returns the slot. Extra calls are no-ops.
func (s *Slot) Release() {
	s.once.Do(func() {
		s.timer.Stop()
		s.gate.release(s.userID)
	})
}

// Expired is closed when the slot was force-released after MaxHold.
// The holder should abandon the call when it fires.
func (s *Slot) Expired() <-chan struct{} {
	return s.expired
}

func (s *Slot) expire() {
	fired := false
	s.once.Do(func() {
		fired = true
		s.gate.release(s.userID)
	})
	if !fired {
		return
	}
	close(s.expired)
	if s.gate.onForce != nil {
		s.gate.onForce(s.userID)
	}
}
