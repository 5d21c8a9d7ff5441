package providers

import (
	"sort"
	"sync"
	"time"
)

// State is the breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Result is how a finished call is reported back to the breaker
type Result int

const (
	Success Result = iota
	Failure
	// Ignored releases a half-open trial without changing state
	Ignored
)

// BreakerConfig configures a Breaker
type BreakerConfig struct {
	// Threshold consecutive failures inside Window open the breaker
	Threshold int
	Window    time.Duration
	// Cooldown is how long the breaker stays open before admitting a trial
	Cooldown time.Duration

	OnStateChange func(target string, from, to State)
}

// DefaultBreakerConfig returns the default thresholds
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold: 5,
		Window:    60 * time.Second,
		Cooldown:  60 * time.Second,
	}
}

// Breaker is a circuit breaker for one upstream target
type Breaker struct {
	target string
	cfg    BreakerConfig
	now    func() time.Time

	mu           sync.Mutex
	state        State
	generation   uint64
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	probing      bool
}

// NewBreaker creates a closed breaker
func NewBreaker(target string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{target: target, cfg: cfg, now: time.Now}
}

// Allow asks to make a call. On success the returned done must be called exactly
// once with the call's result; later calls to done are ignored.
func (b *Breaker) Allow() (func(Result), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return nil, ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			return nil, ErrCircuitOpen
		}
		b.probing = true
	}

	gen := b.generation
	var once sync.Once
	return func(r Result) {
		once.Do(func() { b.record(gen, r) })
	}, nil
}

func (b *Breaker) record(gen uint64, r Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// results of calls admitted under an earlier state do not count
	if gen != b.generation {
		return
	}
	b.apply(r)
}

// ReportFailure counts a failure seen after the call was already resolved, such as
// a stream that broke after its first event. Only a closed breaker counts it.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateClosed {
		b.apply(Failure)
	}
}

// apply must be called with mu held
func (b *Breaker) apply(r Result) {
	switch b.state {
	case StateHalfOpen:
		b.probing = false
		switch r {
		case Success:
			b.setState(StateClosed)
		case Failure:
			b.trip()
		}

	case StateClosed:
		switch r {
		case Success:
			b.failures = 0
		case Failure:
			now := b.now()
			if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
				b.failures = 0
				b.firstFailure = now
			}
			b.failures++
			if b.failures >= b.cfg.Threshold {
				b.trip()
			}
		}
	}
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

// setState must be called with mu held
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.generation++
	b.failures = 0
	b.probing = false
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.target, from, to)
	}
}

// State returns the current state. An open breaker past its cooldown still reports
// open until the next Allow moves it to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStatus is a point-in-time view of one breaker
type BreakerStatus struct {
	Target   string     `json:"target"`
	State    string     `json:"state"`
	Failures int        `json:"consecutive_failures"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
}

// Status returns a snapshot of the breaker
func (b *Breaker) Status() BreakerStatus {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := BreakerStatus{Target: b.target, State: b.state.String(), Failures: b.failures}
	if b.state != StateClosed {
		t := b.openedAt
		st.OpenedAt = &t
	}
	return st
}

// BreakerSet holds one breaker per upstream target
type BreakerSet struct {
	cfg BreakerConfig

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set sharing cfg
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the breaker for target, creating it on first use
func (s *BreakerSet) Get(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[target]
	if !ok {
		b = NewBreaker(target, s.cfg)
		s.breakers[target] = b
	}
	return b
}

// Snapshot returns the status of every known breaker ordered by target
func (s *BreakerSet) Snapshot() []BreakerStatus {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]BreakerStatus, 0, len(list))
	for _, b := range list {
		out = append(out, b.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}
