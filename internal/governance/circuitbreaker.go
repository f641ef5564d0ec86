package governance

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig defines when a pipeline is considered failing.
type BreakerConfig struct {
	// MaxConsecutiveFailures opens the breaker after this many failures in a
	// row. Zero disables the consecutive check.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures" json:"maxConsecutiveFailures"`
	// Window is how long closed-state counts accumulate before they reset.
	Window time.Duration `yaml:"window" json:"window"`
	// FailureRateThreshold is the failure percentage (0-100) within the window
	// that opens the breaker. Values <=0 disable rate evaluation.
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" json:"failureRateThreshold"`
	// MinSamples is the minimum number of executions in the window before the
	// rate is evaluated.
	MinSamples int `yaml:"min_samples" json:"minSamples"`
	// Cooldown is how long an open breaker waits before letting a trial
	// execution through.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxConsecutiveFailures: 5,
		Window:                 60 * time.Second,
		FailureRateThreshold:   50, // percent
		MinSamples:             10,
		Cooldown:               60 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.MaxConsecutiveFailures < 0 {
		c.MaxConsecutiveFailures = 0
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.FailureRateThreshold < 0 {
		c.FailureRateThreshold = 0
	}
	if c.MinSamples <= 0 {
		c.MinSamples = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = c.Window
	}
	return c
}

func (c BreakerConfig) readyToTrip(counts gobreaker.Counts) bool {
	if c.MaxConsecutiveFailures > 0 && int(counts.ConsecutiveFailures) >= c.MaxConsecutiveFailures {
		return true
	}
	if c.FailureRateThreshold <= 0 || int(counts.Requests) < c.MinSamples {
		return false
	}
	return float64(counts.TotalFailures)/float64(counts.Requests)*100 >= c.FailureRateThreshold
}

// Breaker tracks the recent execution outcomes of one pipeline. It only
// observes: outcomes are fed after the fact and the caller decides what an
// open breaker means.
type Breaker struct {
	cb     *gobreaker.CircuitBreaker
	opened atomic.Bool
}

// NewBreaker creates a closed breaker named after the pipeline it watches.
func NewBreaker(name string, config BreakerConfig) *Breaker {
	config = config.normalized()
	b := &Breaker{}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    config.Window,
		Timeout:     config.Cooldown,
		ReadyToTrip: config.readyToTrip,
		OnStateChange: func(_ string, _, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.opened.Store(true)
			}
		},
	})
	return b
}

// Record folds one execution outcome into the breaker and reports whether the
// breaker opened since the last call that reported so. Outcomes arriving while
// the breaker is open are dropped.
func (b *Breaker) Record(err error) bool {
	_, _ = b.cb.Execute(func() (interface{}, error) {
		return nil, err
	})
	return b.opened.CompareAndSwap(true, false)
}

// BreakerStats exposes breaker status information.
type BreakerStats struct {
	State               string  `json:"state"`
	Requests            int     `json:"requests"`
	Failures            int     `json:"failures"`
	Successes           int     `json:"successes"`
	ConsecutiveFailures int     `json:"consecutiveFailures"`
	FailureRate         float64 `json:"failureRate"`
}

// Stats returns the counts of the current window.
func (b *Breaker) Stats() BreakerStats {
	counts := b.cb.Counts()
	rate := 0.0
	if counts.Requests > 0 {
		rate = float64(counts.TotalFailures) / float64(counts.Requests) * 100
	}
	return BreakerStats{
		State:               b.cb.State().String(),
		Requests:            int(counts.Requests),
		Failures:            int(counts.TotalFailures),
		Successes:           int(counts.TotalSuccesses),
		ConsecutiveFailures: int(counts.ConsecutiveFailures),
		FailureRate:         rate,
	}
}

// BreakerSet holds one breaker per pipeline id, created on first use.
type BreakerSet struct {
	mu       sync.RWMutex
	config   BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakerSet creates an empty set whose breakers share config.
func NewBreakerSet(config BreakerConfig) *BreakerSet {
	return &BreakerSet{
		config:   config,
		breakers: make(map[string]*Breaker),
	}
}

// Get retrieves the breaker for id, creating one if needed.
func (s *BreakerSet) Get(id string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[id]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[id]; ok {
		return b
	}
	b = NewBreaker(id, s.config)
	s.breakers[id] = b
	return b
}

// Remove forgets the breaker for id, so the next Get starts closed.
func (s *BreakerSet) Remove(id string) {
	s.mu.Lock()
	delete(s.breakers, id)
	s.mu.Unlock()
}

// Stats returns statistics for every breaker.
func (s *BreakerSet) Stats() map[string]BreakerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BreakerStats, len(s.breakers))
	for id, b := range s.breakers {
		out[id] = b.Stats()
	}
	return out
}

// ResetAll drops every breaker.
func (s *BreakerSet) ResetAll() {
	s.mu.Lock()
	s.breakers = make(map[string]*Breaker)
	s.mu.Unlock()
}
