// Package sampling decides whether a completed trace is reported in full or reduced to its core span skeleton.
package sampling

import (
	"math/rand"
	"sync"
	"time"
)

// Decision is the outcome of Sampler.Decide.
type Decision int

const (
	KeepFull Decision = iota
	ReduceToSkeleton
)

func (d Decision) String() string {
	if d == ReduceToSkeleton {
		return "reduce-to-skeleton"
	}
	return "keep-full"
}

const (
	window          = time.Second
	apiBurst        = 2
	keepProbability = 0.1
)

// Input carries everything the policy looks at.
type Input struct {
	IsErrorOutcome bool
	IsDebugMode    bool
	IsDevMode      bool
	HasAlertEvent  bool
	// IsAPIEvent is supplied by the event classifier.
	IsAPIEvent bool
}

type Option func(*Sampler)

// WithClock overrides the time source used for the rolling window.
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// WithRandom overrides the source of the probabilistic keep decision; fn returns values in [0, 1).
func WithRandom(fn func() float64) Option {
	return func(s *Sampler) { s.random = fn }
}

// Sampler applies the trace sampling policy.
//
// Traces ending with an error, traces recorded in debug or dev mode, and traces carrying error or warning events are always kept.
// Others are rate limited with a counter over a rolling one-second window.
type Sampler struct {
	mu          sync.Mutex
	now         func() time.Time
	random      func() float64
	counter     int
	lastResetAt time.Time
}

func New(opts ...Option) *Sampler {
	s := &Sampler{now: time.Now, random: rand.Float64}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sampler) Decide(in Input) Decision {
	if in.IsErrorOutcome || in.IsDebugMode || in.IsDevMode || in.HasAlertEvent {
		return KeepFull
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if now.Sub(s.lastResetAt) > window {
		s.lastResetAt = now
		s.counter = 0
	}
	s.counter++
	if in.IsAPIEvent {
		if s.counter > apiBurst {
			return ReduceToSkeleton
		}
		return KeepFull
	}
	if s.counter == 1 {
		return KeepFull
	}
	if s.random() > keepProbability {
		return ReduceToSkeleton
	}
	return KeepFull
}
