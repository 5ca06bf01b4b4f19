// Package stats implements a CPU utilization sampler: a single cooperative
// loop that refreshes system CPU utilization on a fixed interval and
// resolves predicates registered via NotifyWhen, in insertion order, the
// first one to hold.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
)

// DefaultInterval is the default sampling interval.
const DefaultInterval = 500 * time.Millisecond

// Sampler samples CPU utilization on a fixed interval.
type Sampler struct {
	interval time.Duration

	mu         sync.Mutex
	cpuPercent float64
	waiters    []waiter
}

type waiter struct {
	id   uuid.UUID
	cond func(cpuPercent float64) bool
	ch   chan struct{}
}

// New creates a Sampler with the given poll interval. Call Run to start its
// loop; it does nothing until Run is called.
func New(interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{interval: interval}
}

// CPUPercent returns the most recently observed CPU utilization percentage.
func (s *Sampler) CPUPercent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cpuPercent
}

// NotifyWhen registers a predicate over CPU percent and returns a channel
// that is closed the first time, after some future sample, cond returns
// true. Predicates are evaluated in insertion order each tick; the first to
// hold is resolved and removed. If the Run loop ends before resolving it,
// the channel never closes — callers must race an outer
// timeout/cancellation against the returned channel themselves.
func (s *Sampler) NotifyWhen(cond func(cpuPercent float64) bool) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	w := waiter{id: uuid.New(), cond: cond, ch: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	return w.ch
}

// Run drives the sample loop until ctx is cancelled. Sampling errors are
// swallowed and the previous sample retained. On cancellation the loop
// ends; any outstanding NotifyWhen channels are simply never closed.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
			s.evaluate()
		}
	}
}

func (s *Sampler) sample() {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return
	}

	s.mu.Lock()
	s.cpuPercent = percents[0]
	s.mu.Unlock()
}

// evaluate resolves the first waiter (in insertion order) whose predicate
// holds against the current sample.
func (s *Sampler) evaluate() {
	s.mu.Lock()
	defer s.mu.Unlock()

	percent := s.cpuPercent
	for i, w := range s.waiters {
		if !w.cond(percent) {
			continue
		}
		close(w.ch)
		s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
		return
	}
}
