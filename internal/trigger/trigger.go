// Package trigger implements scheduler integration: registering repeating
// jobs via interval or cron specifications, with max_instances=1 overlap
// dropping. It wraps github.com/robfig/cron/v3, which supplies the cron
// expression evaluator and tick loop but has no overlap guard of its own,
// so one is added here.
package trigger

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var intervalToken = regexp.MustCompile(`^(\d+)(s|m|h|d|w)`)

// ParseInterval parses an interval specification: a concatenation of
// <N><unit> tokens, unit in s|m|h|d|w, each unit appearing at most once.
func ParseInterval(spec string) (time.Duration, error) {
	if spec == "" {
		return 0, fmt.Errorf("invalid interval specifier %q", spec)
	}

	var total time.Duration
	seen := map[string]bool{}
	rest := spec

	for rest != "" {
		m := intervalToken.FindStringSubmatch(rest)
		if m == nil {
			return 0, fmt.Errorf("invalid interval specifier %q", spec)
		}
		unit := m[2]
		if seen[unit] {
			return 0, fmt.Errorf("invalid interval specifier %q: duplicate unit %q", spec, unit)
		}
		seen[unit] = true

		n, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("invalid interval specifier %q: %w", spec, err)
		}

		switch unit {
		case "s":
			total += time.Duration(n) * time.Second
		case "m":
			total += time.Duration(n) * time.Minute
		case "h":
			total += time.Duration(n) * time.Hour
		case "d":
			total += time.Duration(n) * 24 * time.Hour
		case "w":
			total += time.Duration(n) * 7 * 24 * time.Hour
		}

		rest = rest[len(m[0]):]
	}

	return total, nil
}

// intervalSchedule implements cron.Schedule for a fixed-period repeat.
type intervalSchedule struct{ period time.Duration }

func (s intervalSchedule) Next(t time.Time) time.Time { return t.Add(s.period) }

// ParseCron parses a cron specification: five fields
// (minute hour day month day_of_week) or six (with a leading seconds
// field), delegating field syntax to robfig/cron's parser.
func ParseCron(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron specifier %q: %w", spec, err)
	}
	return sched, nil
}

// Scheduler is the trigger source: it registers repeating jobs and tracks
// the registered-trigger count, the condition the termination detector
// polls.
type Scheduler struct {
	cron *cron.Cron

	mu       sync.Mutex
	entries  map[cron.EntryID]struct{}
	inflight map[cron.EntryID]*int32
}

// New creates and starts a Scheduler.
func New() *Scheduler {
	s := &Scheduler{
		cron:     cron.New(cron.WithParser(parser)),
		entries:  make(map[cron.EntryID]struct{}),
		inflight: make(map[cron.EntryID]*int32),
	}
	s.cron.Start()
	return s
}

// AddInterval registers fn to run every period, dropping overlapping
// firings (max_instances=1).
func (s *Scheduler) AddInterval(period time.Duration, fn func(context.Context)) cron.EntryID {
	return s.add(intervalSchedule{period: period}, fn)
}

// AddCron registers fn to run on sched, dropping overlapping firings
// (max_instances=1).
func (s *Scheduler) AddCron(sched cron.Schedule, fn func(context.Context)) cron.EntryID {
	return s.add(sched, fn)
}

func (s *Scheduler) add(sched cron.Schedule, fn func(context.Context)) cron.EntryID {
	running := new(int32)

	var id cron.EntryID
	id = s.cron.Schedule(sched, cron.FuncJob(func() {
		if !atomic.CompareAndSwapInt32(running, 0, 1) {
			return // previous firing still in flight; max_instances=1 drops it.
		}
		defer atomic.StoreInt32(running, 0)
		fn(context.Background())
	}))

	s.mu.Lock()
	s.entries[id] = struct{}{}
	s.inflight[id] = running
	s.mu.Unlock()

	return id
}

// Remove unregisters a trigger by id.
func (s *Scheduler) Remove(id cron.EntryID) {
	s.cron.Remove(id)

	s.mu.Lock()
	delete(s.entries, id)
	delete(s.inflight, id)
	s.mu.Unlock()
}

// Len reports the number of registered triggers, the quantity the
// termination detector checks is zero.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Shutdown stops the scheduler, waiting for any in-flight firing to finish.
func (s *Scheduler) Shutdown() {
	<-s.cron.Stop().Done()
}
