// Package group implements the Group admission arbiter: a named bucket
// enforcing max_jobs and max_cpu caps via strict FIFO admission. Each
// waiter enqueues a channel and blocks on the one ahead of it, forming a
// baton passed down the queue; membership and the queue itself are guarded
// by a plain mutex.
package group

import (
	"context"
	"sync"

	"github.com/chaqum-run/jobtree/internal/job"
	"github.com/chaqum-run/jobtree/internal/stats"
)

// Group is a named admission bucket.
type Group struct {
	// Ident is the group's name, or "" for the default group.
	Ident string
	// MaxJobs caps the number of members in {Starting,Running}. Zero means
	// unlimited.
	MaxJobs int
	// MaxCPU caps admission to when system CPU utilization is below this
	// percentage. Zero means unlimited.
	MaxCPU float64

	stats *stats.Sampler

	mu      sync.Mutex
	members map[string]*job.Job
	queue   []chan struct{}
	waitLog map[string]bool
}

// New creates a Group. sampler is consulted when MaxCPU is set.
func New(ident string, maxJobs int, maxCPU float64, sampler *stats.Sampler) *Group {
	return &Group{
		Ident:   ident,
		MaxJobs: maxJobs,
		MaxCPU:  maxCPU,
		stats:   sampler,
		members: make(map[string]*job.Job),
		waitLog: make(map[string]bool),
	}
}

// capped reports whether this Group enforces any admission policy at all.
func (g *Group) capped() bool { return g.MaxJobs > 0 || g.MaxCPU > 0 }

// Join adds j as a member of the Group. It must be called before
// AcquireSlot so that the running-count check in AcquireSlot sees j once
// admitted.
func (g *Group) Join(j *job.Job) {
	g.mu.Lock()
	g.members[j.Ident] = j
	g.mu.Unlock()
}

// Leave removes j from the Group's membership.
func (g *Group) Leave(j *job.Job) {
	g.mu.Lock()
	delete(g.members, j.Ident)
	delete(g.waitLog, j.Ident)
	g.mu.Unlock()
}

// Members returns a snapshot of the Group's current members.
func (g *Group) Members() []*job.Job {
	g.mu.Lock()
	defer g.mu.Unlock()

	members := make([]*job.Job, 0, len(g.members))
	for _, m := range g.members {
		members = append(members, m)
	}
	return members
}

// AcquireSlot enforces ordered admission: it blocks until j can occupy a
// slot per the queue order, the max_jobs count, and the max_cpu gate, in
// that order. On success it advances j to Starting, occupying the Group's
// capacity; the caller (the process supervisor) performs the final
// Starting -> Running transition once the child process object exists, so
// that admitted-but-not-yet-spawned jobs still count against max_jobs.
func (g *Group) AcquireSlot(ctx context.Context, j *job.Job) error {
	if !g.capped() {
		j.SetState(job.Starting)
		return nil
	}

	j.SetState(job.Waiting)

	myTurn := make(chan struct{})
	g.mu.Lock()
	var prev chan struct{}
	if n := len(g.queue); n > 0 {
		prev = g.queue[n-1]
	}
	g.queue = append(g.queue, myTurn)
	g.mu.Unlock()

	// Release this entry on every exit path so a successor blocked on prev
	// is never stranded, even if ctx is cancelled before admission. Search
	// by value rather than assuming myTurn is still at queue[0]: killjobs
	// can cancel a Waiting job out of order, while it is queued behind an
	// earlier, still-pending entry.
	defer func() {
		g.mu.Lock()
		for i, ch := range g.queue {
			if ch == myTurn {
				g.queue = append(g.queue[:i], g.queue[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
		close(myTurn)
	}()

	logWaiting := func() {
		g.mu.Lock()
		already := g.waitLog[j.Ident]
		g.waitLog[j.Ident] = true
		g.mu.Unlock()
		if !already {
			j.Log.Infof("Waiting for slot.")
		}
	}

	if prev != nil {
		logWaiting()
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if g.MaxJobs > 0 {
		for {
			if g.runningCount() < g.MaxJobs {
				break
			}
			logWaiting()
			select {
			case <-g.anyMemberDone():
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if g.MaxCPU > 0 {
		logWaiting()
		select {
		case <-g.stats.NotifyWhen(func(cpu float64) bool { return cpu < g.MaxCPU }):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	j.SetState(job.Starting)
	return nil
}

func (g *Group) runningCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, m := range g.members {
		switch m.State() {
		case job.Starting, job.Running:
			n++
		}
	}
	return n
}

// anyMemberDone returns a channel closed when any current member reaches
// Done, so a count-gated waiter can re-check as soon as a slot might open.
func (g *Group) anyMemberDone() <-chan struct{} {
	members := g.Members()

	ch := make(chan struct{})
	var once sync.Once
	signal := func() { once.Do(func() { close(ch) }) }

	if len(members) == 0 {
		// Nothing to wait on; resolve immediately so the caller re-checks
		// the running count rather than blocking forever.
		signal()
		return ch
	}

	for _, m := range members {
		go func(m *job.Job) {
			select {
			case <-m.Done():
				signal()
			case <-ch:
			}
		}(m)
	}
	return ch
}
