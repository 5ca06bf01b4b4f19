// Package job implements the Job record: the identity, parent link, state
// machine, pending-message inbox, and state-change waiters for one script
// invocation. The Job itself is a pure record; the supervisor package owns
// the process object and drives the Job's state through it.
package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaqum-run/jobtree/internal/log"
	"github.com/chaqum-run/jobtree/internal/message"
)

// State is one of the monotonic Job lifecycle states.
type State int

const (
	// Init is the state of a Job immediately after registration.
	Init State = iota
	// Waiting indicates the Job is queued for group admission.
	Waiting
	// Starting indicates the Job has been admitted and its child process
	// is being constructed; it still occupies its Group's capacity.
	Starting
	// Running indicates the Job's child process exists and is executing.
	Running
	// Done indicates the Job's child process has exited (or been
	// terminated) and been reaped.
	Done
)

// String renders the State the way it appears in log lines.
func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Waiting:
		return "WAITING"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Done:
		return "DONE"
	default:
		return "UNKNOWN"
	}
}

// Result records how a Job's child process ended.
type Result struct {
	// ExitCode is the process exit code. Meaningless if Signalled.
	ExitCode int
	// Signalled indicates the process was terminated by a signal rather
	// than exiting with a code.
	Signalled bool
}

// Job is one invocation of a script as a child process.
type Job struct {
	// Ident is this Job's unique identifier within the manager.
	Ident string
	// Parent is the Job that registered this one, or nil for the entry job.
	Parent *Job
	// Script is the path, relative to the job-tree root, of the executable.
	Script string
	// Args are this invocation's arguments.
	Args []string
	// Forget indicates this Job should be removed from the manager's
	// registry as soon as it reaches Done, without waiting for a
	// waitjobs/killjobs call to reap it.
	Forget bool

	// GroupIdent is the ident of the Group this Job was admitted through.
	GroupIdent string

	Log *log.Logger

	cancel context.CancelFunc
	ctx    context.Context

	mu          sync.Mutex
	state       State
	result      *Result
	doneCh      chan struct{}
	stateWaiter map[uuid.UUID]*stateWaiter

	inbox       []*message.Message
	recvWaiters map[uuid.UUID]chan struct{}
}

type stateWaiter struct {
	states map[State]bool
	ch     chan struct{}
}

// New creates a Job in state Init. ctx is the Job's cancellation context;
// cancelling it is how the supervisor is asked to terminate the child.
func New(ctx context.Context, cancel context.CancelFunc, ident, script string, args []string, parent *Job, logger *log.Logger) *Job {
	return &Job{
		Ident:       ident,
		Parent:      parent,
		Script:      script,
		Args:        args,
		Log:         logger,
		ctx:         ctx,
		cancel:      cancel,
		state:       Init,
		doneCh:      make(chan struct{}),
		stateWaiter: make(map[uuid.UUID]*stateWaiter),
		recvWaiters: make(map[uuid.UUID]chan struct{}),
	}
}

// Context returns the Job's cancellation context.
func (j *Job) Context() context.Context { return j.ctx }

// Cancel requests the Job's child process be terminated (SIGTERM).
func (j *Job) Cancel() { j.cancel() }

// ParentIdent returns the parent Job's ident, or "" for the entry job.
func (j *Job) ParentIdent() string {
	if j.Parent == nil {
		return ""
	}
	return j.Parent.Ident
}

// State returns the Job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// SetState advances the Job's state. Transitions are monotonic; setting the
// same or an earlier state is a no-op. State-change waiters registered for
// the new state are resolved before SetState returns, so a waiter for state
// S is woken before any later transition. A waiter whose states are all
// skipped by a transition is not resolved. Setting Done closes Done().
func (j *Job) SetState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if s <= j.state {
		return
	}
	j.state = s

	for id, w := range j.stateWaiter {
		if !w.states[s] {
			continue
		}
		close(w.ch)
		delete(j.stateWaiter, id)
	}

	if s == Done {
		close(j.doneCh)
	}
}

// Done returns a channel closed once the Job reaches State Done.
func (j *Job) Done() <-chan struct{} { return j.doneCh }

// WaitState returns a channel that closes the first time the Job's state
// becomes one of states. If the Job already satisfies one of states, the
// returned channel is already closed.
func (j *Job) WaitState(states ...State) <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	set := make(map[State]bool, len(states))
	for _, s := range states {
		set[s] = true
	}

	if set[j.state] {
		ch := make(chan struct{})
		close(ch)
		return ch
	}

	w := &stateWaiter{states: set, ch: make(chan struct{})}
	j.stateWaiter[uuid.New()] = w
	return w.ch
}

// SetResult records the Job's exit disposition. It must be called before
// SetState(Done), so that waiters observing Done always see a result.
func (j *Job) SetResult(r Result) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.result = &r
}

// Result returns the Job's recorded exit disposition, or nil if SetResult
// has not been called yet.
func (j *Job) Result() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.result
}

// EnqueueMessage appends msg to the Job's inbox (FIFO) and wakes one
// pending recvmsg waiter, if any.
func (j *Job) EnqueueMessage(msg *message.Message) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.inbox = append(j.inbox, msg)

	for id, ch := range j.recvWaiters {
		close(ch)
		delete(j.recvWaiters, id)
		break
	}
}

// CollectMessage pops the oldest undelivered message from the inbox. If the
// inbox is empty, it waits (bounded by ctx) for one to arrive.
func (j *Job) CollectMessage(ctx context.Context) (*message.Message, bool) {
	j.mu.Lock()
	if len(j.inbox) > 0 {
		msg := j.inbox[0]
		j.inbox = j.inbox[1:]
		j.mu.Unlock()
		return msg, true
	}

	id := uuid.New()
	wake := make(chan struct{})
	j.recvWaiters[id] = wake
	j.mu.Unlock()

	select {
	case <-wake:
		j.mu.Lock()
		defer j.mu.Unlock()
		if len(j.inbox) == 0 {
			return nil, false
		}
		msg := j.inbox[0]
		j.inbox = j.inbox[1:]
		return msg, true
	case <-ctx.Done():
		j.mu.Lock()
		delete(j.recvWaiters, id)
		j.mu.Unlock()
		return nil, false
	}
}

// WithTimeout builds a context bounded by timeout seconds if timeout > 0,
// else a cancellable child of parent with no deadline: an absent or zero -t
// option means an unbounded wait.
func WithTimeout(parent context.Context, timeoutSeconds float64) (context.Context, context.CancelFunc) {
	if timeoutSeconds <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, time.Duration(timeoutSeconds*float64(time.Second)))
}
