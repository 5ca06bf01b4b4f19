// Package manager owns the job, group, and message registries, the
// trigger source, and the CPU sampler, and decides when the job tree has
// gone empty.
package manager

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chaqum-run/jobtree/internal/commandtask"
	"github.com/chaqum-run/jobtree/internal/group"
	"github.com/chaqum-run/jobtree/internal/job"
	"github.com/chaqum-run/jobtree/internal/jobtree"
	"github.com/chaqum-run/jobtree/internal/log"
	"github.com/chaqum-run/jobtree/internal/message"
	"github.com/chaqum-run/jobtree/internal/script"
	"github.com/chaqum-run/jobtree/internal/stats"
	"github.com/chaqum-run/jobtree/internal/supervisor"
	"github.com/chaqum-run/jobtree/internal/trigger"
)

// Manager is the in-process coordination engine: it owns every registry
// named in the data model and exposes the CommandTask.Registry surface to
// every job's control pipe.
type Manager struct {
	root        string
	entryScript string
	logger      *log.Logger

	sched *trigger.Scheduler
	stats *stats.Sampler

	mu         sync.Mutex
	jobs       map[string]*job.Job
	groups     map[string]*group.Group
	messages   map[string]*message.Message
	jobSeq     map[string]int
	msgSeq     int
	started    bool
	entryJob   *job.Job
	done       chan struct{}
	doneClosed bool

	wg sync.WaitGroup
}

var _ commandtask.Registry = (*Manager)(nil)

// New creates a Manager rooted at root. entryScript names the script
// invoked as the entry job; pollInterval configures the CPU sampler.
func New(root, entryScript string, pollInterval time.Duration, logger *log.Logger) *Manager {
	return &Manager{
		root:        root,
		entryScript: entryScript,
		logger:      logger,
		sched:       trigger.New(),
		stats:       stats.New(pollInterval),
		jobs:        make(map[string]*job.Job),
		groups:      make(map[string]*group.Group),
		messages:    make(map[string]*message.Message),
		jobSeq:      make(map[string]int),
		done:        make(chan struct{}),
	}
}

// Run spawns the entry job with args and blocks until the job tree is
// empty and the entry job has completed, then shuts down the scheduler
// and clears every registry.
func (m *Manager) Run(ctx context.Context, args []string) error {
	statsCtx, statsCancel := context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.stats.Run(statsCtx)
	}()

	// The entry job has no parent to wait/killjobs it out of the registry, so
	// it is registered forget=true: its supervisor reaps it from m.jobs the
	// moment it reaches Done, the same way a -F enqueue would.
	entry, err := m.RegisterJob(nil, "", m.entryScript, args, "", 0, 0, true)
	if err != nil {
		statsCancel()
		return fmt.Errorf("register entry job: %w", err)
	}

	m.mu.Lock()
	m.entryJob = entry
	m.started = true
	m.mu.Unlock()
	m.checkDone()

	select {
	case <-entry.Done():
	case <-ctx.Done():
	}
	select {
	case <-m.done:
	case <-ctx.Done():
	}

	m.sched.Shutdown()
	statsCancel()
	m.wg.Wait()

	m.mu.Lock()
	m.jobs = make(map[string]*job.Job)
	m.groups = make(map[string]*group.Group)
	m.messages = make(map[string]*message.Message)
	m.mu.Unlock()

	return nil
}

// RegisterJob validates script, creates its Job and Group membership, and
// starts its supervisor. parent is nil for the entry job.
func (m *Manager) RegisterJob(parent *job.Job, ident, scriptName string, args []string, groupIdent string, groupMaxJobs int, groupMaxCPU float64, forget bool) (*job.Job, error) {
	scriptPath, err := script.Validate(m.root, scriptName)
	if err != nil {
		return nil, err
	}

	if ident == "" {
		ident = m.nextJobIdent(scriptName)
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := job.New(ctx, cancel, ident, scriptName, args, parent, m.logger.WithJob(ident))
	j.Forget = forget
	j.GroupIdent = groupIdent

	grp := m.groupFor(groupIdent, groupMaxJobs, groupMaxCPU)
	grp.Join(j)

	m.mu.Lock()
	m.jobs[ident] = j
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := supervisor.Run(ctx, m, m.root, scriptPath, j, grp); err != nil {
			j.Log.Errorf("supervisor: %s", err)
		}
	}()

	return j, nil
}

// groupFor returns the named Group, creating it (with maxJobs/maxCPU) on
// first reference. An empty ident names the unbounded default group.
func (m *Manager) groupFor(ident string, maxJobs int, maxCPU float64) *group.Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.groups[ident]; ok {
		return g
	}
	g := group.New(ident, maxJobs, maxCPU, m.stats)
	m.groups[ident] = g
	return g
}

func (m *Manager) nextJobIdent(scriptName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobSeq[scriptName]++
	return fmt.Sprintf("%s/%d", scriptName, m.jobSeq[scriptName])
}

// GetJob looks up a Job by ident.
func (m *Manager) GetJob(ident string) (*job.Job, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[ident]
	return j, ok
}

// ForgetJob removes a Job from the registry, as waitjobs/killjobs do for
// completed jobs, or as the supervisor does for a -F enqueue.
func (m *Manager) ForgetJob(ident string) {
	m.mu.Lock()
	delete(m.jobs, ident)
	m.mu.Unlock()
	m.checkDone()
}

// RegisterMessage creates and stores a Message carrying data.
func (m *Manager) RegisterMessage(data []byte) *message.Message {
	m.mu.Lock()
	m.msgSeq++
	ident := "msg:" + strconv.Itoa(m.msgSeq)
	m.mu.Unlock()

	msg := message.New(ident, data)

	m.mu.Lock()
	m.messages[ident] = msg
	m.mu.Unlock()

	return msg
}

// GetMessage looks up a Message by ident.
func (m *Manager) GetMessage(ident string) (*message.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[ident]
	return msg, ok
}

// ForgetMessage removes a Message from the registry once recvmsg has
// collected it.
func (m *Manager) ForgetMessage(ident string) {
	m.mu.Lock()
	delete(m.messages, ident)
	m.mu.Unlock()
}

// RegisterInterval registers a repeating job fired every spec's period.
func (m *Manager) RegisterInterval(spec, scriptName string, args []string) error {
	period, err := trigger.ParseInterval(spec)
	if err != nil {
		return err
	}
	m.sched.AddInterval(period, m.triggerCallback(scriptName, args))
	return nil
}

// RegisterCron registers a repeating job fired on a cron schedule.
func (m *Manager) RegisterCron(spec, scriptName string, args []string) error {
	sched, err := trigger.ParseCron(spec)
	if err != nil {
		return err
	}
	m.sched.AddCron(sched, m.triggerCallback(scriptName, args))
	return nil
}

// triggerCallback registers a job for one firing and blocks until it
// reaches Done. The scheduler's overlap guard holds its flag for the
// duration of this call, so it must not return the moment the job is
// merely registered: RegisterJob starts the job's supervisor in a
// goroutine and returns immediately, and a firing whose script outlives
// its own repeat period would otherwise never be seen as "still running"
// by the next tick.
func (m *Manager) triggerCallback(scriptName string, args []string) func(context.Context) {
	return func(context.Context) {
		j, err := m.RegisterJob(nil, "", scriptName, args, "", 0, 0, true)
		if err != nil {
			m.logger.Errorf("repeat %s: %s", scriptName, err)
			return
		}
		<-j.Done()
	}
}

// NotifyJobDone re-evaluates the termination condition. Called by a job's
// supervisor once it has finished deregistering.
func (m *Manager) NotifyJobDone() {
	m.checkDone()
}

// checkDone resolves done once the manager has started, the job registry
// is empty, and the scheduler has no registered triggers.
func (m *Manager) checkDone() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.doneClosed {
		return
	}
	if len(m.jobs) != 0 || m.sched.Len() != 0 {
		return
	}
	m.doneClosed = true
	close(m.done)
}

// DefaultLogger builds the logger manager.New expects, writing to stdout
// the way the CLI entrypoint does.
func DefaultLogger() *log.Logger {
	return log.New(os.Stdout, jobtree.DefaultEntryScript)
}
