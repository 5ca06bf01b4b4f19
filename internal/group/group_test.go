package group

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaqum-run/jobtree/internal/job"
	"github.com/chaqum-run/jobtree/internal/log"
)

func newTestJob(t *testing.T, ident string) *job.Job {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return job.New(ctx, cancel, ident, "script.sh", nil, nil, log.New(os.Stdout, "test"))
}

func TestAcquireSlotUncappedGoesStraightToStarting(t *testing.T) {
	g := New("", 0, 0, nil)
	j := newTestJob(t, "entry/1")
	g.Join(j)

	require.NoError(t, g.AcquireSlot(context.Background(), j))
	assert.Equal(t, job.Starting, j.State())
}

func TestAcquireSlotEnforcesMaxJobs(t *testing.T) {
	g := New("g", 1, 0, nil)

	first := newTestJob(t, "a/1")
	g.Join(first)
	require.NoError(t, g.AcquireSlot(context.Background(), first))
	assert.Equal(t, job.Starting, first.State())

	second := newTestJob(t, "a/2")
	g.Join(second)

	admitted := make(chan struct{})
	go func() {
		_ = g.AcquireSlot(context.Background(), second)
		close(admitted)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-admitted:
		t.Fatal("second job should not admit while first occupies the only slot")
	default:
	}

	first.SetResult(job.Result{ExitCode: 0})
	first.SetState(job.Done)

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("second job should admit once the slot is freed")
	}
	assert.Equal(t, job.Starting, second.State())
}

func TestAcquireSlotIsFIFO(t *testing.T) {
	g := New("g", 1, 0, nil)

	holder := newTestJob(t, "a/1")
	g.Join(holder)
	require.NoError(t, g.AcquireSlot(context.Background(), holder))

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(ident string) {
		mu.Lock()
		order = append(order, ident)
		mu.Unlock()
	}

	second := newTestJob(t, "a/2")
	third := newTestJob(t, "a/3")
	g.Join(second)
	g.Join(third)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = g.AcquireSlot(context.Background(), second)
		record(second.Ident)
	}()
	time.Sleep(10 * time.Millisecond) // ensure second enqueues before third
	go func() {
		defer wg.Done()
		_ = g.AcquireSlot(context.Background(), third)
		record(third.Ident)
	}()
	time.Sleep(10 * time.Millisecond)

	holder.SetResult(job.Result{})
	holder.SetState(job.Done)
	second.SetResult(job.Result{})
	// allow second to admit before freeing for third
	time.Sleep(20 * time.Millisecond)
	second.SetState(job.Done)

	wg.Wait()
	require.Equal(t, []string{"a/2", "a/3"}, order)
}

func TestAcquireSlotReleasesQueueHeadOnCancellation(t *testing.T) {
	g := New("g", 1, 0, nil)

	holder := newTestJob(t, "a/1")
	g.Join(holder)
	require.NoError(t, g.AcquireSlot(context.Background(), holder))

	cancelled := newTestJob(t, "a/2")
	g.Join(cancelled)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.AcquireSlot(ctx, cancelled) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter should unblock")
	}

	successor := newTestJob(t, "a/3")
	g.Join(successor)
	done := make(chan struct{})
	go func() {
		_ = g.AcquireSlot(context.Background(), successor)
		close(done)
	}()

	holder.SetResult(job.Result{})
	holder.SetState(job.Done)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("successor should not be stranded by a cancelled predecessor")
	}
}
