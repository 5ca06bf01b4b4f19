// Package supervisor implements the per-job procedure that pairs a Group
// admission with a child spawn, pipe setup, concurrent log/command task
// supervision, reaping, and state transitions.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/chaqum-run/jobtree/internal/commandtask"
	"github.com/chaqum-run/jobtree/internal/group"
	"github.com/chaqum-run/jobtree/internal/job"
	"github.com/chaqum-run/jobtree/internal/jobtree"
	"github.com/chaqum-run/jobtree/internal/logtask"
)

// noExitCode is the exec.ProcessState.ExitCode() sentinel indicating the
// process was terminated by a signal rather than exiting normally.
const noExitCode = -1

// Run executes the full per-job procedure for j: it acquires a slot in
// grp, spawns j's script as a child process wired to the manager via the
// control protocol, supervises it to completion, and performs the
// finally clause (group/registry deregistration, exit recording, Done
// transition) before calling reg.NotifyJobDone().
//
// root is the job-tree directory (the child's cwd); scriptPath is the
// already-validated absolute path to the executable, validated at
// registration time by the script package.
func Run(ctx context.Context, reg commandtask.Registry, root, scriptPath string, j *job.Job, grp *group.Group) error {
	defer func() {
		grp.Leave(j)
		if j.Forget {
			reg.ForgetJob(j.Ident)
		}
		if j.Result() == nil {
			j.SetResult(job.Result{Signalled: true})
		}
		j.SetState(job.Done)
		reg.NotifyJobDone()
	}()

	if err := grp.AcquireSlot(ctx, j); err != nil {
		return fmt.Errorf("acquire slot: %w", err)
	}

	ctrlR, ctrlW, err := os.Pipe() // child (fd 3) writes, manager reads.
	if err != nil {
		return fmt.Errorf("control pipe: %w", err)
	}
	replyR, replyW, err := os.Pipe() // manager writes, child (fd 4) reads.
	if err != nil {
		ctrlR.Close()
		ctrlW.Close()
		return fmt.Errorf("reply pipe: %w", err)
	}
	outR, outW, err := os.Pipe() // merged stdout/stderr.
	if err != nil {
		ctrlR.Close()
		ctrlW.Close()
		replyR.Close()
		replyW.Close()
		return fmt.Errorf("output pipe: %w", err)
	}

	cmd := exec.Command(scriptPath)
	cmd.Args = append([]string{"./" + j.Script}, j.Args...)
	cmd.Dir = root
	cmd.Env = childEnv(j)
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.ExtraFiles = []*os.File{ctrlW, replyR} // fd 3, fd 4.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		ctrlR.Close()
		ctrlW.Close()
		replyR.Close()
		replyW.Close()
		outR.Close()
		outW.Close()
		return fmt.Errorf("start child: %w", err)
	}

	// The child now owns its own copies of the fds we handed it; close the
	// parent's so EOF propagates correctly when the child exits.
	ctrlW.Close()
	replyR.Close()
	outW.Close()
	defer ctrlR.Close()
	defer replyW.Close()
	defer outR.Close()

	j.SetState(job.Running)

	killer := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if cmd.Process != nil {
				_ = cmd.Process.Signal(syscall.SIGTERM)
			}
		case <-killer:
		}
	}()
	defer close(killer)

	var g errgroup.Group
	g.Go(func() error {
		waitErr := cmd.Wait()
		j.SetResult(exitResult(cmd, waitErr))
		return nil
	})
	g.Go(func() error {
		return logtask.Run(outR, j.Log)
	})
	g.Go(func() error {
		return commandtask.Run(ctx, reg, j, ctrlR, replyW)
	})

	return g.Wait()
}

func childEnv(j *job.Job) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, jobtree.IdentEnv+"="+j.Ident)
	if parent := j.ParentIdent(); parent != "" {
		env = append(env, jobtree.ParentEnv+"="+parent)
	}
	return env
}

func exitResult(cmd *exec.Cmd, waitErr error) job.Result {
	if waitErr != nil {
		if _, ok := waitErr.(*exec.ExitError); !ok {
			return job.Result{Signalled: true}
		}
	}
	if code := cmd.ProcessState.ExitCode(); code != noExitCode {
		return job.Result{ExitCode: code}
	}
	return job.Result{Signalled: true}
}
