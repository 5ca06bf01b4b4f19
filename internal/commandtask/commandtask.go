// Package commandtask implements the control-pipe command loop: it reads
// newline-delimited, shell-quoted commands from a child's control pipe,
// dispatches them to the protocol handlers below, and writes
// newline-terminated (or length-framed, for recvmsg) replies.
package commandtask

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"

	"github.com/chaqum-run/jobtree/internal/getopt"
	"github.com/chaqum-run/jobtree/internal/job"
	"github.com/chaqum-run/jobtree/internal/message"
	"github.com/chaqum-run/jobtree/internal/validator"
)

// Registry is the manager surface a CommandTask needs: registration and
// lookup of jobs, messages, and triggers, plus the termination-detector
// hook. Implemented by *manager.Manager; declared here (rather than
// imported) so this package does not depend on manager and manager does
// not need to depend on this package to satisfy it.
type Registry interface {
	RegisterJob(parent *job.Job, ident, script string, args []string, groupIdent string, groupMaxJobs int, groupMaxCPU float64, forget bool) (*job.Job, error)
	GetJob(ident string) (*job.Job, bool)
	ForgetJob(ident string)

	RegisterMessage(data []byte) *message.Message
	GetMessage(ident string) (*message.Message, bool)
	ForgetMessage(ident string)

	RegisterInterval(spec, script string, args []string) error
	RegisterCron(spec, script string, args []string) error

	NotifyJobDone()
}

type spec struct {
	optstring string
	handle    func(ctx context.Context, reg Registry, caller *job.Job, opts getopt.Options, args []string, r *bufio.Reader) ([]byte, error)
}

var commands = map[string]spec{
	"enqueue":  {optstring: "Fg:m:c:", handle: handleEnqueue},
	"repeat":   {optstring: "i:c:", handle: handleRepeat},
	"waitjobs": {optstring: "t:", handle: handleWaitJobs},
	"killjobs": {optstring: "t:", handle: handleKillJobs},
	"sendmsg":  {optstring: "", handle: handleSendMsg},
	"waitrecv": {optstring: "t:", handle: handleWaitRecv},
	"recvmsg":  {optstring: "t:", handle: handleRecvMsg},
}

// Run reads commands from r and writes replies to w until EOF, a blank
// line, or ctx cancellation. It returns nil on any clean exit (including
// cancellation) and writes no further replies once cancelled: the
// supervisor's errgroup only cares that it has finished, not why.
func Run(ctx context.Context, reg Registry, caller *job.Job, r io.Reader, w io.Writer) error {
	reader := bufio.NewReader(r)

	for {
		line, ok := readLine(ctx, reader)
		if !ok {
			return nil
		}
		if line == "" {
			return nil // a blank line is treated as EOF.
		}

		reply := dispatch(ctx, reg, caller, reader, line)

		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := w.Write(reply); err != nil {
			return nil
		}
	}
}

// readLine reads one line, racing the read against ctx so a cancelled Job
// doesn't block the CommandTask forever on a child that never writes
// again.
func readLine(ctx context.Context, reader *bufio.Reader) (string, bool) {
	type result struct {
		line string
		err  error
	}
	out := make(chan result, 1)
	go func() {
		line, err := reader.ReadString('\n')
		out <- result{line, err}
	}()

	select {
	case <-ctx.Done():
		return "", false
	case r := <-out:
		if r.err != nil {
			return "", false
		}
		return strings.TrimSpace(r.line), true
	}
}

func dispatch(ctx context.Context, reg Registry, caller *job.Job, reader *bufio.Reader, line string) []byte {
	fields, err := shellwords.Parse(line)
	if err != nil {
		caller.Log.Errorf("unparsable command %q: %s", line, err)
		return []byte("E\n")
	}
	if len(fields) == 0 {
		return []byte("E\n")
	}

	name, rest := fields[0], fields[1:]
	cmdSpec, ok := commands[name]
	if !ok {
		caller.Log.Errorf("unknown command %q", line)
		return []byte("E\n")
	}

	opts, args, err := getopt.Parse(cmdSpec.optstring, rest)
	if err != nil {
		caller.Log.Errorf("unparsable command %q: %s", line, err)
		return []byte("E\n")
	}

	reply, err := cmdSpec.handle(ctx, reg, caller, opts, args, reader)
	if err != nil {
		caller.Log.Errorf("%s: %s", name, err)
		return []byte("E\n")
	}
	return reply
}

// awaitDone reports whether done closed, giving it priority over wctx: once
// idents earlier in a waitjobs/killjobs/waitrecv list have burned the whole
// timeout budget, wctx is already closed for every later entry, and a plain
// two-case select would pick between two ready channels at random, so an
// ident whose job finished well inside the deadline could still be
// misreported as timed out.
func awaitDone(done <-chan struct{}, wctx context.Context) bool {
	select {
	case <-done:
		return true
	default:
	}
	select {
	case <-done:
		return true
	case <-wctx.Done():
		return false
	}
}

func parseTimeout(opts getopt.Options) (float64, error) {
	v, ok := opts["t"]
	if !ok {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("expected float for option -t: %w", err)
	}
	return f, nil
}

func handleEnqueue(ctx context.Context, reg Registry, caller *job.Job, opts getopt.Options, args []string, _ *bufio.Reader) ([]byte, error) {
	valid := validator.New()
	valid.AssertFunc(func() bool { return len(args) >= 1 }, "enqueue: missing script")
	if err := valid.Err(); err != nil {
		return nil, err
	}
	script, scriptArgs := args[0], args[1:]

	var groupIdent string
	var groupMaxJobs int
	var groupMaxCPU float64

	if opts.Has("g") {
		groupIdent = opts["g"]
		if v, ok := opts["m"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("enqueue: expected int for option -m: %w", err)
			}
			groupMaxJobs = n
		}
		if v, ok := opts["c"]; ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("enqueue: expected float for option -c: %w", err)
			}
			groupMaxCPU = f
		}
	}

	j, err := reg.RegisterJob(caller, "", script, scriptArgs, groupIdent, groupMaxJobs, groupMaxCPU, opts.Has("F"))
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("S %s\n", j.Ident)), nil
}

func handleRepeat(_ context.Context, reg Registry, _ *job.Job, opts getopt.Options, args []string, _ *bufio.Reader) ([]byte, error) {
	valid := validator.New()
	valid.AssertFunc(func() bool { return len(args) >= 1 }, "repeat: missing script")
	valid.Assert(opts.Has("i") != opts.Has("c"), "repeat: exactly one of -i/-c is required")
	if err := valid.Err(); err != nil {
		return nil, err
	}
	script, scriptArgs := args[0], args[1:]

	if opts.Has("i") {
		if err := reg.RegisterInterval(opts["i"], script, scriptArgs); err != nil {
			return nil, err
		}
	} else {
		if err := reg.RegisterCron(opts["c"], script, scriptArgs); err != nil {
			return nil, err
		}
	}
	return []byte("S\n"), nil
}

func handleWaitJobs(ctx context.Context, reg Registry, _ *job.Job, opts getopt.Options, args []string, _ *bufio.Reader) ([]byte, error) {
	timeout, err := parseTimeout(opts)
	if err != nil {
		return nil, err
	}
	return waitOnJobs(ctx, reg, args, timeout, false)
}

func handleKillJobs(ctx context.Context, reg Registry, _ *job.Job, opts getopt.Options, args []string, _ *bufio.Reader) ([]byte, error) {
	timeout, err := parseTimeout(opts)
	if err != nil {
		return nil, err
	}
	return waitOnJobs(ctx, reg, args, timeout, true)
}

func waitOnJobs(ctx context.Context, reg Registry, idents []string, timeoutSeconds float64, kill bool) ([]byte, error) {
	type entry struct {
		ident string
		job   *job.Job
	}

	var entries []entry
	for _, ident := range idents {
		if j, ok := reg.GetJob(ident); ok {
			entries = append(entries, entry{ident, j})
		}
	}

	if kill {
		for _, e := range entries {
			switch e.job.State() {
			case job.Starting, job.Running, job.Waiting:
				e.job.Cancel()
			}
		}
	}

	wctx, cancel := job.WithTimeout(ctx, timeoutSeconds)
	defer cancel()

	parts := []string{"S"}
	for _, e := range entries {
		if awaitDone(e.job.Done(), wctx) {
			res := e.job.Result()
			switch {
			case res == nil || res.Signalled:
				parts = append(parts, e.ident, "N")
			default:
				parts = append(parts, e.ident, strconv.Itoa(res.ExitCode))
			}
			reg.ForgetJob(e.ident)
		} else {
			parts = append(parts, e.ident, "T")
		}
	}

	return []byte(strings.Join(parts, " ") + "\n"), nil
}

func handleSendMsg(_ context.Context, reg Registry, _ *job.Job, _ getopt.Options, args []string, reader *bufio.Reader) ([]byte, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("sendmsg: expected <ident> <length>")
	}
	ident := args[0]

	length, err := strconv.Atoi(args[1])
	if err != nil || length < 0 {
		return nil, fmt.Errorf("sendmsg: invalid length %q", args[1])
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(reader, body); err != nil {
		return nil, fmt.Errorf("sendmsg: read body: %w", err)
	}
	if _, err := reader.ReadByte(); err != nil {
		return nil, fmt.Errorf("sendmsg: read trailing newline: %w", err)
	}

	recipient, ok := reg.GetJob(ident)
	if !ok {
		return nil, fmt.Errorf("sendmsg: unknown message destination %q", ident)
	}

	msg := reg.RegisterMessage(body)
	recipient.EnqueueMessage(msg)

	return []byte(fmt.Sprintf("S %s\n", msg.Ident)), nil
}

func handleWaitRecv(ctx context.Context, reg Registry, _ *job.Job, opts getopt.Options, args []string, _ *bufio.Reader) ([]byte, error) {
	timeout, err := parseTimeout(opts)
	if err != nil {
		return nil, err
	}

	type entry struct {
		ident string
		msg   *message.Message
	}

	var entries []entry
	for _, ident := range args {
		if m, ok := reg.GetMessage(ident); ok {
			entries = append(entries, entry{ident, m})
		}
	}

	wctx, cancel := job.WithTimeout(ctx, timeout)
	defer cancel()

	parts := []string{"S"}
	for _, e := range entries {
		if awaitDone(e.msg.Delivered(), wctx) {
			parts = append(parts, e.ident, "R")
		} else {
			parts = append(parts, e.ident, "T")
		}
	}

	return []byte(strings.Join(parts, " ") + "\n"), nil
}

func handleRecvMsg(ctx context.Context, reg Registry, caller *job.Job, opts getopt.Options, _ []string, _ *bufio.Reader) ([]byte, error) {
	timeout, err := parseTimeout(opts)
	if err != nil {
		return nil, err
	}

	wctx, cancel := job.WithTimeout(ctx, timeout)
	defer cancel()

	msg, ok := caller.CollectMessage(wctx)
	if !ok {
		return []byte("T\n"), nil
	}

	reg.ForgetMessage(msg.Ident)
	msg.MarkDelivered()

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "S %d\n", len(msg.Data))
	buf.Write(msg.Data)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
