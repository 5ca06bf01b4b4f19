// Package cli defines the jobtree command line.
package cli

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chaqum-run/jobtree/internal/jobtree"
)

var (
	entryFlag = flag.String("entry", jobtree.DefaultEntryScript, "name of the entry script")
	pollFlag  = flag.Duration("poll", jobtree.DefaultStatsIntervalMillis*time.Millisecond, "CPU sampler poll interval")
)

const (
	ecSuccess = iota
	// ecUnrecognized indicates the subcommand was not recognized.
	ecUnrecognized
	// ecBadRoot indicates the job-tree directory argument was missing or
	// could not be used as a working directory.
	ecBadRoot
	// ecRun indicates the manager exited with an error.
	ecRun
)

const runSub = "run"

// Run is the entrypoint of the jobtree CLI.
func Run() int {
	flag.Parse()
	args := flag.Args()

	if len(args) < 1 {
		return help("Too few arguments")
	}

	switch args[0] {
	case runSub:
		return runManager(args[1:])
	default:
		return help(fmt.Sprintf("Unrecognized subcommand %q.", args[0]))
	}
}

// help outputs a general overview of the jobtree executable to the user.
// The text argument may be used to add a detailed help message.
func help(text string) int {
	var b strings.Builder
	if text != "" {
		fmt.Fprintf(&b, "\nNotice: %s", text)
	}

	b.WriteString(`

jobtree executes a directory of scripts as a dynamic hierarchical job
graph, supervising concurrency, scheduling, and inter-job messaging.

Usage:
  jobtree [global flags] run <job-tree-dir> [entry-script args...]

Global Flags:
  -entry      name of the entry script (default "entry")
  -poll       CPU sampler poll interval (default 500ms)
`)
	fmt.Fprint(os.Stdout, b.String())
	return ecUnrecognized
}
