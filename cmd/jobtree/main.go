// Command jobtree executes a job-tree directory as a supervised process
// graph.
package main

import (
	"os"

	"github.com/chaqum-run/jobtree/internal/jobtree/cli"
)

func main() {
	os.Exit(cli.Run())
}
