package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaqum-run/jobtree/internal/manager"
)

var logger = manager.DefaultLogger()

func runManager(args []string) int {
	if len(args) < 1 {
		help("Missing job-tree directory")
		return ecBadRoot
	}
	root := args[0]
	scriptArgs := args[1:]

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		logger.Errorf("job-tree root %q: %v", root, err)
		return ecBadRoot
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		cancel()
	}()

	mgr := manager.New(root, *entryFlag, *pollFlag, logger)
	if err := mgr.Run(ctx, scriptArgs); err != nil {
		logger.Errorf("run; error: %s", err)
		return ecRun
	}

	return ecSuccess
}
