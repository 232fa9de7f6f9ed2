// Package cli defines the worker core's entrypoint.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/tjper/workercore/internal/log"
	"github.com/tjper/workercore/internal/worker/supervisor"
)

var logger = log.New(os.Stdout, "cli")

const (
	ecSuccess = iota
	// ecSupervisorInit indicates the supervisor could not be constructed
	// (poller, self-pipe, or master descriptor setup failed).
	ecSupervisorInit
	// ecFatal indicates the supervisor loop itself reported an unrecoverable
	// error (see Run's returned status).
	ecFatal
)

// masterFD is the duplex byte-stream descriptor the invoking master leaves
// open across exec, per the out-of-scope "socket creation by the parent"
// contract: standard streams occupy 0-2, so the master's link is the next
// descriptor.
const masterFD = 3

// Run is the entrypoint of the worker core. It has no subcommands and
// parses no flags; every input it needs arrives either as the process
// contract (masterFD, invoking user) or over masterFD itself.
func Run() int {
	if err := chdirHome(); err != nil {
		logger.Warnf("chdir to home directory failed, continuing in current directory: %v", err)
	}

	if err := unix.Setpgid(0, 0); err != nil {
		logger.Warnf("setpgid(0, 0) failed: %v", err)
	}

	unix.CloseOnExec(unix.Stdout)
	unix.CloseOnExec(unix.Stderr)

	sup, err := supervisor.New(masterFD)
	if err != nil {
		logger.Errorf("supervisor init: %v", err)
		return ecSupervisorInit
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	status := sup.Run(ctx)
	if status != 0 {
		return ecFatal
	}
	return ecSuccess
}

// chdirHome changes to the invoking user's home directory, falling back to
// "/". Children spawned later inherit whatever cwd the worker ends up in;
// nothing downstream depends on it being the home directory.
func chdirHome() error {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return os.Chdir("/")
	}
	if err := os.Chdir(home); err != nil {
		return os.Chdir("/")
	}
	return nil
}
