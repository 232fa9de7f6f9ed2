// Package spawn implements the worker's child-launch primitive: fork a new
// process group, exec a shell-parsed command line, and hand back a pid plus
// two non-blocking read-side descriptors for stdout and stderr.
//
// Spawn deliberately uses os.StartProcess rather than exec.Cmd: exec.Cmd's
// Wait reaps the child itself, which would race with the worker's own
// SIGCHLD/wait4-driven reaper. Nothing in this package waits on a child
// that Spawn has returned; that is the reaper's job alone. The one wait here
// is in killAndRelease, on the failure path, for a child that is never
// handed to the caller.
package spawn

import (
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	ierrors "github.com/tjper/workercore/internal/errors"
)

// Shell is the interpreter used to parse and execute the command string.
// Command-line parsing is the shell's responsibility, not the worker's;
// the shell is handed the whole string verbatim.
var Shell = []string{"/bin/sh", "-c"}

// Child is the result of a successful Spawn: a pid in its own process
// group, and the worker-side (read) ends of its stdout/stderr pipes,
// already non-blocking and close-on-exec.
type Child struct {
	Pid    int
	Stdout int
	Stderr int
}

// Spawn forks a new process group, execs command under Shell with stdout
// and stderr redirected to pipes, and returns the pid and the worker-side
// read descriptors. On any failure, all resources opened so far are
// released and the error is returned.
func Spawn(command string) (*Child, error) {
	path, err := exec.LookPath(Shell[0])
	if err != nil {
		return nil, ierrors.Wrapf(err, "spawn: lookup shell %s", Shell[0])
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, ierrors.Wrap(err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, ierrors.Wrap(err)
	}

	argv := append(append([]string{}, Shell...), command)

	proc, err := os.StartProcess(path, argv, &os.ProcAttr{
		Files: []*os.File{nil, stdoutW, stderrW},
		Sys:   &syscall.SysProcAttr{Setpgid: true},
	})
	// The parent's copies of the write ends must be closed regardless of
	// outcome: on success, the child retains its own; on failure, there is
	// nothing left to hold them open.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, ierrors.Wrapf(err, "spawn: start process %s", command)
	}

	stdoutFd := int(stdoutR.Fd())
	stderrFd := int(stderrR.Fd())
	if err := prepareReadSide(stdoutFd); err != nil {
		killAndRelease(proc, stdoutR, stderrR)
		return nil, err
	}
	if err := prepareReadSide(stderrFd); err != nil {
		killAndRelease(proc, stdoutR, stderrR)
		return nil, err
	}

	return &Child{Pid: proc.Pid, Stdout: stdoutFd, Stderr: stderrFd}, nil
}

// prepareReadSide marks a worker-owned read descriptor non-blocking and
// close-on-exec before it is handed to the poller.
func prepareReadSide(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return ierrors.Wrapf(err, "spawn: set nonblock fd %d", fd)
	}
	unix.CloseOnExec(fd)
	return nil
}

func killAndRelease(proc *os.Process, files ...*os.File) {
	_ = proc.Kill()
	_, _ = proc.Wait()
	for _, f := range files {
		f.Close()
	}
}
