package supervisor

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	ierrors "github.com/tjper/workercore/internal/errors"
	"github.com/tjper/workercore/internal/worker/job"
	"github.com/tjper/workercore/internal/worker/poller"
)

// setupReaper wires SIGCHLD into the supervisor loop as an ordinary
// readiness event. A self-pipe is registered with the poller; a small
// forwarding goroutine is the only code that ever touches the raw signal,
// and it does nothing but relay it onto the pipe. Turning the signal into
// a poller event keeps all job state single-threaded: signal.Notify's
// channel delivery is the idiomatic equivalent of an async-signal-safe
// handler, and the pipe is drained only from the loop's own goroutine.
func (s *Supervisor) setupReaper() error {
	r, w, err := os.Pipe()
	if err != nil {
		return ierrors.Wrap(err)
	}
	rfd := int(r.Fd())
	wfd := int(w.Fd())
	if err := unix.SetNonblock(rfd, true); err != nil {
		r.Close()
		w.Close()
		return ierrors.Wrapf(err, "supervisor: self-pipe nonblock")
	}
	if err := unix.SetNonblock(wfd, true); err != nil {
		r.Close()
		w.Close()
		return ierrors.Wrapf(err, "supervisor: self-pipe nonblock")
	}
	unix.CloseOnExec(rfd)
	unix.CloseOnExec(wfd)

	s.reapPipeR = rfd
	s.reapPipeW = wfd

	if err := s.poller.Register(s.reapPipeR, poller.EventRead, s.onReapSignal); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("supervisor: register self-pipe: %w", err)
	}

	s.sigCh = make(chan os.Signal, 64)
	signal.Notify(s.sigCh, syscall.SIGCHLD)
	go func() {
		for range s.sigCh {
			unix.Write(s.reapPipeW, []byte{0})
		}
	}()

	return nil
}

func (s *Supervisor) teardownReaper() {
	if s.sigCh != nil {
		signal.Stop(s.sigCh)
		close(s.sigCh)
	}
	unix.Close(s.reapPipeR)
	unix.Close(s.reapPipeW)
}

// onReapSignal is the self-pipe's readiness callback: drain it and mark
// the reaper as having work to do. It is consumed only at the supervisor
// loop's well-defined point (after poller.Wait returns), never from signal
// context.
func (s *Supervisor) onReapSignal(fd int, events poller.Events) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			break
		}
	}
	s.reapable = true
}

// reap performs a batch non-blocking wait over all exited children,
// triggered when the self-pipe indicated SIGCHLD activity.
func (s *Supervisor) reap() {
	s.reapable = false
	for {
		var status syscall.WaitStatus
		var rusage syscall.Rusage
		pid, err := wait4(-1, &status, syscall.WNOHANG, &rusage)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			// ECHILD: no children left to wait for.
			return
		}
		if pid <= 0 {
			return
		}
		s.recordExit(pid, status, rusage)
	}
}

// reapOne attempts a single non-blocking reap of pid, used both by
// killTimeout's early-out (the child may have exited concurrently with a
// timeout firing) and by the output collector's post-EOF completion check.
// It reports whether pid was reaped.
func (s *Supervisor) reapOne(pid int) bool {
	var status syscall.WaitStatus
	var rusage syscall.Rusage
	got, err := wait4(pid, &status, syscall.WNOHANG, &rusage)
	if err != nil || got != pid {
		return false
	}
	s.recordExit(pid, status, rusage)
	return true
}

// recordExit looks pid up in the process table and, if found, finishes or
// destroys the associated job as appropriate. A miss is silently dropped:
// it is an orphaned grandchild reparented to the worker, not a bug.
func (s *Supervisor) recordExit(pid int, status syscall.WaitStatus, rusage syscall.Rusage) {
	j, ok := s.table.Lookup(pid)
	if !ok {
		return
	}

	j.WaitStatus = status
	j.Rusage = rusage
	j.Stop = time.Now()
	if status.Exited() {
		j.ExitCode = status.ExitStatus()
	}

	if j.State == job.Stale {
		s.destroy(j)
		return
	}
	s.finish(j)
}
