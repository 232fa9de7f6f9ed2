package supervisor

import (
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tjper/workercore/internal/worker/job"
)

// cleanup runs on every path that exits the worker: best-effort filicide
// of the whole process group, so that no child ever outlives it.
func (s *Supervisor) cleanup(status int) {
	logger.Infof("exiting; status=%d", status)

	// 1. Ignore SIGTERM so step 2 does not kill ourselves.
	signal.Ignore(syscall.SIGTERM)

	// 2. SIGTERM our own process group. Every child was placed in its own
	// group via setpgid, so this reaches only direct children (unless one
	// of them placed a peer in our group itself).
	unix.Kill(0, syscall.SIGTERM)

	// 3. Reap everything that exits promptly, then give stragglers a second.
	reapAllNonBlocking()
	time.Sleep(1 * time.Second)

	// 4. Whatever is still tracked gets SIGKILLed by process group.
	for e := s.timers.Peek(); e != nil; e = s.timers.Peek() {
		j := e.Job.(*job.Job)
		unix.Kill(-j.Pid, syscall.SIGKILL)
		s.timers.Remove(e)
	}

	// 5. Final grace period and reap pass.
	time.Sleep(1 * time.Second)
	reapAllNonBlocking()

	s.teardownReaper()
	s.poller.Close()
}

// reapAllNonBlocking collects every child that has already exited, without
// waiting for any that have not.
func reapAllNonBlocking() {
	for {
		var status syscall.WaitStatus
		pid, err := wait4(-1, &status, syscall.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return
		}
	}
}
