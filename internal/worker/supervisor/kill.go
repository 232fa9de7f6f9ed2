package supervisor

import (
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tjper/workercore/internal/worker/job"
)

// killReason distinguishes the two circumstances kill is invoked under.
type killReason int

const (
	reasonTimeout killReason = iota
	reasonStale
)

const (
	errTime = "ETIME"
	// errStale names the wire vocabulary's other error_code value. It is
	// never actually sent: a stale job's one completion record already went
	// out as ETIME, and Responded blocks every later one. Kept as a named
	// constant so the full value space stays documented at its point of use
	// rather than only in the protocol table.
	errStale = "ESTALE"

	// killReapAttempts/killReapInterval bound the short spin after SIGKILL
	// during which the supervisor waits to see whether the kill took
	// immediate effect, before giving up and marking the job Stale. A child
	// truly stuck in uninterruptible sleep will not die within this window
	// regardless of how long it is, so the bound keeps the supervisor loop
	// from stalling other jobs.
	killReapAttempts = 50
	killReapInterval = 2 * time.Millisecond
)

// killFunc and wait4 are seams over unix.Kill and syscall.Wait4. Production
// code always uses the real syscalls; tests substitute wait4 to simulate a
// child that outlives SIGKILL (stuck in uninterruptible sleep), which a real
// child cannot be made to do on demand since SIGKILL itself can't be
// trapped.
var (
	killFunc = unix.Kill
	wait4    = syscall.Wait4
)

// kill is invoked when a timer-queue head's deadline has arrived. It always
// removes the job's current scheduling entry first; the two reasons then
// decide what, if anything, gets rescheduled.
func (s *Supervisor) kill(j *job.Job, reason killReason) {
	s.timers.Remove(j.TimerEntry)
	j.TimerEntry = nil

	switch reason {
	case reasonTimeout:
		s.killTimeout(j)
	case reasonStale:
		s.killStale(j)
	}
}

// killTimeout handles a Running job whose deadline has fired.
func (s *Supervisor) killTimeout(j *job.Job) {
	// The child may have exited concurrently with the deadline firing; a
	// non-blocking reap here hands completion to the normal reaper path
	// (recordExit -> finish) rather than reporting a spurious timeout. This
	// is the single completion path for this branch: killTimeout itself
	// must not also send a record when reapOne succeeds.
	if s.reapOne(j.Pid) {
		s.timeouts++
		logger.With("job_id", j.ID).Infof("job exited before timeout kill took effect")
		return
	}

	killFunc(-j.Pid, syscall.SIGKILL)
	s.timeouts++

	reaped := spinReap(j, killReapAttempts, killReapInterval)
	if j.Stop.IsZero() {
		// Unreaped child: its real end time is unknowable, so the record
		// carries the moment the kill was judged ineffective.
		j.Stop = time.Now()
	}

	// Last-chance drain before the record goes out: output the child wrote
	// before the SIGKILL landed is still sitting in the pipes.
	s.finalDrain(j)
	s.sendCompletion(j, false, errTime)

	if reaped {
		s.destroy(j)
		return
	}

	// Not reaped: the child is retained as Stale for eventual reap. This
	// response wins the race against any later natural-exit completion,
	// which the Stale state suppresses.
	j.State = job.Stale
	j.TimerEntry = s.timers.Push(time.Now().Add(staleFirstRetry), j)
	logger.With("job_id", j.ID).Warnf("job stale after SIGKILL; pid=%d", j.Pid)
}

// killStale handles a Stale job's retry deadline. The completion response
// has already been sent; this only ever retries the reap or reschedules,
// and never sends a second record.
func (s *Supervisor) killStale(j *job.Job) {
	if s.reapOne(j.Pid) {
		// recordExit saw State == Stale and destroyed silently.
		return
	}
	killFunc(-j.Pid, syscall.SIGKILL)
	j.TimerEntry = s.timers.Push(time.Now().Add(staleRetry), j)
}

// spinReap makes a short, bounded attempt to directly reap j's pid,
// recording its status and rusage on success.
func spinReap(j *job.Job, attempts int, interval time.Duration) bool {
	for i := 0; i < attempts; i++ {
		var status syscall.WaitStatus
		var rusage syscall.Rusage
		got, err := wait4(j.Pid, &status, syscall.WNOHANG, &rusage)
		if err != nil {
			return false
		}
		if got == j.Pid {
			j.WaitStatus = status
			j.Rusage = rusage
			j.Stop = time.Now()
			return true
		}
		time.Sleep(interval)
	}
	return false
}

// finish handles a natural exit observed by the reaper: a final drain to
// catch any output that arrived between the last readiness event and the
// reap, a normal completion record, then destroy.
func (s *Supervisor) finish(j *job.Job) {
	s.finalDrain(j)
	logger.With("job_id", j.ID).With("exit_code", j.ExitCode).Infof("job exited")
	s.sendCompletion(j, true, "")
	s.destroy(j)
}

// finalDrain performs the last-chance, non-readiness-triggered drain of
// both output streams before a job's record goes out; it does not itself
// invoke a completion check (the caller already knows the job is
// finishing).
func (s *Supervisor) finalDrain(j *job.Job) {
	if j.Stdout.Fd >= 0 {
		fd := j.Stdout.Fd
		if closed, _ := j.Stdout.Drain(true); closed {
			_ = s.poller.Unregister(fd)
		}
	}
	if j.Stderr.Fd >= 0 {
		fd := j.Stderr.Fd
		if closed, _ := j.Stderr.Drain(true); closed {
			_ = s.poller.Unregister(fd)
		}
	}
}

// destroy releases every resource tied to j: its scheduling entry, its
// process-table slot, and its output descriptors, in that order. It must
// only be called once per job.
func (s *Supervisor) destroy(j *job.Job) {
	if j.TimerEntry != nil {
		s.timers.Remove(j.TimerEntry)
		j.TimerEntry = nil
	}
	s.table.Remove(j.Pid)
	s.runningJobs--

	if j.Stdout.Fd >= 0 {
		_ = s.poller.Unregister(j.Stdout.Fd)
		j.Stdout.Close()
	}
	if j.Stderr.Fd >= 0 {
		_ = s.poller.Unregister(j.Stderr.Fd)
		j.Stderr.Close()
	}
}
