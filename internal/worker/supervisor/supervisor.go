// Package supervisor implements the worker's single-threaded event loop:
// it orchestrates the I/O multiplexer, the timer queue, and the reaper,
// decides the next poll timeout, spawns jobs off the master link, and
// drives every job through its lifecycle to completion.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	ierrors "github.com/tjper/workercore/internal/errors"
	"github.com/tjper/workercore/internal/log"
	"github.com/tjper/workercore/internal/validator"
	"github.com/tjper/workercore/internal/worker/frame"
	"github.com/tjper/workercore/internal/worker/job"
	"github.com/tjper/workercore/internal/worker/output"
	"github.com/tjper/workercore/internal/worker/poller"
	"github.com/tjper/workercore/internal/worker/spawn"
	"github.com/tjper/workercore/internal/worker/timer"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "supervisor")

const (
	// defaultTimeout is used when an inbound job request omits "timeout" or
	// sets it to zero.
	defaultTimeout = 60 * time.Second
	// pollSlack is the rounding slack on timer deadlines: a head whose
	// remaining duration is at most pollSlack is handled as due, and
	// otherwise pollSlack is added to the remaining duration to get the
	// poll timeout.
	pollSlack = 5 * time.Millisecond
	// staleFirstRetry is how long after a timeout kill attempt fails to reap
	// the child that the first stale-reap retry is scheduled.
	staleFirstRetry = 1 * time.Second
	// staleRetry is the interval between subsequent stale-reap retries.
	staleRetry = 5 * time.Second

	// masterSockBuf is the enlarged send/receive buffer size set on the
	// master descriptor to minimize back-pressure stalls.
	masterSockBuf = 256 << 10
)

// New creates a Supervisor bound to masterFD, the already-open duplex byte
// stream to the controlling master. New configures masterFD with
// FD_CLOEXEC, O_NONBLOCK, and enlarged socket buffers.
func New(masterFD int) (*Supervisor, error) {
	if err := unix.SetNonblock(masterFD, true); err != nil {
		return nil, ierrors.Wrapf(err, "supervisor: set master fd nonblocking")
	}
	unix.CloseOnExec(masterFD)
	_ = unix.SetsockoptInt(masterFD, unix.SOL_SOCKET, unix.SO_SNDBUF, masterSockBuf)
	_ = unix.SetsockoptInt(masterFD, unix.SOL_SOCKET, unix.SO_RCVBUF, masterSockBuf)

	p, err := poller.New()
	if err != nil {
		return nil, ierrors.Wrapf(err, "supervisor: new poller")
	}

	s := &Supervisor{
		masterFD:   masterFD,
		masterOpen: true,
		poller:     p,
		timers:     timer.New(),
		table:      job.NewTable(),
		decoder:    frame.NewDecoder(),
	}

	if err := s.setupReaper(); err != nil {
		p.Close()
		return nil, err
	}

	if err := p.Register(masterFD, poller.EventRead, s.onMasterReady); err != nil {
		s.teardownReaper()
		p.Close()
		return nil, fmt.Errorf("supervisor: register master fd: %w", err)
	}

	return s, nil
}

// Supervisor is the worker's single owner of all job state: the
// multiplexer, the timer queue, the process table, and the master
// descriptor. Every method is called from the same goroutine that calls
// Run, except the SIGCHLD-forwarding goroutine started by setupReaper,
// which touches nothing but the self-pipe.
type Supervisor struct {
	masterFD   int
	masterOpen bool
	poller     *poller.Poller
	timers     *timer.Queue
	table      *job.Table
	decoder    *frame.Decoder

	reapPipeR, reapPipeW int
	sigCh                chan os.Signal
	reapable             bool

	done  bool
	fatal bool

	started, timeouts, runningJobs int
}

// Run drives the supervisor loop until the master disconnects, an
// unrecoverable error occurs, or ctx is canceled. It returns a process exit
// status suitable for os.Exit.
func (s *Supervisor) Run(ctx context.Context) int {
	go func() {
		<-ctx.Done()
		// Cancellation is layered on top of the worker's one real shutdown
		// path (master-socket closure): shutting down our end causes the
		// existing master-fd EOF handling to fire unchanged.
		unix.Shutdown(s.masterFD, unix.SHUT_RDWR)
	}()

	for !s.done && !s.fatal {
		s.runDueTimers()

		timeoutMS := s.nextPollTimeoutMS()
		if err := s.poller.Wait(timeoutMS); err != nil {
			logger.Errorf("poller wait: %v", err)
			s.fatal = true
			break
		}

		if s.reapable {
			s.reap()
		}

		s.checkInvariants()

		// The self-pipe stays registered for the worker's whole life, so
		// NumFDs alone never reaches zero; disconnectMaster sets s.done
		// directly instead. Exit Cleanup (not this loop) is responsible for
		// killing any jobs still in flight when the master goes away; the
		// loop must not wait for runningJobs to reach zero on its own, since
		// nothing drives it to zero once the master stops accepting
		// completion records.
	}

	status := 0
	if s.fatal {
		status = 1
	}
	s.cleanup(status)
	return status
}

// checkInvariants verifies the bookkeeping identity running_jobs ==
// timer-queue size == process-table size at the loop's quiescent point
// (between a poll return and the next blocking poll). A violation is
// logged locally and reported to the master as a log record; the loop
// proceeds either way.
func (s *Supervisor) checkInvariants() {
	if s.runningJobs == s.timers.Len() && s.runningJobs == s.table.Len() {
		return
	}
	logger.Errorf("bookkeeping mismatch: running_jobs=%d timers=%d table=%d",
		s.runningJobs, s.timers.Len(), s.table.Len())
	if s.masterOpen {
		s.sendLogMessage(fmt.Sprintf("bookkeeping mismatch: running_jobs=%d timers=%d table=%d",
			s.runningJobs, s.timers.Len(), s.table.Len()))
	}
}

// runDueTimers handles every timer-queue head whose deadline has arrived
// (within pollSlack), repeating until the head is either empty or not yet
// due.
func (s *Supervisor) runDueTimers() {
	for {
		e := s.timers.Peek()
		if e == nil {
			return
		}
		remaining := time.Until(e.Deadline())
		if remaining > pollSlack {
			return
		}

		j := e.Job.(*job.Job)
		switch j.State {
		case job.Running:
			s.kill(j, reasonTimeout)
		case job.Stale:
			s.kill(j, reasonStale)
		}
	}
}

// nextPollTimeoutMS computes the supervisor's next poll timeout: -1 to
// block indefinitely if the timer queue is empty, otherwise the soonest
// deadline's remaining duration plus slack.
func (s *Supervisor) nextPollTimeoutMS() int {
	e := s.timers.Peek()
	if e == nil {
		return -1
	}
	remaining := time.Until(e.Deadline()) + pollSlack
	if remaining < 0 {
		remaining = 0
	}
	return int(remaining.Milliseconds())
}

// onMasterReady is the poller callback for the master descriptor: it reads
// available bytes, decodes complete frames, and spawns a job per message.
// When the master closes its end (EOF), it unregisters the descriptor and
// flags the loop done via disconnectMaster.
func (s *Supervisor) onMasterReady(fd int, events poller.Events) {
	buf := make([]byte, 64<<10)
	for {
		n, err := unix.Read(fd, buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			if err == unix.EINTR {
				continue
			}
			logger.Errorf("master read: %v", err)
			s.disconnectMaster()
			return
		}
		if n == 0 {
			s.disconnectMaster()
			return
		}

		s.decoder.Feed(buf[:n])
		for {
			pairs, ok, perr := s.decoder.Next()
			if !ok {
				break
			}
			if perr != nil {
				logger.Errorf("decode message: %v", perr)
				continue
			}
			s.handleRequest(pairs)
		}
	}
}

// disconnectMaster handles master EOF. It ends the worker immediately
// rather than waiting for in-flight jobs to finish on their own; cleanup
// is what reaps and kills anything still running.
func (s *Supervisor) disconnectMaster() {
	if s.decoder.Pending() > 0 {
		logger.Warnf("master closed mid-message: %v (%d bytes buffered)",
			frame.ErrIncompleteFrame, s.decoder.Pending())
	}
	s.masterOpen = false
	s.done = true
	_ = s.poller.Unregister(s.masterFD)
}

// handleRequest parses one decoded message into a job spec and spawns it,
// or reports a protocol/spawn error to the master.
func (s *Supervisor) handleRequest(pairs []frame.Pair) {
	spec, jobID, err := parseSpec(pairs)
	if err != nil {
		s.sendJobError(jobID, err.Error())
		return
	}

	child, err := spawn.Spawn(spec.command)
	if err != nil {
		s.sendJobError(&spec.id, fmt.Sprintf("spawn command: %v", err))
		return
	}

	j := job.New(spec.id, spec.command, spec.timeout, spec.echo)
	j.Pid = child.Pid
	j.Stdout = output.New(child.Stdout)
	j.Stderr = output.New(child.Stderr)

	if err := s.poller.Register(child.Stdout, poller.EventRead, s.onChildOutputReady(j, j.Stdout)); err != nil {
		logger.Errorf("register stdout fd: %v", err)
	}
	if err := s.poller.Register(child.Stderr, poller.EventRead, s.onChildOutputReady(j, j.Stderr)); err != nil {
		logger.Errorf("register stderr fd: %v", err)
	}

	s.table.Insert(j)
	j.TimerEntry = s.timers.Push(j.Start.Add(j.Timeout), j)
	s.started++
	s.runningJobs++

	logger.With("job_id", j.ID).With("pid", j.Pid).Infof("spawned job %q", j.Command)
}

// onChildOutputReady returns a poller callback that drains buf on
// readiness, unregistering and completion-checking it when it closes.
func (s *Supervisor) onChildOutputReady(j *job.Job, buf *output.Buffer) poller.Callback {
	return func(fd int, events poller.Events) {
		closed, err := buf.Drain(false)
		if err != nil {
			logger.With("job_id", j.ID).Errorf("drain output: %v", err)
		}
		if closed {
			_ = s.poller.Unregister(fd)
			s.checkCompletion(j)
		}
	}
}

// checkCompletion performs a non-blocking reap check for j once both
// output streams have closed: the child may have exited and this was the
// last output event needed to notice it.
func (s *Supervisor) checkCompletion(j *job.Job) {
	if j.Stdout.Fd >= 0 || j.Stderr.Fd >= 0 {
		return
	}
	s.reapOne(j.Pid)
}

type jobSpec struct {
	id      uint32
	command string
	timeout time.Duration
	echo    []frame.Pair
}

// parseSpec validates and extracts a jobSpec from a decoded message's
// pairs. jobID is returned whenever it could be parsed, even on a later
// validation failure, so the caller can echo it in an error_msg record.
func parseSpec(pairs []frame.Pair) (*jobSpec, *uint32, error) {
	command, hasCommand := frame.Get(pairs, "command")

	var jobID *uint32
	if raw, ok := frame.Get(pairs, "job_id"); ok {
		if v, err := strconv.ParseUint(raw, 10, 32); err == nil {
			id := uint32(v)
			jobID = &id
		}
	}

	valid := validator.New()
	valid.Assert(hasCommand && command != "", "command empty")
	valid.Assert(jobID != nil, "job_id missing or invalid")
	if err := valid.Err(); err != nil {
		return nil, jobID, err
	}

	timeout := defaultTimeout
	if raw, ok := frame.Get(pairs, "timeout"); ok && raw != "" {
		secs, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return nil, jobID, fmt.Errorf("%w: timeout %q", validator.ErrInvalidInput, raw)
		}
		if secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	echo := make([]frame.Pair, 0, len(pairs))
	for _, p := range pairs {
		if p.Key == "env" {
			continue
		}
		echo = append(echo, p)
	}

	return &jobSpec{id: *jobID, command: command, timeout: timeout, echo: echo}, jobID, nil
}
