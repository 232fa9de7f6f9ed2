package supervisor

import (
	"fmt"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tjper/workercore/internal/worker/frame"
	"github.com/tjper/workercore/internal/worker/job"
)

// sendCompletion builds and writes a completion record for j: every
// inbound key it was started with (minus env, already filtered at parse
// time), followed by the wait, timing, resource-usage, and output keys.
// Responded guards against ever sending two records for the same job: a
// timeout and a natural exit may race, but the Stale transition ensures
// only the first wins.
func (s *Supervisor) sendCompletion(j *job.Job, exitedOK bool, errorCode string) {
	if j.Responded {
		return
	}
	j.Responded = true

	pairs := make([]frame.Pair, 0, len(j.Request)+12)
	pairs = append(pairs, j.Request...)

	pairs = append(pairs,
		frame.Pair{Key: "wait_status", Value: strconv.Itoa(int(j.WaitStatus))},
		frame.Pair{Key: "start", Value: formatTime(j.Start)},
		frame.Pair{Key: "stop", Value: formatTime(j.Stop)},
		frame.Pair{Key: "runtime", Value: fmt.Sprintf("%.6f", j.Stop.Sub(j.Start).Seconds())},
		frame.Pair{Key: "exited_ok", Value: boolDigit(exitedOK)},
	)
	if !exitedOK {
		pairs = append(pairs, frame.Pair{Key: "error_code", Value: errorCode})
	}
	pairs = append(pairs,
		frame.Pair{Key: "ru_utime", Value: formatTimeval(j.Rusage.Utime)},
		frame.Pair{Key: "ru_stime", Value: formatTimeval(j.Rusage.Stime)},
		frame.Pair{Key: "ru_minflt", Value: strconv.FormatInt(int64(j.Rusage.Minflt), 10)},
		frame.Pair{Key: "ru_majflt", Value: strconv.FormatInt(int64(j.Rusage.Majflt), 10)},
		frame.Pair{Key: "ru_inblock", Value: strconv.FormatInt(int64(j.Rusage.Inblock), 10)},
		frame.Pair{Key: "ru_oublock", Value: strconv.FormatInt(int64(j.Rusage.Oublock), 10)},
		frame.Pair{Key: "outerr", Value: string(j.Stderr.Bytes())},
		frame.Pair{Key: "outstd", Value: string(j.Stdout.Bytes())},
	)

	s.write(pairs)
}

// sendJobError reports a job that never entered the Running state: a
// parse failure (jobID may be nil) or a spawn failure (jobID known).
func (s *Supervisor) sendJobError(jobID *uint32, msg string) {
	var pairs []frame.Pair
	if jobID != nil {
		pairs = append(pairs, frame.Pair{Key: "job_id", Value: strconv.FormatUint(uint64(*jobID), 10)})
	}
	pairs = append(pairs, frame.Pair{Key: "error_msg", Value: msg})
	s.write(pairs)
}

// sendLogMessage reports an operational message to the master, independent
// of any particular job: a single log=<message> pair.
func (s *Supervisor) sendLogMessage(msg string) {
	s.write([]frame.Pair{{Key: "log", Value: msg}})
}

// write encodes pairs and writes them to the master descriptor in one
// logical frame, retrying on EINTR/EAGAIN. A write failure (most notably
// EPIPE, the master having gone away) is fatal: the worker proceeds
// straight to exit cleanup, and the master restarts it.
func (s *Supervisor) write(pairs []frame.Pair) {
	buf := frame.Encode(pairs)
	for len(buf) > 0 {
		n, err := unix.Write(s.masterFD, buf)
		if err != nil {
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			logger.Errorf("write to master: %v", err)
			s.fatal = true
			s.masterOpen = false
			return
		}
		buf = buf[n:]
	}
}

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "0.000000"
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func formatTimeval(tv syscall.Timeval) string {
	return fmt.Sprintf("%d.%06d", int64(tv.Sec), int64(tv.Usec))
}
