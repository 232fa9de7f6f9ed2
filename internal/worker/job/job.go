// Package job defines the worker's unit of work and its lifecycle states,
// plus the process table used to look a running child up by pid when its
// SIGCHLD arrives.
package job

import (
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tjper/workercore/internal/worker/frame"
	"github.com/tjper/workercore/internal/worker/output"
	"github.com/tjper/workercore/internal/worker/timer"
)

// State represents a Job's position in its lifecycle.
type State string

const (
	// Running indicates the child is executing and has not yet been killed.
	Running State = "running"
	// Stale indicates a SIGKILL was sent but the child could not be reaped
	// within one reap cycle; its completion has already been reported.
	Stale State = "stale"
)

// NoExit is the sentinel exit code for a job that has not yet been reaped.
const NoExit = -1

// Job is a single in-flight command execution and all state needed to
// supervise, drain, and eventually report on it. A Job is exclusively owned
// by the supervisor; the process table and timer queue hold only
// non-owning references (a pid key and a *timer.Entry respectively).
type Job struct {
	// ID is the master-assigned identifier, echoed back on completion.
	ID uint32
	// TraceID is an internal-only correlation id for log messages; it never
	// appears on the wire.
	TraceID uuid.UUID

	Command string
	Timeout time.Duration

	// Request is the original inbound pair vector, retained verbatim (env
	// already filtered out at parse time) to echo back in the response.
	Request []frame.Pair

	Pid int

	Start, Stop time.Time
	WaitStatus  syscall.WaitStatus
	Rusage      syscall.Rusage
	ExitCode    int

	Stdout, Stderr *output.Buffer

	State State

	// TimerEntry is this Job's current scheduling entry: its timeout while
	// Running, or its next retry-reap deadline while Stale. Always non-nil
	// while the Job is tracked.
	TimerEntry *timer.Entry

	// Responded is set once a completion or error record has been sent to
	// the master, guarding against a double-send when a timeout and a
	// natural exit race.
	Responded bool
}

// New creates a Job in the Running state with Start set to now.
func New(id uint32, command string, timeout time.Duration, request []frame.Pair) *Job {
	return &Job{
		ID:       id,
		TraceID:  uuid.New(),
		Command:  command,
		Timeout:  timeout,
		Request:  request,
		ExitCode: NoExit,
		State:    Running,
		Start:    time.Now(),
	}
}

// Table maps pid to Job for O(1) SIGCHLD-driven lookup. A lookup miss is
// expected and silent: it indicates an orphaned grandchild reparented to
// the worker, not a bug.
type Table struct {
	m map[int]*Job
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{m: make(map[int]*Job, 4096)}
}

// Insert adds job under its pid.
func (t *Table) Insert(j *Job) {
	t.m[j.Pid] = j
}

// Lookup returns the Job registered under pid, if any.
func (t *Table) Lookup(pid int) (*Job, bool) {
	j, ok := t.m[pid]
	return j, ok
}

// Remove deletes the entry for pid, if any.
func (t *Table) Remove(pid int) {
	delete(t.m, pid)
}

// Len returns the number of tracked jobs.
func (t *Table) Len() int {
	return len(t.m)
}

// Pids returns the pids of every currently tracked job, in no particular
// order. Used by tests verifying no child outlives worker exit.
func (t *Table) Pids() []int {
	pids := make([]int, 0, len(t.m))
	for pid := range t.m {
		pids = append(pids, pid)
	}
	return pids
}
