package supervisor

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tjper/workercore/internal/worker/frame"
)

// reexecEnvVar marks that this test binary invocation is the isolated
// subprocess launched by TestSupervisorMasterDisconnectManyJobs, not the
// top-level `go test` process. Run's exit cleanup sends SIGTERM/SIGKILL to
// its own process group; running that against the `go test`
// binary's own group would risk signaling the test runner itself, so the
// actual exercise happens in a re-exec'd child that first calls
// unix.Setpgid(0, 0) to isolate itself, exactly as cli.Run does on the real
// process contract's entry path.
const reexecEnvVar = "WORKERCORE_SUPERVISOR_EXIT_TEST"

// TestSupervisorMasterDisconnectManyJobs launches a batch of long-running
// jobs, closes the master end, and expects the worker to exit within a few
// seconds with every child pid gone.
func TestSupervisorMasterDisconnectManyJobs(t *testing.T) {
	if os.Getenv(reexecEnvVar) != "1" {
		cmd := exec.Command(os.Args[0], "-test.run=^TestSupervisorMasterDisconnectManyJobs$", "-test.v")
		cmd.Env = append(os.Environ(), reexecEnvVar+"=1")
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("subprocess failed: %v\n%s", err, out)
		}
		return
	}

	// From here on this process is the isolated subprocess: it owns its own
	// process group, so Run's cleanup (SIGTERM/SIGKILL to group 0 and to
	// each remaining job's negated pid) only ever touches this process and
	// the children it spawns below.
	if err := unix.Setpgid(0, 0); err != nil {
		t.Fatalf("setpgid(0, 0) failed: %v", err)
	}

	const numJobs = 20

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("unexpected error creating socketpair: %v", err)
	}
	masterFD, testFD := fds[0], fds[1]
	if err := unix.SetNonblock(testFD, true); err != nil {
		t.Fatalf("unexpected error setting test fd nonblocking: %v", err)
	}

	sup, err := New(masterFD)
	if err != nil {
		t.Fatalf("unexpected error creating supervisor: %v", err)
	}

	for i := 0; i < numJobs; i++ {
		buf := frame.Encode([]frame.Pair{
			{Key: "job_id", Value: strconv.Itoa(i + 1)},
			{Key: "command", Value: "sleep 30"},
			{Key: "timeout", Value: "120"},
		})
		for len(buf) > 0 {
			n, werr := unix.Write(testFD, buf)
			if werr != nil {
				t.Fatalf("unexpected error writing request %d: %v", i, werr)
			}
			buf = buf[n:]
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for sup.table.Len() < numJobs && time.Now().Before(deadline) {
		if err := sup.poller.Wait(20); err != nil {
			t.Fatalf("unexpected error from poller wait: %v", err)
		}
	}
	if sup.table.Len() != numJobs {
		t.Fatalf("expected %d jobs spawned, got %d", numJobs, sup.table.Len())
	}
	pids := sup.table.Pids()

	// Simulate the master disconnecting mid-flight.
	unix.Close(testFD)

	// ctx's own deadline is a safety net only: master EOF alone should end
	// Run well before it fires (disconnectMaster sets s.done directly).
	runDone := make(chan int, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	go func() { runDone <- sup.Run(ctx) }()

	select {
	case <-runDone:
	case <-time.After(8 * time.Second):
		t.Fatalf("worker did not exit within 8s of master disconnect")
	}

	for _, pid := range pids {
		if err := unix.Kill(pid, 0); err == nil {
			t.Fatalf("expected pid %d to be gone after worker exit", pid)
		} else if err != unix.ESRCH {
			t.Fatalf("unexpected error probing pid %d: %v", pid, err)
		}
	}
}

