package job

import (
	"testing"
	"time"

	"github.com/tjper/workercore/internal/worker/frame"
)

func TestNewJobDefaults(t *testing.T) {
	j := New(7, "true", 60*time.Second, []frame.Pair{{Key: "job_id", Value: "7"}})

	if j.State != Running {
		t.Fatalf("expected new job to start Running, got %v", j.State)
	}
	if j.ExitCode != NoExit {
		t.Fatalf("expected new job exit code to be NoExit, got %d", j.ExitCode)
	}
	if j.Start.IsZero() {
		t.Fatalf("expected Start to be set")
	}
	if j.TraceID.String() == "" {
		t.Fatalf("expected a non-empty trace id")
	}
}

func TestTableInsertLookupRemove(t *testing.T) {
	table := NewTable()
	j := New(1, "true", time.Second, nil)
	j.Pid = 1234

	table.Insert(j)
	if table.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", table.Len())
	}

	got, ok := table.Lookup(1234)
	if !ok || got != j {
		t.Fatalf("expected to find inserted job")
	}

	if _, ok := table.Lookup(9999); ok {
		t.Fatalf("expected lookup miss for unknown pid")
	}

	table.Remove(1234)
	if table.Len() != 0 {
		t.Fatalf("expected 0 entries after remove, got %d", table.Len())
	}
	if _, ok := table.Lookup(1234); ok {
		t.Fatalf("expected lookup miss after remove")
	}
}

func TestTablePids(t *testing.T) {
	table := NewTable()
	for _, pid := range []int{10, 20, 30} {
		j := New(uint32(pid), "true", time.Second, nil)
		j.Pid = pid
		table.Insert(j)
	}

	pids := table.Pids()
	if len(pids) != 3 {
		t.Fatalf("expected 3 pids, got %d", len(pids))
	}
	seen := make(map[int]bool, len(pids))
	for _, pid := range pids {
		seen[pid] = true
	}
	for _, want := range []int{10, 20, 30} {
		if !seen[want] {
			t.Fatalf("expected pid %d in %v", want, pids)
		}
	}
}
