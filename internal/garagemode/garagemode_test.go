package garagemode

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/librescoot/lifecycle-service/internal/fsm"
	"github.com/librescoot/lifecycle-service/internal/power"
)

type fakeController struct {
	mu            sync.Mutex
	exitNow       bool
	finishedCalls int
}

func (c *fakeController) Finished(power.Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishedCalls++
}

func (c *fakeController) GarageModeShouldExitImmediately() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitNow
}

func (c *fakeController) finished() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finishedCalls
}

func newTestGarageMode(exitNow bool) (*GarageMode, *fakeController, *jobSet) {
	ctrl := &fakeController{exitNow: exitNow}
	jobs := newJobSet()
	g := New(context.Background(), ctrl, jobs, nil, log.New(io.Discard, "", 0))
	return g, ctrl, jobs
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func TestExitImmediately(t *testing.T) {
	g, ctrl, jobs := newTestGarageMode(true)
	jobs.add(JobData{ID: "upload"})

	g.OnStateChanged(fsm.ListenerShutdownPrepare)
	waitFor(t, "finished", func() bool { return ctrl.finished() == 1 })

	if g.State() != StateIdle {
		t.Errorf("Expected idle, got %s", g.State())
	}
}

func TestNoJobsFinishesRightAway(t *testing.T) {
	g, ctrl, _ := newTestGarageMode(false)

	g.OnStateChanged(fsm.ListenerShutdownPrepare)
	waitFor(t, "finished", func() bool { return ctrl.finished() == 1 })
}

func TestWaitsForJobsToDrain(t *testing.T) {
	g, ctrl, jobs := newTestGarageMode(false)
	jobs.add(JobData{ID: "upload"})
	jobs.add(JobData{ID: "update"})

	g.OnStateChanged(fsm.ListenerShutdownPrepare)
	if g.State() != StateRunning {
		t.Fatalf("Expected running, got %s", g.State())
	}

	jobs.remove("upload")
	time.Sleep(30 * time.Millisecond)
	if ctrl.finished() != 0 {
		t.Fatalf("Finished with a job still pending")
	}

	jobs.remove("update")
	waitFor(t, "finished", func() bool { return ctrl.finished() == 1 })
	waitFor(t, "idle", func() bool { return g.State() == StateIdle })
}

func TestOtherPhaseCancelsRun(t *testing.T) {
	g, ctrl, jobs := newTestGarageMode(false)
	jobs.add(JobData{ID: "upload"})

	g.OnStateChanged(fsm.ListenerShutdownPrepare)
	g.OnStateChanged(fsm.ListenerShutdownCancelled)

	if g.State() != StateIdle {
		t.Errorf("Expected idle after cancel, got %s", g.State())
	}

	jobs.remove("upload")
	time.Sleep(30 * time.Millisecond)
	if ctrl.finished() != 0 {
		t.Errorf("Cancelled run must not finish, got %d", ctrl.finished())
	}
}

func TestJobSet(t *testing.T) {
	s := newJobSet()
	if !s.add(JobData{ID: "a"}) {
		t.Errorf("Expected add to succeed")
	}
	if s.add(JobData{ID: "a"}) {
		t.Errorf("Expected duplicate add to be ignored")
	}
	select {
	case <-s.Changed():
	default:
		t.Errorf("Expected change notification")
	}
	if s.remove("b") {
		t.Errorf("Expected removing unknown job to fail")
	}
	if !s.remove("a") || s.Count() != 0 {
		t.Errorf("Expected empty set, got %d", s.Count())
	}
}

func TestJobExpires(t *testing.T) {
	s := newJobSet()
	expired := make(chan string, 1)
	s.addExpiring(JobData{ID: "upload"}, 20*time.Millisecond, func(id string) { expired <- id })

	select {
	case id := <-expired:
		if id != "upload" {
			t.Errorf("Expected upload to expire, got %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for expiry")
	}
	if s.Count() != 0 {
		t.Errorf("Expected empty set, got %d", s.Count())
	}
}

func TestReaddedJobOutlivesOldExpiry(t *testing.T) {
	s := newJobSet()
	s.addExpiring(JobData{ID: "upload", Created: 1}, 30*time.Millisecond, nil)
	if !s.remove("upload") {
		t.Fatalf("Expected remove to succeed")
	}
	s.addExpiring(JobData{ID: "upload", Created: 2}, time.Hour, nil)
	defer s.stopTimers()

	time.Sleep(80 * time.Millisecond)
	if !s.has("upload") {
		t.Errorf("Re-added job was removed by the earlier expiry")
	}
}
