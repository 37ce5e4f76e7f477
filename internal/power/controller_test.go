package power_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/librescoot/lifecycle-service/internal/fsm"
	"github.com/librescoot/lifecycle-service/internal/power"
)

type directive struct {
	d     fsm.Directive
	param int
}

// mockPlatform implements every collaborator the controller needs.
type mockPlatform struct {
	mu sync.Mutex

	directives   []directive
	sleepFails   int // -1 fails forever
	sleepCalls   int
	shutdowns    int
	reboots      int
	radioOff     int
	radioRestore int
	displayOn    []bool
	brightness   []int
	refreshes    int
	sessions     []bool
	voice        []bool

	deepSleepAllowed   bool
	timedWakeupAllowed bool
}

func newMockPlatform() *mockPlatform {
	return &mockPlatform{deepSleepAllowed: true, timedWakeupAllowed: true}
}

func (m *mockPlatform) Report(d fsm.Directive, param int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.directives = append(m.directives, directive{d, param})
	return nil
}

func (m *mockPlatform) DeepSleepAllowed() bool    { return m.deepSleepAllowed }
func (m *mockPlatform) TimedWakeupAllowed() bool  { return m.timedWakeupAllowed }
func (m *mockPlatform) PowerStateSupported() bool { return true }

func (m *mockPlatform) SetDisplayOn(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.displayOn = append(m.displayOn, on)
	return nil
}

func (m *mockPlatform) SetBrightness(b int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brightness = append(m.brightness, b)
	return nil
}

func (m *mockPlatform) RefreshBrightness() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return nil
}

func (m *mockPlatform) EnterDeepSleep() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sleepCalls++
	if m.sleepFails < 0 || m.sleepCalls <= m.sleepFails {
		return errors.New("suspend refused")
	}
	return nil
}

func (m *mockPlatform) SupportsDeepSleep() bool { return true }

func (m *mockPlatform) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	return nil
}

func (m *mockPlatform) Reboot() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reboots++
	return nil
}

func (m *mockPlatform) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.radioOff++
}

func (m *mockPlatform) Restore() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.radioRestore++
}

func (m *mockPlatform) InitializeSession(allowUserSwitch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, allowUserSwitch)
	return nil
}

func (m *mockPlatform) SetVoiceInteractionDisabled(disabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.voice = append(m.voice, disabled)
	return nil
}

func (m *mockPlatform) count(d fsm.Directive) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, x := range m.directives {
		if x.d == d {
			n++
		}
	}
	return n
}

func (m *mockPlatform) last(d fsm.Directive) (directive, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.directives) - 1; i >= 0; i-- {
		if m.directives[i].d == d {
			return m.directives[i], true
		}
	}
	return directive{}, false
}

func (m *mockPlatform) snapshot() mockPlatform {
	m.mu.Lock()
	defer m.mu.Unlock()
	return mockPlatform{
		directives:   append([]directive(nil), m.directives...),
		sleepCalls:   m.sleepCalls,
		shutdowns:    m.shutdowns,
		reboots:      m.reboots,
		radioOff:     m.radioOff,
		radioRestore: m.radioRestore,
		refreshes:    m.refreshes,
		sessions:     append([]bool(nil), m.sessions...),
	}
}

type recordingListener struct {
	token string

	mu     sync.Mutex
	phases []fsm.ListenerPhase
}

func (l *recordingListener) Token() string { return l.token }

func (l *recordingListener) OnStateChanged(phase fsm.ListenerPhase) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.phases = append(l.phases, phase)
	return nil
}

func (l *recordingListener) seen() []fsm.ListenerPhase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]fsm.ListenerPhase(nil), l.phases...)
}

func (l *recordingListener) saw(phase fsm.ListenerPhase) bool {
	for _, p := range l.seen() {
		if p == phase {
			return true
		}
	}
	return false
}

type failingListener struct{}

func (failingListener) Token() string                          { return "failing" }
func (failingListener) OnStateChanged(fsm.ListenerPhase) error { return errors.New("boom") }

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

func defaultOptions() power.Options {
	return power.Options{
		PollInterval:   10 * time.Millisecond,
		ShutdownBudget: time.Hour,
		MaxSuspendWait: time.Minute,
	}
}

func startController(t *testing.T, opts power.Options, m *mockPlatform) *power.Controller {
	t.Helper()
	c := power.NewController(log.New(io.Discard, "", 0), opts, power.Deps{
		HAL:     m,
		Display: m,
		System:  m,
		Radio:   m,
		Session: m,
		Voice:   m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c.Init()
	waitFor(t, "initial state", func() bool { return c.GetPowerState() == fsm.ListenerWaitForHardware })
	waitFor(t, "wait-for-hardware directive", func() bool { return m.count(fsm.DirectiveWaitForHardware) == 1 })
	return c
}

func phaseIs(c *power.Controller, p fsm.ListenerPhase) func() bool {
	return func() bool { return c.GetPowerState() == p }
}

func goActive(t *testing.T, c *power.Controller, m *mockPlatform) {
	t.Helper()
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestOn, ""))
	waitFor(t, "on directive", func() bool { return m.count(fsm.DirectiveOn) == 1 })
}

func TestRejectedTransitionsHaveNoEffect(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	before := m.snapshot()

	rejected := []fsm.PowerState{
		fsm.NewState(fsm.PhaseAwaitFinish, fsm.ListenerSuspendEnter),
		fsm.FromHardware(fsm.RequestFinished, ""),
		fsm.NewState(fsm.PhaseSimulateSleep, fsm.ListenerShutdownPrepare),
		fsm.ParseHardwareRequest("not-a-request:at-all"),
	}
	for _, s := range rejected {
		c.RequestTransition(s)
		time.Sleep(20 * time.Millisecond)
		if got := c.GetPowerState(); got != fsm.ListenerWaitForHardware {
			t.Errorf("Expected state unchanged after %v, got %s", s, got)
		}
	}

	after := m.snapshot()
	if len(after.directives) != len(before.directives) {
		t.Errorf("Expected no directives, got %v", after.directives[len(before.directives):])
	}
}

func TestActiveBroadcastsAndInitializesSession(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	l := &recordingListener{token: "plain"}
	c.Register(l)
	c.Register(failingListener{})

	goActive(t, c, m)
	waitFor(t, "session init", func() bool { return len(m.snapshot().sessions) == 1 })

	if !l.saw(fsm.ListenerOn) {
		t.Errorf("Expected listener to see on despite a failing listener, got %v", l.seen())
	}
	if m.snapshot().sessions[0] {
		t.Errorf("User switch must be disallowed while booting")
	}
}

func TestCompletionListenersGateProcessing(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	l1 := &recordingListener{token: "one"}
	l2 := &recordingListener{token: "two"}
	c.RegisterWithCompletion(l1)
	c.RegisterWithCompletion(l2)

	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep))
	waitFor(t, "shutdown-prepare broadcast", func() bool {
		return l1.saw(fsm.ListenerShutdownPrepare) && l2.saw(fsm.ListenerShutdownPrepare)
	})

	c.Finished(l1)
	time.Sleep(50 * time.Millisecond)
	if got := c.GetPowerState(); got != fsm.ListenerShutdownPrepare {
		t.Fatalf("Processing completed with a listener outstanding, state %s", got)
	}
	if m.count(fsm.DirectivePostpone) == 0 {
		t.Errorf("Expected postpone hints while waiting")
	}

	c.Finished(l2)
	waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
	waitFor(t, "sleep-entry directive", func() bool { return m.count(fsm.DirectiveSleepEntry) == 1 })
}

func TestListenerDeathCountsAsFinished(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	l := &recordingListener{token: "remote"}
	c.RegisterWithCompletion(l)

	c.PowerOffFromCommand(false, true)
	waitFor(t, "shutdown-prepare broadcast", func() bool { return l.saw(fsm.ListenerShutdownPrepare) })

	c.ListenerDied(l.Token())
	waitFor(t, "shutdown-enter", phaseIs(c, fsm.ListenerShutdownEnter))
	waitFor(t, "shutdown-start directive", func() bool { return m.count(fsm.DirectiveShutdownStart) == 1 })
}

func TestBudgetExpiryForcesCompletion(t *testing.T) {
	m := newMockPlatform()
	opts := defaultOptions()
	opts.ShutdownBudget = 30 * time.Millisecond
	c := startController(t, opts, m)
	goActive(t, c, m)

	stuck := &recordingListener{token: "stuck"}
	c.RegisterWithCompletion(stuck)

	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep))
	waitFor(t, "suspend-enter after budget", phaseIs(c, fsm.ListenerSuspendEnter))
	time.Sleep(50 * time.Millisecond)

	// 30ms / 10ms + 1 ticks postpone, the next one expires.
	if got := m.count(fsm.DirectivePostpone); got != 4 {
		t.Errorf("Expected 4 postpone hints, got %d", got)
	}
	if d, _ := m.last(fsm.DirectivePostpone); d.param != 5000 {
		t.Errorf("Expected 5000ms postpone, got %d", d.param)
	}
}

func TestScheduleNextWakeupTime(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)

	for _, s := range []int{50, 20, 80, 0, -5} {
		c.ScheduleNextWakeupTime(s)
	}
	if got := c.NextWakeupSeconds(); got != 20 {
		t.Errorf("Expected 20, got %d", got)
	}

	m.timedWakeupAllowed = false
	c.ScheduleNextWakeupTime(10)
	if got := c.NextWakeupSeconds(); got != 0 {
		t.Errorf("Expected wakeup cleared when disallowed, got %d", got)
	}
}

func TestWakeupSentWithSleepEntry(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	c.ScheduleNextWakeupTime(300)
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep))
	waitFor(t, "sleep-entry directive", func() bool { return m.count(fsm.DirectiveSleepEntry) == 1 })

	if d, _ := m.last(fsm.DirectiveSleepEntry); d.param != 300 {
		t.Errorf("Expected wakeup 300, got %d", d.param)
	}
}

func TestSuspendFailureFallsBackToShutdown(t *testing.T) {
	m := newMockPlatform()
	m.sleepFails = -1
	opts := defaultOptions()
	opts.MaxSuspendWait = 50 * time.Millisecond
	c := startController(t, opts, m)
	goActive(t, c, m)

	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep))
	waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))

	waitFor(t, "shutdown", func() bool { return m.snapshot().shutdowns == 1 })
	time.Sleep(20 * time.Millisecond)

	s := m.snapshot()
	if s.shutdowns != 1 {
		t.Errorf("Expected exactly one shutdown, got %d", s.shutdowns)
	}
	if s.sleepCalls != 4 {
		t.Errorf("Expected 4 suspend attempts, got %d", s.sleepCalls)
	}
	if s.radioOff != 1 {
		t.Errorf("Expected radio disabled once, got %d", s.radioOff)
	}
}

func TestRequestDuringSuspendRetryAborts(t *testing.T) {
	m := newMockPlatform()
	m.sleepFails = -1
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep))
	waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))
	waitFor(t, "suspend attempts", func() bool { return m.snapshot().sleepCalls >= 2 })

	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestCancelShutdown, ""))
	waitFor(t, "shutdown-cancelled", phaseIs(c, fsm.ListenerShutdownCancelled))
	waitFor(t, "cancel-shutdown directive", func() bool { return m.count(fsm.DirectiveCancelShutdown) == 1 })

	if got := m.snapshot().shutdowns; got != 0 {
		t.Errorf("Expected no shutdown, got %d", got)
	}
}

func TestShutdownOnNextSuspend(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	c.RequestShutdownOnNextSuspend()
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep))
	waitFor(t, "shutdown-enter", phaseIs(c, fsm.ListenerShutdownEnter))
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))

	waitFor(t, "shutdown", func() bool { return m.snapshot().shutdowns == 1 })
	if got := m.snapshot().sleepCalls; got != 0 {
		t.Errorf("Expected no suspend attempts, got %d", got)
	}
}

func TestForceSuspendAndReboot(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	c.ForceSuspendAndMaybeReboot(true)
	waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
	if c.GarageModeShouldExitImmediately() {
		t.Errorf("Simulated sleep must allow Garage Mode")
	}

	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))
	waitFor(t, "reboot", func() bool { return m.snapshot().reboots == 1 })
	time.Sleep(20 * time.Millisecond)

	s := m.snapshot()
	if s.sleepCalls != 0 || s.shutdowns != 0 {
		t.Errorf("Expected no suspend or shutdown, got sleep=%d shutdown=%d", s.sleepCalls, s.shutdowns)
	}
}

func TestSimulatedSleepAndResume(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	c.ForceSuspendAndMaybeReboot(false)
	waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))
	waitFor(t, "radio disabled", func() bool { return m.snapshot().radioOff == 1 })

	time.Sleep(20 * time.Millisecond)
	if got := c.GetPowerState(); got != fsm.ListenerSuspendEnter {
		t.Fatalf("Expected to stay in simulated sleep, got %s", got)
	}

	c.ForceSimulatedResume()
	waitFor(t, "shutdown-cancelled", phaseIs(c, fsm.ListenerShutdownCancelled))
	waitFor(t, "cancel-shutdown directive", func() bool { return m.count(fsm.DirectiveCancelShutdown) == 1 })

	s := m.snapshot()
	if s.sleepCalls != 0 || s.shutdowns != 0 {
		t.Errorf("Simulated sleep must not touch the system, got sleep=%d shutdown=%d", s.sleepCalls, s.shutdowns)
	}
}

func TestEventsQueuedDuringSimulatedSleep(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)
	goActive(t, c, m)

	c.ForceSuspendAndMaybeReboot(false)
	waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))
	waitFor(t, "radio disabled", func() bool { return m.snapshot().radioOff == 1 })

	for i := 0; i < 150; i++ {
		c.OnDisplayBrightnessChange(i % 101)
	}

	resumed := make(chan struct{})
	go func() {
		c.ForceSimulatedResume()
		close(resumed)
	}()
	select {
	case <-resumed:
	case <-time.After(time.Second):
		t.Fatalf("ForceSimulatedResume blocked with a full event queue")
	}

	waitFor(t, "shutdown-cancelled", phaseIs(c, fsm.ListenerShutdownCancelled))
	waitFor(t, "queued brightness changes", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.brightness) == 150
	})
}

func TestRunReturnsDuringSimulatedSleep(t *testing.T) {
	m := newMockPlatform()
	c := power.NewController(log.New(io.Discard, "", 0), defaultOptions(), power.Deps{
		HAL:     m,
		Display: m,
		System:  m,
		Radio:   m,
		Session: m,
		Voice:   m,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	defer cancel()

	c.Init()
	waitFor(t, "initial state", phaseIs(c, fsm.ListenerWaitForHardware))
	goActive(t, c, m)
	c.ForceSuspendAndMaybeReboot(false)
	waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
	c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))
	waitFor(t, "radio disabled", func() bool { return m.snapshot().radioOff == 1 })

	for i := 0; i < 150; i++ {
		c.OnDisplayBrightnessChange(50)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestDisplayBrightness(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)

	c.OnDisplayBrightnessChange(42)
	waitFor(t, "brightness", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.brightness) == 1 && m.brightness[0] == 42
	})

	c.SendDisplayBrightness(70)
	if d, ok := m.last(fsm.DirectiveDisplayBrightness); !ok || d.param != 70 {
		t.Errorf("Expected display-brightness 70, got %v", d)
	}
}

func TestEndToEnd(t *testing.T) {
	m := newMockPlatform()
	m.sleepFails = 1
	c := startController(t, defaultOptions(), m)

	l := &recordingListener{token: "observer"}
	c.Register(l)

	sequence := []struct {
		state fsm.PowerState
		wait  fsm.ListenerPhase
	}{
		{fsm.NewState(fsm.PhaseAwaitHardware, fsm.ListenerWaitForHardware), fsm.ListenerWaitForHardware},
		{fsm.FromHardware(fsm.RequestOn, ""), fsm.ListenerOn},
		{fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep), fsm.ListenerSuspendEnter},
		{fsm.NewState(fsm.PhaseAwaitFinish, fsm.ListenerSuspendEnter), fsm.ListenerSuspendEnter},
		{fsm.FromHardware(fsm.RequestFinished, ""), fsm.ListenerSuspendExit},
	}
	for _, step := range sequence {
		c.OnApPowerStateChange(step.state)
		waitFor(t, string(step.wait), phaseIs(c, step.wait))
	}
	waitFor(t, "resumed directive", func() bool { return m.count(fsm.DirectiveResumed) == 1 })

	want := []fsm.ListenerPhase{
		fsm.ListenerOn,
		fsm.ListenerShutdownPrepare,
		fsm.ListenerSuspendEnter,
		fsm.ListenerSuspendExit,
	}
	got := l.seen()
	if len(got) != len(want) {
		t.Fatalf("Expected phases %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Phase %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	s := m.snapshot()
	if s.sleepCalls != 2 {
		t.Errorf("Expected one retry before suspend, got %d attempts", s.sleepCalls)
	}
	if s.refreshes != 1 {
		t.Errorf("Expected brightness refresh after resume, got %d", s.refreshes)
	}
	if s.radioRestore != 2 {
		t.Errorf("Expected radio restore on boot and resume, got %d", s.radioRestore)
	}
}

func TestSecondSuspendCycle(t *testing.T) {
	m := newMockPlatform()
	c := startController(t, defaultOptions(), m)

	for cycle := 1; cycle <= 2; cycle++ {
		c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestOn, ""))
		waitFor(t, "on", phaseIs(c, fsm.ListenerOn))
		c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestShutdownPrepare, fsm.ShutdownCanSleep))
		waitFor(t, "suspend-enter", phaseIs(c, fsm.ListenerSuspendEnter))
		c.OnApPowerStateChange(fsm.FromHardware(fsm.RequestFinished, ""))
		waitFor(t, "suspend-exit", phaseIs(c, fsm.ListenerSuspendExit))
	}

	if got := m.count(fsm.DirectiveSleepEntry); got != 2 {
		t.Errorf("Expected 2 sleep entries, got %d", got)
	}
	if got := m.snapshot().sleepCalls; got != 2 {
		t.Errorf("Expected 2 suspends, got %d", got)
	}
}

func TestUserSwitchDuringResume(t *testing.T) {
	for _, disable := range []bool{false, true} {
		m := newMockPlatform()
		opts := defaultOptions()
		opts.DisableUserSwitchDuringResume = disable
		c := startController(t, opts, m)

		c.SetStateForTesting(false, true)
		goActive(t, c, m)
		waitFor(t, "session init", func() bool { return len(m.snapshot().sessions) == 1 })

		if got := m.snapshot().sessions[0]; got == disable {
			t.Errorf("DisableUserSwitchDuringResume=%v: expected allowUserSwitch=%v, got %v", disable, !disable, got)
		}
	}
}
