package power

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/librescoot/lifecycle-service/internal/fsm"
	"github.com/librescoot/lifecycle-service/internal/suspend"
)

// HAL is the outbound side of the power hardware interface.
type HAL interface {
	Report(d fsm.Directive, param int) error
	DeepSleepAllowed() bool
	TimedWakeupAllowed() bool
	PowerStateSupported() bool
}

// Display controls the head unit display.
type Display interface {
	SetDisplayOn(on bool) error
	SetBrightness(brightness int) error
	RefreshBrightness() error
}

// System performs OS level power transitions.
type System interface {
	suspend.Sleeper
	SupportsDeepSleep() bool
	Shutdown() error
	Reboot() error
}

// Radio disables the wireless radio before low power and restores it after.
type Radio interface {
	Disable()
	Restore()
}

// Session initializes the user session once the system is active.
type Session interface {
	InitializeSession(allowUserSwitch bool) error
}

// Voice toggles voice interaction.
type Voice interface {
	SetVoiceInteractionDisabled(disabled bool) error
}

// Deps are the collaborators the controller drives.
type Deps struct {
	HAL     HAL
	Display Display
	System  System
	Radio   Radio
	Session Session
	Voice   Voice
}

// Options holds the controller timing and behaviour settings.
type Options struct {
	PollInterval                  time.Duration
	ShutdownBudget                time.Duration
	MaxSuspendWait                time.Duration
	DisableUserSwitchDuringResume bool
	Debug                         bool
}

// Controller is the power state machine. All phase handlers run on the
// goroutine calling Run; every other method only queues work or updates
// bookkeeping under mu.
type Controller struct {
	logger    *log.Logger
	opts      Options
	hal       HAL
	display   Display
	system    System
	radio     Radio
	session   Session
	voice     Voice
	listeners *Registry
	retrier   *suspend.Retrier

	wake    chan struct{}
	arrived chan struct{}

	mu                              sync.Mutex
	events                          []Event
	current                         *fsm.PowerState
	pending                         []fsm.PowerState // most recent first
	shutdownOnNextSuspend           bool
	shutdownOnFinish                bool
	garageModeShouldExitImmediately bool
	rebootAfterGarageMode           bool
	isBooting                       bool
	isResuming                      bool
	nextWakeupSeconds               int
	budget                          *BudgetTimer
	processingGen                   uint64
	processingStart                 time.Time
	lastSleepEntry                  time.Time
	outstanding                     map[string]struct{}

	simMu            sync.Mutex
	inSimulatedSleep bool
	simWoken         bool
	simWake          chan struct{}
}

// NewController creates a controller. Call Init to queue the initial state
// and Run to start processing.
func NewController(logger *log.Logger, opts Options, deps Deps) *Controller {
	c := &Controller{
		logger:      logger,
		opts:        opts,
		hal:         deps.HAL,
		display:     deps.Display,
		system:      deps.System,
		radio:       deps.Radio,
		session:     deps.Session,
		voice:       deps.Voice,
		listeners:   NewRegistry(logger),
		wake:        make(chan struct{}, 1),
		arrived:     make(chan struct{}, 1),
		isBooting:   true,
		outstanding: make(map[string]struct{}),
	}
	c.retrier = suspend.NewRetrier(deps.System, pendingQueue{c}, opts.MaxSuspendWait, logger)
	return c
}

func (c *Controller) debugf(format string, v ...interface{}) {
	if c.opts.Debug {
		c.logger.Printf(format, v...)
	}
}

// postEvent queues evt for the worker. It never blocks, so the worker may
// post to itself.
func (c *Controller) postEvent(evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) nextEvent() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return Event{}, false
	}
	evt := c.events[0]
	c.events[0] = Event{}
	c.events = c.events[1:]
	if len(c.events) == 0 {
		c.events = nil
	}
	return evt, true
}

// Init queues the initial state.
func (c *Controller) Init() {
	if c.hal.PowerStateSupported() {
		c.RequestTransition(fsm.NewState(fsm.PhaseAwaitHardware, fsm.ListenerWaitForHardware))
	} else {
		c.logger.Printf("Power hardware does not support power states yet")
		c.RequestTransition(fsm.NewState(fsm.PhaseActive, fsm.ListenerOn))
	}
}

// RequestTransition queues state. Only the most recent queued state is
// processed.
func (c *Controller) RequestTransition(state fsm.PowerState) {
	c.mu.Lock()
	c.pending = append([]fsm.PowerState{state}, c.pending...)
	c.mu.Unlock()

	select {
	case c.arrived <- struct{}{}:
	default:
	}
	c.postEvent(Event{Type: EventPowerStateChange})
}

// OnApPowerStateChange handles a request from the power hardware interface.
func (c *Controller) OnApPowerStateChange(state fsm.PowerState) {
	c.RequestTransition(state)
}

// GetPowerState returns the listener phase of the current state.
func (c *Controller) GetPowerState() fsm.ListenerPhase {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return fsm.ListenerInvalid
	}
	return c.current.ListenerPhase
}

// GarageModeShouldExitImmediately reports whether deferred jobs must be
// skipped in the current shutdown preparation.
func (c *Controller) GarageModeShouldExitImmediately() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.garageModeShouldExitImmediately
}

// RequestShutdownOnNextSuspend turns the next suspend into a shutdown.
func (c *Controller) RequestShutdownOnNextSuspend() {
	c.mu.Lock()
	c.shutdownOnNextSuspend = true
	c.mu.Unlock()
	c.logger.Printf("Shutdown requested on next suspend")
}

// ScheduleNextWakeupTime asks for a timed wakeup seconds after the next
// sleep or shutdown. The earliest request wins.
func (c *Controller) ScheduleNextWakeupTime(seconds int) {
	if seconds <= 0 {
		c.logger.Printf("Next wakeup time %d is not positive, ignoring", seconds)
		return
	}
	allowed := c.hal.TimedWakeupAllowed()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !allowed {
		c.logger.Printf("Timed wakeup is disabled by the power hardware, skipping")
		c.nextWakeupSeconds = 0
		return
	}
	if c.nextWakeupSeconds == 0 || c.nextWakeupSeconds > seconds {
		c.nextWakeupSeconds = seconds
		return
	}
	c.debugf("Already have an earlier wakeup at %ds, ignoring %ds", c.nextWakeupSeconds, seconds)
}

// NextWakeupSeconds returns the merged wakeup time.
func (c *Controller) NextWakeupSeconds() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextWakeupSeconds
}

// SetStateForTesting overrides the booting and resuming flags.
func (c *Controller) SetStateForTesting(isBooting, isResuming bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugf("Booting %v -> %v, resuming %v -> %v", c.isBooting, isBooting, c.isResuming, isResuming)
	c.isBooting = isBooting
	c.isResuming = isResuming
}

// OnDisplayBrightnessChange forwards a brightness change to the display.
func (c *Controller) OnDisplayBrightnessChange(brightness int) {
	c.postEvent(Event{
		Type: EventDisplayBrightness,
		Data: DisplayBrightnessData{Brightness: brightness},
	})
}

// SendDisplayBrightness reports the display brightness (0-100) to the
// power hardware interface.
func (c *Controller) SendDisplayBrightness(brightness int) {
	if err := c.hal.Report(fsm.DirectiveDisplayBrightness, brightness); err != nil {
		c.logger.Printf("Failed to report display brightness: %v", err)
	}
}

// ForceSimulatedResume wakes the controller from a simulated deep sleep.
func (c *Controller) ForceSimulatedResume() {
	c.RequestTransition(fsm.NewState(fsm.PhaseAwaitHardware, fsm.ListenerShutdownCancelled))

	c.simMu.Lock()
	defer c.simMu.Unlock()
	if !c.simWoken {
		c.simWoken = true
		if c.simWake != nil {
			close(c.simWake)
		}
	}
}

// ForceSuspendAndMaybeReboot runs shutdown preparation and then a simulated
// deep sleep. With reboot set, the system reboots once preparation is done.
func (c *Controller) ForceSuspendAndMaybeReboot(reboot bool) {
	c.simMu.Lock()
	c.inSimulatedSleep = true
	c.simWoken = false
	c.simWake = make(chan struct{})
	c.simMu.Unlock()

	c.mu.Lock()
	c.garageModeShouldExitImmediately = false
	c.rebootAfterGarageMode = reboot
	c.mu.Unlock()

	c.RequestTransition(fsm.NewState(fsm.PhaseSimulateSleep, fsm.ListenerShutdownPrepare))
}

// PowerOffFromCommand requests shutdown preparation as if the hardware had
// asked for it.
func (c *Controller) PowerOffFromCommand(skipGarageMode, shutdown bool) {
	param := fsm.ShutdownParamFor(skipGarageMode, shutdown)
	c.mu.Lock()
	c.rebootAfterGarageMode = false
	c.mu.Unlock()
	c.RequestTransition(fsm.FromHardware(fsm.RequestShutdownPrepare, param))
}

// Run processes queued requests and events until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.releaseBudgetLocked()
			c.mu.Unlock()
			return
		case <-c.wake:
			for ctx.Err() == nil {
				evt, ok := c.nextEvent()
				if !ok {
					break
				}
				c.handleEvent(ctx, evt)
			}
		}
	}
}

func (c *Controller) handleEvent(ctx context.Context, evt Event) {
	switch evt.Type {
	case EventPowerStateChange:
		c.handlePowerStateChange(ctx)
	case EventProcessingComplete:
		data := evt.Data.(ProcessingCompleteData)
		c.handleProcessingComplete(data.Generation)
	case EventListenerDied:
		data := evt.Data.(ListenerDiedData)
		c.logger.Printf("Listener %s died", data.Token)
		c.unregisterToken(data.Token)
	case EventDisplayBrightness:
		data := evt.Data.(DisplayBrightnessData)
		if err := c.display.SetBrightness(data.Brightness); err != nil {
			c.logger.Printf("Failed to set display brightness: %v", err)
		}
	}
}

func (c *Controller) handlePowerStateChange(ctx context.Context) {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	state := c.pending[0]
	c.pending = nil

	allowed, duplicate := fsm.NeedsTransition(c.current, state)
	if duplicate {
		c.mu.Unlock()
		c.debugf("Requested state is already in effect: %s", state)
		return
	}
	if !allowed {
		from := "<none>"
		if c.current != nil {
			from = c.current.String()
		}
		c.mu.Unlock()
		c.logger.Printf("Requested power transition is not allowed: %s --> %s", from, state)
		return
	}

	c.releaseBudgetLocked()
	c.processingGen++
	c.current = &state
	c.mu.Unlock()

	c.logger.Printf("Power state: %s", state)

	switch state.Phase {
	case fsm.PhaseAwaitHardware:
		c.handleAwaitHardware(state)
	case fsm.PhaseActive:
		c.handleOn()
	case fsm.PhasePrepareShutdown, fsm.PhaseSimulateSleep:
		c.handleShutdownPrepare(state)
	case fsm.PhaseAwaitFinish:
		c.handleAwaitFinish(state)
	case fsm.PhaseTerminal:
		c.handleFinish(ctx)
	}
}

func (c *Controller) report(d fsm.Directive, param int) {
	if err := c.hal.Report(d, param); err != nil {
		c.logger.Printf("Failed to report %s to power hardware: %v", d, err)
	}
}

func (c *Controller) setVoiceInteractionDisabled(disabled bool) {
	if err := c.voice.SetVoiceInteractionDisabled(disabled); err != nil {
		c.logger.Printf("Failed to set voice interaction disabled=%v: %v", disabled, err)
	}
}

func (c *Controller) setDisplayOn(on bool) {
	if err := c.display.SetDisplayOn(on); err != nil {
		c.logger.Printf("Failed to set display on=%v: %v", on, err)
	}
}

func (c *Controller) handleAwaitHardware(state fsm.PowerState) {
	c.broadcast(state.ListenerPhase)

	switch state.ListenerPhase {
	case fsm.ListenerWaitForHardware:
		c.report(fsm.DirectiveWaitForHardware, 0)
	case fsm.ListenerShutdownCancelled:
		c.mu.Lock()
		c.shutdownOnNextSuspend = false
		c.mu.Unlock()
		c.report(fsm.DirectiveCancelShutdown, 0)
	case fsm.ListenerSuspendExit:
		c.report(fsm.DirectiveResumed, 0)
	}

	c.radio.Restore()
}

func (c *Controller) handleOn() {
	c.mu.Lock()
	allowUserSwitch := true
	if c.isBooting {
		allowUserSwitch = false
		c.logger.Printf("User switch disallowed while booting")
	} else if c.opts.DisableUserSwitchDuringResume {
		allowUserSwitch = false
		c.logger.Printf("User switch disallowed while resuming")
	}
	c.isBooting = false
	c.isResuming = false
	c.mu.Unlock()

	c.setDisplayOn(true)
	c.broadcast(fsm.ListenerOn)
	c.report(fsm.DirectiveOn, 0)

	if err := c.session.InitializeSession(allowUserSwitch); err != nil {
		c.logger.Printf("Could not initialize user session: %v", err)
	}

	c.setVoiceInteractionDisabled(false)
}

func (c *Controller) handleShutdownPrepare(state fsm.PowerState) {
	c.setVoiceInteractionDisabled(true)
	c.setDisplayOn(false)

	deepSleepAllowed := c.hal.DeepSleepAllowed()
	osSupportsDeepSleep := c.system.SupportsDeepSleep()

	c.mu.Lock()
	c.shutdownOnFinish = c.shutdownOnNextSuspend || !deepSleepAllowed || !osSupportsDeepSleep || !state.CanSleep
	c.garageModeShouldExitImmediately = !state.CanPostpone
	// Stamped before the broadcast so an immediate completion is not
	// mistaken for one from the previous sleep.
	c.processingStart = time.Now()
	c.mu.Unlock()

	if state.CanPostpone {
		c.logger.Printf("Starting shutdown prepare with Garage Mode")
	} else {
		c.logger.Printf("Starting shutdown prepare without Garage Mode")
	}

	c.broadcast(fsm.ListenerShutdownPrepare)
	c.report(fsm.DirectivePrepareShutdown, 0)
	c.startPreprocessing()
}

func (c *Controller) startPreprocessing() {
	budget := newBudgetTimer(c.opts.PollInterval, c.opts.ShutdownBudget)
	c.logger.Printf("Processing before shutdown expected for %v, polling %d times",
		c.opts.ShutdownBudget, budget.ExpirationCount())

	c.mu.Lock()
	c.releaseBudgetLocked()
	c.budget = budget
	c.mu.Unlock()

	budget.start(c.onBudgetTick)
}

func (c *Controller) releaseBudgetLocked() {
	if c.budget != nil {
		c.budget.Stop()
		c.budget = nil
	}
}

func (c *Controller) onBudgetTick(t *BudgetTimer) {
	c.mu.Lock()
	if c.budget != t {
		c.mu.Unlock()
		return
	}
	t.ticks++
	if t.ticks > t.expiration {
		c.releaseBudgetLocked()
		gen := c.processingGen
		c.mu.Unlock()

		c.logger.Printf("Shutdown preparation budget expired")
		c.postEvent(Event{
			Type: EventProcessingComplete,
			Data: ProcessingCompleteData{Generation: gen},
		})
		return
	}
	c.mu.Unlock()

	c.report(fsm.DirectivePostpone, postponeHint)
}

// signalComplete is called once every completion listener has finished.
func (c *Controller) signalComplete() {
	c.mu.Lock()
	if c.current == nil ||
		(c.current.Phase != fsm.PhasePrepareShutdown && c.current.Phase != fsm.PhaseSimulateSleep) {
		c.mu.Unlock()
		return
	}
	if !c.shutdownOnFinish && c.lastSleepEntry.After(c.processingStart) {
		c.mu.Unlock()
		c.logger.Printf("Already slept, ignoring completion")
		return
	}
	gen := c.processingGen
	c.mu.Unlock()

	c.logger.Printf("Listeners are finished, completing shutdown preparation")
	c.postEvent(Event{
		Type: EventProcessingComplete,
		Data: ProcessingCompleteData{Generation: gen},
	})
}

func (c *Controller) handleProcessingComplete(gen uint64) {
	c.mu.Lock()
	if gen != c.processingGen {
		c.mu.Unlock()
		c.debugf("Ignoring stale processing complete (generation %d)", gen)
		return
	}
	c.releaseBudgetLocked()
	if !c.shutdownOnFinish && c.lastSleepEntry.After(c.processingStart) {
		c.mu.Unlock()
		c.logger.Printf("Duplicate sleep entry request, ignoring")
		return
	}
	phase := fsm.ListenerSuspendEnter
	if c.shutdownOnFinish {
		phase = fsm.ListenerShutdownEnter
	}
	c.mu.Unlock()

	c.RequestTransition(fsm.NewState(fsm.PhaseAwaitFinish, phase))
}

func (c *Controller) handleAwaitFinish(state fsm.PowerState) {
	c.broadcast(state.ListenerPhase)

	c.mu.Lock()
	wakeup := c.nextWakeupSeconds
	if c.garageModeShouldExitImmediately {
		wakeup = 0
	}
	c.mu.Unlock()

	switch state.ListenerPhase {
	case fsm.ListenerSuspendEnter:
		c.report(fsm.DirectiveSleepEntry, wakeup)
	case fsm.ListenerShutdownEnter:
		c.report(fsm.DirectiveShutdownStart, wakeup)
	}
}

func (c *Controller) handleFinish(ctx context.Context) {
	c.simMu.Lock()
	simulated := c.inSimulatedSleep
	c.simMu.Unlock()

	c.mu.Lock()
	mustShutDown := c.shutdownOnFinish && !simulated
	reboot := c.rebootAfterGarageMode
	c.rebootAfterGarageMode = false
	c.mu.Unlock()

	if reboot {
		c.logger.Printf("Garage Mode has completed, forcing reboot")
		if err := c.system.Reboot(); err != nil {
			c.logger.Printf("Failed to reboot: %v", err)
		}
		return
	}

	c.setVoiceInteractionDisabled(true)
	c.radio.Disable()

	if mustShutDown {
		c.shutdown()
	} else {
		c.handleDeepSleep(ctx, simulated)
	}

	c.mu.Lock()
	c.shutdownOnNextSuspend = false
	c.mu.Unlock()
}

func (c *Controller) shutdown() {
	c.logger.Printf("Shutting down")
	if err := c.system.Shutdown(); err != nil {
		c.logger.Printf("Failed to shut down: %v", err)
	}
}

func (c *Controller) handleDeepSleep(ctx context.Context, simulated bool) {
	c.mu.Lock()
	c.processingGen++
	c.lastSleepEntry = time.Now()
	c.mu.Unlock()

	var next fsm.ListenerPhase
	if simulated {
		c.waitForSimulatedResume(ctx)
		next = fsm.ListenerShutdownCancelled
	} else {
		c.logger.Printf("Entering deep sleep")
		res := c.retrier.Suspend(ctx)
		switch res.Outcome {
		case suspend.GaveUp:
			c.logger.Printf("Could not enter deep sleep after %v, shutting down", res.Waited)
			c.shutdown()
			return
		case suspend.Aborted:
			c.logger.Printf("Deep sleep aborted after %d attempts", res.Attempts)
			return
		}
		next = fsm.ListenerSuspendExit
	}

	c.mu.Lock()
	c.isResuming = true
	c.nextWakeupSeconds = 0
	c.mu.Unlock()

	c.logger.Printf("Resuming after suspend")
	if err := c.display.RefreshBrightness(); err != nil {
		c.logger.Printf("Failed to refresh display brightness: %v", err)
	}
	c.RequestTransition(fsm.NewState(fsm.PhaseAwaitHardware, next))
}

func (c *Controller) waitForSimulatedResume(ctx context.Context) {
	c.logger.Printf("Simulating deep sleep, waiting for resume")

	c.simMu.Lock()
	wake := c.simWake
	woken := c.simWoken
	c.simMu.Unlock()

	if !woken && wake != nil {
		select {
		case <-wake:
		case <-ctx.Done():
		}
	}

	c.simMu.Lock()
	c.inSimulatedSleep = false
	c.simMu.Unlock()
	c.logger.Printf("Exiting deep sleep simulation")
}

// pendingQueue lets the suspend retrier watch for superseding requests.
type pendingQueue struct {
	c *Controller
}

func (q pendingQueue) HasPendingRequest() bool {
	q.c.mu.Lock()
	defer q.c.mu.Unlock()
	return len(q.c.pending) > 0
}

func (q pendingQueue) WaitForRequest(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return q.HasPendingRequest()
		case <-q.c.arrived:
			if q.HasPendingRequest() {
				return true
			}
		}
	}
}
