package garagemode

import (
	"context"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/lifecycle-service/internal/fsm"
	"github.com/librescoot/lifecycle-service/internal/power"
)

// State is the Garage Mode state published to Redis
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Controller is what Garage Mode needs from the power controller
type Controller interface {
	Finished(l power.Listener)
	GarageModeShouldExitImmediately() bool
}

// JobSource reports the deferred jobs still pending
type JobSource interface {
	Count() int
	Changed() <-chan struct{}
}

// GarageMode runs deferred jobs during shutdown preparation and tells the
// controller when they are done. It registers as a completion listener.
type GarageMode struct {
	ctrl   Controller
	jobs   JobSource
	redis  *redis.Client
	logger *log.Logger
	ctx    context.Context

	mutex  sync.Mutex
	state  State
	cancel chan struct{}
	done   chan struct{}
}

// New creates Garage Mode. redisClient may be nil, in which case the state
// is not published.
func New(ctx context.Context, ctrl Controller, jobs JobSource, redisClient *redis.Client, logger *log.Logger) *GarageMode {
	return &GarageMode{
		ctrl:   ctrl,
		jobs:   jobs,
		redis:  redisClient,
		logger: logger,
		ctx:    ctx,
	}
}

func (g *GarageMode) Token() string { return "garage-mode" }

// State returns the current state
func (g *GarageMode) State() State {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	return g.state
}

// OnStateChanged starts Garage Mode on shutdown preparation and cancels it
// on every other phase.
func (g *GarageMode) OnStateChanged(phase fsm.ListenerPhase) error {
	if phase != fsm.ListenerShutdownPrepare {
		g.stop()
		return nil
	}

	if g.ctrl.GarageModeShouldExitImmediately() {
		g.logger.Printf("Garage Mode must exit immediately, skipping deferred jobs")
		g.stop()
		go g.ctrl.Finished(g)
		return nil
	}

	g.start()
	return nil
}

func (g *GarageMode) start() {
	g.stop()

	g.mutex.Lock()
	cancel := make(chan struct{})
	done := make(chan struct{})
	g.cancel = cancel
	g.done = done
	g.mutex.Unlock()

	g.setState(StateRunning)
	go g.run(cancel, done)
}

func (g *GarageMode) stop() {
	g.mutex.Lock()
	cancel, done := g.cancel, g.done
	g.cancel, g.done = nil, nil
	g.mutex.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	<-done
	g.logger.Printf("Garage Mode cancelled")
	g.setState(StateIdle)
}

func (g *GarageMode) run(cancel, done chan struct{}) {
	defer close(done)

	g.logger.Printf("Garage Mode started with %d pending jobs", g.jobs.Count())
	for g.jobs.Count() > 0 {
		select {
		case <-cancel:
			return
		case <-g.ctx.Done():
			return
		case <-g.jobs.Changed():
			g.logger.Printf("Garage Mode jobs remaining: %d", g.jobs.Count())
		}
	}

	g.mutex.Lock()
	owned := g.cancel == cancel
	if owned {
		g.cancel, g.done = nil, nil
	}
	g.mutex.Unlock()
	if !owned {
		return
	}

	g.logger.Printf("Garage Mode jobs completed")
	g.setState(StateIdle)
	g.ctrl.Finished(g)
}

func (g *GarageMode) setState(s State) {
	g.mutex.Lock()
	if g.state == s {
		g.mutex.Unlock()
		return
	}
	old := g.state
	g.state = s
	g.mutex.Unlock()

	g.logger.Printf("Garage Mode state transition: %s -> %s", old, s)

	if g.redis == nil {
		return
	}
	pipe := g.redis.Pipeline()
	pipe.HSet(g.ctx, "garage-mode", "state", s.String())
	pipe.Publish(g.ctx, "garage-mode", "state")
	if _, err := pipe.Exec(g.ctx); err != nil {
		g.logger.Printf("Warning: Failed to publish garage mode state: %v", err)
	}
}
