package power

import (
	"log"
	"sync"

	"github.com/librescoot/lifecycle-service/internal/fsm"
)

// Listener observes power state changes.
type Listener interface {
	OnStateChanged(phase fsm.ListenerPhase) error
	Token() string
}

// ListenerKind distinguishes fire-and-forget observers from those that must
// acknowledge shutdown preparation.
type ListenerKind int

const (
	KindPlain ListenerKind = iota
	KindCompletion
)

// Registry keeps the registered listeners in registration order.
type Registry struct {
	logger     *log.Logger
	mutex      sync.RWMutex
	plain      []Listener
	completion []Listener
}

// NewRegistry creates an empty listener registry
func NewRegistry(logger *log.Logger) *Registry {
	return &Registry{logger: logger}
}

// Add registers l in the given category. Registering the same token twice
// is a no-op.
func (r *Registry) Add(l Listener, kind ListenerKind) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if indexOf(r.plain, l.Token()) >= 0 || indexOf(r.completion, l.Token()) >= 0 {
		return
	}

	if kind == KindCompletion {
		r.completion = append(r.completion, l)
	} else {
		r.plain = append(r.plain, l)
	}
	r.logger.Printf("Registered power state listener: token=%s, completion=%v", l.Token(), kind == KindCompletion)
}

// Remove unregisters token from both categories. It reports whether the
// token was a completion listener.
func (r *Registry) Remove(token string) (wasCompletion bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if i := indexOf(r.plain, token); i >= 0 {
		r.plain = append(r.plain[:i:i], r.plain[i+1:]...)
		r.logger.Printf("Unregistered power state listener: token=%s", token)
	}
	if i := indexOf(r.completion, token); i >= 0 {
		r.completion = append(r.completion[:i:i], r.completion[i+1:]...)
		r.logger.Printf("Unregistered completion listener: token=%s", token)
		return true
	}
	return false
}

// Plain returns a snapshot of the plain listeners.
func (r *Registry) Plain() []Listener {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]Listener(nil), r.plain...)
}

// Completion returns a snapshot of the completion listeners.
func (r *Registry) Completion() []Listener {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return append([]Listener(nil), r.completion...)
}

func indexOf(listeners []Listener, token string) int {
	for i, l := range listeners {
		if l.Token() == token {
			return i
		}
	}
	return -1
}

func (r *Registry) notify(listeners []Listener, phase fsm.ListenerPhase) {
	for _, l := range listeners {
		if err := l.OnStateChanged(phase); err != nil {
			r.logger.Printf("Listener %s failed to handle %s: %v", l.Token(), phase, err)
		}
	}
}

// Register adds a plain listener.
func (c *Controller) Register(l Listener) {
	c.listeners.Add(l, KindPlain)
}

// RegisterWithCompletion adds a listener that must call Finished after it
// has handled shutdown preparation. Only trusted collaborators may use it.
func (c *Controller) RegisterWithCompletion(l Listener) {
	c.listeners.Add(l, KindCompletion)
}

// Unregister removes l. A completion listener leaving counts as finished.
func (c *Controller) Unregister(l Listener) {
	c.unregisterToken(l.Token())
}

func (c *Controller) unregisterToken(token string) {
	if c.listeners.Remove(token) {
		c.finishedToken(token)
	}
}

// ListenerDied reports that the listener behind token is gone. The removal
// is handled by the worker like any other request.
func (c *Controller) ListenerDied(token string) {
	c.postEvent(Event{
		Type: EventListenerDied,
		Data: ListenerDiedData{Token: token},
	})
}

// Finished marks l as done with the current shutdown preparation.
func (c *Controller) Finished(l Listener) {
	c.finishedToken(l.Token())
}

func (c *Controller) finishedToken(token string) {
	c.mu.Lock()
	_, owed := c.outstanding[token]
	delete(c.outstanding, token)
	allComplete := owed && len(c.outstanding) == 0
	c.mu.Unlock()

	if allComplete {
		c.signalComplete()
	}
}

// broadcast notifies plain listeners, then completion listeners. The
// outstanding set is filled before any completion listener runs so that an
// early Finished cannot see it empty.
func (c *Controller) broadcast(phase fsm.ListenerPhase) {
	c.listeners.notify(c.listeners.Plain(), phase)

	// Only shutdown preparation waits for completion; every other phase
	// completes implicitly.
	awaitCompletion := phase == fsm.ListenerShutdownPrepare

	completers := c.listeners.Completion()
	c.mu.Lock()
	c.outstanding = make(map[string]struct{}, len(completers))
	if awaitCompletion {
		for _, l := range completers {
			c.outstanding[l.Token()] = struct{}{}
		}
	}
	c.mu.Unlock()

	c.listeners.notify(completers, phase)

	if awaitCompletion && len(completers) == 0 {
		c.signalComplete()
	}
}
