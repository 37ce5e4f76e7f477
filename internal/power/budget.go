package power

import (
	"sync"
	"time"
)

// postponeHint is the extension requested from the hardware on each tick.
const postponeHint = 5000 // ms

// BudgetTimer bounds the time spent preparing for shutdown. It ticks
// immediately and then every interval; once the tick count passes the
// expiration count, processing is forced to complete.
type BudgetTimer struct {
	interval   time.Duration
	expiration int
	ticks      int // guarded by Controller.mu

	stop     chan struct{}
	stopOnce sync.Once
}

func newBudgetTimer(interval, budget time.Duration) *BudgetTimer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &BudgetTimer{
		interval:   interval,
		expiration: int(budget/interval) + 1,
		stop:       make(chan struct{}),
	}
}

// ExpirationCount returns the number of ticks allowed before expiry.
func (t *BudgetTimer) ExpirationCount() int {
	return t.expiration
}

func (t *BudgetTimer) start(onTick func(*BudgetTimer)) {
	go func() {
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		onTick(t)
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				onTick(t)
			}
		}
	}()
}

// Stop cancels the timer. A tick already running may still call back; the
// controller ignores ticks from a timer it no longer owns.
func (t *BudgetTimer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}
