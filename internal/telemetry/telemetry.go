// Package telemetry publishes power phase changes over MQTT.
package telemetry

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/lifecycle-service/internal/fsm"
)

// Topic is the MQTT topic for power phase events.
const Topic = "lifecycle/power/state"

// bufferCapacity bounds the messages held while the broker is unreachable.
const bufferCapacity = 64

// Publisher sends raw payloads to a broker.
type Publisher interface {
	Publish(topic string, payload []byte, retained bool) error
	Close() error
}

// Payload is the MQTT message for a phase change.
type Payload struct {
	Power PowerPayload `json:"power"`
}

// PowerPayload contains the phase change details.
type PowerPayload struct {
	Timestamp string `json:"timestamp"`
	Phase     string `json:"phase"`
}

// FormatPayload creates the JSON payload for phase at ts.
func FormatPayload(phase fsm.ListenerPhase, ts time.Time) ([]byte, error) {
	return json.Marshal(Payload{
		Power: PowerPayload{
			Timestamp: ts.UTC().Format(time.RFC3339),
			Phase:     string(phase),
		},
	})
}

// Reporter is a plain power listener that forwards every phase to MQTT.
// Phases are queued and published from a separate goroutine so a slow or
// unreachable broker never holds up the caller.
type Reporter struct {
	publisher     Publisher
	logger        *log.Logger
	now           func() time.Time
	retryInterval time.Duration

	mutex  sync.Mutex
	queue  *ringBuffer
	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewReporter creates a reporter on publisher and starts its publish loop.
// Call Close to stop it.
func NewReporter(publisher Publisher, logger *log.Logger) *Reporter {
	return newReporter(publisher, logger, 5*time.Second)
}

func newReporter(publisher Publisher, logger *log.Logger, retryInterval time.Duration) *Reporter {
	r := &Reporter{
		publisher:     publisher,
		logger:        logger,
		now:           time.Now,
		retryInterval: retryInterval,
		queue:         newRingBuffer(bufferCapacity, logger),
		notify:        make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Reporter) Token() string { return "telemetry" }

// OnStateChanged queues phase as a retained message so late subscribers
// see the current phase.
func (r *Reporter) OnStateChanged(phase fsm.ListenerPhase) error {
	payload, err := FormatPayload(phase, r.now())
	if err != nil {
		return fmt.Errorf("format payload: %w", err)
	}

	r.mutex.Lock()
	r.queue.push(queuedMsg{topic: Topic, payload: payload, retained: true})
	r.mutex.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of messages not yet published.
func (r *Reporter) Pending() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.queue.len()
}

func (r *Reporter) run() {
	defer close(r.done)

	retry := time.NewTimer(r.retryInterval)
	retry.Stop()
	defer retry.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-r.notify:
		case <-retry.C:
		}

		r.mutex.Lock()
		msgs := r.queue.drainAll()
		r.mutex.Unlock()

		for i, msg := range msgs {
			if err := r.publisher.Publish(msg.topic, msg.payload, msg.retained); err != nil {
				r.logger.Printf("Failed to publish telemetry, %d messages buffered: %v", len(msgs)-i, err)
				r.mutex.Lock()
				r.queue.pushFront(msgs[i:])
				r.mutex.Unlock()
				retry.Reset(r.retryInterval)
				break
			}
		}
	}
}

// Close stops the publish loop. Messages still queued are dropped.
func (r *Reporter) Close() {
	close(r.stop)
	<-r.done
}
