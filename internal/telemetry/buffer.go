package telemetry

import "log"

// queuedMsg is a payload waiting for the publisher goroutine.
type queuedMsg struct {
	topic    string
	payload  []byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO that drops the oldest message when
// full. Not safe for concurrent use.
type ringBuffer struct {
	buf      []queuedMsg
	capacity int
	head     int // next write position
	count    int
	logger   *log.Logger
	overflow bool
}

func newRingBuffer(capacity int, logger *log.Logger) *ringBuffer {
	return &ringBuffer{
		buf:      make([]queuedMsg, capacity),
		capacity: capacity,
		logger:   logger,
	}
}

func (r *ringBuffer) push(msg queuedMsg) {
	if r.count == r.capacity {
		if !r.overflow {
			r.logger.Printf("Telemetry buffer full (%d messages), dropping oldest", r.capacity)
			r.overflow = true
		}
		r.buf[r.head] = msg
		r.head = (r.head + 1) % r.capacity
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % r.capacity
	r.count++
}

// pushFront puts msgs back ahead of anything queued since they were drained.
func (r *ringBuffer) pushFront(msgs []queuedMsg) {
	rest := r.drainAll()
	for _, m := range msgs {
		r.push(m)
	}
	for _, m := range rest {
		r.push(m)
	}
}

func (r *ringBuffer) drainAll() []queuedMsg {
	if r.count == 0 {
		return nil
	}

	result := make([]queuedMsg, r.count)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < r.count; i++ {
		result[i] = r.buf[(start+i)%r.capacity]
	}

	r.count = 0
	r.head = 0
	r.overflow = false
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}
