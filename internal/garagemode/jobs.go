package garagemode

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// JobsHashKey holds one field per deferred job, JSON encoded
	JobsHashKey = "garage-mode:jobs"
	// JobsChannel carries add:<id> and remove:<id> notifications
	JobsChannel = "garage-mode:jobs"
)

// JobData represents a deferred job as stored in Redis
type JobData struct {
	ID       string `json:"id"`
	Who      string `json:"who"`
	What     string `json:"what"`
	Duration int64  `json:"duration"`
	Created  int64  `json:"created"`
}

type jobEntry struct {
	JobData
	seq   uint64
	timer *time.Timer
}

// jobSet tracks the pending jobs and signals every change
type jobSet struct {
	mutex   sync.RWMutex
	jobs    map[string]*jobEntry
	seq     uint64
	changed chan struct{}
}

func newJobSet() *jobSet {
	return &jobSet{
		jobs:    make(map[string]*jobEntry),
		changed: make(chan struct{}, 1),
	}
}

func (s *jobSet) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *jobSet) add(job JobData) bool {
	return s.addExpiring(job, 0, nil)
}

// addExpiring adds job and removes it again after ttl unless it was removed
// first. onExpire runs after such a removal. A ttl of zero never expires.
func (s *jobSet) addExpiring(job JobData, ttl time.Duration, onExpire func(id string)) bool {
	s.mutex.Lock()
	if _, exists := s.jobs[job.ID]; exists {
		s.mutex.Unlock()
		return false
	}
	s.seq++
	entry := &jobEntry{JobData: job, seq: s.seq}
	if ttl > 0 {
		id, seq := job.ID, entry.seq
		entry.timer = time.AfterFunc(ttl, func() {
			if s.expire(id, seq) && onExpire != nil {
				onExpire(id)
			}
		})
	}
	s.jobs[job.ID] = entry
	s.mutex.Unlock()
	s.notify()
	return true
}

// expire removes id only if it is still the entry the timer was armed for.
func (s *jobSet) expire(id string, seq uint64) bool {
	s.mutex.Lock()
	entry, exists := s.jobs[id]
	if !exists || entry.seq != seq {
		s.mutex.Unlock()
		return false
	}
	delete(s.jobs, id)
	s.mutex.Unlock()
	s.notify()
	return true
}

func (s *jobSet) remove(id string) bool {
	s.mutex.Lock()
	entry, exists := s.jobs[id]
	if !exists {
		s.mutex.Unlock()
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.jobs, id)
	s.mutex.Unlock()
	s.notify()
	return true
}

func (s *jobSet) stopTimers() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, entry := range s.jobs {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
}

func (s *jobSet) has(id string) bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *jobSet) ids() []string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of pending jobs
func (s *jobSet) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.jobs)
}

// Changed fires after the job set changed
func (s *jobSet) Changed() <-chan struct{} {
	return s.changed
}

// JobMonitor mirrors the deferred job hash from Redis
type JobMonitor struct {
	*jobSet

	client *redis.Client
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobMonitor creates a job monitor on an existing Redis client
func NewJobMonitor(ctx context.Context, client *redis.Client, logger *log.Logger) *JobMonitor {
	monitorCtx, cancel := context.WithCancel(ctx)
	return &JobMonitor{
		jobSet: newJobSet(),
		client: client,
		logger: logger,
		ctx:    monitorCtx,
		cancel: cancel,
	}
}

// Start subscribes to job notifications and starts the hash monitor
func (m *JobMonitor) Start() error {
	pubsub := m.client.Subscribe(m.ctx, JobsChannel)
	if _, err := pubsub.Receive(m.ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", JobsChannel, err)
	}
	m.logger.Printf("Subscribed to Redis channel: %s", JobsChannel)

	m.wg.Add(2)
	go m.channelListener(pubsub)
	go m.hashFieldMonitor()
	return nil
}

func (m *JobMonitor) channelListener(pubsub *redis.PubSub) {
	defer m.wg.Done()
	defer pubsub.Close()

	channel := pubsub.Channel()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg, ok := <-channel:
			if !ok || msg == nil {
				log.Fatalf("Redis connection lost, exiting to allow systemd restart")
			}

			action, id, found := strings.Cut(msg.Payload, ":")
			if !found {
				m.logger.Printf("Invalid garage mode job message format: %s", msg.Payload)
				continue
			}

			switch action {
			case "add":
				m.handleAdd(id)
			case "remove":
				m.handleRemove(id)
			default:
				m.logger.Printf("Unknown garage mode job action: %s", action)
			}
		}
	}
}

func (m *JobMonitor) hashFieldMonitor() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			jobs, err := m.client.HGetAll(m.ctx, JobsHashKey).Result()
			if err != nil {
				m.logger.Printf("Error getting garage mode jobs from Redis: %v", err)
				continue
			}

			for id := range jobs {
				if !m.has(id) {
					m.handleAdd(id)
				}
			}
			for _, id := range m.ids() {
				if _, exists := jobs[id]; !exists {
					m.handleRemove(id)
				}
			}
		}
	}
}

func (m *JobMonitor) handleAdd(id string) {
	raw, err := m.client.HGet(m.ctx, JobsHashKey, id).Result()
	if err != nil {
		m.logger.Printf("Error getting job data for %s: %v", id, err)
		return
	}

	var job JobData
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		m.logger.Printf("Error parsing job data for %s: %v", id, err)
		return
	}
	job.ID = id

	ttl := time.Duration(job.Duration) * time.Second
	if !m.addExpiring(job, ttl, m.handleExpired) {
		return
	}
	m.logger.Printf("Garage mode job added: %s (%s) by %s", id, job.What, job.Who)
}

func (m *JobMonitor) handleExpired(id string) {
	m.logger.Printf("Garage mode job expired: %s", id)
}

func (m *JobMonitor) handleRemove(id string) {
	if m.ctx.Err() != nil {
		return
	}
	if m.remove(id) {
		m.logger.Printf("Garage mode job removed: %s", id)
	}
}

// Stop stops monitoring
func (m *JobMonitor) Stop() {
	m.cancel()
	m.wg.Wait()
	m.stopTimers()
}
