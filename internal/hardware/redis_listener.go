package hardware

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/lifecycle-service/internal/fsm"
)

const requestsKey = "power-hal:requests"

// RequestSink receives parsed power state requests
type RequestSink interface {
	OnApPowerStateChange(state fsm.PowerState)
}

// RedisListener pops power state requests sent by the power hardware
type RedisListener struct {
	redis  *redis.Client
	sink   RequestSink
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRedisListener creates a new Redis listener for hardware requests
func NewRedisListener(ctx context.Context, redisClient *redis.Client, sink RequestSink, logger *log.Logger) *RedisListener {
	listenerCtx, cancel := context.WithCancel(ctx)
	return &RedisListener{
		redis:  redisClient,
		sink:   sink,
		logger: logger,
		ctx:    listenerCtx,
		cancel: cancel,
	}
}

// Start begins listening for requests
func (rl *RedisListener) Start() {
	go rl.listen()
}

// Stop stops the listener
func (rl *RedisListener) Stop() {
	rl.cancel()
}

func (rl *RedisListener) listen() {
	for {
		select {
		case <-rl.ctx.Done():
			return
		default:
			result, err := rl.redis.BRPop(rl.ctx, time.Second, requestsKey).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if errors.Is(err, context.Canceled) || rl.ctx.Err() != nil {
					return
				}
				rl.logger.Printf("Error reading from %s: %v", requestsKey, err)
				time.Sleep(time.Second)
				continue
			}

			if len(result) != 2 {
				continue
			}

			rl.handleRequest(result[1])
		}
	}
}

func (rl *RedisListener) handleRequest(raw string) {
	rl.logger.Printf("Received power hardware request: %s", raw)

	state := fsm.ParseHardwareRequest(raw)
	if state.IsNone() {
		rl.logger.Printf("Invalid power hardware request: %q", raw)
	}
	// The neutral state is still passed on; the controller rejects it.
	rl.sink.OnApPowerStateChange(state)
}
