package service

import (
	"fmt"
	"log"

	redis_ipc "github.com/rescoot/redis-ipc"

	"github.com/librescoot/lifecycle-service/internal/fsm"
)

// redisWriter is the subset of Redis writes the adapters below need.
type redisWriter interface {
	// SetAndPublish sets field in the hash at key and publishes field on the
	// channel of the same name, atomically.
	SetAndPublish(key, field, value string) error
	LPush(key, value string) error
}

type ipcWriter struct {
	client *redis_ipc.Client
}

func (w ipcWriter) SetAndPublish(key, field, value string) error {
	tx := w.client.NewTxGroup(key)
	tx.Add("HSET", key, field, value)
	tx.Add("PUBLISH", key, field)
	_, err := tx.Exec()
	return err
}

func (w ipcWriter) LPush(key, value string) error {
	_, err := w.client.LPush(key, value)
	return err
}

// statePublisher mirrors every broadcast phase into the power-manager hash.
type statePublisher struct {
	redis  redisWriter
	logger *log.Logger
}

func (p *statePublisher) Token() string { return "state-publisher" }

func (p *statePublisher) OnStateChanged(phase fsm.ListenerPhase) error {
	p.logger.Printf("Publishing power state: %s", phase)

	if err := p.redis.SetAndPublish("power-manager", "state", string(phase)); err != nil {
		return fmt.Errorf("failed to publish power state: %w", err)
	}
	return nil
}

// sessionClient asks the session service to initialize the user session.
type sessionClient struct {
	redis redisWriter
}

func (c *sessionClient) InitializeSession(allowUserSwitch bool) error {
	command := "init"
	if !allowUserSwitch {
		command = "init:no-user-switch"
	}
	if err := c.redis.LPush("scooter:session", command); err != nil {
		return fmt.Errorf("failed to request session %s: %w", command, err)
	}
	return nil
}

// voiceClient toggles voice interaction on the voice service.
type voiceClient struct {
	redis redisWriter
}

func (c *voiceClient) SetVoiceInteractionDisabled(disabled bool) error {
	command := "enable"
	if disabled {
		command = "disable"
	}
	if err := c.redis.LPush("scooter:voice", command); err != nil {
		return fmt.Errorf("failed to %s voice interaction: %w", command, err)
	}
	return nil
}
