package hardware

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/librescoot/lifecycle-service/internal/fsm"
)

const (
	halKey          = "power-hal"
	capabilitiesKey = "power-hal:capabilities"
)

// Capabilities describes what the power hardware supports
type Capabilities struct {
	DeepSleepAllowed    bool
	TimedWakeupAllowed  bool
	PowerStateSupported bool
}

// Manager is the controller's view of the power hardware: directives go out
// over Redis, display power over GPIO and brightness over sysfs.
type Manager struct {
	display   *DisplayLine
	backlight *Backlight
	redis     *redis.Client
	logger    *log.Logger
	ctx       context.Context

	mu   sync.RWMutex
	caps Capabilities
}

// Options configures the hardware manager
type Options struct {
	GPIOChip      string
	GPIOLine      int
	BacklightPath string
	Capabilities  Capabilities
	DryRun        bool
}

// NewManager creates a new hardware manager
func NewManager(ctx context.Context, redisClient *redis.Client, logger *log.Logger, opts Options) (*Manager, error) {
	display, err := NewDisplayLine(opts.GPIOChip, opts.GPIOLine, logger, opts.DryRun)
	if err != nil {
		return nil, fmt.Errorf("failed to create display line: %w", err)
	}

	return &Manager{
		display:   display,
		backlight: NewBacklight(opts.BacklightPath, logger, opts.DryRun),
		redis:     redisClient,
		logger:    logger,
		ctx:       ctx,
		caps:      opts.Capabilities,
	}, nil
}

// Report sends a directive to the power hardware interface
func (m *Manager) Report(d fsm.Directive, param int) error {
	pipe := m.redis.Pipeline()
	pipe.HSet(m.ctx, halKey, "report", string(d), "report-param", param)
	pipe.Publish(m.ctx, halKey, "report")
	if _, err := pipe.Exec(m.ctx); err != nil {
		return fmt.Errorf("failed to report %s: %w", d, err)
	}
	return nil
}

// LoadCapabilities overrides the configured capabilities with whatever the
// hardware has published. A missing hash keeps the configured values.
func (m *Manager) LoadCapabilities() error {
	fields, err := m.redis.HGetAll(m.ctx, capabilitiesKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", capabilitiesKey, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps = applyCapabilities(m.caps, fields, m.logger)
	m.logger.Printf("Power hardware capabilities: deep-sleep=%v timed-wakeup=%v power-state=%v",
		m.caps.DeepSleepAllowed, m.caps.TimedWakeupAllowed, m.caps.PowerStateSupported)
	return nil
}

func applyCapabilities(caps Capabilities, fields map[string]string, logger *log.Logger) Capabilities {
	for name, raw := range fields {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			logger.Printf("Ignoring capability %s=%q: %v", name, raw, err)
			continue
		}
		switch name {
		case "deep-sleep":
			caps.DeepSleepAllowed = v
		case "timed-wakeup":
			caps.TimedWakeupAllowed = v
		case "power-state":
			caps.PowerStateSupported = v
		default:
			logger.Printf("Unknown capability %s", name)
		}
	}
	return caps
}

func (m *Manager) capabilities() Capabilities {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.caps
}

func (m *Manager) DeepSleepAllowed() bool    { return m.capabilities().DeepSleepAllowed }
func (m *Manager) TimedWakeupAllowed() bool  { return m.capabilities().TimedWakeupAllowed }
func (m *Manager) PowerStateSupported() bool { return m.capabilities().PowerStateSupported }

// SetDisplayOn controls display power
func (m *Manager) SetDisplayOn(on bool) error {
	return m.display.Set(on)
}

// SetBrightness applies a brightness change from the hardware
func (m *Manager) SetBrightness(brightness int) error {
	return m.backlight.Set(brightness)
}

// RefreshBrightness reports the current backlight level to the hardware,
// which may have lost it while asleep.
func (m *Manager) RefreshBrightness() error {
	brightness, err := m.backlight.Get()
	if err != nil {
		return err
	}
	return m.Report(fsm.DirectiveDisplayBrightness, brightness)
}

// Close releases all hardware resources
func (m *Manager) Close() error {
	return m.display.Close()
}
