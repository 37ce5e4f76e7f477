package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinShutdownPrepareTime is the floor applied to ShutdownPrepareTime.
	MinShutdownPrepareTime = 15 * time.Minute
	// MaxSuspendWait is the upper bound applied to MaxSuspendWait.
	MaxSuspendWait = 3 * time.Minute
)

type Config struct {
	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`

	SocketPath            string `yaml:"socket_path"`
	AllowRemoteCompletion bool   `yaml:"allow_remote_completion"`
	StateDir              string `yaml:"state_dir"`

	ShutdownPollingInterval    time.Duration `yaml:"shutdown_polling_interval"`
	ShutdownPrepareTime        time.Duration `yaml:"shutdown_prepare_time"`
	GarageModeDurationOverride time.Duration `yaml:"garage_mode_duration_override"`
	MaxSuspendWait             time.Duration `yaml:"max_suspend_wait"`

	DisableUserSwitchDuringResume bool `yaml:"disable_user_switch_during_resume"`

	DeepSleepAllowed    bool `yaml:"deep_sleep_allowed"`
	TimedWakeupAllowed  bool `yaml:"timed_wakeup_allowed"`
	PowerStateSupported bool `yaml:"power_state_supported"`

	DisplayGPIOChip string `yaml:"display_gpio_chip"`
	DisplayGPIOLine int    `yaml:"display_gpio_line"`
	BacklightPath   string `yaml:"backlight_path"`

	MQTTBroker  string `yaml:"mqtt_broker"`
	JournalPath string `yaml:"journal_path"`

	DryRun bool `yaml:"dry_run"`
	Debug  bool `yaml:"debug"`

	ConfigFile  string `yaml:"-"`
	ShowVersion bool   `yaml:"-"`
}

func New() *Config {
	return &Config{
		RedisHost:                  "localhost",
		RedisPort:                  6379,
		SocketPath:                 "/tmp/lifecycle_listener",
		AllowRemoteCompletion:      false,
		StateDir:                   "/var/lib/lifecycle-service",
		ShutdownPollingInterval:    2 * time.Second,
		ShutdownPrepareTime:        MinShutdownPrepareTime,
		GarageModeDurationOverride: -1,
		MaxSuspendWait:             MaxSuspendWait,
		DeepSleepAllowed:           true,
		TimedWakeupAllowed:         true,
		PowerStateSupported:        true,
		DisplayGPIOChip:            "gpiochip0",
		DisplayGPIOLine:            50, // GPIO 1:18
		BacklightPath:              "/sys/class/backlight/backlight/brightness",
		DryRun:                     false,
	}
}

func (c *Config) flagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("lifecycle-service", flag.ContinueOnError)

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "Path to a YAML configuration file")
	fs.BoolVar(&c.ShowVersion, "version", c.ShowVersion, "Print version and exit")

	fs.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis host")
	fs.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")

	fs.StringVar(&c.SocketPath, "socket-path", c.SocketPath,
		"Path for the Unix domain socket for power state listeners")
	fs.BoolVar(&c.AllowRemoteCompletion, "allow-remote-completion", c.AllowRemoteCompletion,
		"Allow socket clients to register as completion listeners")
	fs.StringVar(&c.StateDir, "state-dir", c.StateDir, "Directory for persisted state")

	fs.DurationVar(&c.ShutdownPollingInterval, "shutdown-polling-interval", c.ShutdownPollingInterval,
		"Interval between shutdown postpone hints")
	fs.DurationVar(&c.ShutdownPrepareTime, "shutdown-prepare-time", c.ShutdownPrepareTime,
		"Maximum time spent in shutdown preparation (at least 15m)")
	fs.DurationVar(&c.GarageModeDurationOverride, "garage-mode-duration", c.GarageModeDurationOverride,
		"Override the shutdown preparation budget (debug only, negative disables)")
	fs.DurationVar(&c.MaxSuspendWait, "max-suspend-wait", c.MaxSuspendWait,
		"Maximum time spent retrying deep sleep before shutting down (0-3m)")

	fs.BoolVar(&c.DisableUserSwitchDuringResume, "disable-user-switch-during-resume", c.DisableUserSwitchDuringResume,
		"Do not allow a user switch when becoming active after resume")

	fs.BoolVar(&c.DeepSleepAllowed, "deep-sleep-allowed", c.DeepSleepAllowed,
		"Hardware allows deep sleep")
	fs.BoolVar(&c.TimedWakeupAllowed, "timed-wakeup-allowed", c.TimedWakeupAllowed,
		"Hardware allows timed wakeup")
	fs.BoolVar(&c.PowerStateSupported, "power-state-supported", c.PowerStateSupported,
		"Hardware reports power states (start by waiting for hardware)")

	fs.StringVar(&c.DisplayGPIOChip, "display-gpio-chip", c.DisplayGPIOChip, "GPIO chip for display power")
	fs.IntVar(&c.DisplayGPIOLine, "display-gpio-line", c.DisplayGPIOLine, "GPIO line offset for display power")
	fs.StringVar(&c.BacklightPath, "backlight-path", c.BacklightPath, "Sysfs backlight brightness file")

	fs.StringVar(&c.MQTTBroker, "mqtt-broker", c.MQTTBroker,
		"MQTT broker URL for telemetry (empty disables)")
	fs.StringVar(&c.JournalPath, "journal-path", c.JournalPath,
		"SQLite transition journal (empty disables)")

	fs.BoolVar(&c.DryRun, "dry-run", c.DryRun,
		"Dry run state (don't actually issue power state changes)")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging and overrides")

	return fs
}

// Parse applies defaults, then the --config file if given, then flags.
func (c *Config) Parse(args []string) error {
	if err := c.flagSet().Parse(args); err != nil {
		return err
	}

	if c.ConfigFile != "" {
		if err := c.LoadFile(c.ConfigFile); err != nil {
			return err
		}
		// Flags win over the file.
		if err := c.flagSet().Parse(args); err != nil {
			return err
		}
	}

	c.Normalize()
	return nil
}

// LoadFile merges a YAML file into c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// Normalize clamps timing values to their allowed ranges.
func (c *Config) Normalize() {
	if c.ShutdownPollingInterval <= 0 {
		c.ShutdownPollingInterval = 2 * time.Second
	}
	if c.ShutdownPrepareTime < MinShutdownPrepareTime {
		c.ShutdownPrepareTime = MinShutdownPrepareTime
	}
	if c.MaxSuspendWait < 0 {
		c.MaxSuspendWait = 0
	}
	if c.MaxSuspendWait > MaxSuspendWait {
		c.MaxSuspendWait = MaxSuspendWait
	}
}

// ShutdownBudget returns the shutdown preparation budget, honouring the
// debug override.
func (c *Config) ShutdownBudget() time.Duration {
	if c.Debug && c.GarageModeDurationOverride >= 0 {
		return c.GarageModeDurationOverride
	}
	return c.ShutdownPrepareTime
}

// RadioStatePath is the radio flag file location.
func (c *Config) RadioStatePath() string {
	return filepath.Join(c.StateDir, "radio_state")
}
