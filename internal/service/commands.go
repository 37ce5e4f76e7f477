package service

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// commandTarget is the set of operational entry points on the controller.
type commandTarget interface {
	ForceSimulatedResume()
	ForceSuspendAndMaybeReboot(reboot bool)
	PowerOffFromCommand(skipGarageMode, shutdown bool)
	RequestShutdownOnNextSuspend()
	ScheduleNextWakeupTime(seconds int)
	OnDisplayBrightnessChange(brightness int)
}

// handleCommand dispatches one request from lifecycle:command.
func handleCommand(c commandTarget, logger *log.Logger, command string) error {
	command = strings.TrimSpace(command)
	logger.Printf("Received lifecycle command: %s", command)

	name, arg, _ := strings.Cut(command, ":")
	switch name {
	case "resume":
		c.ForceSimulatedResume()
	case "suspend":
		c.ForceSuspendAndMaybeReboot(false)
	case "garage-mode-reboot":
		c.ForceSuspendAndMaybeReboot(true)
	case "power-off":
		var skipGarageMode, shutdown bool
		if arg != "" {
			for _, opt := range strings.Split(arg, ":") {
				switch opt {
				case "skip-garage":
					skipGarageMode = true
				case "shutdown":
					shutdown = true
				default:
					return fmt.Errorf("unknown power-off option: %s", opt)
				}
			}
		}
		c.PowerOffFromCommand(skipGarageMode, shutdown)
	case "shutdown-on-next-suspend":
		c.RequestShutdownOnNextSuspend()
	case "wakeup":
		seconds, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid wakeup time %q: %w", arg, err)
		}
		c.ScheduleNextWakeupTime(seconds)
	case "brightness":
		brightness, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("invalid brightness %q: %w", arg, err)
		}
		c.OnDisplayBrightnessChange(brightness)
	default:
		logger.Printf("Unknown lifecycle command: %s", command)
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}
