package systemd

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

const powerStatePath = "/sys/power/state"

// Client issues OS power transitions.
type Client struct {
	logger    *log.Logger
	dryRun    bool
	statePath string
}

func NewClient(logger *log.Logger, dryRun bool) (*Client, error) {
	return &Client{
		logger:    logger,
		dryRun:    dryRun,
		statePath: powerStatePath,
	}, nil
}

func (c *Client) IssueCommand(command string) error {
	var cmd *exec.Cmd
	switch command {
	case "poweroff":
		cmd = exec.Command("systemctl", "poweroff")
	case "reboot":
		cmd = exec.Command("systemctl", "reboot")
	default:
		return fmt.Errorf("unsupported command: %s", command)
	}

	if c.dryRun {
		c.logger.Printf("[DRY RUN] Would run systemctl %s", command)
		return nil
	}

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to execute %s: %w", command, err)
	}

	return nil
}

// Shutdown powers the system off.
func (c *Client) Shutdown() error {
	return c.IssueCommand("poweroff")
}

// Reboot restarts the system.
func (c *Client) Reboot() error {
	return c.IssueCommand("reboot")
}

// SupportsDeepSleep reports whether the kernel offers suspend-to-RAM.
func (c *Client) SupportsDeepSleep() bool {
	if c.dryRun {
		return true
	}
	data, err := os.ReadFile(c.statePath)
	if err != nil {
		c.logger.Printf("Failed to read %s: %v", c.statePath, err)
		return false
	}
	for _, s := range strings.Fields(string(data)) {
		if s == "mem" {
			return true
		}
	}
	return false
}

// EnterDeepSleep suspends to RAM. The write blocks until the system has
// resumed, and fails if a driver refused to suspend.
func (c *Client) EnterDeepSleep() error {
	if c.dryRun {
		c.logger.Printf("[DRY RUN] Would write mem to %s", c.statePath)
		return nil
	}
	if err := os.WriteFile(c.statePath, []byte("mem"), 0644); err != nil {
		return fmt.Errorf("failed to enter deep sleep: %w", err)
	}
	return nil
}

func (c *Client) Close() error {
	return nil
}
