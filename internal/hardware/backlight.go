package hardware

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Backlight reads and writes the sysfs display brightness as a percentage
type Backlight struct {
	logger  *log.Logger
	dryRun  bool
	path    string
	maxPath string
	current int
}

// NewBacklight creates a backlight for the brightness file at path. The
// maximum is read from max_brightness next to it.
func NewBacklight(path string, logger *log.Logger, dryRun bool) *Backlight {
	return &Backlight{
		logger:  logger,
		dryRun:  dryRun,
		path:    path,
		maxPath: filepath.Join(filepath.Dir(path), "max_brightness"),
		current: 100,
	}
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func (b *Backlight) maxBrightness() (int, error) {
	n, err := readInt(b.maxPath)
	if err != nil {
		return 0, fmt.Errorf("failed to read max brightness: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid max brightness %d", n)
	}
	return n, nil
}

// Set writes percent (clamped to 0-100) to the backlight
func (b *Backlight) Set(percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	if b.dryRun {
		b.logger.Printf("DRY RUN: Would set display brightness to %d%%", percent)
		b.current = percent
		return nil
	}

	maxRaw, err := b.maxBrightness()
	if err != nil {
		return err
	}

	raw := percent * maxRaw / 100
	if err := os.WriteFile(b.path, []byte(strconv.Itoa(raw)), 0644); err != nil {
		return fmt.Errorf("failed to set brightness to %d: %w", raw, err)
	}

	b.current = percent
	b.logger.Printf("Set display brightness to %d%% (raw %d/%d)", percent, raw, maxRaw)
	return nil
}

// Get returns the current brightness in percent
func (b *Backlight) Get() (int, error) {
	if b.dryRun {
		return b.current, nil
	}

	maxRaw, err := b.maxBrightness()
	if err != nil {
		return 0, err
	}
	raw, err := readInt(b.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read brightness: %w", err)
	}

	b.current = raw * 100 / maxRaw
	return b.current, nil
}
