package hardware

import (
	"fmt"
	"log"

	"github.com/warthog618/go-gpiocdev"
)

// DisplayLine drives the display power GPIO output
type DisplayLine struct {
	chip   *gpiocdev.Chip
	line   *gpiocdev.Line
	offset int
	logger *log.Logger
	dryRun bool
}

// NewDisplayLine opens chipName and requests offset as an output, initially low
func NewDisplayLine(chipName string, offset int, logger *log.Logger, dryRun bool) (*DisplayLine, error) {
	dl := &DisplayLine{
		offset: offset,
		logger: logger,
		dryRun: dryRun,
	}

	if dryRun {
		return dl, nil
	}

	chip, err := gpiocdev.NewChip(chipName)
	if err != nil {
		return nil, fmt.Errorf("failed to open GPIO chip %s: %w", chipName, err)
	}

	line, err := chip.RequestLine(offset, gpiocdev.AsOutput(0))
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("failed to request display power GPIO %d: %w", offset, err)
	}

	dl.chip = chip
	dl.line = line
	logger.Printf("Initialized display power GPIO line %s:%d", chipName, offset)
	return dl, nil
}

// Set switches display power
func (dl *DisplayLine) Set(on bool) error {
	if dl.dryRun {
		dl.logger.Printf("DRY RUN: Would set display power to %v", on)
		return nil
	}

	value := 0
	if on {
		value = 1
	}

	if err := dl.line.SetValue(value); err != nil {
		return fmt.Errorf("failed to set display power GPIO: %w", err)
	}

	dl.logger.Printf("Set display power to %v (GPIO value: %d)", on, value)
	return nil
}

// Close releases the line and the chip
func (dl *DisplayLine) Close() error {
	if dl.dryRun {
		return nil
	}

	var lastErr error
	if dl.line != nil {
		if err := dl.line.Close(); err != nil {
			dl.logger.Printf("Failed to close display GPIO line: %v", err)
			lastErr = err
		}
	}
	if dl.chip != nil {
		if err := dl.chip.Close(); err != nil {
			dl.logger.Printf("Failed to close GPIO chip: %v", err)
			lastErr = err
		}
	}
	return lastErr
}
