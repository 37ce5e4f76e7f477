package radio

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Persisted flag values
const (
	ValueForciblyDisabled = "forcibly_disabled"
	ValueOriginal         = "original"
)

// StateFileName is the flag file name inside the state directory.
const StateFileName = "radio_state"

// FlagStore persists whether the radio was forcibly disabled by the service.
type FlagStore struct {
	path   string
	logger *log.Logger
}

// NewFlagStore creates a store backed by path.
func NewFlagStore(path string, logger *log.Logger) *FlagStore {
	return &FlagStore{
		path:   path,
		logger: logger,
	}
}

// Load reports whether the radio was forcibly disabled. A missing or
// unreadable file counts as false. Unrecognized content is removed.
func (s *FlagStore) Load() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("Failed to read radio state: %v", err)
		}
		return false
	}

	line, _, _ := strings.Cut(string(data), "\n")
	switch strings.TrimSpace(line) {
	case ValueForciblyDisabled:
		return true
	case ValueOriginal:
		return false
	}

	s.logger.Printf("Invalid radio state %q, removing %s", line, s.path)
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Printf("Failed to remove radio state: %v", err)
	}
	return false
}

// Save writes the flag atomically. On failure the previous value is left in
// place.
func (s *FlagStore) Save(forciblyDisabled bool) error {
	value := ValueOriginal
	if forciblyDisabled {
		value = ValueForciblyDisabled
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if _, err := tmp.WriteString(value + "\n"); err != nil {
		return fail(fmt.Errorf("failed to write radio state: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync radio state: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close radio state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace radio state: %w", err)
	}
	return nil
}
