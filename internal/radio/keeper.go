package radio

import "log"

// Radio switches the wireless radio.
type Radio interface {
	Enabled() (bool, error)
	SetEnabled(enabled bool) error
}

// Keeper disables the radio before low power and restores it afterwards,
// remembering across restarts whether it was the one that turned it off.
type Keeper struct {
	radio  Radio
	store  *FlagStore
	logger *log.Logger
}

// NewKeeper creates a radio keeper.
func NewKeeper(radio Radio, store *FlagStore, logger *log.Logger) *Keeper {
	return &Keeper{
		radio:  radio,
		store:  store,
		logger: logger,
	}
}

// Disable turns the radio off if it is on, recording that it did so.
func (k *Keeper) Disable() {
	enabled, err := k.radio.Enabled()
	if err != nil {
		k.logger.Printf("Failed to read radio state, leaving radio untouched: %v", err)
		return
	}

	if enabled != k.store.Load() {
		if err := k.store.Save(enabled); err != nil {
			k.logger.Printf("Failed to persist radio state: %v", err)
		}
	}
	if !enabled {
		return
	}

	if err := k.radio.SetEnabled(false); err != nil {
		k.logger.Printf("Failed to disable radio: %v", err)
		return
	}
	k.logger.Printf("Radio disabled, previous setting saved")
}

// Restore re-enables the radio if Disable turned it off.
func (k *Keeper) Restore() {
	if !k.store.Load() {
		return
	}

	enabled, err := k.radio.Enabled()
	if err != nil {
		k.logger.Printf("Failed to read radio state, not restoring: %v", err)
		return
	}
	if !enabled {
		if err := k.radio.SetEnabled(true); err != nil {
			k.logger.Printf("Failed to enable radio: %v", err)
			return
		}
		k.logger.Printf("Radio enabled to restore the last setting")
	}

	if err := k.store.Save(false); err != nil {
		k.logger.Printf("Failed to persist radio state: %v", err)
	}
}
