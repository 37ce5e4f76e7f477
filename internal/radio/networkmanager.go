package radio

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	nmService   = "org.freedesktop.NetworkManager"
	nmPath      = dbus.ObjectPath("/org/freedesktop/NetworkManager")
	nmInterface = "org.freedesktop.NetworkManager"
	nmProperty  = "WirelessEnabled"
	propsGet    = "org.freedesktop.DBus.Properties.Get"
	propsSet    = "org.freedesktop.DBus.Properties.Set"
	dbusTimeout = 5 * time.Second
)

// NetworkManager controls the radio through NetworkManager's
// WirelessEnabled property on the system bus.
type NetworkManager struct {
	conn   *dbus.Conn
	logger *log.Logger
}

// NewNetworkManager connects to the system bus.
func NewNetworkManager(logger *log.Logger) (*NetworkManager, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &NetworkManager{
		conn:   conn,
		logger: logger,
	}, nil
}

func (n *NetworkManager) Enabled() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbusTimeout)
	defer cancel()

	var variant dbus.Variant
	obj := n.conn.Object(nmService, nmPath)
	if err := obj.CallWithContext(ctx, propsGet, 0, nmInterface, nmProperty).Store(&variant); err != nil {
		return false, fmt.Errorf("get %s: %w", nmProperty, err)
	}
	enabled, ok := variant.Value().(bool)
	if !ok {
		return false, errors.New("WirelessEnabled is not a bool")
	}
	return enabled, nil
}

func (n *NetworkManager) SetEnabled(enabled bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbusTimeout)
	defer cancel()

	obj := n.conn.Object(nmService, nmPath)
	call := obj.CallWithContext(ctx, propsSet, 0, nmInterface, nmProperty, dbus.MakeVariant(enabled))
	if call.Err != nil {
		return fmt.Errorf("set %s: %w", nmProperty, call.Err)
	}
	n.logger.Printf("Set wireless radio enabled=%v", enabled)
	return nil
}

func (n *NetworkManager) Close() error {
	return n.conn.Close()
}

// DryRun only logs radio changes and keeps the state in memory.
type DryRun struct {
	logger  *log.Logger
	enabled bool
}

// NewDryRun creates a dry-run radio that starts enabled.
func NewDryRun(logger *log.Logger) *DryRun {
	return &DryRun{logger: logger, enabled: true}
}

func (d *DryRun) Enabled() (bool, error) {
	return d.enabled, nil
}

func (d *DryRun) SetEnabled(enabled bool) error {
	d.logger.Printf("DRY RUN: Would set wireless radio enabled=%v", enabled)
	d.enabled = enabled
	return nil
}
