// Package notify sends desktop notifications through the
// org.freedesktop.Notifications D-Bus service.
package notify

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/warp-manager/common"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod = notifyDest + ".Notify"

	// expireDefault lets the notification server choose the timeout.
	expireDefault = int32(-1)
)

// caller is the part of dbus.BusObject used here.
type caller interface {
	Call(method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Desktop is a common.Notifier backed by the session bus. Successive
// notifications replace each other so state changes do not pile up.
type Desktop struct {
	appName string
	conn    *dbus.Conn
	obj     caller

	mu     sync.Mutex
	lastID uint32
}

// New connects to the session bus.
func New() (*Desktop, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: session bus: %v", common.ErrUnsupported, err)
	}
	return &Desktop{
		appName: common.AppName,
		conn:    conn,
		obj:     conn.Object(notifyDest, notifyPath),
	}, nil
}

// Notify implements common.Notifier.
func (d *Desktop) Notify(title, message string, urgency common.Urgency) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(urgency)),
	}
	call := d.obj.Call(notifyMethod, 0,
		d.appName,
		d.lastID,
		iconFor(urgency),
		title,
		message,
		[]string{},
		hints,
		expireDefault,
	)
	var id uint32
	if err := call.Store(&id); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	d.lastID = id
	return nil
}

// Close releases the bus connection.
func (d *Desktop) Close() error {
	if d.conn == nil {
		return nil
	}
	return d.conn.Close()
}

func iconFor(u common.Urgency) string {
	switch u {
	case common.UrgencyCritical:
		return "dialog-error"
	case common.UrgencyNormal:
		return "dialog-warning"
	default:
		return "network-vpn"
	}
}
