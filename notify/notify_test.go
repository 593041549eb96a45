package notify

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/godbus/dbus/v5"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/vpn"
)

type fakeBus struct {
	nextID uint32
	err    error
	calls  [][]interface{}
}

func (f *fakeBus) Call(method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	if method != notifyMethod {
		return &dbus.Call{Err: fmt.Errorf("unexpected method %s", method)}
	}
	f.calls = append(f.calls, args)
	if f.err != nil {
		return &dbus.Call{Err: f.err}
	}
	f.nextID++
	return &dbus.Call{Body: []interface{}{f.nextID}}
}

func TestDesktop_Notify(t *testing.T) {
	bus := &fakeBus{}
	d := &Desktop{appName: "test", obj: bus}

	if err := d.Notify("one", "first", common.UrgencyLow); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if err := d.Notify("two", "second", common.UrgencyCritical); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if len(bus.calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(bus.calls))
	}
	first, second := bus.calls[0], bus.calls[1]
	if len(first) != 8 {
		t.Fatalf("Notify args = %d, want 8", len(first))
	}
	if first[1] != uint32(0) {
		t.Errorf("first replaces_id = %v, want 0", first[1])
	}
	if second[1] != uint32(1) {
		t.Errorf("second replaces_id = %v, want 1", second[1])
	}
	if second[2] != "dialog-error" || second[3] != "two" || second[4] != "second" {
		t.Errorf("second call = %v", second)
	}
	hints := second[6].(map[string]dbus.Variant)
	if got := hints["urgency"].Value(); got != byte(common.UrgencyCritical) {
		t.Errorf("urgency hint = %v, want %d", got, common.UrgencyCritical)
	}
}

func TestDesktop_NotifyError(t *testing.T) {
	bus := &fakeBus{err: errors.New("org.freedesktop.DBus.Error.ServiceUnknown")}
	d := &Desktop{obj: bus}
	if err := d.Notify("t", "m", common.UrgencyNormal); err == nil {
		t.Error("Notify() error = nil, want error")
	}
	if d.lastID != 0 {
		t.Errorf("lastID = %d, want 0 after a failure", d.lastID)
	}
}

type memNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (m *memNotifier) Notify(title, _ string, _ common.Urgency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titles = append(m.titles, title)
	return nil
}

func TestObserver_Events(t *testing.T) {
	n := &memNotifier{}
	o := NewObserver(n)

	events := []vpn.Event{
		{Kind: vpn.EventConnecting},
		{Kind: vpn.EventConnected, Mode: vpn.ModeSystemProxy, Address: "127.0.0.1:8086"},
		{Kind: vpn.EventAdvisory, Advisory: &vpn.Advisory{Kind: vpn.AdvisoryPortInUse, Message: "port busy"}},
		{Kind: vpn.EventAdvisory},
		{Kind: vpn.EventDisconnecting},
		{Kind: vpn.EventDisconnecting, Err: common.ErrCancelled},
		{Kind: vpn.EventDisconnecting, Err: common.ErrTimeout},
		{Kind: vpn.EventDisconnected},
		{Kind: vpn.EventExit},
	}
	for _, e := range events {
		o.OnEvent(e)
	}
	o.Close()

	want := []string{"WARP connected", common.AppName, "WARP connection failed", "WARP disconnected"}
	if len(n.titles) != len(want) {
		t.Fatalf("titles = %v, want %v", n.titles, want)
	}
	for i := range want {
		if n.titles[i] != want[i] {
			t.Errorf("titles[%d] = %q, want %q", i, n.titles[i], want[i])
		}
	}
}
