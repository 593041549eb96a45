// Package tray provides the system tray indicator for WARP Manager.
// The indicator follows the manager through its observer events and
// offers connect, disconnect, mode selection and quit.
package tray

import (
	"context"
	"errors"
	"time"

	"fyne.io/systray"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/settings"
	"github.com/yllada/warp-manager/vpn"
)

// Controller is the part of vpn.Manager the tray drives.
type Controller interface {
	Connect(ctx context.Context, req vpn.ConnectRequest) error
	Disconnect(ctx context.Context) error
	DisconnectAndExit(ctx context.Context) error
	Status() vpn.Snapshot
}

// Indicator manages the tray icon and menu.
type Indicator struct {
	ctrl     Controller
	settings common.SettingsStore
	timeout  time.Duration
	onQuit   func()

	refresh chan struct{}
	advice  chan string
	stop    chan struct{}

	statusItem     *systray.MenuItem
	detailItem     *systray.MenuItem
	uptimeItem     *systray.MenuItem
	adviceItem     *systray.MenuItem
	connectItem    *systray.MenuItem
	disconnectItem *systray.MenuItem
	modeItems      map[vpn.Mode]*systray.MenuItem
}

// New creates an indicator. timeout bounds each connect or disconnect
// started from the menu; onQuit runs after the tray has gone.
func New(ctrl Controller, store common.SettingsStore, timeout time.Duration, onQuit func()) *Indicator {
	return &Indicator{
		ctrl:      ctrl,
		settings:  store,
		timeout:   timeout,
		onQuit:    onQuit,
		refresh:   make(chan struct{}, 1),
		advice:    make(chan string, 1),
		stop:      make(chan struct{}),
		modeItems: make(map[vpn.Mode]*systray.MenuItem),
	}
}

// Run shows the indicator and blocks until Quit.
func (t *Indicator) Run() {
	systray.Run(t.onReady, t.onExit)
}

// OnEvent implements vpn.Observer. It only schedules a redraw so the
// manager loop is never blocked by the tray.
func (t *Indicator) OnEvent(e vpn.Event) {
	if e.Kind == vpn.EventAdvisory && e.Advisory != nil {
		// Only the latest advisory is shown
		select {
		case <-t.advice:
		default:
		}
		select {
		case t.advice <- e.Advisory.Message:
		default:
		}
	}
	select {
	case t.refresh <- struct{}{}:
	default:
	}
}

func (t *Indicator) onReady() {
	systray.SetIcon(iconIdle)
	systray.SetTitle("WARP")
	systray.SetTooltip(common.AppName)

	t.statusItem = systray.AddMenuItem("○  Not Connected", "Current WARP status")
	t.statusItem.Disable()
	t.detailItem = systray.AddMenuItem("", "Local endpoint")
	t.detailItem.Disable()
	t.detailItem.Hide()
	t.uptimeItem = systray.AddMenuItem("", "Connection duration")
	t.uptimeItem.Disable()
	t.uptimeItem.Hide()
	t.adviceItem = systray.AddMenuItem("", "Last warning")
	t.adviceItem.Disable()
	t.adviceItem.Hide()

	systray.AddSeparator()

	t.connectItem = systray.AddMenuItem("Connect", "Start WARP")
	t.disconnectItem = systray.AddMenuItem("Disconnect", "Stop WARP and restore the network")
	t.disconnectItem.Hide()

	systray.AddSeparator()

	modeMenu := systray.AddMenuItem("Proxy mode", "How traffic reaches WARP")
	for _, m := range []vpn.Mode{vpn.ModeDirect, vpn.ModeSystemProxy, vpn.ModeVirtualTunnel} {
		item := modeMenu.AddSubMenuItemCheckbox(modeLabel(m), "", false)
		t.modeItems[m] = item
	}
	for m, item := range t.modeItems {
		go t.watchMode(m, item)
	}
	t.syncModeChecks()

	systray.AddSeparator()
	quitItem := systray.AddMenuItem("Quit", "Disconnect and close WARP Manager")

	go t.loop(quitItem)
	t.render()
}

func (t *Indicator) onExit() {
	close(t.stop)
	common.LogInfo("Tray: indicator closed")
	if t.onQuit != nil {
		t.onQuit()
	}
}

func (t *Indicator) loop(quitItem *systray.MenuItem) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-t.refresh:
			t.render()
		case msg := <-t.advice:
			t.adviceItem.SetTitle("⚠  " + msg)
			t.adviceItem.Show()
		case <-ticker.C:
			if s := t.ctrl.Status(); s.State == vpn.StateConnected {
				t.uptimeItem.SetTitle("    ⏱ Uptime: " + formatUptime(s.Uptime()))
			}
		case <-t.connectItem.ClickedCh:
			t.adviceItem.Hide()
			go t.connect()
		case <-t.disconnectItem.ClickedCh:
			go t.disconnect()
		case <-quitItem.ClickedCh:
			go t.quit()
		}
	}
}

func (t *Indicator) render() {
	v := viewFor(t.ctrl.Status())
	systray.SetIcon(v.icon)
	systray.SetTooltip(v.tooltip)
	t.statusItem.SetTitle(v.status)

	t.detailItem.SetTitle(v.detail)
	setVisible(t.detailItem, v.showDetail)
	setVisible(t.uptimeItem, v.uptimeVisible)
	if v.uptimeVisible {
		t.uptimeItem.SetTitle("    ⏱ Uptime: " + formatUptime(t.ctrl.Status().Uptime()))
	}
	setVisible(t.connectItem, v.canConnect)
	setVisible(t.disconnectItem, v.canDisconnect)

	for _, item := range t.modeItems {
		if v.canChangeMode {
			item.Enable()
		} else {
			item.Disable()
		}
	}
}

func (t *Indicator) connect() {
	req, err := vpn.RequestFromSettings(t.settings)
	if err != nil {
		common.LogError("Tray: invalid settings: %v", err)
		t.OnEvent(vpn.Event{Kind: vpn.EventAdvisory, Advisory: &vpn.Advisory{Message: err.Error()}})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.ctrl.Connect(ctx, req); err != nil && !errors.Is(err, common.ErrCancelled) {
		common.LogWarn("Tray: connect failed: %v", err)
	}
}

func (t *Indicator) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.ctrl.Disconnect(ctx); err != nil {
		common.LogWarn("Tray: disconnect failed: %v", err)
	}
}

func (t *Indicator) quit() {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()
	if err := t.ctrl.DisconnectAndExit(ctx); err != nil {
		common.LogWarn("Tray: disconnect on quit: %v", err)
	}
	systray.Quit()
}

func (t *Indicator) watchMode(m vpn.Mode, item *systray.MenuItem) {
	for {
		select {
		case <-t.stop:
			return
		case <-item.ClickedCh:
			if err := t.settings.Set(common.KeyProxyMode, m.String()); err != nil {
				common.LogError("Tray: saving proxy mode: %v", err)
				continue
			}
			common.LogInfo("Tray: proxy mode set to %s", m)
			t.syncModeChecks()
		}
	}
}

func (t *Indicator) syncModeChecks() {
	current, err := vpn.ParseMode(settings.String(t.settings, common.KeyProxyMode, common.DefaultProxyMode))
	if err != nil {
		current = vpn.ModeSystemProxy
	}
	for m, item := range t.modeItems {
		if m == current {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

func setVisible(item *systray.MenuItem, visible bool) {
	if visible {
		item.Show()
	} else {
		item.Hide()
	}
}

// Quit closes a running indicator from outside the menu.
func Quit() {
	systray.Quit()
}
