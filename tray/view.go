package tray

import (
	"fmt"
	"time"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/vpn"
)

// view is what the tray shows for one manager snapshot.
type view struct {
	icon          []byte
	tooltip       string
	status        string
	detail        string
	showDetail    bool
	canConnect    bool
	canDisconnect bool
	canChangeMode bool
	uptimeVisible bool
}

func viewFor(s vpn.Snapshot) view {
	v := view{}
	switch s.State {
	case vpn.StateConnected:
		v.icon = iconConnected
		v.status = "●  Connected"
		v.detail = fmt.Sprintf("    %s via %s", s.Address, modeLabel(s.Mode))
		v.showDetail = true
		v.canDisconnect = true
		v.uptimeVisible = true
	case vpn.StateConnecting:
		v.icon = iconBusy
		v.status = "⟳  Connecting..."
		v.detail = fmt.Sprintf("    %s via %s", s.Address, modeLabel(s.Mode))
		v.showDetail = true
		v.canDisconnect = true
	case vpn.StateDisconnecting:
		v.icon = iconBusy
		v.status = "⟳  Disconnecting..."
	default:
		v.icon = iconIdle
		v.status = "○  Not Connected"
		v.canConnect = true
		v.canChangeMode = true
	}
	v.tooltip = fmt.Sprintf("%s - %s", common.AppName, s.State)
	return v
}

func modeLabel(m vpn.Mode) string {
	switch m {
	case vpn.ModeSystemProxy:
		return "System proxy"
	case vpn.ModeVirtualTunnel:
		return "Tunnel (TUN)"
	default:
		return "Direct"
	}
}

// formatUptime renders d as hh:mm:ss.
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
