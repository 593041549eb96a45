// Package sysproxy points the GNOME desktop proxy settings at the local
// warp-plus endpoint. It drives the gsettings tool through a Runner so
// tests can record the calls instead of touching the desktop.
package sysproxy

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os/exec"
	"strings"
	"sync"

	"github.com/yllada/warp-manager/common"
)

const (
	gsettingsBinary = "gsettings"
	proxySchema     = "org.gnome.system.proxy"
)

// DefaultIgnoreHosts are never sent through the proxy.
var DefaultIgnoreHosts = []string{"localhost", "127.0.0.0/8", "::1", "10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

// Runner executes a command and returns its combined output.
type Runner interface {
	CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// CombinedOutput implements Runner.
func (ExecRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// GNOME applies the proxy through org.gnome.system.proxy.
type GNOME struct {
	runner      Runner
	ignoreHosts []string
	lookPath    func(string) bool

	mu      sync.Mutex
	enabled bool
}

// New returns a GNOME proxy backend using the real gsettings binary.
func New() *GNOME {
	return NewWithRunner(ExecRunner{}, DefaultIgnoreHosts)
}

// NewWithRunner returns a GNOME proxy backend that runs gsettings through r.
func NewWithRunner(r Runner, ignoreHosts []string) *GNOME {
	return &GNOME{
		runner:      r,
		ignoreHosts: ignoreHosts,
		lookPath:    common.CommandExists,
	}
}

// EnableSystemProxy switches the desktop to a manual proxy at address.
// Both the SOCKS and HTTP(S) entries point at address since warp-plus
// serves a mixed proxy.
func (g *GNOME) EnableSystemProxy(ctx context.Context, address string) error {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrInvalidEndpoint, err)
	}
	if !g.lookPath(gsettingsBinary) {
		return fmt.Errorf("%w: %s not found", common.ErrUnsupported, gsettingsBinary)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, sub := range []string{"socks", "http", "https"} {
		if err := g.set(ctx, proxySchema+"."+sub, "host", host); err != nil {
			return err
		}
		if err := g.set(ctx, proxySchema+"."+sub, "port", port); err != nil {
			return err
		}
	}
	if err := g.set(ctx, proxySchema, "ignore-hosts", gvariantStrings(g.ignoreHosts)); err != nil {
		return err
	}
	// Mode goes last so the desktop never sees a manual proxy with stale fields
	if err := g.set(ctx, proxySchema, "mode", "manual"); err != nil {
		return err
	}

	g.enabled = true
	common.LogInfo("SystemProxy: enabled at %s", address)
	return nil
}

// DisableSystemProxy resets the desktop proxy mode to none. It succeeds
// without running anything when gsettings is unavailable.
func (g *GNOME) DisableSystemProxy(ctx context.Context) error {
	if !g.lookPath(gsettingsBinary) {
		common.LogDebug("SystemProxy: %s not found, nothing to disable", gsettingsBinary)
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.set(ctx, proxySchema, "mode", "none"); err != nil {
		return err
	}
	if g.enabled {
		common.LogInfo("SystemProxy: disabled")
	}
	g.enabled = false
	return nil
}

// Enabled reports whether the last successful call enabled the proxy.
func (g *GNOME) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

func (g *GNOME) set(ctx context.Context, schema, key, value string) error {
	out, err := g.runner.CombinedOutput(ctx, gsettingsBinary, "set", schema, key, value)
	if err != nil {
		msg := string(bytes.TrimSpace(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: gsettings set %s %s: %s", common.ErrNetworkMode, schema, key, msg)
	}
	return nil
}

// gvariantStrings formats hosts as a GVariant string array.
func gvariantStrings(hosts []string) string {
	quoted := make([]string, len(hosts))
	for i, h := range hosts {
		quoted[i] = "'" + strings.ReplaceAll(h, "'", `\'`) + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
