// Package tun brings up a sing-box tun interface in front of the local
// warp-plus proxy. sing-box runs under the same process supervisor as
// warp-plus, optionally through pkexec or sudo.
package tun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/vpn"
)

// StartedMarker is the sing-box log line that means the tun is up.
const StartedMarker = "sing-box started"

// Config locates sing-box and its configuration.
type Config struct {
	// Binary is the sing-box executable.
	Binary string
	// Template is a JSONC sing-box config. Empty uses DefaultTemplate.
	Template string
	// ConfigDir receives the rendered sb-tun.json.
	ConfigDir string
	// Elevation is "pkexec", "sudo" or "" to run sing-box directly.
	Elevation string
	// OnLine receives every sing-box output line.
	OnLine func(line string)
}

// Tunnel implements vpn.VirtualTunnel with sing-box.
type Tunnel struct {
	cfg      Config
	sup      *vpn.Supervisor
	lookPath func(string) (string, error)

	mu      sync.Mutex
	proc    *vpn.Process
	waiters []func()
}

// New creates a sing-box tunnel that spawns through sup.
func New(cfg Config, sup *vpn.Supervisor) *Tunnel {
	if sup == nil {
		sup = vpn.NewSupervisor()
	}
	return &Tunnel{cfg: cfg, sup: sup, lookPath: exec.LookPath}
}

// ConfigPath is where the rendered config is written.
func (t *Tunnel) ConfigPath() string {
	return filepath.Join(t.cfg.ConfigDir, common.TunConfigFileName)
}

// Running reports whether sing-box is alive.
func (t *Tunnel) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proc != nil && !t.proc.Exited()
}

// EnableVirtualTunnel renders the config and starts sing-box. OnSuccess
// fires when sing-box logs StartedMarker. OnError fires when it cannot be
// started, exits first, or ctx ends before the marker.
func (t *Tunnel) EnableVirtualTunnel(ctx context.Context, address string, cb vpn.TunnelCallbacks) {
	var once sync.Once
	succeed := func() { once.Do(cb.OnSuccess) }
	fail := func(err error) { once.Do(func() { cb.OnError(err) }) }

	t.mu.Lock()
	if t.proc != nil && !t.proc.Exited() {
		t.mu.Unlock()
		fail(fmt.Errorf("%w: sing-box already running", common.ErrNetworkMode))
		return
	}
	t.mu.Unlock()

	cfgPath, err := t.writeConfig(address)
	if err != nil {
		fail(fmt.Errorf("%w: %w", common.ErrNetworkMode, err))
		return
	}

	cmd, err := t.command(cfgPath)
	if err != nil {
		fail(err)
		return
	}

	ready := make(chan struct{})
	var started sync.Once
	onLine := func(line string) {
		if t.cfg.OnLine != nil {
			t.cfg.OnLine(line)
		}
		if strings.Contains(line, StartedMarker) {
			started.Do(func() {
				close(ready)
				common.LogInfo("Tun: sing-box is up")
				succeed()
			})
		}
	}

	proc, err := t.sup.Start(context.Background(), cmd, vpn.Hooks{
		OnStdout: onLine,
		OnStderr: onLine,
		OnExit: func(exitErr error) {
			fail(fmt.Errorf("%w: sing-box exited before the tunnel came up: %v", common.ErrProcessExited, exitErr))
			t.exited()
		},
	})
	if err != nil {
		fail(fmt.Errorf("%w: %w", common.ErrNetworkMode, err))
		return
	}

	t.mu.Lock()
	t.proc = proc
	t.mu.Unlock()

	// A tunnel that has not come up when ctx ends is torn down again
	go func() {
		select {
		case <-ready:
		case <-proc.Done():
		case <-ctx.Done():
			select {
			case <-ready:
				return
			default:
			}
			fail(fmt.Errorf("%w: sing-box did not start: %v", common.ErrNetworkMode, ctx.Err()))
			proc.Terminate()
		}
	}()
}

// DisableVirtualTunnel stops sing-box and calls onExit once it is gone.
// onExit is called immediately when no tunnel is running.
func (t *Tunnel) DisableVirtualTunnel(ctx context.Context, onExit func()) {
	t.mu.Lock()
	proc := t.proc
	if proc == nil || proc.Exited() {
		t.mu.Unlock()
		onExit()
		return
	}
	t.waiters = append(t.waiters, onExit)
	t.mu.Unlock()

	common.LogInfo("Tun: stopping sing-box (pid %d)", proc.PID())
	proc.Terminate()
}

// exited clears the finished process and releases pending disable waiters.
func (t *Tunnel) exited() {
	t.mu.Lock()
	if t.proc != nil && t.proc.Exited() {
		t.proc = nil
	}
	waiters := t.waiters
	t.waiters = nil
	t.mu.Unlock()

	if len(waiters) == 0 {
		common.LogWarn("Tun: sing-box exited unexpectedly")
	}
	for _, w := range waiters {
		w()
	}
}

func (t *Tunnel) writeConfig(address string) (string, error) {
	tmpl, err := loadTemplate(t.cfg.Template)
	if err != nil {
		return "", err
	}
	rendered, err := Render(tmpl, address)
	if err != nil {
		return "", err
	}
	if err := common.EnsureDir(t.cfg.ConfigDir); err != nil {
		return "", fmt.Errorf("create tun config dir: %w", err)
	}
	path := t.ConfigPath()
	if err := os.WriteFile(path, rendered, 0600); err != nil {
		return "", fmt.Errorf("write tun config: %w", err)
	}
	return path, nil
}

// command builds the sing-box invocation, wrapped by the elevation tool.
func (t *Tunnel) command(cfgPath string) (vpn.Command, error) {
	if !common.FileExists(t.cfg.Binary) {
		return vpn.Command{}, fmt.Errorf("%w: %w: %s", common.ErrNetworkMode, common.ErrBinaryNotFound, t.cfg.Binary)
	}
	args := []string{"run", "-c", cfgPath}
	if t.cfg.Elevation == "" {
		return vpn.Command{Path: t.cfg.Binary, Args: args, Dir: t.cfg.ConfigDir}, nil
	}

	elevator, err := t.lookPath(t.cfg.Elevation)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return vpn.Command{}, fmt.Errorf("%w: %s not found", common.ErrPermissionDenied, t.cfg.Elevation)
		}
		return vpn.Command{}, fmt.Errorf("%w: %v", common.ErrPermissionDenied, err)
	}
	var prefix []string
	if t.cfg.Elevation == "sudo" {
		prefix = []string{"-n"}
	}
	return vpn.Command{
		Path: elevator,
		Args: append(append(prefix, t.cfg.Binary), args...),
		Dir:  t.cfg.ConfigDir,
	}, nil
}
