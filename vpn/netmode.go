package vpn

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yllada/warp-manager/common"
)

// Mode selects how system traffic reaches the local warp-plus proxy.
type Mode int

const (
	// ModeDirect leaves the system network untouched.
	ModeDirect Mode = iota
	// ModeSystemProxy points the desktop proxy settings at the local endpoint.
	ModeSystemProxy
	// ModeVirtualTunnel routes all traffic through a tun interface.
	ModeVirtualTunnel
)

// String returns the settings value of the mode.
func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return common.ProxyModeNone
	case ModeSystemProxy:
		return common.ProxyModeSystem
	case ModeVirtualTunnel:
		return common.ProxyModeTun
	default:
		return "unknown"
	}
}

// ParseMode converts a proxyMode setting to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case common.ProxyModeNone, "direct", "off":
		return ModeDirect, nil
	case common.ProxyModeSystem, "proxy":
		return ModeSystemProxy, nil
	case common.ProxyModeTun, "tunnel":
		return ModeVirtualTunnel, nil
	default:
		return ModeDirect, fmt.Errorf("%w: %q", common.ErrInvalidMode, s)
	}
}

// SystemProxy enables and disables the desktop proxy configuration.
type SystemProxy interface {
	EnableSystemProxy(ctx context.Context, address string) error
	// DisableSystemProxy must succeed when the proxy was never enabled.
	DisableSystemProxy(ctx context.Context) error
}

// TunnelCallbacks report the outcome of a tunnel enable.
type TunnelCallbacks struct {
	OnSuccess func()
	OnError   func(err error)
}

// VirtualTunnel brings a tun interface up and down.
type VirtualTunnel interface {
	// EnableVirtualTunnel reports its outcome through exactly one callback.
	EnableVirtualTunnel(ctx context.Context, address string, cb TunnelCallbacks)
	// DisableVirtualTunnel calls onExit once the tunnel is gone, including
	// when it was never up.
	DisableVirtualTunnel(ctx context.Context, onExit func())
}

// NetworkBackend is the OS side of the network mode controller.
type NetworkBackend interface {
	SystemProxy
	VirtualTunnel
}

// Backends combines separate proxy and tunnel implementations into a
// NetworkBackend. A nil member makes its mode unsupported.
type Backends struct {
	Proxy  SystemProxy
	Tunnel VirtualTunnel
}

func (b Backends) EnableSystemProxy(ctx context.Context, address string) error {
	if b.Proxy == nil {
		return fmt.Errorf("%w: system proxy", common.ErrUnsupported)
	}
	return b.Proxy.EnableSystemProxy(ctx, address)
}

func (b Backends) DisableSystemProxy(ctx context.Context) error {
	if b.Proxy == nil {
		return nil
	}
	return b.Proxy.DisableSystemProxy(ctx)
}

func (b Backends) EnableVirtualTunnel(ctx context.Context, address string, cb TunnelCallbacks) {
	if b.Tunnel == nil {
		cb.OnError(fmt.Errorf("%w: virtual tunnel", common.ErrUnsupported))
		return
	}
	b.Tunnel.EnableVirtualTunnel(ctx, address, cb)
}

func (b Backends) DisableVirtualTunnel(ctx context.Context, onExit func()) {
	if b.Tunnel == nil {
		onExit()
		return
	}
	b.Tunnel.DisableVirtualTunnel(ctx, onExit)
}

// netEnabledEvent and netDisabledEvent carry backend completions to the loop.
type netEnabledEvent struct {
	gen uint64
	err error
}

type netDisabledEvent struct {
	gen uint64
	err error
}

// netController drives one session's network mode. It is owned by the
// manager loop; backend calls run on their own goroutines and report back
// through post.
type netController struct {
	backend NetworkBackend
	mode    Mode
	address string
	timeout time.Duration
	gen     uint64
	post    func(any)

	attempted     bool
	inFlight      bool
	disabling     bool
	disableQueued bool
	forceQueued   bool
}

func newNetController(backend NetworkBackend, mode Mode, address string, timeout time.Duration, gen uint64, post func(any)) *netController {
	if timeout <= 0 {
		timeout = common.NetworkTimeout
	}
	return &netController{
		backend: backend,
		mode:    mode,
		address: address,
		timeout: timeout,
		gen:     gen,
		post:    post,
	}
}

// enable starts the mode. It returns true when the network gate is ready
// immediately, which is only the case for direct mode.
func (c *netController) enable() bool {
	if c.mode == ModeDirect {
		return true
	}

	c.attempted = true
	c.inFlight = true
	common.LogInfo("Network: enabling %s for %s", c.mode, c.address)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	var once sync.Once
	report := func(err error) {
		once.Do(func() {
			cancel()
			c.post(netEnabledEvent{gen: c.gen, err: err})
		})
	}

	switch c.mode {
	case ModeSystemProxy:
		go func() {
			report(c.backend.EnableSystemProxy(ctx, c.address))
		}()
	case ModeVirtualTunnel:
		// The tunnel backend may never call back; the deadline does.
		context.AfterFunc(ctx, func() {
			report(fmt.Errorf("%w: tunnel enable: %v", common.ErrNetworkMode, ctx.Err()))
		})
		go c.backend.EnableVirtualTunnel(ctx, c.address, TunnelCallbacks{
			OnSuccess: func() { report(nil) },
			OnError: func(err error) {
				if err == nil {
					err = common.ErrNetworkMode
				}
				report(err)
			},
		})
	default:
		go report(fmt.Errorf("%w: %v", common.ErrInvalidMode, c.mode))
	}
	return false
}

// enableDone marks the enable as finished. It returns true when a disable
// had been deferred behind the enable and has now been started, in which
// case the outcome no longer matters to the connect direction.
func (c *netController) enableDone() bool {
	c.inFlight = false
	if c.disableQueued {
		c.disableQueued = false
		c.startDisable(c.forceQueued)
		return true
	}
	return false
}

// disable starts the teardown of the mode. It returns true when the
// network gate for disconnect is ready immediately. With force set the
// backend is asked to disable even if this session never enabled it.
func (c *netController) disable(force bool) bool {
	if c.disabling {
		return false
	}
	c.disabling = true

	if c.inFlight {
		common.LogInfo("Network: %s enable still in flight, deferring disable", c.mode)
		c.disableQueued = true
		c.forceQueued = force
		return false
	}
	return c.startDisable(force)
}

func (c *netController) startDisable(force bool) bool {
	if c.mode == ModeDirect || (!c.attempted && !force) {
		return true
	}

	common.LogInfo("Network: disabling %s", c.mode)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	var once sync.Once
	report := func(err error) {
		once.Do(func() {
			cancel()
			c.post(netDisabledEvent{gen: c.gen, err: err})
		})
	}

	switch c.mode {
	case ModeSystemProxy:
		go func() {
			report(c.backend.DisableSystemProxy(ctx))
		}()
	case ModeVirtualTunnel:
		context.AfterFunc(ctx, func() {
			report(fmt.Errorf("%w: tunnel disable: %v", common.ErrNetworkMode, ctx.Err()))
		})
		go c.backend.DisableVirtualTunnel(ctx, func() { report(nil) })
	default:
		return true
	}
	return false
}

// disableSync tears the mode down and waits for it, bounded by the network
// timeout. Used when the manager shuts down without a running loop.
func (c *netController) disableSync() {
	if c.mode == ModeDirect || !c.attempted {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	switch c.mode {
	case ModeSystemProxy:
		if err := c.backend.DisableSystemProxy(ctx); err != nil {
			common.LogWarn("Network: disable system proxy: %v", err)
		}
	case ModeVirtualTunnel:
		done := make(chan struct{})
		var once sync.Once
		go c.backend.DisableVirtualTunnel(ctx, func() { once.Do(func() { close(done) }) })
		select {
		case <-done:
		case <-ctx.Done():
			common.LogWarn("Network: tunnel did not stop within %v", c.timeout)
		}
	}
}
