package vpn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/yllada/warp-manager/common"
)

// HealthState represents the current health state of a connection.
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

// String returns a human-readable representation of the health state.
func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "Healthy"
	case HealthDegraded:
		return "Degraded"
	case HealthUnhealthy:
		return "Unhealthy"
	default:
		return "Unknown"
	}
}

// HealthConfig holds configuration for the health checker.
type HealthConfig struct {
	// CheckInterval is how often to probe the local proxy.
	CheckInterval time.Duration
	// FailureThreshold is how many consecutive failures before marking unhealthy.
	FailureThreshold int
	// AutoReconnect restarts the session when it turns unhealthy.
	AutoReconnect bool
	// ReconnectDelay is the delay before attempting to reconnect.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts is the maximum number of reconnection attempts (0 = unlimited).
	MaxReconnectAttempts int
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
	// ProbeTarget is requested through the proxy to prove the tunnel carries
	// traffic. Empty means the SOCKS greeting alone is checked.
	ProbeTarget string
}

// DefaultHealthConfig returns sensible defaults for health checking.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		CheckInterval:        common.HealthInterval,
		FailureThreshold:     3,
		AutoReconnect:        false,
		ReconnectDelay:       common.ReconnectDelay,
		MaxReconnectAttempts: 5,
		ProbeTimeout:         5 * time.Second,
		ProbeTarget:          "1.1.1.1:443",
	}
}

// Reconnector is the part of the manager the health checker drives.
type Reconnector interface {
	Reconnect(ctx context.Context) error
	Advise(kind, message string)
}

// ConnectionHealth tracks the health of the current session.
type ConnectionHealth struct {
	Address           string
	State             HealthState
	LastCheck         time.Time
	LastSuccess       time.Time
	ConsecutiveFails  int
	ReconnectAttempts int
	Latency           time.Duration
}

// HealthChecker probes the local warp-plus proxy while a session is
// connected. It is an Observer: connected events start it and teardown
// events stop it.
type HealthChecker struct {
	mu                sync.RWMutex
	config            HealthConfig
	manager           Reconnector
	running           bool
	stopChan          chan struct{}
	health            ConnectionHealth
	reconnecting      bool
	onReconnecting    func(attempt int)
	onReconnectFailed func(err error)

	probe func(ctx context.Context, address, target string) (time.Duration, error)
}

// NewHealthChecker creates a new health checker for the given manager.
func NewHealthChecker(manager Reconnector, config HealthConfig) *HealthChecker {
	return &HealthChecker{
		config:   config,
		manager:  manager,
		stopChan: make(chan struct{}),
		probe:    probeSOCKS5,
	}
}

// SetOnReconnecting sets a callback for reconnection attempts.
func (hc *HealthChecker) SetOnReconnecting(callback func(attempt int)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onReconnecting = callback
}

// SetOnReconnectFailed sets a callback for failed reconnection.
func (hc *HealthChecker) SetOnReconnectFailed(callback func(err error)) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.onReconnectFailed = callback
}

// OnEvent implements Observer.
func (hc *HealthChecker) OnEvent(e Event) {
	switch e.Kind {
	case EventConnected:
		hc.Start(e.Address)
	case EventDisconnecting, EventDisconnected:
		hc.Stop()
	}
}

// Start begins probing address.
func (hc *HealthChecker) Start(address string) {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = true
	hc.stopChan = make(chan struct{})
	attempts := hc.health.ReconnectAttempts
	if !hc.reconnecting {
		attempts = 0
	}
	hc.health = ConnectionHealth{Address: address, State: HealthUnknown, ReconnectAttempts: attempts}
	interval := hc.config.CheckInterval
	stop := hc.stopChan
	hc.mu.Unlock()

	if interval <= 0 {
		interval = common.HealthInterval
	}
	common.LogInfo("Health checker started for %s (interval: %v)", address, interval)

	go hc.runLoop(interval, stop)
}

// Stop stops the health checking loop.
func (hc *HealthChecker) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	close(hc.stopChan)
	hc.mu.Unlock()

	common.LogInfo("Health checker stopped")
}

// IsRunning returns whether the health checker is currently running.
func (hc *HealthChecker) IsRunning() bool {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.running
}

// GetHealth returns a copy of the current health record.
func (hc *HealthChecker) GetHealth() ConnectionHealth {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	return hc.health
}

func (hc *HealthChecker) runLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hc.check(stop)
		}
	}
}

// check performs one probe and updates the health record.
func (hc *HealthChecker) check(stop <-chan struct{}) {
	hc.mu.RLock()
	address := hc.health.Address
	cfg := hc.config
	hc.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ProbeTimeout)
	latency, err := hc.probe(ctx, address, cfg.ProbeTarget)
	cancel()

	hc.mu.Lock()
	select {
	case <-stop:
		// Stopped while probing; the result belongs to a finished session
		hc.mu.Unlock()
		return
	default:
	}

	health := &hc.health
	health.LastCheck = time.Now()
	oldState := health.State

	if err != nil {
		health.ConsecutiveFails++
		health.Latency = 0
		common.LogWarn("Health check failed for %s (attempt %d/%d): %v",
			address, health.ConsecutiveFails, cfg.FailureThreshold, err)

		if health.ConsecutiveFails >= cfg.FailureThreshold {
			health.State = HealthUnhealthy
		} else {
			health.State = HealthDegraded
		}
	} else {
		health.ConsecutiveFails = 0
		health.LastSuccess = time.Now()
		health.Latency = latency
		health.State = HealthHealthy
		health.ReconnectAttempts = 0
	}
	newState := health.State
	reconnect := newState == HealthUnhealthy && oldState != HealthUnhealthy && cfg.AutoReconnect && !hc.reconnecting
	if reconnect {
		hc.reconnecting = true
	}
	hc.mu.Unlock()

	if oldState == newState {
		return
	}
	common.LogInfo("Health state changed for %s: %s -> %s", address, oldState, newState)

	if newState == HealthUnhealthy {
		if hc.manager != nil {
			hc.manager.Advise("health", fmt.Sprintf("The tunnel at %s stopped answering.", address))
		}
		if reconnect {
			go hc.attemptReconnect()
		}
	}
}

// attemptReconnect restarts the session, retrying up to the configured limit.
func (hc *HealthChecker) attemptReconnect() {
	defer func() {
		hc.mu.Lock()
		hc.reconnecting = false
		hc.mu.Unlock()
	}()

	for {
		hc.mu.Lock()
		cfg := hc.config
		if cfg.MaxReconnectAttempts > 0 && hc.health.ReconnectAttempts >= cfg.MaxReconnectAttempts {
			onFailed := hc.onReconnectFailed
			hc.mu.Unlock()
			common.LogError("Max reconnect attempts reached")
			if onFailed != nil {
				onFailed(common.ErrConnectionFailed)
			}
			return
		}
		hc.health.ReconnectAttempts++
		attempt := hc.health.ReconnectAttempts
		onReconnecting := hc.onReconnecting
		hc.mu.Unlock()

		common.LogInfo("Attempting reconnect (attempt %d)", attempt)
		if onReconnecting != nil {
			onReconnecting(attempt)
		}

		time.Sleep(cfg.ReconnectDelay)

		ctx, cancel := context.WithTimeout(context.Background(), common.ReadinessTimeout+common.NetworkTimeout)
		err := hc.manager.Reconnect(ctx)
		cancel()
		if err == nil {
			common.LogInfo("Reconnect successful")
			return
		}
		common.LogError("Reconnect failed: %v", err)
		if errors.Is(err, common.ErrStopped) {
			return
		}
	}
}

// probeSOCKS5 performs a SOCKS5 greeting against address and, when target
// is set, a CONNECT through it. It returns the round-trip latency.
func probeSOCKS5(ctx context.Context, address, target string) (time.Duration, error) {
	start := time.Now()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", address, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// Version 5, one method, no authentication
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		return 0, fmt.Errorf("socks greeting: %w", err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(conn, reply); err != nil {
		return 0, fmt.Errorf("socks greeting reply: %w", err)
	}
	if reply[0] != 0x05 || reply[1] != 0x00 {
		return 0, fmt.Errorf("socks greeting rejected: %x", reply)
	}

	if target == "" {
		return time.Since(start), nil
	}

	req, err := socksConnectRequest(target)
	if err != nil {
		return 0, err
	}
	if _, err := conn.Write(req); err != nil {
		return 0, fmt.Errorf("socks connect: %w", err)
	}
	// VER REP RSV ATYP, then a bound address we do not need
	head := make([]byte, 4)
	if _, err := io.ReadFull(conn, head); err != nil {
		return 0, fmt.Errorf("socks connect reply: %w", err)
	}
	if head[1] != 0x00 {
		return 0, fmt.Errorf("socks connect failed with code %d", head[1])
	}
	return time.Since(start), nil
}

// socksConnectRequest encodes a CONNECT request for an IPv4 or IPv6 target.
func socksConnectRequest(target string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return nil, fmt.Errorf("probe target %q: %w", target, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("probe target %q: not an IP address", target)
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, fmt.Errorf("probe target %q: %w", target, err)
	}

	req := []byte{0x05, 0x01, 0x00}
	if ip4 := ip.To4(); ip4 != nil {
		req = append(req, 0x01)
		req = append(req, ip4...)
	} else {
		req = append(req, 0x04)
		req = append(req, ip.To16()...)
	}
	return append(req, byte(port>>8), byte(port)), nil
}
