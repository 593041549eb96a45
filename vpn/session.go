package vpn

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/yllada/warp-manager/common"
)

// State is the connection state of the manager.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Disconnected"
	case StateConnecting:
		return "Connecting..."
	case StateConnected:
		return "Connected"
	case StateDisconnecting:
		return "Disconnecting..."
	default:
		return "Unknown"
	}
}

// ConnectRequest selects the network mode and the local listen address.
type ConnectRequest struct {
	Mode        Mode
	HostAddress string
	Port        int
}

// Address returns the host:port warp-plus listens on.
func (r ConnectRequest) Address() string {
	return net.JoinHostPort(r.HostAddress, strconv.Itoa(r.Port))
}

// Validate checks the request before any state changes.
func (r ConnectRequest) Validate() error {
	if r.Mode < ModeDirect || r.Mode > ModeVirtualTunnel {
		return fmt.Errorf("%w: %d", common.ErrInvalidMode, int(r.Mode))
	}
	if _, err := netip.ParseAddr(r.HostAddress); err != nil {
		return fmt.Errorf("%w: host %q", common.ErrInvalidEndpoint, r.HostAddress)
	}
	if r.Port < 1 || r.Port > 65535 {
		return fmt.Errorf("%w: port %d", common.ErrInvalidEndpoint, r.Port)
	}
	return nil
}

// Session is the orchestration context of one connect/disconnect lifecycle.
// Only the manager loop touches it.
type Session struct {
	ID         string
	Generation uint64
	Request    ConnectRequest
	StartedAt  time.Time

	ConnectedAt      time.Time
	ExitOnDisconnect bool

	barrier Barrier
	net     *netController
	proc    *Process
	timer   *time.Timer

	// teardownOnly sessions start in Disconnecting and never connect.
	teardownOnly bool
	outcome      error

	connectWaiters    []chan error
	disconnectWaiters []chan error
}

func newSession(gen uint64, req ConnectRequest) *Session {
	return &Session{
		ID:         uuid.NewString(),
		Generation: gen,
		Request:    req,
		StartedAt:  time.Now(),
	}
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) replyConnect(err error) {
	for _, w := range s.connectWaiters {
		w <- err
	}
	s.connectWaiters = nil
}

func (s *Session) replyDisconnect(err error) {
	for _, w := range s.disconnectWaiters {
		w <- err
	}
	s.disconnectWaiters = nil
}

// outcomeText describes how the session ended, for the history table.
func (s *Session) outcomeText() string {
	if s.outcome == nil {
		return "disconnected"
	}
	return "aborted: " + s.outcome.Error()
}

// Snapshot is a read-only view of the manager state.
type Snapshot struct {
	State       State
	Mode        Mode
	Address     string
	SessionID   string
	Generation  uint64
	Since       time.Time
	ConnectedAt time.Time
}

// Uptime returns how long the current session has been connected.
func (s Snapshot) Uptime() time.Duration {
	if s.State != StateConnected || s.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(s.ConnectedAt)
}
