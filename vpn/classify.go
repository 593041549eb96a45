package vpn

import (
	"fmt"
	"strings"
	"sync"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/yllada/warp-manager/common"
)

// Advisory kinds raised from warp-plus output.
const (
	AdvisoryPermissionDenied = "permission-denied"
	AdvisoryPortInUse        = "port-in-use"
	AdvisoryLicense          = "license"
	AdvisoryNoEndpoint       = "no-endpoint"
)

// Advisory is a user-facing notice derived from a process output line.
// Advisories never change the connection state.
type Advisory struct {
	Kind    string
	Message string
	Line    string
}

type signature struct {
	kind     string
	patterns []string
	message  func(c *Classifier, port int) string
}

var signatures = []signature{
	{
		kind:     AdvisoryPortInUse,
		patterns: []string{"address already in use", "only one usage of each socket address"},
		message: func(c *Classifier, port int) string {
			if pid, name, ok := c.portOwner(port); ok {
				return fmt.Sprintf("Port %d is already used by %s (pid %d). Choose another port or stop that program.", port, name, pid)
			}
			return fmt.Sprintf("Port %d is already in use. Choose another port in the settings.", port)
		},
	},
	{
		kind:     AdvisoryPermissionDenied,
		patterns: []string{"permission denied", "operation not permitted", "access is denied"},
		message: func(*Classifier, int) string {
			return "warp-plus was denied a permission it needs. Check the binary's permissions or run with the required privileges."
		},
	},
	{
		kind:     AdvisoryLicense,
		patterns: []string{"too many connected devices", "invalid license", "invalid account license"},
		message: func(*Classifier, int) string {
			return "The WARP+ license key was rejected. Remove it or replace it with a valid key."
		},
	},
	{
		kind:     AdvisoryNoEndpoint,
		patterns: []string{"failed to find any working endpoint", "no working endpoint"},
		message: func(*Classifier, int) string {
			return "No working endpoint was found. Try another method or clear the saved endpoint."
		},
	},
}

// Classifier maps process output lines to advisories. Each kind is raised
// at most once per session. It is safe for concurrent use.
type Classifier struct {
	mu        sync.Mutex
	seen      map[string]bool
	portOwner func(port int) (pid int32, name string, ok bool)
}

// NewClassifier creates a classifier that looks up port owners on the
// local system.
func NewClassifier() *Classifier {
	return &Classifier{
		seen:      make(map[string]bool),
		portOwner: lookupPortOwner,
	}
}

// Reset forgets the advisories raised so far, for a new session.
func (c *Classifier) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = make(map[string]bool)
}

// Classify inspects one line. port is the configured listen port.
func (c *Classifier) Classify(line string, port int) (Advisory, bool) {
	lower := strings.ToLower(line)
	for _, sig := range signatures {
		if !containsAny(lower, sig.patterns) {
			continue
		}

		c.mu.Lock()
		if c.seen[sig.kind] {
			c.mu.Unlock()
			return Advisory{}, false
		}
		c.seen[sig.kind] = true
		c.mu.Unlock()

		return Advisory{Kind: sig.kind, Message: sig.message(c, port), Line: line}, true
	}
	return Advisory{}, false
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// lookupPortOwner finds the process listening on a local TCP port.
func lookupPortOwner(port int) (int32, string, bool) {
	conns, err := psnet.Connections("tcp")
	if err != nil {
		common.LogDebug("Classifier: listing connections: %v", err)
		return 0, "", false
	}
	for _, conn := range conns {
		if conn.Status != "LISTEN" || int(conn.Laddr.Port) != port || conn.Pid == 0 {
			continue
		}
		name := "unknown"
		if p, err := process.NewProcess(conn.Pid); err == nil {
			if n, err := p.Name(); err == nil && n != "" {
				name = n
			}
		}
		return conn.Pid, name, true
	}
	return 0, "", false
}
