package cli

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/vpn"
)

// eventPrinter writes one line per session event. Writes happen on a
// worker goroutine so a slow terminal never stalls the manager loop.
type eventPrinter struct {
	out   io.Writer
	queue chan string
	done  chan struct{}
	once  sync.Once
}

func newEventPrinter(out io.Writer) *eventPrinter {
	p := &eventPrinter{
		out:   out,
		queue: make(chan string, 32),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

// OnEvent implements vpn.Observer.
func (p *eventPrinter) OnEvent(e vpn.Event) {
	line, ok := describeEvent(e)
	if !ok {
		return
	}
	select {
	case p.queue <- line:
	default:
		common.LogDebug("CLI: dropping %s event line", e.Name())
	}
}

// Close flushes pending lines. OnEvent must not be called after Close.
func (p *eventPrinter) Close() {
	p.once.Do(func() { close(p.queue) })
	<-p.done
}

func (p *eventPrinter) run() {
	defer close(p.done)
	for line := range p.queue {
		fmt.Fprintln(p.out, line)
	}
}

// describeEvent renders e for the plain connect output.
func describeEvent(e vpn.Event) (string, bool) {
	stamp := e.Time.Format(time.TimeOnly)
	switch e.Kind {
	case vpn.EventConnecting:
		return fmt.Sprintf("[%s] Connecting (%s, %s)...", stamp, e.Mode, e.Address), true
	case vpn.EventConnected:
		return fmt.Sprintf("[%s] Connected on %s (%s)", stamp, e.Address, e.Mode), true
	case vpn.EventDisconnecting:
		if e.Err != nil && !errors.Is(e.Err, common.ErrCancelled) {
			return fmt.Sprintf("[%s] Connection failed: %v", stamp, e.Err), true
		}
		return fmt.Sprintf("[%s] Disconnecting...", stamp), true
	case vpn.EventDisconnected:
		return fmt.Sprintf("[%s] Disconnected", stamp), true
	case vpn.EventAdvisory:
		if e.Advisory == nil {
			return "", false
		}
		return fmt.Sprintf("[%s] Warning: %s", stamp, e.Advisory.Message), true
	default:
		return "", false
	}
}
