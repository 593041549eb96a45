package notify

import (
	"errors"
	"fmt"
	"sync"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/vpn"
)

// queueSize bounds notifications waiting for the bus. Older states are
// dropped rather than blocking the manager loop.
const queueSize = 16

type note struct {
	title   string
	message string
	urgency common.Urgency
}

// Observer turns session events into desktop notifications. Delivery
// happens on a worker goroutine, in event order.
type Observer struct {
	notifier common.Notifier
	queue    chan note
	done     chan struct{}
	once     sync.Once
}

// NewObserver starts a notification worker that delivers through n.
func NewObserver(n common.Notifier) *Observer {
	o := &Observer{
		notifier: n,
		queue:    make(chan note, queueSize),
		done:     make(chan struct{}),
	}
	go o.run()
	return o
}

// OnEvent implements vpn.Observer.
func (o *Observer) OnEvent(e vpn.Event) {
	n, ok := noteFor(e)
	if !ok {
		return
	}
	select {
	case o.queue <- n:
	default:
		common.LogWarn("Notify: queue full, dropping %q", n.title)
	}
}

// Close stops the worker after the queued notifications are delivered.
// OnEvent must not be called after Close.
func (o *Observer) Close() {
	o.once.Do(func() { close(o.queue) })
	<-o.done
}

func (o *Observer) run() {
	defer close(o.done)
	for n := range o.queue {
		if err := o.notifier.Notify(n.title, n.message, n.urgency); err != nil {
			common.LogDebug("Notify: %v", err)
		}
	}
}

func noteFor(e vpn.Event) (note, bool) {
	switch e.Kind {
	case vpn.EventConnected:
		return note{
			title:   "WARP connected",
			message: fmt.Sprintf("Serving on %s (%s mode)", e.Address, e.Mode),
			urgency: common.UrgencyLow,
		}, true
	case vpn.EventDisconnecting:
		if e.Err == nil || errors.Is(e.Err, common.ErrCancelled) {
			return note{}, false
		}
		return note{
			title:   "WARP connection failed",
			message: e.Err.Error(),
			urgency: common.UrgencyCritical,
		}, true
	case vpn.EventDisconnected:
		return note{
			title:   "WARP disconnected",
			message: "Network settings restored",
			urgency: common.UrgencyLow,
		}, true
	case vpn.EventAdvisory:
		if e.Advisory == nil {
			return note{}, false
		}
		return note{
			title:   common.AppName,
			message: e.Advisory.Message,
			urgency: common.UrgencyNormal,
		}, true
	}
	return note{}, false
}
