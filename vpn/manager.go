package vpn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yllada/warp-manager/common"
)

// Common errors - re-exported from common package for convenience.
var (
	ErrBusy    = common.ErrBusy
	ErrStopped = common.ErrStopped
)

// HistoryStore records one row per connection lifecycle.
type HistoryStore interface {
	BeginSession(id, mode, address string, at time.Time) error
	MarkConnected(id string, at time.Time) error
	EndSession(id string, at time.Time, outcome string) error
}

// Options configure a Manager.
type Options struct {
	// Binary is the warp-plus executable.
	Binary string
	// WorkDir is the working directory of warp-plus.
	WorkDir string

	Supervisor *Supervisor
	Network    NetworkBackend
	// Args builds the warp-plus arguments for a request.
	Args func(ConnectRequest) ([]string, error)
	// Settings receives the last good endpoint. It may be nil.
	Settings   common.SettingsStore
	Observer   Observer
	Classifier *Classifier
	History    HistoryStore
	// ProcessLog receives the raw warp-plus output and is rotated at the
	// start of every session.
	ProcessLog *common.RawLogger

	// ReadinessTimeout bounds the wait for the serving marker. Zero waits
	// forever.
	ReadinessTimeout time.Duration
	// NetworkTimeout bounds every network backend operation.
	NetworkTimeout time.Duration
}

// Manager orchestrates the warp-plus process and the network mode.
// All session state is owned by the goroutine running Run; the public
// methods talk to it through a channel.
type Manager struct {
	opts Options

	events  chan any
	done    chan struct{}
	exited  chan struct{}
	running atomic.Bool
	ctx     context.Context

	// Owned by the loop.
	state   State
	gen     uint64
	sess    *Session
	lastReq ConnectRequest

	snapMu sync.RWMutex
	snap   Snapshot
	last   ConnectRequest
}

// Requests and completions handled by the loop.
type (
	connectReq struct {
		req   ConnectRequest
		reply chan error
	}
	disconnectReq struct {
		exit  bool
		reply chan error
	}
	readyEvent struct {
		gen uint64
	}
	exitEvent struct {
		gen uint64
		err error
	}
	timeoutEvent struct {
		gen uint64
	}
	advisoryEvent struct {
		gen uint64
		adv Advisory
	}
	adviseReq struct {
		adv Advisory
	}
)

// NewManager creates a manager. Run must be called before requests are
// served.
func NewManager(opts Options) *Manager {
	if opts.Supervisor == nil {
		opts.Supervisor = NewSupervisor()
	}
	if opts.Network == nil {
		opts.Network = Backends{}
	}
	if opts.Classifier == nil {
		opts.Classifier = NewClassifier()
	}
	if opts.Observer == nil {
		opts.Observer = Observers{}
	}
	if opts.Args == nil {
		opts.Args = func(req ConnectRequest) ([]string, error) {
			return []string{"--bind", req.Address()}, nil
		}
	}
	if opts.NetworkTimeout <= 0 {
		opts.NetworkTimeout = common.NetworkTimeout
	}

	m := &Manager{
		opts:    opts,
		events:  make(chan any, 64),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
		ctx:     context.Background(),
		lastReq: ConnectRequest{Mode: ModeDirect},
	}
	m.snap = Snapshot{State: StateIdle, Since: time.Now()}
	return m
}

// Run serves requests until ctx is cancelled. On return any live process
// is killed and the network mode is restored.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("manager is already running")
	}
	m.ctx = ctx
	defer close(m.done)

	common.LogInfo("Manager: event loop started")
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

// Exited is closed after a DisconnectAndExit request has fully torn down.
func (m *Manager) Exited() <-chan struct{} {
	return m.exited
}

// Status returns a snapshot of the current state. Safe from any goroutine.
func (m *Manager) Status() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// Connect starts a session and blocks until it is connected or aborted.
// It fails with ErrBusy unless the manager is idle. Cancelling ctx while
// connecting abandons the attempt and tears the session down.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	reply := make(chan error, 1)
	if err := m.send(ctx, connectReq{req: req, reply: reply}); err != nil {
		return err
	}

	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		go m.Disconnect(context.Background())
		return fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
	case <-m.done:
		return ErrStopped
	}
}

// Disconnect tears the current session down and blocks until the
// disconnected event fired. Disconnecting while idle still restores the
// network mode of the last session.
func (m *Manager) Disconnect(ctx context.Context) error {
	return m.disconnect(ctx, false)
}

// DisconnectAndExit is Disconnect followed by closing Exited.
func (m *Manager) DisconnectAndExit(ctx context.Context) error {
	return m.disconnect(ctx, true)
}

// Reconnect tears down the current session and connects again with the
// last request.
func (m *Manager) Reconnect(ctx context.Context) error {
	if err := m.Disconnect(ctx); err != nil {
		return err
	}
	m.snapMu.RLock()
	req := m.last
	m.snapMu.RUnlock()
	return m.Connect(ctx, req)
}

// Advise emits an advisory for the current session.
func (m *Manager) Advise(kind, message string) {
	m.post(adviseReq{adv: Advisory{Kind: kind, Message: message}})
}

func (m *Manager) disconnect(ctx context.Context, exit bool) error {
	reply := make(chan error, 1)
	if err := m.send(ctx, disconnectReq{exit: exit, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
	case <-m.done:
		return ErrStopped
	}
}

// send delivers a request to the loop.
func (m *Manager) send(ctx context.Context, ev any) error {
	select {
	case m.events <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", common.ErrCancelled, ctx.Err())
	case <-m.done:
		return ErrStopped
	}
}

// post delivers a completion from a callback goroutine. It gives up
// once the loop has stopped.
func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case connectReq:
		m.handleConnect(ev)
	case disconnectReq:
		m.handleDisconnect(ev)
	case netEnabledEvent:
		m.handleNetEnabled(ev)
	case netDisabledEvent:
		m.handleNetDisabled(ev)
	case readyEvent:
		if s := m.current(ev.gen); s != nil && m.state == StateConnecting {
			common.LogInfo("Manager: warp-plus is serving on %s", s.Request.Address())
			s.barrier.Set(DirConnect, GateProcess)
			m.checkConnected()
		}
	case exitEvent:
		m.handleExit(ev)
	case timeoutEvent:
		if s := m.current(ev.gen); s != nil && m.state == StateConnecting {
			common.LogWarn("Manager: no readiness marker after %v", m.opts.ReadinessTimeout)
			m.failConnect(fmt.Errorf("%w: warp-plus did not start serving within %v", common.ErrTimeout, m.opts.ReadinessTimeout))
		}
	case advisoryEvent:
		if m.current(ev.gen) != nil {
			m.advise(ev.adv)
		}
	case adviseReq:
		m.advise(ev.adv)
	default:
		common.LogWarn("Manager: unexpected event %T", ev)
	}
}

// current returns the live session if gen belongs to it.
func (m *Manager) current(gen uint64) *Session {
	if m.sess == nil || m.sess.Generation != gen {
		return nil
	}
	return m.sess
}

func (m *Manager) handleConnect(ev connectReq) {
	if m.state != StateIdle {
		ev.reply <- fmt.Errorf("%w: %s", ErrBusy, m.state)
		return
	}
	if !common.FileExists(m.opts.Binary) {
		common.LogError("Manager: warp-plus binary not found at %s", m.opts.Binary)
		ev.reply <- fmt.Errorf("%w: %s", common.ErrBinaryNotFound, m.opts.Binary)
		return
	}
	args, err := m.opts.Args(ev.req)
	if err != nil {
		ev.reply <- err
		return
	}

	m.gen++
	s := newSession(m.gen, ev.req)
	s.connectWaiters = append(s.connectWaiters, ev.reply)
	s.net = newNetController(m.opts.Network, ev.req.Mode, ev.req.Address(), m.opts.NetworkTimeout, s.Generation, m.post)
	m.sess = s
	m.lastReq = ev.req
	m.state = StateConnecting

	common.LogInfo("Manager: session %s (gen %d) connecting, mode %s, address %s",
		s.ID, s.Generation, ev.req.Mode, ev.req.Address())

	m.opts.Classifier.Reset()
	if m.opts.ProcessLog != nil {
		if err := m.opts.ProcessLog.RotateNow(); err != nil {
			common.LogWarn("Manager: rotating process log: %v", err)
		}
	}
	if m.opts.History != nil {
		if err := m.opts.History.BeginSession(s.ID, ev.req.Mode.String(), ev.req.Address(), s.StartedAt); err != nil {
			common.LogWarn("Manager: history: %v", err)
		}
	}
	m.publish()
	m.emit(Event{Kind: EventConnecting})

	if s.net.enable() {
		s.barrier.Set(DirConnect, GateNetwork)
	}

	proc, err := m.opts.Supervisor.Start(m.ctx, Command{
		Path: m.opts.Binary,
		Args: args,
		Dir:  m.opts.WorkDir,
	}, m.hooks(s))
	if err != nil {
		common.LogError("Manager: %v", err)
		m.failConnect(err)
		return
	}
	s.proc = proc

	if m.opts.ReadinessTimeout > 0 {
		gen := s.Generation
		s.timer = time.AfterFunc(m.opts.ReadinessTimeout, func() {
			m.post(timeoutEvent{gen: gen})
		})
	}
	m.checkConnected()
}

// hooks wires process output to the scanner, the classifier and the raw
// log. They run on the supervisor's goroutines.
func (m *Manager) hooks(s *Session) Hooks {
	gen := s.Generation
	port := s.Request.Port
	scanner := NewScanner(s.Request.HostAddress, port)

	classify := func(line string) {
		if adv, ok := m.opts.Classifier.Classify(line, port); ok {
			m.post(advisoryEvent{gen: gen, adv: adv})
		}
	}

	return Hooks{
		OnStdout: func(line string) {
			if m.opts.ProcessLog != nil {
				m.opts.ProcessLog.Line(line)
			}
			r := scanner.Scan(line)
			if r.Endpoint != "" && m.opts.Settings != nil {
				if err := m.opts.Settings.Set(common.KeyScanResult, r.Endpoint); err != nil {
					common.LogWarn("Manager: saving endpoint: %v", err)
				} else {
					common.LogDebug("Manager: saved endpoint %s", r.Endpoint)
				}
			}
			if r.Ready {
				m.post(readyEvent{gen: gen})
			}
			classify(line)
		},
		OnStderr: func(line string) {
			if m.opts.ProcessLog != nil {
				m.opts.ProcessLog.Line("err: " + line)
			}
			classify(line)
		},
		OnExit: func(err error) {
			m.post(exitEvent{gen: gen, err: err})
		},
	}
}

func (m *Manager) handleNetEnabled(ev netEnabledEvent) {
	s := m.current(ev.gen)
	if s == nil {
		return
	}
	if s.net.enableDone() {
		// A teardown was waiting for this enable
		return
	}
	if ev.err != nil {
		common.LogError("Manager: enabling %s failed: %v", s.Request.Mode, ev.err)
		m.advise(Advisory{Kind: "network", Message: fmt.Sprintf("Could not enable %s mode: %v", s.Request.Mode, ev.err)})
		if m.state == StateConnecting {
			m.failConnect(fmt.Errorf("%w: %w", common.ErrNetworkMode, ev.err))
		}
		return
	}
	if m.state == StateConnecting {
		s.barrier.Set(DirConnect, GateNetwork)
		m.checkConnected()
	}
}

func (m *Manager) handleNetDisabled(ev netDisabledEvent) {
	s := m.current(ev.gen)
	if s == nil {
		return
	}
	if ev.err != nil {
		common.LogWarn("Manager: disabling %s: %v", s.Request.Mode, ev.err)
	}
	s.barrier.Set(DirDisconnect, GateNetwork)
	m.checkDisconnected()
}

func (m *Manager) handleExit(ev exitEvent) {
	s := m.current(ev.gen)
	if s == nil {
		return
	}
	// Drop the handle before any teardown can try to kill it again
	s.proc = nil
	s.barrier.Set(DirDisconnect, GateProcess)

	switch m.state {
	case StateConnecting:
		reason := common.ErrProcessExited
		if ev.err != nil {
			reason = fmt.Errorf("%w: %v", common.ErrProcessExited, ev.err)
		}
		m.failConnect(reason)
	case StateConnected:
		common.LogWarn("Manager: warp-plus exited unexpectedly")
		m.beginTeardown(common.ErrProcessExited)
	case StateDisconnecting:
		m.checkDisconnected()
	}
}

func (m *Manager) handleDisconnect(ev disconnectReq) {
	switch m.state {
	case StateIdle:
		// Nothing is running; still restore the network mode
		m.gen++
		s := newSession(m.gen, m.lastReq)
		s.teardownOnly = true
		s.ExitOnDisconnect = ev.exit
		s.disconnectWaiters = append(s.disconnectWaiters, ev.reply)
		s.net = newNetController(m.opts.Network, m.lastReq.Mode, m.lastReq.Address(), m.opts.NetworkTimeout, s.Generation, m.post)
		m.sess = s
		m.state = StateDisconnecting
		m.publish()
		m.emit(Event{Kind: EventDisconnecting})

		s.barrier.Set(DirDisconnect, GateProcess)
		if s.net.disable(true) {
			s.barrier.Set(DirDisconnect, GateNetwork)
		}
		m.checkDisconnected()

	case StateConnecting, StateConnected:
		s := m.sess
		s.ExitOnDisconnect = s.ExitOnDisconnect || ev.exit
		s.disconnectWaiters = append(s.disconnectWaiters, ev.reply)
		m.beginTeardown(nil)

	case StateDisconnecting:
		s := m.sess
		s.ExitOnDisconnect = s.ExitOnDisconnect || ev.exit
		s.disconnectWaiters = append(s.disconnectWaiters, ev.reply)
	}
}

// failConnect aborts a connect attempt and unwinds whatever started.
func (m *Manager) failConnect(reason error) {
	m.beginTeardown(reason)
}

// beginTeardown moves the session to Disconnecting. reason is nil for a
// requested disconnect.
func (m *Manager) beginTeardown(reason error) {
	s := m.sess
	if s == nil || m.state == StateDisconnecting || m.state == StateIdle {
		return
	}
	m.state = StateDisconnecting
	s.outcome = reason
	s.stopTimer()

	// An aborted connect is answered once the network is restored
	if reason == nil {
		s.replyConnect(fmt.Errorf("%w: disconnect requested", common.ErrCancelled))
	}

	common.LogInfo("Manager: session %s disconnecting", s.ID)
	m.publish()
	m.emit(Event{Kind: EventDisconnecting, Err: reason})

	if s.net.disable(false) {
		s.barrier.Set(DirDisconnect, GateNetwork)
	}
	if s.proc != nil {
		s.proc.Terminate()
	} else {
		s.barrier.Set(DirDisconnect, GateProcess)
	}
	m.checkDisconnected()
}

func (m *Manager) checkConnected() {
	s := m.sess
	if s == nil || m.state != StateConnecting || !s.barrier.Check(DirConnect) {
		return
	}
	m.state = StateConnected
	s.stopTimer()
	s.ConnectedAt = time.Now()

	common.LogInfo("Manager: session %s connected (%s)", s.ID, s.Request.Mode)
	if m.opts.History != nil {
		if err := m.opts.History.MarkConnected(s.ID, s.ConnectedAt); err != nil {
			common.LogWarn("Manager: history: %v", err)
		}
	}
	m.publish()
	s.replyConnect(nil)
	m.emit(Event{Kind: EventConnected})
}

func (m *Manager) checkDisconnected() {
	s := m.sess
	if s == nil || m.state != StateDisconnecting || !s.barrier.Check(DirDisconnect) {
		return
	}
	m.state = StateIdle

	common.LogInfo("Manager: session %s disconnected", s.ID)
	if m.opts.History != nil && !s.teardownOnly {
		if err := m.opts.History.EndSession(s.ID, time.Now(), s.outcomeText()); err != nil {
			common.LogWarn("Manager: history: %v", err)
		}
	}

	m.publish()
	if s.outcome != nil {
		s.replyConnect(s.outcome)
	}
	m.emit(Event{Kind: EventDisconnected})
	m.sess = nil
	s.replyDisconnect(nil)

	if s.ExitOnDisconnect {
		common.LogInfo("Manager: exit requested, signalling application exit")
		m.emitFor(s, Event{Kind: EventExit})
		m.signalExit()
	}
}

func (m *Manager) signalExit() {
	select {
	case <-m.exited:
	default:
		close(m.exited)
	}
}

func (m *Manager) advise(adv Advisory) {
	common.LogWarn("Manager: advisory %s: %s", adv.Kind, adv.Message)
	m.emit(Event{Kind: EventAdvisory, Advisory: &adv})
}

// emit fills in the session fields of e and hands it to the observer.
func (m *Manager) emit(e Event) {
	m.emitFor(m.sess, e)
}

func (m *Manager) emitFor(s *Session, e Event) {
	if s != nil {
		e.Mode = s.Request.Mode
		e.Address = s.Request.Address()
		e.SessionID = s.ID
		e.Generation = s.Generation
	}
	e.Time = time.Now()
	m.opts.Observer.OnEvent(e)
}

// publish copies loop state into the snapshot read by Status.
func (m *Manager) publish() {
	snap := Snapshot{State: m.state, Since: time.Now()}
	if s := m.sess; s != nil && m.state != StateIdle {
		snap.Mode = s.Request.Mode
		snap.Address = s.Request.Address()
		snap.SessionID = s.ID
		snap.Generation = s.Generation
		snap.ConnectedAt = s.ConnectedAt
	}

	m.snapMu.Lock()
	m.snap = snap
	m.last = m.lastReq
	m.snapMu.Unlock()
}

// shutdown kills the process and restores the network without the loop.
func (m *Manager) shutdown() {
	s := m.sess
	if s == nil {
		return
	}
	common.LogInfo("Manager: shutting down session %s", s.ID)
	s.stopTimer()
	if s.proc != nil {
		s.proc.Terminate()
	}
	if s.net != nil && m.state != StateIdle {
		s.net.disableSync()
	}
	s.replyConnect(ErrStopped)
	s.replyDisconnect(ErrStopped)
	m.state = StateIdle
	m.sess = nil
	m.publish()
}
