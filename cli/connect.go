package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/config"
	"github.com/yllada/warp-manager/notify"
	"github.com/yllada/warp-manager/sysproxy"
	"github.com/yllada/warp-manager/tray"
	"github.com/yllada/warp-manager/tui"
	"github.com/yllada/warp-manager/tun"
	"github.com/yllada/warp-manager/vpn"
)

// managerRef lets observers built before the manager call back into it.
type managerRef struct {
	m *vpn.Manager
}

func (r *managerRef) Reconnect(ctx context.Context) error {
	return r.m.Reconnect(ctx)
}

func (r *managerRef) Advise(kind, message string) {
	r.m.Advise(kind, message)
}

// runtime is a manager with every backend and observer wired in.
type runtime struct {
	mgr     *vpn.Manager
	cfg     *config.Config
	cancel  context.CancelFunc
	stopped chan struct{}
	closers []func()
}

// buildRuntime wires the manager for the current config. echo receives
// warp-plus output when process logs are shown; extra observers see every
// event after the built-in ones.
func (a *App) buildRuntime(echo io.Writer, notifications bool, extra ...vpn.Observer) (*runtime, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	store, err := a.settings()
	if err != nil {
		return nil, err
	}
	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg}

	if !cfg.ShowProcessLogs {
		echo = nil
	}
	procLog, err := common.NewRawLogger(filepath.Join(common.GetLogDir(), common.ProcessLogFileName), echo)
	if err != nil {
		common.LogWarn("CLI: process log unavailable: %v", err)
		procLog = nil
	} else {
		rt.closers = append(rt.closers, func() { procLog.Close() })
	}

	sup := vpn.NewSupervisor()
	tunnel := tun.New(tun.Config{
		Binary:    cfg.SingBoxBinary,
		Template:  cfg.TunTemplate,
		ConfigDir: cfg.WorkDir,
		Elevation: cfg.TunElevation,
		OnLine: func(line string) {
			common.LogDebug("sing-box: %s", line)
		},
	}, sup)
	builder := &vpn.ArgsBuilder{Settings: store, Credentials: creds}

	ref := &managerRef{}
	observers := vpn.Observers{}

	if cfg.HealthCheck {
		hcfg := vpn.DefaultHealthConfig()
		if cfg.HealthInterval > 0 {
			hcfg.CheckInterval = cfg.HealthInterval
		}
		hcfg.AutoReconnect = cfg.AutoReconnect
		hc := vpn.NewHealthChecker(ref, hcfg)
		hc.SetOnReconnecting(func(attempt int) {
			common.LogInfo("CLI: endpoint unhealthy, reconnect attempt %d", attempt)
		})
		hc.SetOnReconnectFailed(func(err error) {
			common.LogError("CLI: giving up reconnecting: %v", err)
		})
		observers = append(observers, hc)
		rt.closers = append(rt.closers, hc.Stop)
	}

	if notifications && cfg.ShowNotifications {
		desktop, err := notify.New()
		if err != nil {
			common.LogWarn("CLI: notifications disabled: %v", err)
		} else {
			obs := notify.NewObserver(desktop)
			observers = append(observers, obs)
			rt.closers = append(rt.closers, func() { desktop.Close() }, obs.Close)
		}
	}
	observers = append(observers, extra...)

	rt.mgr = vpn.NewManager(vpn.Options{
		Binary:     cfg.WarpBinary,
		WorkDir:    cfg.WorkDir,
		Supervisor: sup,
		Network: vpn.Backends{
			Proxy:  sysproxy.New(),
			Tunnel: tunnel,
		},
		Args:             builder.Build,
		Settings:         store,
		Observer:         observers,
		History:          store,
		ProcessLog:       procLog,
		ReadinessTimeout: cfg.ReadinessTimeout,
		NetworkTimeout:   cfg.NetworkTimeout,
	})
	ref.m = rt.mgr
	return rt, nil
}

// start runs the manager loop in the background.
func (rt *runtime) start() {
	ctx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.stopped = make(chan struct{})
	go func() {
		defer close(rt.stopped)
		if err := rt.mgr.Run(ctx); err != nil {
			common.LogError("CLI: manager: %v", err)
		}
	}()
}

// stop ends the loop, which restores the network if a session is still
// up, then releases the observers. Closers run in reverse order.
func (rt *runtime) stop() {
	if rt.cancel != nil {
		rt.cancel()
		<-rt.stopped
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// teardownTimeout bounds a disconnect: both network calls plus the
// process kill grace period.
func (rt *runtime) teardownTimeout() time.Duration {
	timeout := rt.cfg.NetworkTimeout
	if timeout <= 0 {
		timeout = common.NetworkTimeout
	}
	return 2*timeout + common.ProcessWaitDelay
}

// exit disconnects and waits for the exit signal.
func (rt *runtime) exit() error {
	ctx, cancel := context.WithTimeout(context.Background(), rt.teardownTimeout())
	defer cancel()
	return rt.mgr.DisconnectAndExit(ctx)
}

// onSignal calls fn on the first SIGINT or SIGTERM until the returned
// function is called.
func onSignal(fn func(os.Signal)) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigCh:
			fn(sig)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// sessionEnd watches for a session that ended without being asked to,
// such as warp-plus crashing.
type sessionEnd struct {
	once    sync.Once
	done    chan struct{}
	failing error // loop only
	err     error
}

func newSessionEnd() *sessionEnd {
	return &sessionEnd{done: make(chan struct{})}
}

// OnEvent implements vpn.Observer.
func (s *sessionEnd) OnEvent(e vpn.Event) {
	switch e.Kind {
	case vpn.EventDisconnecting:
		s.failing = nil
		if e.Err != nil && !errors.Is(e.Err, common.ErrCancelled) {
			s.failing = e.Err
		}
	case vpn.EventDisconnected:
		if s.failing != nil {
			s.once.Do(func() {
				s.err = s.failing
				close(s.done)
			})
		}
	}
}

// Done is closed once a session has failed.
func (s *sessionEnd) Done() <-chan struct{} { return s.done }

// Err returns the failure. Valid after Done is closed.
func (s *sessionEnd) Err() error { return s.err }

// requestFlags overrides the stored request with explicit flags.
type requestFlags struct {
	mode string
	host string
	port int
}

func (f requestFlags) apply(req vpn.ConnectRequest, changed func(string) bool) (vpn.ConnectRequest, error) {
	if changed("mode") {
		mode, err := vpn.ParseMode(f.mode)
		if err != nil {
			return req, err
		}
		req.Mode = mode
	}
	if changed("host") {
		req.HostAddress = f.host
	}
	if changed("port") {
		req.Port = f.port
	}
	return req, req.Validate()
}

func (a *App) cmdConnect(args []string) error {
	fs := a.newFlagSet("connect", "[--mode none|system|tun] [--host IP] [--port N]")
	var rf requestFlags
	fs.StringVarP(&rf.mode, "mode", "m", common.DefaultProxyMode, "Proxy mode: none, system or tun")
	fs.StringVar(&rf.host, "host", common.DefaultHostIP, "Address warp-plus listens on")
	fs.IntVarP(&rf.port, "port", "p", common.DefaultPort, "Port warp-plus listens on")
	plain := fs.Bool("plain", false, "Print events instead of the interactive view")
	noNotify := fs.Bool("no-notify", false, "Disable desktop notifications")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	store, err := a.settings()
	if err != nil {
		return err
	}
	req, err := vpn.RequestFromSettings(store)
	if err != nil && !fs.Changed("mode") && !fs.Changed("host") && !fs.Changed("port") {
		return fmt.Errorf("%w: %v", common.ErrSettings, err)
	}
	req, err = rf.apply(req, fs.Changed)
	if err != nil {
		return err
	}

	interactive := !*plain && tui.IsTerminal(os.Stdout)
	if interactive {
		return a.connectInteractive(req, !*noNotify)
	}
	return a.connectPlain(req, !*noNotify)
}

func (a *App) connectInteractive(req vpn.ConnectRequest, notifications bool) error {
	mon := tui.NewMonitor()
	rt, err := a.buildRuntime(mon, notifications, mon)
	if err != nil {
		return err
	}
	rt.start()
	defer rt.stop()

	// The view owns the terminal; the log file keeps everything
	logger := common.GetLogger()
	console := logger.Console()
	logger.SetConsole(false)
	defer logger.SetConsole(console)

	stopSignals := onSignal(func(sig os.Signal) {
		common.LogInfo("CLI: received %v, disconnecting", sig)
		if err := rt.exit(); err != nil {
			common.LogWarn("CLI: disconnect on %v: %v", sig, err)
		}
	})
	defer stopSignals()

	err = mon.Run(context.Background(), rt.mgr, req, rt.teardownTimeout())
	if errors.Is(err, common.ErrCancelled) {
		return nil
	}
	return err
}

func (a *App) connectPlain(req vpn.ConnectRequest, notifications bool) error {
	printer := newEventPrinter(a.Stdout)
	defer printer.Close()
	ended := newSessionEnd()
	rt, err := a.buildRuntime(a.Stdout, notifications, printer, ended)
	if err != nil {
		return err
	}
	rt.start()
	defer rt.stop()

	stopSignals := onSignal(func(sig os.Signal) {
		common.LogInfo("CLI: received %v, disconnecting", sig)
		if err := rt.exit(); err != nil {
			common.LogWarn("CLI: disconnect on %v: %v", sig, err)
		}
	})
	defer stopSignals()

	if err := rt.mgr.Connect(context.Background(), req); err != nil {
		if exitErr := rt.exit(); exitErr != nil {
			common.LogWarn("CLI: cleanup after failed connect: %v", exitErr)
		}
		if errors.Is(err, common.ErrCancelled) {
			// Interrupted while connecting
			return nil
		}
		return err
	}

	fmt.Fprintf(a.Stdout, "Press Ctrl+C to disconnect.\n")
	select {
	case <-rt.mgr.Exited():
		return nil
	case <-ended.Done():
		return ended.Err()
	}
}

func (a *App) cmdTray(args []string) error {
	fs := a.newFlagSet("tray", "[--no-notify]")
	noNotify := fs.Bool("no-notify", false, "Disable desktop notifications")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	store, err := a.settings()
	if err != nil {
		return err
	}

	// The indicator needs the manager and the manager needs the indicator
	// as an observer, so the observer is bound late.
	var indicator *tray.Indicator
	lateTray := vpn.ObserverFunc(func(e vpn.Event) {
		if indicator != nil {
			indicator.OnEvent(e)
		}
	})
	rt, err := a.buildRuntime(a.Stdout, !*noNotify, lateTray)
	if err != nil {
		return err
	}
	indicator = tray.New(rt.mgr, store, rt.teardownTimeout(), func() {
		common.LogInfo("CLI: tray closed")
	})
	rt.start()
	defer rt.stop()

	stopSignals := onSignal(func(sig os.Signal) {
		common.LogInfo("CLI: received %v, closing tray", sig)
		if err := rt.exit(); err != nil {
			common.LogWarn("CLI: disconnect on %v: %v", sig, err)
		}
		tray.Quit()
	})
	defer stopSignals()

	common.LogInfo("Starting %s tray", common.AppName)
	indicator.Run()
	return nil
}
