package vpn

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yllada/warp-manager/common"
)

const (
	testWait    = 5 * time.Second
	servingLine = `echo 'level=INFO msg="serving proxy" address=127.0.0.1:8086'`
	scanLine    = `echo 'level=INFO msg="scan results" endpoints="[{AddrPort:203.0.113.7:8080 RTT:12ms}]"'`
	holdOpen    = `exec sleep 60`
	testHost    = "127.0.0.1"
	testPort    = 8086
)

type testEnv struct {
	m        *Manager
	rec      *eventRecorder
	backend  *fakeBackend
	settings *memSettings
	history  *fakeHistory
}

type fakeHistory struct {
	mu       sync.Mutex
	begun    []string
	connects []string
	outcomes map[string]string
}

func (h *fakeHistory) BeginSession(id, mode, address string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.begun = append(h.begun, id)
	return nil
}

func (h *fakeHistory) MarkConnected(id string, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, id)
	return nil
}

func (h *fakeHistory) EndSession(id string, at time.Time, outcome string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.outcomes == nil {
		h.outcomes = map[string]string{}
	}
	h.outcomes[id] = outcome
	return nil
}

func newTestEnv(t *testing.T, script string, tweak func(*Options)) *testEnv {
	t.Helper()
	env := &testEnv{
		rec:      newEventRecorder(),
		backend:  newFakeBackend(),
		settings: newMemSettings(),
		history:  &fakeHistory{},
	}
	opts := Options{
		Binary:   writeScript(t, script),
		Network:  env.backend,
		Settings: env.settings,
		Observer: env.rec,
		History:  env.history,
		Args: func(ConnectRequest) ([]string, error) {
			return nil, nil
		},
		NetworkTimeout: 2 * time.Second,
	}
	opts.Classifier = NewClassifier()
	opts.Classifier.portOwner = func(int) (int32, string, bool) { return 0, "", false }
	if tweak != nil {
		tweak(&opts)
	}
	env.m = NewManager(opts)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		env.m.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return env
}

func request(mode Mode) ConnectRequest {
	return ConnectRequest{Mode: mode, HostAddress: testHost, Port: testPort}
}

func connectCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), testWait)
	t.Cleanup(cancel)
	return ctx
}

func TestManager_DirectConnectDisconnect(t *testing.T) {
	env := newTestEnv(t, scanLine+"\n"+servingLine+"\n"+holdOpen, nil)

	if err := env.m.Connect(connectCtx(t), request(ModeDirect)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if st := env.m.Status(); st.State != StateConnected || st.Mode != ModeDirect {
		t.Errorf("Status() = %v/%v, want Connected/direct", st.State, st.Mode)
	}
	if got := env.settings.writesTo(common.KeyScanResult); len(got) != 1 || got[0] != "203.0.113.7:8080" {
		t.Errorf("scanResult writes = %q, want one write of 203.0.113.7:8080", got)
	}

	if err := env.m.Disconnect(connectCtx(t)); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}

	want := []string{"connecting", "connected:none", "disconnecting", "disconnected"}
	got := env.rec.names()
	if len(got) != len(want) {
		t.Fatalf("events = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %q, want %q", i, got[i], want[i])
		}
	}
	if st := env.m.Status(); st.State != StateIdle {
		t.Errorf("Status() after disconnect = %v, want Idle", st.State)
	}
	if enables, disables := env.backend.counts(ModeSystemProxy); enables != 0 || disables != 0 {
		t.Error("direct mode must not touch the system proxy")
	}
}

// The connected event fires once whichever gate completes first.
func TestManager_ConnectGateOrderings(t *testing.T) {
	tests := []struct {
		name   string
		script string
		manual bool
	}{
		{"network first", "sleep 0.3\n" + servingLine + "\n" + holdOpen, false},
		{"process first", servingLine + "\n" + holdOpen, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.script, nil)
			env.backend.manual = tt.manual

			result := make(chan error, 1)
			go func() { result <- env.m.Connect(connectCtx(t), request(ModeSystemProxy)) }()

			if tt.manual {
				time.Sleep(300 * time.Millisecond)
				if env.rec.count("connected:system") != 0 {
					t.Fatal("connected fired before the network gate")
				}
				if st := env.m.Status(); st.State != StateConnecting {
					t.Fatalf("Status() = %v, want Connecting", st.State)
				}
				env.backend.release <- nil
			}

			select {
			case err := <-result:
				if err != nil {
					t.Fatalf("Connect() error = %v", err)
				}
			case <-time.After(testWait):
				t.Fatal("Connect() did not return")
			}

			time.Sleep(100 * time.Millisecond)
			if n := env.rec.count("connected:system"); n != 1 {
				t.Errorf("connected fired %d times, want 1", n)
			}
			if env.backend.lastAddr != "127.0.0.1:8086" {
				t.Errorf("proxy enabled for %q, want 127.0.0.1:8086", env.backend.lastAddr)
			}
		})
	}
}

func TestManager_NetworkEnableFailure(t *testing.T) {
	env := newTestEnv(t, servingLine+"\n"+holdOpen, nil)
	env.backend.enableErr = errors.New("gsettings: no schema")

	err := env.m.Connect(connectCtx(t), request(ModeSystemProxy))
	if !errors.Is(err, common.ErrNetworkMode) {
		t.Fatalf("Connect() error = %v, want ErrNetworkMode", err)
	}

	// disconnected requires the process gate, so the process is gone
	if !env.rec.waitFor("disconnected", testWait) {
		t.Fatalf("disconnected never fired, events = %q", env.rec.names())
	}
	if n := env.rec.count("connected:system"); n != 0 {
		t.Errorf("connected fired %d times after enable failure", n)
	}
	if n := env.rec.count("disconnected"); n != 1 {
		t.Errorf("disconnected fired %d times, want 1", n)
	}
	if env.rec.count("advisory") == 0 {
		t.Error("enable failure should raise an advisory")
	}
}

func TestManager_ProcessExitWhileConnected(t *testing.T) {
	env := newTestEnv(t, servingLine+"\nsleep 0.5\nexit 1", nil)

	if err := env.m.Connect(connectCtx(t), request(ModeSystemProxy)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !env.rec.waitFor("disconnected", testWait) {
		t.Fatalf("disconnected never fired, events = %q", env.rec.names())
	}

	time.Sleep(100 * time.Millisecond)
	if _, disables := env.backend.counts(ModeSystemProxy); disables != 1 {
		t.Errorf("DisableSystemProxy called %d times, want 1", disables)
	}
	if n := env.rec.count("disconnected"); n != 1 {
		t.Errorf("disconnected fired %d times, want 1", n)
	}

	env.history.mu.Lock()
	defer env.history.mu.Unlock()
	if len(env.history.begun) != 1 || len(env.history.connects) != 1 {
		t.Fatalf("history begun=%d connected=%d, want 1/1", len(env.history.begun), len(env.history.connects))
	}
	if got := env.history.outcomes[env.history.begun[0]]; got == "disconnected" || got == "" {
		t.Errorf("outcome = %q, want an abort reason", got)
	}
}

func TestManager_DisconnectAndExitOrdering(t *testing.T) {
	var m *Manager
	var exitedEarly bool
	var mu sync.Mutex
	var order []string

	env := newTestEnv(t, servingLine+"\n"+holdOpen, func(o *Options) {
		rec := o.Observer
		o.Observer = Observers{rec, ObserverFunc(func(e Event) {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, e.Name())
			if e.Kind == EventDisconnected {
				select {
				case <-m.Exited():
					exitedEarly = true
				default:
				}
			}
		})}
	})
	m = env.m

	if err := m.Connect(connectCtx(t), request(ModeVirtualTunnel)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	select {
	case <-m.Exited():
		t.Fatal("Exited() closed while connected")
	default:
	}

	if err := m.DisconnectAndExit(connectCtx(t)); err != nil {
		t.Fatalf("DisconnectAndExit() error = %v", err)
	}
	select {
	case <-m.Exited():
	case <-time.After(testWait):
		t.Fatal("Exited() never closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if exitedEarly {
		t.Error("exit was signalled before the disconnected event")
	}
	if len(order) < 2 || order[len(order)-2] != "disconnected" || order[len(order)-1] != "exit" {
		t.Errorf("events = %q, want disconnected then exit last", order)
	}
}

func TestManager_DisconnectWithoutProcess(t *testing.T) {
	t.Run("never connected", func(t *testing.T) {
		env := newTestEnv(t, holdOpen, nil)
		if err := env.m.Disconnect(connectCtx(t)); err != nil {
			t.Fatalf("Disconnect() error = %v", err)
		}
		if n := env.rec.count("disconnected"); n != 1 {
			t.Errorf("disconnected fired %d times, want 1", n)
		}
	})

	t.Run("after process exited", func(t *testing.T) {
		env := newTestEnv(t, servingLine+"\nsleep 0.3\nexit 0", nil)
		if err := env.m.Connect(connectCtx(t), request(ModeSystemProxy)); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if !env.rec.waitFor("disconnected", testWait) {
			t.Fatal("disconnected never fired after exit")
		}

		if err := env.m.Disconnect(connectCtx(t)); err != nil {
			t.Fatalf("Disconnect() error = %v", err)
		}
		if n := env.rec.count("disconnected"); n != 2 {
			t.Errorf("disconnected fired %d times, want 2", n)
		}
		// The idle disconnect still drives the proxy disable
		if _, disables := env.backend.counts(ModeSystemProxy); disables != 2 {
			t.Errorf("DisableSystemProxy called %d times, want 2", disables)
		}
	})
}

func TestManager_VirtualTunnelScenario(t *testing.T) {
	env := newTestEnv(t, servingLine+"\n"+holdOpen, nil)

	if err := env.m.Connect(connectCtx(t), request(ModeVirtualTunnel)); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if n := env.rec.count("connected:tun"); n != 1 {
		t.Errorf("connected:tun fired %d times, want 1", n)
	}

	if err := env.m.Disconnect(connectCtx(t)); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	enables, disables := env.backend.counts(ModeVirtualTunnel)
	if enables != 1 || disables != 1 {
		t.Errorf("tunnel enables=%d disables=%d, want 1/1", enables, disables)
	}
	if n := env.rec.count("disconnected"); n != 1 {
		t.Errorf("disconnected fired %d times, want 1", n)
	}
}

func TestManager_ConnectWhileBusy(t *testing.T) {
	env := newTestEnv(t, holdOpen, nil)

	first := make(chan error, 1)
	go func() { first <- env.m.Connect(connectCtx(t), request(ModeDirect)) }()
	if !env.rec.waitFor("connecting", testWait) {
		t.Fatal("first connect never started")
	}

	err := env.m.Connect(connectCtx(t), request(ModeDirect))
	if !errors.Is(err, ErrBusy) {
		t.Errorf("second Connect() error = %v, want ErrBusy", err)
	}

	if err := env.m.Disconnect(connectCtx(t)); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	if err := <-first; !errors.Is(err, common.ErrCancelled) {
		t.Errorf("first Connect() error = %v, want ErrCancelled", err)
	}
	if n := env.rec.count("connected:none"); n != 0 {
		t.Errorf("connected fired %d times after a cancelled connect", n)
	}
}

func TestManager_MissingBinary(t *testing.T) {
	env := newTestEnv(t, holdOpen, func(o *Options) {
		o.Binary = filepath.Join(t.TempDir(), "absent")
	})

	err := env.m.Connect(connectCtx(t), request(ModeSystemProxy))
	if !errors.Is(err, common.ErrBinaryNotFound) {
		t.Fatalf("Connect() error = %v, want ErrBinaryNotFound", err)
	}
	if got := env.rec.names(); len(got) != 0 {
		t.Errorf("events = %q, want none", got)
	}
	if enables, _ := env.backend.counts(ModeSystemProxy); enables != 0 {
		t.Error("precondition failure must not touch the network")
	}
}

func TestManager_SpawnFailureUnwindsNetwork(t *testing.T) {
	env := newTestEnv(t, holdOpen, func(o *Options) {
		// Present but not executable
		os.Chmod(o.Binary, 0644)
	})
	env.backend.manual = true

	result := make(chan error, 1)
	go func() { result <- env.m.Connect(connectCtx(t), request(ModeSystemProxy)) }()
	if !env.rec.waitFor("disconnecting", testWait) {
		t.Fatalf("disconnecting never fired, events = %q", env.rec.names())
	}

	// The enable is still in flight; the caller must not hear back yet
	select {
	case err := <-result:
		t.Fatalf("Connect() returned %v before the network was restored", err)
	case <-time.After(200 * time.Millisecond):
	}

	env.backend.release <- nil

	select {
	case err := <-result:
		if !errors.Is(err, common.ErrSpawnFailed) {
			t.Fatalf("Connect() error = %v, want ErrSpawnFailed", err)
		}
	case <-time.After(testWait):
		t.Fatal("Connect() did not return")
	}
	if enables, disables := env.backend.counts(ModeSystemProxy); enables != 1 || disables != 1 {
		t.Errorf("proxy enables=%d disables=%d, want 1/1", enables, disables)
	}
	if got := env.m.Status().State; got != StateIdle {
		t.Errorf("State after Connect() = %v, want Idle", got)
	}
}

func TestManager_ProcessExitBeforeReadyRestoresProxy(t *testing.T) {
	env := newTestEnv(t, "sleep 0.2; exit 1", nil)

	err := env.m.Connect(connectCtx(t), request(ModeSystemProxy))
	if !errors.Is(err, common.ErrProcessExited) {
		t.Fatalf("Connect() error = %v, want ErrProcessExited", err)
	}
	if enables, disables := env.backend.counts(ModeSystemProxy); enables != 1 || disables != 1 {
		t.Errorf("proxy enables=%d disables=%d, want 1/1", enables, disables)
	}
	if got := env.m.Status().State; got != StateIdle {
		t.Errorf("State after Connect() = %v, want Idle", got)
	}
	if !env.rec.waitFor("disconnected", testWait) {
		t.Fatalf("disconnected never fired, events = %q", env.rec.names())
	}
	if n := env.rec.count("connected:system"); n != 0 {
		t.Errorf("connected fired %d times for a process that never served", n)
	}
}

func TestManager_ReadinessTimeout(t *testing.T) {
	env := newTestEnv(t, holdOpen, func(o *Options) {
		o.ReadinessTimeout = 200 * time.Millisecond
	})

	err := env.m.Connect(connectCtx(t), request(ModeDirect))
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("Connect() error = %v, want ErrTimeout", err)
	}
	if !env.rec.waitFor("disconnected", testWait) {
		t.Fatal("disconnected never fired after timeout")
	}
}

func TestManager_DisconnectDuringInFlightEnable(t *testing.T) {
	env := newTestEnv(t, servingLine+"\n"+holdOpen, nil)
	env.backend.manual = true

	result := make(chan error, 1)
	go func() { result <- env.m.Connect(connectCtx(t), request(ModeSystemProxy)) }()
	if !env.rec.waitFor("connecting", testWait) {
		t.Fatal("connect never started")
	}

	disc := make(chan error, 1)
	go func() { disc <- env.m.Disconnect(connectCtx(t)) }()

	if err := <-result; !errors.Is(err, common.ErrCancelled) {
		t.Errorf("Connect() error = %v, want ErrCancelled", err)
	}

	// Teardown waits for the enable to settle before disabling
	time.Sleep(200 * time.Millisecond)
	if _, disables := env.backend.counts(ModeSystemProxy); disables != 0 {
		t.Fatal("disable ran while the enable was still in flight")
	}
	if env.rec.count("disconnected") != 0 {
		t.Fatal("disconnected fired before the network was restored")
	}

	env.backend.release <- nil

	select {
	case err := <-disc:
		if err != nil {
			t.Fatalf("Disconnect() error = %v", err)
		}
	case <-time.After(testWait):
		t.Fatal("Disconnect() did not return")
	}
	if _, disables := env.backend.counts(ModeSystemProxy); disables != 1 {
		t.Errorf("DisableSystemProxy called %d times, want 1", disables)
	}
	if n := env.rec.count("connected:system"); n != 0 {
		t.Errorf("stale connected fired %d times", n)
	}
}

func TestManager_AdvisoryFromOutput(t *testing.T) {
	script := `echo 'level=ERROR msg="listen tcp 127.0.0.1:8086: bind: address already in use"'
echo 'level=ERROR msg="listen tcp 127.0.0.1:8086: bind: address already in use"' >&2
exit 1`
	env := newTestEnv(t, script, nil)

	err := env.m.Connect(connectCtx(t), request(ModeDirect))
	if !errors.Is(err, common.ErrProcessExited) {
		t.Fatalf("Connect() error = %v, want ErrProcessExited", err)
	}
	if !env.rec.waitFor("disconnected", testWait) {
		t.Fatal("disconnected never fired")
	}

	env.rec.mu.Lock()
	defer env.rec.mu.Unlock()
	advisories := 0
	for _, e := range env.rec.events {
		if e.Kind == EventAdvisory {
			advisories++
			if e.Advisory == nil || e.Advisory.Kind != AdvisoryPortInUse {
				t.Errorf("advisory = %+v, want port-in-use", e.Advisory)
			}
		}
	}
	if advisories != 1 {
		t.Errorf("got %d advisories, want 1", advisories)
	}
}

func TestManager_StoppedLoop(t *testing.T) {
	m := NewManager(Options{Binary: "/nonexistent"})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := m.Connect(context.Background(), request(ModeDirect)); !errors.Is(err, ErrStopped) {
		t.Errorf("Connect() after stop error = %v, want ErrStopped", err)
	}
	if err := m.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}
