package tui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/vpn"
)

type fakeController struct {
	mu         sync.Mutex
	snap       vpn.Snapshot
	connectErr error
	exits      int
}

func (f *fakeController) Connect(context.Context, vpn.ConnectRequest) error {
	return f.connectErr
}

func (f *fakeController) DisconnectAndExit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits++
	return nil
}

func (f *fakeController) Status() vpn.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

var testReq = vpn.ConnectRequest{Mode: vpn.ModeSystemProxy, HostAddress: "127.0.0.1", Port: 8086}

func update(t *testing.T, m sessionModel, msg tea.Msg) (sessionModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	sm, ok := next.(sessionModel)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return sm, cmd
}

func TestModel_ConnectedView(t *testing.T) {
	ctrl := &fakeController{snap: vpn.Snapshot{
		State:       vpn.StateConnected,
		Mode:        vpn.ModeSystemProxy,
		Address:     "127.0.0.1:8086",
		SessionID:   "abc",
		ConnectedAt: time.Now().Add(-time.Minute),
	}}
	m := newModel(context.Background(), ctrl, testReq, NewMonitor(), time.Second)

	m, cmd := update(t, m, eventMsg(vpn.Event{Kind: vpn.EventConnected, Mode: vpn.ModeSystemProxy}))
	if cmd == nil {
		t.Error("event handling must keep waiting for events")
	}
	m, _ = update(t, m, eventMsg(vpn.Event{Kind: vpn.EventAdvisory, Advisory: &vpn.Advisory{Message: "port busy"}}))

	view := m.View()
	for _, want := range []string{common.AppName, "Connected", "127.0.0.1:8086", "system", "Uptime", "port busy"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestModel_QuitKeyDisconnects(t *testing.T) {
	ctrl := &fakeController{snap: vpn.Snapshot{State: vpn.StateConnected}}
	m := newModel(context.Background(), ctrl, testReq, NewMonitor(), time.Second)

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if !m.quitting || cmd == nil {
		t.Fatal("q should start the disconnect")
	}
	msg := cmd()
	if _, ok := msg.(exitedMsg); !ok {
		t.Fatalf("disconnect command returned %T, want exitedMsg", msg)
	}
	if ctrl.exits != 1 {
		t.Errorf("DisconnectAndExit called %d times, want 1", ctrl.exits)
	}

	// A second key press while quitting does nothing
	if _, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC}); cmd != nil {
		t.Error("second quit key should be ignored")
	}
}

func TestModel_ConnectFailureExits(t *testing.T) {
	ctrl := &fakeController{snap: vpn.Snapshot{State: vpn.StateIdle}}
	m := newModel(context.Background(), ctrl, testReq, NewMonitor(), time.Second)

	m, cmd := update(t, m, connectedMsg{err: common.ErrTimeout})
	if !errors.Is(m.err, common.ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", m.err)
	}
	if cmd == nil {
		t.Fatal("connect failure should disconnect and exit")
	}
	if !strings.Contains(m.View(), "Error:") {
		t.Error("view should show the error")
	}
}

func TestModel_ExitEventQuits(t *testing.T) {
	m := newModel(context.Background(), &fakeController{}, testReq, NewMonitor(), time.Second)
	_, cmd := update(t, m, eventMsg(vpn.Event{Kind: vpn.EventExit}))
	if cmd == nil {
		t.Fatal("exit event should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("exit event command is not tea.Quit")
	}
}

func TestMonitor_DropsWhenFull(t *testing.T) {
	mon := NewMonitor()
	done := make(chan struct{})
	go func() {
		for i := 0; i < eventBuffer*2; i++ {
			mon.OnEvent(vpn.Event{Kind: vpn.EventAdvisory})
			mon.Line("line")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEvent blocked on a full buffer")
	}
	if len(mon.events) != eventBuffer {
		t.Errorf("buffered events = %d, want %d", len(mon.events), eventBuffer)
	}
}

func TestMonitor_Write(t *testing.T) {
	mon := NewMonitor()
	n, err := mon.Write([]byte("msg=\"serving\"\n"))
	if err != nil || n != 14 {
		t.Fatalf("Write = %d, %v, want 14, nil", n, err)
	}
	if got := <-mon.lines; got != `msg="serving"` {
		t.Errorf("line = %q, want trailing newline trimmed", got)
	}
}

func TestAppendBounded(t *testing.T) {
	var list []string
	for _, s := range []string{"a", "b", "c", "d"} {
		list = appendBounded(list, s, 3)
	}
	if strings.Join(list, "") != "bcd" {
		t.Errorf("list = %v, want [b c d]", list)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		want  string
	}{
		{"hello", 0, "hello"},
		{"hello", 10, "hello"},
		{"hello world", 8, "hello..."},
		{"hello", 2, "he"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.width); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}
