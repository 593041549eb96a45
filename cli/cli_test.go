package cli

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/settings"
	"github.com/yllada/warp-manager/vpn"
)

type memCreds struct {
	mu      sync.Mutex
	secrets map[string]string
}

func (m *memCreds) Store(name, secret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets == nil {
		m.secrets = make(map[string]string)
	}
	m.secrets[name] = secret
	return nil
}

func (m *memCreds) Get(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.secrets[name]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return s, nil
}

func (m *memCreds) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[name]; !ok {
		return common.ErrCredentialsNotFound
	}
	delete(m.secrets, name)
	return nil
}

func newTestApp(t *testing.T) (*App, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	a := &App{
		Version:    "1.2.3",
		BuildTime:  "unknown",
		Stdout:     &out,
		Stderr:     &errOut,
		configPath: filepath.Join(t.TempDir(), common.ConfigFileName),
		creds:      &memCreds{},
	}
	return a, &out
}

// run executes args with a fresh output buffer.
func run(t *testing.T, a *App, out *bytes.Buffer, args ...string) (string, error) {
	t.Helper()
	out.Reset()
	// Global flags parse into the App, so keep the test config path.
	full := append([]string{"--config", a.configPath}, args...)
	err := a.Run(full)
	return out.String(), err
}

func TestRun_Version(t *testing.T) {
	a, out := newTestApp(t)
	got, err := run(t, a, out, "--version")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(got, common.AppName+" 1.2.3") {
		t.Errorf("output = %q, want app name and version", got)
	}
}

func TestRun_Help(t *testing.T) {
	a, out := newTestApp(t)
	got, err := run(t, a, out)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, c := range commands {
		if !strings.Contains(got, c.name) {
			t.Errorf("help missing command %q", c.name)
		}
	}
}

func TestRun_UnknownCommand(t *testing.T) {
	a, out := newTestApp(t)
	_, err := run(t, a, out, "frobnicate")
	if !IsUsage(err) {
		t.Errorf("Run(frobnicate) error = %v, want usage error", err)
	}
}

func TestSetGetUnset(t *testing.T) {
	a, out := newTestApp(t)

	if _, err := run(t, a, out, "set", "port", "9090"); err != nil {
		t.Fatalf("set port error = %v", err)
	}
	got, err := run(t, a, out, "get", "port")
	if err != nil {
		t.Fatalf("get port error = %v", err)
	}
	if strings.TrimSpace(got) != "9090" {
		t.Errorf("get port = %q, want 9090", got)
	}

	got, err = run(t, a, out, "get")
	if err != nil {
		t.Fatalf("get error = %v", err)
	}
	if !strings.Contains(got, "port") || !strings.Contains(got, "user") {
		t.Errorf("get listing = %q, want port marked as user", got)
	}

	if _, err := run(t, a, out, "unset", "port"); err != nil {
		t.Fatalf("unset port error = %v", err)
	}
	got, _ = run(t, a, out, "get", "port")
	if strings.TrimSpace(got) != "8086" {
		t.Errorf("get port after unset = %q, want default 8086", got)
	}
}

func TestSet_ModeIsLowercased(t *testing.T) {
	a, out := newTestApp(t)
	if _, err := run(t, a, out, "set", "proxyMode", "TUN"); err != nil {
		t.Fatalf("set proxyMode error = %v", err)
	}
	got, _ := run(t, a, out, "get", "proxyMode")
	if strings.TrimSpace(got) != "tun" {
		t.Errorf("proxyMode = %q, want tun", got)
	}
}

func TestValidateSetting(t *testing.T) {
	tests := []struct {
		key, value string
		wantErr    error
	}{
		{common.KeyPort, "8086", nil},
		{common.KeyPort, "0", common.ErrInvalidEndpoint},
		{common.KeyPort, "70000", common.ErrInvalidEndpoint},
		{common.KeyPort, "http", common.ErrInvalidEndpoint},
		{common.KeyHostIP, "::1", nil},
		{common.KeyHostIP, "localhost", common.ErrInvalidEndpoint},
		{common.KeyProxyMode, "none", nil},
		{common.KeyProxyMode, "vpn", common.ErrInvalidMode},
		{common.KeyMethod, "psiphon", nil},
		{common.KeyMethod, "tor", errUsage},
		{common.KeyIPVersion, "6", nil},
		{common.KeyIPVersion, "5", errUsage},
		{common.KeyEndpoint, "162.159.192.1:2408", nil},
		{common.KeyEndpoint, "162.159.192.1", common.ErrInvalidEndpoint},
		{common.KeyEndpoint, "", nil},
		{common.KeyReuseScan, "false", nil},
		{common.KeyReuseScan, "maybe", errUsage},
		{"colour", "blue", errUsage},
	}
	for _, tt := range tests {
		err := validateSetting(tt.key, tt.value)
		if tt.wantErr == nil {
			if err != nil {
				t.Errorf("validateSetting(%s, %q) error = %v, want nil", tt.key, tt.value, err)
			}
			continue
		}
		if !errors.Is(err, tt.wantErr) {
			t.Errorf("validateSetting(%s, %q) error = %v, want %v", tt.key, tt.value, err, tt.wantErr)
		}
	}
}

func TestLicense(t *testing.T) {
	a, out := newTestApp(t)

	got, err := run(t, a, out, "license", "show")
	if err != nil || !strings.Contains(got, "No license key") {
		t.Fatalf("license show on empty store = %q, %v", got, err)
	}

	if _, err := run(t, a, out, "license", "set", "abcd-efgh-1234"); err != nil {
		t.Fatalf("license set error = %v", err)
	}
	got, _ = run(t, a, out, "license", "show")
	if strings.TrimSpace(got) != "**********1234" {
		t.Errorf("license show = %q, want masked key", got)
	}

	if _, err := run(t, a, out, "license", "remove"); err != nil {
		t.Fatalf("license remove error = %v", err)
	}
	// Removing twice is not an error
	if _, err := run(t, a, out, "license", "remove"); err != nil {
		t.Errorf("second license remove error = %v", err)
	}

	if _, err := run(t, a, out, "license", "set"); !IsUsage(err) {
		t.Errorf("license set without key error = %v, want usage error", err)
	}
}

func TestHistoryAndStatus(t *testing.T) {
	a, out := newTestApp(t)

	got, err := run(t, a, out, "history")
	if err != nil || !strings.Contains(got, "No sessions") {
		t.Fatalf("history on empty store = %q, %v", got, err)
	}

	store, err := settings.Open(filepath.Join(filepath.Dir(a.configPath), common.SettingsFileName))
	if err != nil {
		t.Fatalf("settings.Open() error = %v", err)
	}
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	store.BeginSession("s1", "system", "127.0.0.1:8086", start)
	store.MarkConnected("s1", start.Add(5*time.Second))
	store.EndSession("s1", start.Add(65*time.Second), "disconnected")
	store.Close()

	got, err = run(t, a, out, "history", "--limit", "5")
	if err != nil {
		t.Fatalf("history error = %v", err)
	}
	for _, want := range []string{"127.0.0.1:8086", "1m 0s", "disconnected"} {
		if !strings.Contains(got, want) {
			t.Errorf("history missing %q:\n%s", want, got)
		}
	}

	got, err = run(t, a, out, "status")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"Mode:", "system", "127.0.0.1:8086", "ended"} {
		if !strings.Contains(got, want) {
			t.Errorf("status missing %q:\n%s", want, got)
		}
	}
}

func TestRequestFlags_Apply(t *testing.T) {
	base := vpn.ConnectRequest{Mode: vpn.ModeSystemProxy, HostAddress: "127.0.0.1", Port: 8086}
	changedOf := func(names ...string) func(string) bool {
		return func(n string) bool {
			for _, x := range names {
				if x == n {
					return true
				}
			}
			return false
		}
	}

	tests := []struct {
		name    string
		flags   requestFlags
		changed []string
		want    vpn.ConnectRequest
		wantErr error
	}{
		{"nothing changed", requestFlags{mode: "tun", port: 1}, nil, base, nil},
		{"mode", requestFlags{mode: "tun"}, []string{"mode"},
			vpn.ConnectRequest{Mode: vpn.ModeVirtualTunnel, HostAddress: "127.0.0.1", Port: 8086}, nil},
		{"port", requestFlags{port: 9000}, []string{"port"},
			vpn.ConnectRequest{Mode: vpn.ModeSystemProxy, HostAddress: "127.0.0.1", Port: 9000}, nil},
		{"bad mode", requestFlags{mode: "vpn"}, []string{"mode"}, base, common.ErrInvalidMode},
		{"bad host", requestFlags{host: "example.com"}, []string{"host"}, vpn.ConnectRequest{}, common.ErrInvalidEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.apply(base, changedOf(tt.changed...))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("apply() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("apply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("apply() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestDescribeEvent(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.Local)
	tests := []struct {
		event  vpn.Event
		want   string
		wantOK bool
	}{
		{vpn.Event{Kind: vpn.EventConnected, Mode: vpn.ModeVirtualTunnel, Address: "127.0.0.1:8086", Time: at},
			"[10:00:00] Connected on 127.0.0.1:8086 (tun)", true},
		{vpn.Event{Kind: vpn.EventDisconnecting, Err: common.ErrTimeout, Time: at},
			"[10:00:00] Connection failed: " + common.ErrTimeout.Error(), true},
		{vpn.Event{Kind: vpn.EventDisconnecting, Time: at}, "[10:00:00] Disconnecting...", true},
		{vpn.Event{Kind: vpn.EventAdvisory, Advisory: &vpn.Advisory{Message: "port in use"}, Time: at},
			"[10:00:00] Warning: port in use", true},
		{vpn.Event{Kind: vpn.EventAdvisory, Time: at}, "", false},
		{vpn.Event{Kind: vpn.EventExit, Time: at}, "", false},
	}
	for _, tt := range tests {
		got, ok := describeEvent(tt.event)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("describeEvent(%s) = %q, %v, want %q, %v", tt.event.Name(), got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestEventPrinter_Close(t *testing.T) {
	var buf bytes.Buffer
	p := newEventPrinter(&buf)
	p.OnEvent(vpn.Event{Kind: vpn.EventDisconnected})
	p.OnEvent(vpn.Event{Kind: vpn.EventExit})
	p.Close()
	if got := strings.Count(buf.String(), "\n"); got != 1 {
		t.Errorf("printed %d lines, want 1:\n%s", got, buf.String())
	}
}

func TestSessionEnd(t *testing.T) {
	s := newSessionEnd()

	// A requested disconnect is not a failure
	s.OnEvent(vpn.Event{Kind: vpn.EventDisconnecting})
	s.OnEvent(vpn.Event{Kind: vpn.EventDisconnected})
	select {
	case <-s.Done():
		t.Fatal("requested disconnect reported as failure")
	default:
	}

	s.OnEvent(vpn.Event{Kind: vpn.EventDisconnecting, Err: common.ErrProcessExited})
	s.OnEvent(vpn.Event{Kind: vpn.EventDisconnected})
	select {
	case <-s.Done():
	default:
		t.Fatal("process exit not reported")
	}
	if !errors.Is(s.Err(), common.ErrProcessExited) {
		t.Errorf("Err() = %v, want ErrProcessExited", s.Err())
	}
}

func TestMaskSecret(t *testing.T) {
	tests := map[string]string{
		"":         "",
		"abc":      "***",
		"abcdefgh": "****efgh",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{5 * time.Second, "5s"},
		{61 * time.Second, "1m 1s"},
		{2*time.Hour + 3*time.Minute + 4*time.Second, "2h 3m 4s"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
