package vpn

import (
	"context"
	"sync"
	"time"

	"github.com/yllada/warp-manager/common"
)

type memSettings struct {
	mu     sync.Mutex
	values map[string]string
	writes map[string][]string
}

func newMemSettings(kv ...string) *memSettings {
	s := &memSettings{values: map[string]string{}, writes: map[string][]string{}}
	for i := 0; i+1 < len(kv); i += 2 {
		s.values[kv[i]] = kv[i+1]
	}
	return s
}

func (s *memSettings) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *memSettings) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.writes[key] = append(s.writes[key], value)
	return nil
}

func (s *memSettings) writesTo(key string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes[key]...)
}

type memCredentials map[string]string

func (m memCredentials) Store(name, secret string) error { m[name] = secret; return nil }
func (m memCredentials) Delete(name string) error         { delete(m, name); return nil }
func (m memCredentials) Get(name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", common.ErrCredentialsNotFound
	}
	return v, nil
}

// fakeBackend is a NetworkBackend whose completions are controlled by the
// test. With manual set, enables block until release is called.
type fakeBackend struct {
	mu sync.Mutex

	enableErr  error
	manual     bool
	release    chan error
	enables    map[Mode]int
	disables   map[Mode]int
	lastAddr   string
	disabledAt []time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		release:  make(chan error, 1),
		enables:  map[Mode]int{},
		disables: map[Mode]int{},
	}
}

func (f *fakeBackend) enableResult() error {
	f.mu.Lock()
	manual, err := f.manual, f.enableErr
	f.mu.Unlock()
	if manual {
		return <-f.release
	}
	return err
}

func (f *fakeBackend) EnableSystemProxy(ctx context.Context, address string) error {
	f.mu.Lock()
	f.enables[ModeSystemProxy]++
	f.lastAddr = address
	f.mu.Unlock()
	return f.enableResult()
}

func (f *fakeBackend) DisableSystemProxy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disables[ModeSystemProxy]++
	f.disabledAt = append(f.disabledAt, time.Now())
	return nil
}

func (f *fakeBackend) EnableVirtualTunnel(ctx context.Context, address string, cb TunnelCallbacks) {
	f.mu.Lock()
	f.enables[ModeVirtualTunnel]++
	f.lastAddr = address
	f.mu.Unlock()
	if err := f.enableResult(); err != nil {
		cb.OnError(err)
		return
	}
	cb.OnSuccess()
}

func (f *fakeBackend) DisableVirtualTunnel(ctx context.Context, onExit func()) {
	f.mu.Lock()
	f.disables[ModeVirtualTunnel]++
	f.disabledAt = append(f.disabledAt, time.Now())
	f.mu.Unlock()
	onExit()
}

func (f *fakeBackend) counts(mode Mode) (enables, disables int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enables[mode], f.disables[mode]
}

// eventRecorder is an Observer that keeps every event.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	notify chan Event
}

func newEventRecorder() *eventRecorder {
	return &eventRecorder{notify: make(chan Event, 256)}
}

func (r *eventRecorder) OnEvent(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- e:
	default:
	}
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name())
	}
	return out
}

func (r *eventRecorder) count(name string) int {
	n := 0
	for _, got := range r.names() {
		if got == name {
			n++
		}
	}
	return n
}

// waitFor blocks until an event with the given name has been recorded.
func (r *eventRecorder) waitFor(name string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if r.count(name) > 0 {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
