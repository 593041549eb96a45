// Package tui shows a live view of a foreground WARP session in the
// terminal.
package tui

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yllada/warp-manager/common"
	"github.com/yllada/warp-manager/vpn"
)

const (
	eventBuffer   = 64
	maxAdvisories = 5
	maxLogLines   = 8
)

var boxStyle = lipgloss.NewStyle().
	BorderStyle(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("240")).
	Padding(0, 1)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	busyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	idleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245")).Width(10)
)

// Controller is the part of vpn.Manager the monitor drives.
type Controller interface {
	Connect(ctx context.Context, req vpn.ConnectRequest) error
	DisconnectAndExit(ctx context.Context) error
	Status() vpn.Snapshot
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Monitor is a vpn.Observer that feeds the terminal view.
type Monitor struct {
	events chan vpn.Event
	lines  chan string
}

// NewMonitor creates a monitor. Register it as an observer before Run.
func NewMonitor() *Monitor {
	return &Monitor{
		events: make(chan vpn.Event, eventBuffer),
		lines:  make(chan string, eventBuffer),
	}
}

// OnEvent implements vpn.Observer. Events are dropped when the view
// falls behind rather than blocking the manager loop.
func (m *Monitor) OnEvent(e vpn.Event) {
	select {
	case m.events <- e:
	default:
		common.LogDebug("TUI: dropping %s event", e.Name())
	}
}

// Line shows a warp-plus output line in the log pane.
func (m *Monitor) Line(text string) {
	select {
	case m.lines <- text:
	default:
	}
}

// Write implements io.Writer so the monitor can be the echo target of a
// common.RawLogger. Each call carries one line.
func (m *Monitor) Write(p []byte) (int, error) {
	m.Line(strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// Run connects with req and shows the session until it has fully
// disconnected. q or ctrl+c disconnects and exits. The returned error is
// the connect failure, if any.
func (m *Monitor) Run(ctx context.Context, ctrl Controller, req vpn.ConnectRequest, timeout time.Duration) error {
	model := newModel(ctx, ctrl, req, m, timeout)
	p := tea.NewProgram(model, tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("terminal view: %w", err)
	}
	if fm, ok := final.(sessionModel); ok {
		return fm.err
	}
	return nil
}

type (
	eventMsg     vpn.Event
	lineMsg      string
	connectedMsg struct{ err error }
	exitedMsg    struct{ err error }
	tickMsg      time.Time
)

type sessionModel struct {
	ctx     context.Context
	ctrl    Controller
	req     vpn.ConnectRequest
	src     *Monitor
	timeout time.Duration

	spinner    spinner.Model
	snap       vpn.Snapshot
	advisories []string
	logLines   []string
	err        error
	quitting   bool
	width      int
}

func newModel(ctx context.Context, ctrl Controller, req vpn.ConnectRequest, src *Monitor, timeout time.Duration) sessionModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = busyStyle
	return sessionModel{
		ctx:     ctx,
		ctrl:    ctrl,
		req:     req,
		src:     src,
		timeout: timeout,
		spinner: s,
		snap:    vpn.Snapshot{State: vpn.StateConnecting, Mode: req.Mode, Address: req.Address()},
	}
}

func (m sessionModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.connect(), m.waitEvent(), m.waitLine(), tick())
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m sessionModel) connect() tea.Cmd {
	return func() tea.Msg {
		return connectedMsg{err: m.ctrl.Connect(m.ctx, m.req)}
	}
}

func (m sessionModel) exit() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		return exitedMsg{err: m.ctrl.DisconnectAndExit(ctx)}
	}
}

func (m sessionModel) waitEvent() tea.Cmd {
	return func() tea.Msg { return eventMsg(<-m.src.events) }
}

func (m sessionModel) waitLine() tea.Cmd {
	return func() tea.Msg { return lineMsg(<-m.src.lines) }
}

func (m sessionModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.quitting {
				return m, nil
			}
			m.quitting = true
			return m, m.exit()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case connectedMsg:
		if msg.err != nil {
			m.err = msg.err
			if !m.quitting {
				m.quitting = true
				return m, m.exit()
			}
		}
		m.snap = m.ctrl.Status()
		return m, nil

	case exitedMsg:
		if msg.err != nil && m.err == nil {
			m.err = msg.err
		}
		return m, tea.Quit

	case eventMsg:
		e := vpn.Event(msg)
		m.snap = m.ctrl.Status()
		if e.Kind == vpn.EventAdvisory && e.Advisory != nil {
			m.advisories = appendBounded(m.advisories, e.Advisory.Message, maxAdvisories)
		}
		if e.Kind == vpn.EventExit {
			return m, tea.Quit
		}
		return m, m.waitEvent()

	case lineMsg:
		m.logLines = appendBounded(m.logLines, string(msg), maxLogLines)
		return m, m.waitLine()

	case tickMsg:
		m.snap = m.ctrl.Status()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m sessionModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(common.AppName))
	b.WriteString("\n\n")

	rows := []string{
		labelStyle.Render("State") + m.stateText(),
		labelStyle.Render("Mode") + m.snap.Mode.String(),
		labelStyle.Render("Address") + m.snap.Address,
	}
	if m.snap.State == vpn.StateConnected {
		rows = append(rows, labelStyle.Render("Uptime")+m.snap.Uptime().Round(time.Second).String())
	}
	if m.snap.SessionID != "" {
		rows = append(rows, labelStyle.Render("Session")+dimStyle.Render(m.snap.SessionID))
	}
	b.WriteString(boxStyle.Render(strings.Join(rows, "\n")))
	b.WriteString("\n")

	for _, a := range m.advisories {
		b.WriteString(warnStyle.Render("⚠ " + a))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(warnStyle.Render("Error: " + m.err.Error()))
		b.WriteString("\n")
	}

	if len(m.logLines) > 0 {
		b.WriteString("\n")
		for _, l := range m.logLines {
			b.WriteString(dimStyle.Render(truncate(l, m.width)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("q: disconnect and quit"))
	b.WriteString("\n")
	return b.String()
}

func (m sessionModel) stateText() string {
	switch m.snap.State {
	case vpn.StateConnected:
		return okStyle.Render("● " + m.snap.State.String())
	case vpn.StateConnecting, vpn.StateDisconnecting:
		return m.spinner.View() + " " + busyStyle.Render(m.snap.State.String())
	default:
		return idleStyle.Render("○ " + m.snap.State.String())
	}
}

func appendBounded(list []string, item string, limit int) []string {
	list = append(list, item)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}

func truncate(s string, width int) string {
	if width <= 0 || len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
