package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kestrelvm/vmhost/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	statStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// logRing is a small thread-safe ring buffer of recent log lines, used as
// the zap WriteSyncer backing the TUI's scrolling log pane — direct
// writes to stderr would corrupt the alt-screen display.
type logRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
}

func newLogRing(capacity int) *logRing {
	return &logRing{cap: capacity}
}

func (l *logRing) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line == "" {
			continue
		}
		l.lines = append(l.lines, line)
	}
	if len(l.lines) > l.cap {
		l.lines = l.lines[len(l.lines)-l.cap:]
	}
	return len(p), nil
}

func (l *logRing) Sync() error { return nil }

func (l *logRing) snapshot(n int) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n > len(l.lines) {
		n = len(l.lines)
	}
	return append([]string(nil), l.lines[len(l.lines)-n:]...)
}

type interactiveModel struct {
	rt       *runtime.Runtime
	ring     *logRing
	filename string

	running       int
	continuations int
	pending       int64

	done   bool
	failed bool
	err    error
}

func newInteractiveModel(rt *runtime.Runtime, filename string, ring *logRing) *interactiveModel {
	return &interactiveModel{rt: rt, filename: filename, ring: ring}
}

type runDoneMsg struct {
	ok bool
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.runLoop, tickCmd())
}

func (m *interactiveModel) runLoop() tea.Msg {
	ok := m.rt.RunToCompletion(context.Background())
	return runDoneMsg{ok: ok}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.rt.Close(context.Background())
			return m, tea.Quit
		}

	case tickMsg:
		m.running, m.continuations, m.pending = m.rt.Stats()
		if m.done {
			return m, nil
		}
		return m, tickCmd()

	case runDoneMsg:
		m.done = true
		m.failed = !msg.ok
	}
	return m, nil
}

func (m *interactiveModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Script Runner"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	status := "running"
	statusStyle := statStyle
	if m.done {
		if m.failed {
			status, statusStyle = "failed", errorStyle
		} else {
			status, statusStyle = "completed", okStyle
		}
	}
	b.WriteString(fmt.Sprintf(
		"%s   %s   %s   %s\n\n",
		statusStyle.Render("status: "+status),
		statStyle.Render(fmt.Sprintf("running threads: %d", m.running)),
		statStyle.Render(fmt.Sprintf("queued continuations: %d", m.continuations)),
		statStyle.Render(fmt.Sprintf("pending tokens: %d", m.pending)),
	))

	b.WriteString("log:\n")
	for _, line := range m.ring.snapshot(20) {
		b.WriteString("  " + line + "\n")
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q quit"))
	return b.String()
}

// runInteractive loads a single script file into its own Runtime and
// drives it inside a bubbletea TUI, redirecting the structured logger
// into a scrolling pane instead of stderr.
func runInteractive(interpreter []byte, filename string, argv []string, level zapcore.Level) error {
	ring := newLogRing(200)

	encCfg := zap.NewDevelopmentEncoderConfig()
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), ring, level)
	logger := zap.New(core)

	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.Config{
		VMFactory: vmFactory(interpreter, logger),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if err := rt.LoadFile(ctx, filename, argv); err != nil {
		rt.Close(ctx)
		return err
	}

	p := tea.NewProgram(newInteractiveModel(rt, filename, ring), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
