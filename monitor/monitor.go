// Package monitor is a terminal view of the control bus: the last message of
// every topic, a scrolling log of all frames and a large depth readout.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"open-mer/bus"
	"open-mer/helpers"
)

const (
	// MaxLogLines bounds the frame log
	MaxLogLines     = 500
	// MaxPayloadWidth truncates payloads in the topic table and the log
	MaxPayloadWidth = 120

	logHeight       = 12
	// logHeightOffset is the height of everything around the log viewport
	logHeightOffset = 15
)

// FrameMsg is one bus message delivered to the model
type FrameMsg struct {
	Topic   string
	Payload []byte
	At      time.Time
}

// closedMsg ends the program when the subscription stops delivering
type closedMsg struct{ err error }

type topicState struct {
	payload string
	at      time.Time
	count   int
}

// Model is the bubbletea model of the monitor
type Model struct {
	sub    *bus.Subscription
	ctx    context.Context
	topics map[string]*topicState

	depth      string
	depthValid bool
	status     string

	logs       []string
	vp         viewport.Model
	followTail bool

	width  int
	height int
	err    error
}

var (
	// Nord palette
	nord0  = lipgloss.Color("#2E3440")
	nord3  = lipgloss.Color("#4C566A")
	nord4  = lipgloss.Color("#D8DEE9")
	nord8  = lipgloss.Color("#88C0D0")
	nord9  = lipgloss.Color("#81A1C1")
	nord11 = lipgloss.Color("#BF616A")
	nord13 = lipgloss.Color("#EBCB8B")
	nord14 = lipgloss.Color("#A3BE8C")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(nord8)
	labelStyle  = lipgloss.NewStyle().Foreground(nord9)
	dimStyle    = lipgloss.NewStyle().Foreground(nord3)
	depthStyle  = lipgloss.NewStyle().Bold(true).Foreground(nord14)
	staleStyle  = lipgloss.NewStyle().Bold(true).Foreground(nord13)
	warnStyle   = lipgloss.NewStyle().Padding(0, 1).Foreground(nord0).Background(nord11)
	statusStyle = lipgloss.NewStyle().Padding(0, 1).Foreground(nord0).Background(nord8)
	panelStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(nord3).Padding(0, 1)
	textStyle   = lipgloss.NewStyle().Foreground(nord4)
)

// NewModel creates a monitor reading from sub. A nil sub gives a model that
// only reacts to messages passed to Update.
func NewModel(ctx context.Context, sub *bus.Subscription) *Model {
	return &Model{
		sub:        sub,
		ctx:        ctx,
		topics:     make(map[string]*topicState, len(bus.Topics)),
		depth:      "---",
		vp:         viewport.New(80, logHeight),
		followTail: true,
		width:      80,
	}
}

// Run subscribes to every topic and blocks until the user quits or ctx is done
func Run(ctx context.Context, b bus.Bus) error {
	sub, err := b.Subscribe(ctx, bus.Topics...)
	if err != nil {
		return err
	}
	defer sub.Close()

	m := NewModel(ctx, sub)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	return m.err
}

func (m *Model) waitForFrame() tea.Cmd {
	if m.sub == nil {
		return nil
	}
	return func() tea.Msg {
		msg, err := m.sub.Next(m.ctx)
		if err != nil {
			return closedMsg{err: err}
		}
		return FrameMsg{Topic: msg.Topic, Payload: msg.Payload, At: time.Now()}
	}
}

func (m *Model) Init() tea.Cmd {
	return m.waitForFrame()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "f":
			m.followTail = !m.followTail
			if m.followTail {
				m.vp.GotoBottom()
			}
			return m, nil
		case "c":
			m.logs = nil
			m.vp.SetContent("")
			return m, nil
		}
		var cmd tea.Cmd
		m.vp, cmd = m.vp.Update(msg)
		m.followTail = m.vp.AtBottom()
		return m, cmd
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.vp.Width = max(20, msg.Width-4)
		m.vp.Height = max(3, msg.Height-logHeightOffset)
		if m.followTail {
			m.vp.GotoBottom()
		}
		return m, nil
	case FrameMsg:
		m.record(msg)
		return m, m.waitForFrame()
	case closedMsg:
		if !errors.Is(msg.err, context.Canceled) {
			m.err = msg.err
		}
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) record(f FrameMsg) {
	payload := strings.TrimSpace(string(f.Payload))
	st, ok := m.topics[f.Topic]
	if !ok {
		st = &topicState{}
		m.topics[f.Topic] = st
	}
	st.payload = payload
	st.at = f.At
	st.count++

	switch f.Topic {
	case bus.TopicDDU:
		if _, _, err := helpers.ParseDepth(payload); err == nil {
			m.depth = payload
			m.depthValid = true
		} else {
			m.depthValid = false
		}
	case bus.TopicSnippetStatus:
		m.status = payload
	}

	m.logs = append(m.logs, fmt.Sprintf("%s %-18s %s", f.At.Format("15:04:05.000"), f.Topic, truncate(payload, MaxPayloadWidth)))
	if len(m.logs) > MaxLogLines {
		m.logs = m.logs[len(m.logs)-MaxLogLines:]
	}
	m.vp.SetContent(strings.Join(m.logs, "\n"))
	if m.followTail {
		m.vp.GotoBottom()
	}
}

func (m *Model) View() string {
	var b strings.Builder
	fmt.Fprintln(&b, titleStyle.Render("OpenMER bus monitor"))

	style := depthStyle
	if !m.depthValid {
		style = staleStyle
	}
	depthPanel := panelStyle.Render(labelStyle.Render("Depth (mm)") + "\n" + style.Render(bigText(m.depth)))
	fmt.Fprintln(&b, lipgloss.JoinHorizontal(lipgloss.Top, depthPanel, " ", panelStyle.Render(m.topicTable())))

	status := m.status
	if status == "" {
		status = "no status"
	}
	bar := statusStyle.Render("snippet: " + status)
	if m.sub != nil {
		if stats := m.sub.Stats(); stats.Dropped > 0 {
			bar += " " + warnStyle.Render(fmt.Sprintf("%d dropped", stats.Dropped))
		}
	}
	if !m.followTail {
		bar += " " + dimStyle.Render("paused (f to follow)")
	}
	fmt.Fprintln(&b, bar)

	fmt.Fprintln(&b, panelStyle.Render(labelStyle.Render("Frames")+"\n"+m.vp.View()))
	b.WriteString(dimStyle.Render("q quit · f follow · c clear · ↑/↓ scroll"))
	return b.String()
}

func (m *Model) topicTable() string {
	width := max(20, m.width-60)
	lines := make([]string, 0, len(bus.Topics))
	for _, topic := range bus.Topics {
		st, ok := m.topics[topic]
		if !ok {
			lines = append(lines, fmt.Sprintf("%s %s", labelStyle.Render(fmt.Sprintf("%-18s", topic)), dimStyle.Render("-")))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s %s %s",
			labelStyle.Render(fmt.Sprintf("%-18s", topic)),
			dimStyle.Render(fmt.Sprintf("%s ×%d", st.at.Format("15:04:05"), st.count)),
			textStyle.Render(truncate(st.payload, width))))
	}
	return strings.Join(lines, "\n")
}

// Last returns the latest payload seen on topic
func (m *Model) Last(topic string) (string, bool) {
	st, ok := m.topics[topic]
	if !ok {
		return "", false
	}
	return st.payload, true
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if n <= 1 || len([]rune(s)) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
