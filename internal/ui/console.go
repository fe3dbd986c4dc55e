// Package ui renders the interactive console TTY: a scrollback of pushed
// log lines and command output above a prompt line.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/andersbakken/konflikt/internal/console"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	logStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	outputStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// FrameMsg delivers a console frame pushed by the server.
type FrameMsg console.Frame

// DisconnectedMsg reports that the console connection dropped.
type DisconnectedMsg struct{ Err error }

// ConsoleModel is the bubbletea model for `konflikt console`.
type ConsoleModel struct {
	addr     string
	client   *console.Client
	viewport viewport.Model
	input    textinput.Model
	lines    []string
	ready    bool
	quitting bool
}

// NewConsoleModel creates the model around an established console client.
func NewConsoleModel(addr string, client *console.Client) ConsoleModel {
	input := textinput.New()
	input.Placeholder = "command (try help)"
	input.Prompt = promptStyle.Render("> ")
	input.Focus()

	return ConsoleModel{
		addr:   addr,
		client: client,
		input:  input,
	}
}

// listen waits for the next pushed frame.
func (m ConsoleModel) listen() tea.Cmd {
	return func() tea.Msg {
		frame, err := m.client.Next()
		if err != nil {
			return DisconnectedMsg{Err: err}
		}
		return FrameMsg(frame)
	}
}

func (m ConsoleModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.listen())
}

func (m ConsoleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		inputHeight := 3
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - inputHeight
		}
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if line == "exit" {
				m.quitting = true
				return m, tea.Quit
			}
			fields := strings.Fields(line)
			m.appendLine(promptStyle.Render("> " + line))
			if err := m.client.Send(fields[0], fields[1:]...); err != nil {
				m.appendLine(errorStyle.Render("send failed: " + err.Error()))
			}
			return m, nil
		}

	case FrameMsg:
		m.appendFrame(console.Frame(msg))
		return m, m.listen()

	case DisconnectedMsg:
		m.appendLine(errorStyle.Render("connection lost"))
		return m, tea.Quit
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *ConsoleModel) appendFrame(f console.Frame) {
	switch f.Type {
	case console.TypeLog:
		m.appendLine(logStyle.Render(fmt.Sprintf("[%s] %s", f.Level, f.Message)))
	case console.TypeResponse:
		for _, line := range strings.Split(strings.TrimRight(f.Output, "\n"), "\n") {
			m.appendLine(outputStyle.Render(line))
		}
	case console.TypeError:
		m.appendLine(errorStyle.Render("error: " + f.Error))
	case console.TypePong:
		m.appendLine(outputStyle.Render(fmt.Sprintf("pong (%d)", f.Timestamp)))
	}
}

func (m *ConsoleModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > 2000 {
		m.lines = m.lines[len(m.lines)-2000:]
	}
	m.refresh()
}

func (m *ConsoleModel) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m ConsoleModel) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "connecting...\n"
	}
	header := titleStyle.Render("konflikt console @ " + m.addr)
	return header + "\n" + m.viewport.View() + "\n" + m.input.View()
}
