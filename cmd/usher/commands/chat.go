package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/ushercli/usher/internal/agent"
	"github.com/ushercli/usher/internal/bus"
	"github.com/ushercli/usher/internal/config"
	"github.com/ushercli/usher/internal/confirm"
	"github.com/ushercli/usher/internal/metrics"
	"github.com/ushercli/usher/internal/provider"
	"github.com/ushercli/usher/internal/render"
)

var (
	userStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("6")).Bold(true)
	thinkStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	footerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	confirmStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("3")).
			Padding(0, 1)
)

func NewChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with Usher",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	chatModel, err := provider.NewChatModel(ctx, cfg)
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
		fmt.Println("Running without LLM (tools only mode)")
		chatModel = nil
	}

	loop, err := agent.NewLoop(cfg, bus.NewMessageBus(), chatModel)
	if err != nil {
		return fmt.Errorf("invalid workspace: %w", err)
	}
	if err := loop.RegisterDefaultTools(cfg); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	workspacePath, _ := cfg.WorkspacePathChecked()
	loop.SetRuntimeMetrics(metrics.NewRuntimeMetrics(workspacePath))

	// One-shot mode: answer approvals on stdin, print the response, exit.
	if len(args) > 0 {
		loop.Broker().OnRequest(func(req confirm.Request) {
			go promptOnStdin(loop, req)
		})
		resp, err := loop.ProcessDirect(ctx, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Println(resp)
		return nil
	}

	m := newChatModel(loop)
	loop.Broker().OnRequest(func(req confirm.Request) {
		m.confirmCh <- req
	})

	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// promptOnStdin asks one confirmation question in plain-terminal mode.
func promptOnStdin(loop *agent.Loop, req confirm.Request) {
	fmt.Printf("\nApproval needed: %s\n[y]es once / [t]his turn / this [s]ession / [n]o: ", req.Description)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	loop.Broker().Resolve(req.CallID, verdictForKey(strings.TrimSpace(answer), req.CallID))
}

// verdictForKey maps a single-key answer to a confirmation response.
func verdictForKey(key, callID string) confirm.Response {
	resp := confirm.Response{CallID: callID, DecidedBy: "user"}
	switch strings.ToLower(key) {
	case "y":
		resp.Verdict = confirm.VerdictApprove
	case "t":
		resp.Verdict = confirm.VerdictApproveAndRemember
		resp.RememberScope = confirm.ScopeTurn
	case "s":
		resp.Verdict = confirm.VerdictApproveAndRemember
		resp.RememberScope = confirm.ScopeSession
	default:
		resp.Verdict = confirm.VerdictDeny
	}
	return resp
}

// renderer abstracts glamour so rendering is testable.
type renderer interface {
	Render(string) (string, error)
}

// renderResponseParts splits a response into think and main parts and runs
// both through the markdown renderer. Rendering failures fall back to the
// raw text.
func renderResponseParts(content string, r renderer) (think, main string, hasThink bool) {
	renderOne := func(s string) string {
		out, err := r.Render(s)
		if err != nil {
			return s
		}
		return out
	}

	thinkRaw, mainRaw, found := render.SplitThink(content)
	if found {
		think = renderOne(thinkRaw)
		if strings.TrimSpace(mainRaw) != "" {
			main = renderOne(mainRaw)
		}
		return think, main, true
	}
	return "", renderOne(content), false
}

type responseMsg struct {
	content string
	err     error
}

type confirmRequestMsg confirm.Request

type model struct {
	loop     *agent.Loop
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer renderer

	transcript []string
	thinking   bool
	pending    []confirm.Request
	width      int
	height     int

	confirmCh  chan confirm.Request
	responseCh chan responseMsg
	turnCancel context.CancelFunc
}

func newChatModel(loop *agent.Loop) *model {
	ta := textarea.New()
	ta.Placeholder = "Ask anything..."
	ta.ShowLineNumbers = false
	ta.SetHeight(2)
	ta.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))

	return &model{
		loop:       loop,
		textarea:   ta,
		viewport:   viewport.New(80, 20),
		spinner:    sp,
		confirmCh:  make(chan confirm.Request, 16),
		responseCh: make(chan responseMsg, 1),
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForConfirm())
}

func (m *model) waitForConfirm() tea.Cmd {
	return func() tea.Msg {
		return confirmRequestMsg(<-m.confirmCh)
	}
}

func (m *model) waitForResponse() tea.Cmd {
	return func() tea.Msg {
		return <-m.responseCh
	}
}

func (m *model) send(input string) tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	m.turnCancel = cancel
	m.thinking = true

	go func() {
		content, err := m.loop.ProcessDirect(ctx, input)
		m.responseCh <- responseMsg{content: content, err: err}
	}()

	return tea.Batch(m.spinner.Tick, m.waitForResponse())
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - m.textarea.Height() - 4
		m.textarea.SetWidth(msg.Width)
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		if len(m.pending) > 0 {
			return m, m.answerPending(msg.String())
		}
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.thinking && m.turnCancel != nil {
				m.turnCancel()
				return m, nil
			}
			return m, tea.Quit
		case "enter":
			input := strings.TrimSpace(m.textarea.Value())
			if input == "" || m.thinking {
				return m, nil
			}
			m.textarea.Reset()
			m.appendTranscript(userStyle.Render("You: ") + input)
			return m, m.send(input)
		}

	case confirmRequestMsg:
		m.pending = append(m.pending, confirm.Request(msg))
		return m, m.waitForConfirm()

	case responseMsg:
		m.thinking = false
		m.turnCancel = nil
		if msg.err != nil {
			m.appendTranscript(errorStyle.Render("Error: " + msg.err.Error()))
		} else {
			m.appendTranscript(m.renderResponse(msg.content))
		}
		return m, nil

	case spinner.TickMsg:
		if m.thinking {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	var taCmd, vpCmd tea.Cmd
	m.textarea, taCmd = m.textarea.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, taCmd, vpCmd)
	return m, tea.Batch(cmds...)
}

// answerPending maps y/t/s/n onto the oldest pending confirmation.
func (m *model) answerPending(key string) tea.Cmd {
	switch key {
	case "y", "t", "s", "n":
	default:
		return nil
	}
	req := m.pending[0]
	m.pending = m.pending[1:]
	m.loop.Broker().Resolve(req.CallID, verdictForKey(key, req.CallID))
	m.appendTranscript(footerStyle.Render(fmt.Sprintf("[%s] %s", key, req.Description)))
	return nil
}

func (m *model) renderResponse(content string) string {
	if m.renderer == nil {
		width := m.width
		if width <= 0 {
			width = 80
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return content
		}
		m.renderer = r
	}

	think, main, hasThink := renderResponseParts(content, m.renderer)
	if hasThink {
		out := thinkStyle.Render(strings.TrimSpace(think))
		if main != "" {
			out += "\n" + main
		}
		return out
	}
	return main
}

func (m *model) appendTranscript(entry string) {
	m.transcript = append(m.transcript, entry)
	m.refreshViewport()
}

func (m *model) refreshViewport() {
	m.viewport.SetContent(strings.Join(m.transcript, "\n"))
	m.viewport.GotoBottom()
}

func (m *model) confirmPromptView() string {
	req := m.pending[0]
	prompt := fmt.Sprintf(
		"Approval needed: %s\n[y] once  [t] this turn  [s] this session  [n] deny",
		req.Description,
	)
	if len(m.pending) > 1 {
		prompt += fmt.Sprintf("  (+%d queued)", len(m.pending)-1)
	}
	return confirmStyle.Render(prompt)
}

func (m model) View() string {
	var sb strings.Builder

	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")

	if len(m.pending) > 0 {
		sb.WriteString(m.confirmPromptView())
		sb.WriteString("\n")
	}

	if m.thinking {
		sb.WriteString(m.spinner.View())
		sb.WriteString(" thinking...\n")
	}

	sb.WriteString(m.textarea.View())
	sb.WriteString("\n")
	sb.WriteString(footerStyle.Render("Enter: Send  •  /new: Reset  •  Esc: Quit"))

	return sb.String()
}
