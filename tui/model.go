package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the callback countdown.
type tickMsg time.Time

// state represents the current phase of the login.
type state int

const (
	stateInit        state = iota
	stateDiscovering       // fetching provider metadata
	stateRedirecting       // authorization URL shown, waiting for the callback
	stateExchanging        // redeeming the authorization code
	stateVerifying         // checking the session against the API
	stateSuccess           // all done
	stateError             // login failed
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the sign-in TUI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	// Authorization redirect
	authURL   string
	deadline  time.Time
	remaining time.Duration

	// Success / error display
	tokenPreview string
	tokenType    string
	errMsg       string
	errFatal     bool

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleLinkBox = lipgloss.NewStyle().
			Foreground(lipgloss.Color("228")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("228")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		if m.state != stateRedirecting {
			return m, nil
		}
		m.remaining = max(time.Until(m.deadline), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── login flow messages ──────────────────────────────────────────────────

	case MsgBanner:
		return m, nil

	case MsgSessionFound:
		m.addStatus(statusOK, "Found existing session "+msg.Preview)
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No existing session, starting sign-in")
		return m, nil

	case MsgDiscovering:
		m.state = stateDiscovering
		m.addStatus(statusInfo, "Fetching provider metadata from "+msg.Issuer)
		return m, nil

	case MsgDiscoveryFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Discovery failed, ID tokens not verified: %v", msg.Err))
		return m, nil

	case MsgAuthorizationURL:
		m.authURL = msg.URL
		m.deadline = msg.Deadline
		m.state = stateRedirecting
		m.addStatus(statusInfo, "Authorization URL ready")
		if msg.Deadline.IsZero() {
			m.remaining = 0
			return m, nil
		}
		m.remaining = time.Until(msg.Deadline)
		return m, tickAfterSecond()

	case MsgCallbackReceived:
		m.addStatus(statusOK, "Authorization response received")
		return m, nil

	case MsgExchanging:
		m.state = stateExchanging
		return m, nil

	case MsgSignedIn:
		m.addStatus(statusOK, "Signed in")
		return m, nil

	case MsgLoginFailed:
		m.errMsg = msg.Message
		m.errFatal = msg.Fatal
		m.state = stateError
		return m, nil

	case MsgVerifying:
		m.state = stateVerifying
		m.addStatus(statusInfo, "Verifying session...")
		return m, nil

	case MsgVerifyOK:
		m.addStatus(statusOK, "Session verified")
		return m, nil

	case MsgVerifyFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Session verification failed: %v", msg.Err))
		return m, nil

	case MsgSessionRejected:
		m.addStatus(statusWarn, fmt.Sprintf("Session rejected by the API (%d)", msg.Status))
		return m, nil

	case MsgSessionCleared:
		m.addStatus(statusWarn, "Session cleared")
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.tokenType = msg.TokenType
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.errFatal = true
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

// viewMain is shown while the login is in progress.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render("  ERM Console Sign-in  "))
	b.WriteString("\n\n")

	switch m.state {
	case stateRedirecting:
		b.WriteString(styleBold.Render("Open this link to sign in:"))
		b.WriteString("\n")
		b.WriteString(styleLinkBox.Render(m.authURL))
		b.WriteString("\n\n")

		b.WriteString(m.spinner.View())
		b.WriteString(" Waiting for the redirect...")
		if m.remaining > 0 {
			b.WriteString("  ")
			b.WriteString(styleDim.Render(formatDuration(m.remaining) + " remaining"))
		}
		b.WriteString("\n")

	case stateDiscovering:
		b.WriteString(m.spinner.View())
		b.WriteString(" Contacting the identity provider...\n")

	case stateExchanging:
		b.WriteString(m.spinner.View())
		b.WriteString(" Completing login...\n")

	case stateVerifying:
		b.WriteString(m.spinner.View())
		b.WriteString(" Verifying session...\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Starting login flow...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after a successful sign-in.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleOK.Render("  ✓ You are signed in."))
	b.WriteString("\n\n")

	b.WriteString(styleBold.Render("Access Token: "))
	b.WriteString(m.tokenPreview + "\n")

	b.WriteString(styleBold.Render("Token Type:   "))
	b.WriteString(m.tokenType + "\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewError is shown when the login fails.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ Login failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")
	if !m.errFatal {
		b.WriteString(styleDim.Render("  Run the login command again to retry."))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
