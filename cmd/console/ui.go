package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/narrativekit/canon-engine/pkg/chat"
	"github.com/narrativekit/canon-engine/pkg/rules"
	"github.com/narrativekit/canon-engine/pkg/state"
)

const (
	PlaceHolderText  = "Type a narrative draft here..."
	RecentEventCount = 10
)

// turnEntry is one submitted draft and its outcome, kept locally so
// the transcript can be reflowed on resize.
type turnEntry struct {
	userMessage string
	draft       string
	response    *chat.TurnResponse
	err         error
}

// ConsoleUI is the BubbleTea model that runs the UI.
// https://github.com/charmbracelet/bubbletea
type ConsoleUI struct {
	config       *ConsoleConfig
	client       *http.Client
	storyState   *state.CanonicalState
	transcript   []turnEntry
	chatViewport viewport.Model
	metaViewport viewport.Model
	textarea     textarea.Model
	ready        bool
	width        int
	height       int
	err          error
	loading      bool

	// The player line attached to the next draft, set with /msg.
	pendingUserMessage string

	// Story selection state
	showStoryModal bool
	storyInput     textinput.Model
	loadingStory   bool

	// Quit confirmation state
	showQuitModal bool

	// Progress bar state
	progressTick int
}

type turnResponseMsg struct {
	entry turnEntry
}

type stateMsg struct {
	storyState *state.CanonicalState
	err        error
}

type eventsMsg struct {
	events []*state.Event
	err    error
}

type storyLoadedMsg struct {
	storyState *state.CanonicalState
	err        error
}

type progressTickMsg struct{}

var (
	chatPanelStyle = lipgloss.NewStyle().
			PaddingTop(2).
			PaddingBottom(1).
			PaddingLeft(3).
			PaddingRight(0)

	metaPanelStyle = lipgloss.NewStyle().
			PaddingTop(2).
			PaddingBottom(0).
			PaddingLeft(0).
			PaddingRight(2)

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")). // pink
			Bold(true)

	passStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")). // green
			Bold(true)

	draftStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")) // green

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // teal

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // red

	loadingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // yellow

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // dark grey

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2).
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255"))

	modalTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			Align(lipgloss.Center)
)

var separatorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("240")) // dark grey

func NewConsoleUI(cfg *ConsoleConfig, client *http.Client) ConsoleUI {
	ta := textarea.New()
	ta.Placeholder = PlaceHolderText
	ta.Focus()
	ta.Prompt = promptStyle.Render(":: ")
	ta.CharLimit = 2000
	ta.SetWidth(50)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	chatVp := viewport.New(50, 20)
	chatVp.MouseWheelEnabled = true

	metaVp := viewport.New(20, 20)

	si := textinput.New()
	si.Placeholder = "my_story"
	si.CharLimit = 64
	si.Width = 40
	si.Focus()

	return ConsoleUI{
		config:         cfg,
		client:         client,
		textarea:       ta,
		chatViewport:   chatVp,
		metaViewport:   metaVp,
		storyInput:     si,
		ready:          false,
		showStoryModal: cfg.StoryID == "",
		loadingStory:   cfg.StoryID != "",
	}
}

func writeInitialContent(cs *state.CanonicalState, chatWidth int) string {
	var content strings.Builder
	content.WriteString(titleStyle.Render("CANON ENGINE") + "\n\n")
	content.WriteString("Submit narrative drafts below. Each draft is checked against\n")
	content.WriteString("the story's canonical state before it commits.\n\n")
	content.WriteString(separatorStyle.Render(strings.Repeat("─", chatWidth-6)) + "\n\n")

	if cs != nil {
		content.WriteString(fmt.Sprintf("Story '%s' is at turn %d.\n\n", cs.Meta.StoryID, cs.Meta.Turn))
	}
	return content.String()
}

func writeMetadata(cs *state.CanonicalState, pendingUserMessage string) string {
	var content strings.Builder
	content.WriteString(titleStyle.Render("STORY STATE") + "\n\n")

	content.WriteString("Story:\n")
	content.WriteString(cs.Meta.StoryID + "\n\n")

	content.WriteString("Turn:\n")
	content.WriteString(fmt.Sprintf("%d (canon %s)\n\n", cs.Meta.Turn, cs.Meta.CanonVersion))

	content.WriteString("Time:\n")
	content.WriteString(fmt.Sprintf("%s (order %d)\n\n", cs.Time.Anchor.Label, cs.Time.Anchor.Order))

	content.WriteString("Player:\n")
	content.WriteString(fmt.Sprintf("%s @ %s\n", cs.Player.Name, cs.Player.LocationID))
	if len(cs.Player.Inventory) > 0 {
		content.WriteString(fmt.Sprintf("Carrying: %s\n", strings.Join(cs.Player.Inventory, ", ")))
	}
	content.WriteString("\n")

	content.WriteString("Entities:\n")
	content.WriteString(fmt.Sprintf("%d characters, %d items\n", len(cs.Entities.Characters), len(cs.Entities.Items)))
	content.WriteString(fmt.Sprintf("%d locations, %d factions\n\n", len(cs.Entities.Locations), len(cs.Entities.Factions)))

	if len(cs.Quest.Active) > 0 {
		content.WriteString("Active Quests:\n")
		for _, q := range cs.Quest.Active {
			content.WriteString(fmt.Sprintf("• %s\n", q.Title))
		}
		content.WriteString("\n")
	}

	if pendingUserMessage != "" {
		content.WriteString("Player line:\n")
		content.WriteString(pendingUserMessage + "\n\n")
	}

	content.WriteString("Commands:\n")
	content.WriteString("• Ctrl+C: Quit\n")
	content.WriteString("• Enter: Submit draft\n")
	content.WriteString("• /msg: Set player line\n")
	content.WriteString("• /events: Recent events\n")
	content.WriteString("• /help: Help\n")

	return content.String()
}

// writeChatContent rebuilds the transcript for the current viewport width
func (m *ConsoleUI) writeChatContent() {
	chatWidth := m.chatViewport.Width - 6 // Leave a 6-column margin inside the viewport

	var content strings.Builder
	content.WriteString(writeInitialContent(m.storyState, chatWidth))

	for _, entry := range m.transcript {
		if entry.userMessage != "" {
			content.WriteString(userStyle.Render("Player: ") + wordwrap.String(entry.userMessage, chatWidth-6) + "\n\n")
		}
		content.WriteString(draftStyle.Render("Draft: ") + wordwrap.String(entry.draft, chatWidth-6) + "\n\n")
		content.WriteString(formatTurnOutcome(&entry, chatWidth))
		content.WriteString(separatorStyle.Render(strings.Repeat("─", chatWidth-6)) + "\n\n")
	}

	// If currently loading, add the progress bar
	if m.loading {
		content.WriteString(m.renderProgressBar())
	}

	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

// formatTurnOutcome renders one turn verdict for the transcript.
func formatTurnOutcome(entry *turnEntry, width int) string {
	if entry.err != nil {
		return errorStyle.Render("Error: "+entry.err.Error()) + "\n\n"
	}

	resp := entry.response
	var out strings.Builder

	switch resp.FinalAction {
	case rules.ActionPass:
		out.WriteString(passStyle.Render("✓ Committed (PASS)") + "\n")
	case rules.ActionAutoFix:
		out.WriteString(passStyle.Render("✓ Committed (AUTO_FIX)") + "\n")
		for _, fix := range resp.AppliedFixes {
			out.WriteString(loadingStyle.Render("  fixed: ") + wordwrap.String(fix, width-10) + "\n")
		}
	case rules.ActionRewrite:
		out.WriteString(errorStyle.Render("✗ Rejected (REWRITE)") + "\n")
		for _, v := range resp.Violations {
			out.WriteString(errorStyle.Render(fmt.Sprintf("  [%s] ", v.RuleID)) + wordwrap.String(v.Message, width-10) + "\n")
		}
		if resp.RewriteInstructions != "" {
			out.WriteString(promptStyle.Render("  rewrite: ") + wordwrap.String(resp.RewriteInstructions, width-12) + "\n")
		}
	case rules.ActionAskUser:
		out.WriteString(loadingStyle.Render("? Needs input (ASK_USER)") + "\n")
		for _, q := range resp.Questions {
			out.WriteString(loadingStyle.Render("  • ") + wordwrap.String(q, width-6) + "\n")
		}
	default:
		out.WriteString(promptStyle.Render(resp.FinalAction) + "\n")
	}

	if resp.State != nil {
		out.WriteString(promptStyle.Render(fmt.Sprintf("  turn %d", resp.State.Meta.Turn)) + "\n")
	}
	for _, evt := range resp.RecentEvents {
		out.WriteString(promptStyle.Render(fmt.Sprintf("  [%s] ", evt.Type)) + wordwrap.String(evt.Summary, width-12) + "\n")
	}

	out.WriteString("\n")
	return out.String()
}

func (m ConsoleUI) Init() tea.Cmd {
	if m.loadingStory {
		return m.loadStory(m.config.StoryID)
	}
	if m.showStoryModal {
		return textinput.Blink
	}
	return textarea.Blink
}

func (m ConsoleUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	// Handle story modal first
	if m.showStoryModal || m.loadingStory {
		return m.updateStoryModal(msg)
	}

	// Handle quit modal second
	if m.showQuitModal {
		return m.updateQuitModal(msg)
	}

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		mvCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.MouseMsg:
		// Pass mouse events to every component; each ignores events
		// outside its bounds.
		m.chatViewport, vpCmd = m.chatViewport.Update(msg)
		m.textarea, tiCmd = m.textarea.Update(msg)
		m.metaViewport, mvCmd = m.metaViewport.Update(msg)

		return m, tea.Batch(tiCmd, vpCmd, mvCmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		chatWidth := int(float64(m.width)*0.75) - 4
		metaWidth := m.width - chatWidth - 6

		m.chatViewport.Width = chatWidth - 2
		m.chatViewport.Height = m.height - 7
		m.metaViewport.Width = metaWidth - 2
		m.metaViewport.Height = m.height - 4
		m.textarea.SetWidth(chatWidth - 4)

		m.ready = true
		m.writeChatContent()

		if m.storyState != nil {
			m.metaViewport.SetContent(writeMetadata(m.storyState, m.pendingUserMessage))
		}

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.showQuitModal = true
			return m, nil
		case tea.KeyEnter:
			if m.loading {
				return m, nil
			}

			input := strings.TrimSpace(m.textarea.Value())
			if input == "" {
				return m, nil
			}

			if strings.HasPrefix(input, "/") {
				return m.handleCommand(input)
			}

			m.textarea.Reset()
			m.loading = true
			m.progressTick = 0

			userMessage := m.pendingUserMessage
			m.pendingUserMessage = ""
			m.metaViewport.SetContent(writeMetadata(m.storyState, ""))
			m.writeChatContent()

			return m, tea.Batch(m.submitDraft(userMessage, input), progressTick())
		}

	case turnResponseMsg:
		m.loading = false
		m.transcript = append(m.transcript, msg.entry)
		m.writeChatContent()
		return m, m.refreshState()

	case stateMsg:
		if msg.err == nil && msg.storyState != nil {
			m.storyState = msg.storyState
			m.metaViewport.SetContent(writeMetadata(m.storyState, m.pendingUserMessage))
		}

	case eventsMsg:
		currentContent := m.chatViewport.View()
		var eventsText strings.Builder
		eventsText.WriteString(titleStyle.Render("Recent Events:") + "\n")
		if msg.err != nil {
			eventsText.WriteString(errorStyle.Render("Error: "+msg.err.Error()) + "\n")
		} else if len(msg.events) == 0 {
			eventsText.WriteString("No events recorded yet.\n")
		} else {
			for _, evt := range msg.events {
				eventsText.WriteString(fmt.Sprintf("• turn %d [%s] %s\n", evt.Turn, evt.Type, evt.Summary))
			}
		}
		eventsText.WriteString("\n")
		m.chatViewport.SetContent(currentContent + eventsText.String())
		m.chatViewport.GotoBottom()

	case progressTickMsg:
		if m.loading {
			m.progressTick++
			m.writeChatContent()
			return m, progressTick()
		}
	}

	// Update components for non-mouse events
	m.textarea, tiCmd = m.textarea.Update(msg)
	m.chatViewport, vpCmd = m.chatViewport.Update(msg)
	m.metaViewport, mvCmd = m.metaViewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, mvCmd)
}

func (m ConsoleUI) handleCommand(input string) (tea.Model, tea.Cmd) {
	trimmed := strings.TrimSpace(input)
	cmd := strings.ToLower(trimmed)

	switch {
	case cmd == "/help":
		helpText := `
Commands:
• /help - Show this help
• /msg <text> - Set the player line for the next draft
• /events - Show recent committed events
• /state - Refresh the state panel
• Ctrl+C - Quit

How it works:
• Type a narrative draft and press Enter
• The draft is checked against canonical state
• PASS and AUTO_FIX commit; REWRITE and ASK_USER do not
`
		currentContent := m.chatViewport.View()
		m.chatViewport.SetContent(currentContent + titleStyle.Render("Help:") + helpText + "\n")
		m.chatViewport.GotoBottom()

	case strings.HasPrefix(cmd, "/msg"):
		m.pendingUserMessage = strings.TrimSpace(trimmed[len("/msg"):])
		m.metaViewport.SetContent(writeMetadata(m.storyState, m.pendingUserMessage))

	case cmd == "/events":
		m.textarea.Reset()
		return m, m.fetchEvents()

	case cmd == "/state":
		m.textarea.Reset()
		return m, m.refreshState()
	}

	m.textarea.Reset()
	return m, nil
}

func (m ConsoleUI) submitDraft(userMessage, draft string) tea.Cmd {
	return func() tea.Msg {
		resp, err := processDraft(m.client, m.config.APIBaseURL, chat.TurnRequest{
			StoryID:        m.storyState.Meta.StoryID,
			UserMessage:    userMessage,
			AssistantDraft: draft,
		})
		return turnResponseMsg{entry: turnEntry{
			userMessage: userMessage,
			draft:       draft,
			response:    resp,
			err:         err,
		}}
	}
}

func (m ConsoleUI) refreshState() tea.Cmd {
	return func() tea.Msg {
		cs, err := getState(m.client, m.config.APIBaseURL, m.storyState.Meta.StoryID)
		return stateMsg{cs, err}
	}
}

func (m ConsoleUI) fetchEvents() tea.Cmd {
	return func() tea.Msg {
		events, err := getRecentEvents(m.client, m.config.APIBaseURL, m.storyState.Meta.StoryID, RecentEventCount)
		return eventsMsg{events, err}
	}
}

func (m ConsoleUI) loadStory(storyID string) tea.Cmd {
	return func() tea.Msg {
		cs, err := getState(m.client, m.config.APIBaseURL, storyID)
		return storyLoadedMsg{cs, err}
	}
}

func (m ConsoleUI) updateStoryModal(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case storyLoadedMsg:
		m.loadingStory = false
		if msg.err != nil {
			m.err = msg.err
			m.showStoryModal = true
			return m, nil
		}
		m.storyState = msg.storyState
		m.showStoryModal = false
		m.err = nil
		if m.width > 0 && m.height > 0 {
			chatWidth := int(float64(m.width)*0.75) - 4
			metaWidth := m.width - chatWidth - 6
			m.chatViewport.Width = chatWidth - 2
			m.chatViewport.Height = m.height - 7
			m.metaViewport.Width = metaWidth - 2
			m.metaViewport.Height = m.height - 4
			m.textarea.SetWidth(chatWidth - 4)
		}
		m.writeChatContent()
		m.metaViewport.SetContent(writeMetadata(m.storyState, ""))
		m.textarea.Focus()
		m.ready = true
		return m, textarea.Blink

	case tea.KeyMsg:
		if m.loadingStory {
			if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc {
				return m, tea.Quit
			}
			return m, nil
		}

		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			storyID := strings.TrimSpace(m.storyInput.Value())
			if storyID == "" {
				return m, nil
			}
			m.loadingStory = true
			m.err = nil
			return m, m.loadStory(storyID)
		}
	}

	var cmd tea.Cmd
	m.storyInput, cmd = m.storyInput.Update(msg)
	return m, cmd
}

func (m ConsoleUI) updateQuitModal(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m, tea.Quit
		default:
			switch msg.String() {
			case "y", "Y":
				return m, tea.Quit
			case "n", "N":
				m.showQuitModal = false
				m.textarea.Focus()
				return m, textarea.Blink
			}
		}
	}

	return m, nil
}

func (m ConsoleUI) renderQuitModal() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var content strings.Builder
	content.WriteString(modalTitleStyle.Render("Quit?"))
	content.WriteString("\n\n")
	content.WriteString("Are you sure you want to leave this story session?")
	content.WriteString("\n\n")
	content.WriteString(promptStyle.Render("Press Y to quit, N to continue, or Ctrl+C to force quit"))

	modal := modalStyle.Width(50).Render(content.String())

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modal, lipgloss.WithWhitespaceChars(" "))
}

func (m ConsoleUI) renderStoryModal() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var content strings.Builder

	if m.loadingStory {
		content.WriteString(modalTitleStyle.Render("Loading Story..."))
		content.WriteString("\n\n")
		content.WriteString(loadingStyle.Render("Fetching canonical state..."))
	} else {
		content.WriteString(modalTitleStyle.Render("Open a Story"))
		content.WriteString("\n\n")
		content.WriteString("Enter a story ID. Unknown stories start fresh at turn 0.")
		content.WriteString("\n\n")
		content.WriteString(m.storyInput.View())
		if m.err != nil {
			content.WriteString("\n\n")
			content.WriteString(errorStyle.Render(fmt.Sprintf("Failed to load story: %v", m.err)))
		}
		content.WriteString("\n\n")
		content.WriteString(promptStyle.Render("Enter to open, Ctrl+C to exit"))
	}

	modal := modalStyle.Width(60).Render(content.String())

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modal, lipgloss.WithWhitespaceChars(" "))
}

func (m ConsoleUI) View() string {
	if m.showStoryModal || m.loadingStory {
		return m.renderStoryModal()
	}

	if m.showQuitModal {
		return m.renderQuitModal()
	}

	if !m.ready {
		return "\n  Initializing..."
	}

	chatWidth := int(float64(m.width)*0.75) - 4
	metaWidth := m.width - chatWidth - 6

	chatPanel := chatPanelStyle.Width(chatWidth).Height(m.height - 3).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.chatViewport.View(),
			"",
			separatorStyle.Render(strings.Repeat("─", chatWidth-4)),
			m.textarea.View(),
		),
	)

	metaPanel := metaPanelStyle.Width(metaWidth).Height(m.height - 2).Render(
		m.metaViewport.View(),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, chatPanel, metaPanel)
}

// renderProgressBar creates an animated progress bar for loading states
func (m ConsoleUI) renderProgressBar() string {
	usable := m.chatViewport.Width - 6
	if usable <= 0 {
		usable = 30 // fallback before sizing
	}

	if usable > 80 {
		usable = 80
	} else if usable < 10 {
		usable = 10
	}

	const totalFrames = 40
	frame := m.progressTick % totalFrames
	filled := (frame * usable) / totalFrames

	var bar strings.Builder
	for i := 0; i < usable; i++ {
		if i < filled {
			bar.WriteString("█")
		} else if i == filled && frame%4 < 2 {
			bar.WriteString("▓") // Blinking effect at the progress point
		} else {
			bar.WriteString("░")
		}
	}
	return separatorStyle.Render(bar.String())
}

// progressTick creates a command that sends a progress tick message
func progressTick() tea.Cmd {
	return tea.Tick(time.Millisecond*200, func(time.Time) tea.Msg {
		return progressTickMsg{}
	})
}
