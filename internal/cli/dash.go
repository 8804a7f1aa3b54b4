package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/attache-ai/attache/internal/model"
	"github.com/attache-ai/attache/internal/store"
)

var dashCmd = &cobra.Command{
	Use:   "dash",
	Short: "Live dashboard over stores and sessions",
	RunE:  runDash,
}

const (
	dashPollInterval = 2 * time.Second
	dashStoreLimit   = 30
)

func runDash(_ *cobra.Command, _ []string) error {
	if !IsTTY() {
		return errors.New("dash requires a terminal; use 'attache status --json' when piping")
	}
	rt := mustRuntime()
	defer rt.Close()

	p := tea.NewProgram(newDashModel(rt.store), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// dashTickMsg requests the next periodic refresh.
type dashTickMsg struct{}

// dashRefreshMsg carries a snapshot read from the state database.
type dashRefreshMsg struct {
	stores   []model.VectorStoreRecord
	sessions int64
	err      error
}

type dashModel struct {
	st       *store.SQLiteStore
	spin     spinner.Model
	stores   []model.VectorStoreRecord
	sessions int64
	err      error
	loaded   bool
	width    int
}

func newDashModel(st *store.SQLiteStore) dashModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(clrBrand)
	return dashModel{st: st, spin: sp, width: 80}
}

func (m dashModel) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stores, err := m.st.ListVectorStores(ctx, dashStoreLimit)
	if err != nil {
		return dashRefreshMsg{err: err}
	}
	count, err := m.st.CountSessions(ctx)
	if err != nil {
		return dashRefreshMsg{err: err}
	}
	return dashRefreshMsg{stores: stores, sessions: count}
}

func tickDash() tea.Cmd {
	return tea.Tick(dashPollInterval, func(time.Time) tea.Msg {
		return dashTickMsg{}
	})
}

func (m dashModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.refresh)
}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}
		return m, nil

	case dashTickMsg:
		return m, m.refresh

	case dashRefreshMsg:
		m.loaded = true
		m.err = msg.err
		if msg.err == nil {
			m.stores = msg.stores
			m.sessions = msg.sessions
		}
		return m, tickDash()
	}

	var cmd tea.Cmd
	m.spin, cmd = m.spin.Update(msg)
	return m, cmd
}

var (
	dashHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(clrBrand)
	dashDimStyle    = lipgloss.NewStyle().Foreground(clrDim)
	dashErrStyle    = lipgloss.NewStyle().Foreground(clrRed)
	dashOkStyle     = lipgloss.NewStyle().Foreground(clrGreen)
	dashCellStyle   = lipgloss.NewStyle().Foreground(clrWhite)
)

func (m dashModel) View() string {
	var b strings.Builder

	b.WriteString(dashHeaderStyle.Render("attache") + dashDimStyle.Render("  vector store dashboard"))
	b.WriteString("\n\n")

	if !m.loaded {
		b.WriteString(m.spin.View() + " loading state...\n")
		return b.String()
	}
	if m.err != nil {
		b.WriteString(dashErrStyle.Render("state read failed: "+m.err.Error()) + "\n")
	}

	b.WriteString(dashHeaderStyle.Render(fmt.Sprintf("Stores (%d)", len(m.stores))))
	b.WriteString("\n")
	if len(m.stores) == 0 {
		b.WriteString(dashDimStyle.Render("  none") + "\n")
	}
	for _, rec := range m.stores {
		state := dashOkStyle.Render("active")
		if !rec.IsActive {
			state = dashDimStyle.Render("rolled")
		}
		line := fmt.Sprintf("  %-12s %-28s %6d docs  %-14s %s",
			shortID(rec.ID),
			bindingLabel(rec),
			rec.DocumentCount,
			humanize.Time(time.Unix(rec.CreatedAt, 0)),
			state)
		b.WriteString(dashCellStyle.Render(line) + "\n")
	}

	b.WriteString("\n")
	b.WriteString(dashHeaderStyle.Render("Sessions"))
	b.WriteString(dashCellStyle.Render(fmt.Sprintf("  %d cached", m.sessions)))
	b.WriteString("\n\n")
	b.WriteString(m.spin.View() + dashDimStyle.Render(fmt.Sprintf(" refreshing every %s · r refresh now · q quit", dashPollInterval)))
	b.WriteString("\n")
	return b.String()
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
