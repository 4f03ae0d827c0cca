package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	cl "phimarket/internal/cli"
	"phimarket/internal/exchange"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	openStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	closedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	boxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("8"))
)

type (
	marketMsg struct{ snap cl.MarketSnapshot }
	changeMsg struct{ change exchange.Change }
	errMsg    struct{ err error }
	streamEnd struct{ err error }
)

type fetchFunc func(ctx context.Context) (cl.MarketSnapshot, error)

type watchModel struct {
	fetch    fetchFunc
	feed     <-chan cl.StreamMessage
	table    table.Model
	snap     cl.MarketSnapshot
	fetching bool
	stale    bool
	latest   uint64
	updated  time.Time
	err      error
	closed   bool
}

func newWatchModel(fetch fetchFunc, feed <-chan cl.StreamMessage) watchModel {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 18},
			{Title: "NAME", Width: 22},
			{Title: "CREW", Width: 14},
			{Title: "PRICE", Width: 12},
			{Title: "POP", Width: 6},
			{Title: "STR", Width: 6},
		}),
		table.WithFocused(true),
		table.WithHeight(15),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).Bold(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("14"))
	t.SetStyles(styles)
	return watchModel{fetch: fetch, feed: feed, table: t, fetching: true}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.load(), listen(m.feed))
}

func (m watchModel) load() tea.Cmd {
	fetch := m.fetch
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := fetch(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return marketMsg{snap: snap}
	}
}

// listen waits for the next frame of the change stream.
func listen(feed <-chan cl.StreamMessage) tea.Cmd {
	if feed == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-feed
		if !ok {
			return streamEnd{}
		}
		if msg.Type == "hello" {
			return changeMsg{change: exchange.Change{Seq: msg.Latest}}
		}
		return changeMsg{change: msg.Change}
	}
}

// refreshes reports whether a change can move prices or the market header.
func refreshes(kind exchange.ChangeKind) bool {
	switch kind {
	case exchange.ChangeCharacter, exchange.ChangeSettings, exchange.ChangeTrade:
		return true
	}
	return false
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if !m.fetching {
				m.fetching = true
				return m, m.load()
			}
			m.stale = true
			return m, nil
		}
	case marketMsg:
		m.snap = msg.snap
		m.err = nil
		m.updated = time.Now()
		m.table.SetRows(marketRows(msg.snap.Characters))
		if m.stale {
			m.stale = false
			return m, m.load()
		}
		m.fetching = false
		return m, nil
	case errMsg:
		m.err = msg.err
		m.fetching = false
		return m, nil
	case changeMsg:
		if msg.change.Seq > m.latest {
			m.latest = msg.change.Seq
		}
		next := listen(m.feed)
		if !refreshes(msg.change.Kind) {
			return m, next
		}
		if m.fetching {
			m.stale = true
			return m, next
		}
		m.fetching = true
		return m, tea.Batch(next, m.load())
	case streamEnd:
		m.closed = true
		m.err = msg.err
		return m, nil
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m watchModel) View() string {
	var b strings.Builder
	st := m.snap.Settings
	status := openStyle.Render("OPEN")
	if !st.TradingEnabled {
		status = closedStyle.Render("CLOSED")
	}
	b.WriteString(titleStyle.Render("PHI MARKET") + "  " + status + "\n")
	if st.Event.Active {
		b.WriteString(eventStyle.Render(fmt.Sprintf("Event: %s (x%g)", st.Event.Name, st.Event.Multiplier())) + "\n")
	}
	if st.TickerText != "" {
		b.WriteString("» " + st.TickerText + "\n")
	}
	b.WriteString(boxStyle.Render(m.table.View()) + "\n")

	footer := fmt.Sprintf("seq %d", m.latest)
	if !m.updated.IsZero() {
		footer += " · updated " + m.updated.Format("15:04:05")
	}
	if m.closed {
		footer += " · stream closed"
	}
	b.WriteString(helpStyle.Render(footer+" · ↑/↓ move · r refresh · q quit") + "\n")
	if m.err != nil {
		b.WriteString(closedStyle.Render("error: "+m.err.Error()) + "\n")
	}
	return b.String()
}

func marketRows(chars []exchange.MarketView) []table.Row {
	rows := make([]table.Row, 0, len(chars))
	for _, c := range chars {
		price := formatPhi(c.EffectivePrice)
		if c.Frozen {
			price = "FROZEN"
		}
		rows = append(rows, table.Row{
			c.ID,
			c.Name,
			c.Crew,
			price,
			fmt.Sprint(c.PopularityVotes),
			fmt.Sprint(c.StrengthVotes),
		})
	}
	return rows
}

func newWatchCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Live market table over the change stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			conn, err := client.Stream(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			defer conn.Close()

			feed := make(chan cl.StreamMessage, 64)
			go func() {
				defer close(feed)
				for {
					var msg cl.StreamMessage
					if err := conn.ReadJSON(&msg); err != nil {
						return
					}
					select {
					case feed <- msg:
					case <-ctx.Done():
						return
					}
				}
			}()

			fetch := func(ctx context.Context) (cl.MarketSnapshot, error) {
				return client.Market(ctx, sess.AccessToken)
			}
			_, err = tea.NewProgram(newWatchModel(fetch, feed), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			return err
		},
	}
}
