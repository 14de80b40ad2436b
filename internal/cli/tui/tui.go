// Package tui renders a terminal dashboard of guest state, fed by the
// agent's list command and its lifecycle event stream.
package tui

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hostcrank/crank/internal/cli/client"
	"github.com/hostcrank/crank/internal/protocol"
	"github.com/hostcrank/crank/internal/server/config"
	"github.com/hostcrank/crank/internal/server/control/events"
)

const refreshInterval = 5 * time.Second

type guestListMsg struct {
	guests []protocol.GuestSnapshot
}

type guestEventMsg struct {
	event events.GuestEvent
}

type errMsg struct {
	err error
}

type eventsClosedMsg struct{}

type tickMsg struct{}

// Run launches the Bubble Tea dashboard.
func Run(socketPath string) error {
	if socketPath == "" {
		socketPath = os.Getenv("CRANK_SOCKET")
	}
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	api := client.New(socketPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := newModel(ctx, cancel, api)
	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		cancel()
		return err
	}
	return nil
}

type model struct {
	ctx       context.Context
	cancel    context.CancelFunc
	api       *client.Client
	guests    []protocol.GuestSnapshot
	logs      []string
	err       error
	eventCh   chan events.GuestEvent
	streamEOF bool
}

func newModel(ctx context.Context, cancel context.CancelFunc, api *client.Client) model {
	return model{
		ctx:     ctx,
		cancel:  cancel,
		api:     api,
		eventCh: make(chan events.GuestEvent, 16),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		fetchGuestsCmd(m.api, m.ctx),
		watchEventsCmd(m.api, m.ctx, m.eventCh),
		waitEventCmd(m.eventCh),
		tickCmd(),
	)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}
	case guestListMsg:
		m.guests = msg.guests
		m.err = nil
		return m, nil
	case guestEventMsg:
		ts := msg.event.Timestamp.Local().Format("15:04:05")
		line := fmt.Sprintf("%s %-16s %-12s %s", ts, msg.event.Type, msg.event.Guest, msg.event.Message)
		m.logs = append([]string{line}, m.logs...)
		if len(m.logs) > 100 {
			m.logs = m.logs[:100]
		}
		// Refresh the table after each lifecycle transition.
		return m, tea.Batch(fetchGuestsCmd(m.api, m.ctx), waitEventCmd(m.eventCh))
	case errMsg:
		m.err = msg.err
		return m, nil
	case eventsClosedMsg:
		m.streamEOF = true
		return m, nil
	case tickMsg:
		return m, tea.Batch(tickCmd(), fetchGuestsCmd(m.api, m.ctx))
	}
	return m, nil
}

func (m model) View() string {
	header := "CRANK :: Guest Dashboard (q to quit)\n"
	var body string
	body += "\nGuests:\n"
	if len(m.guests) == 0 {
		body += "  (no guests)\n"
	} else {
		body += fmt.Sprintf("  %-18s %-10s %-8s %-20s %-8s\n", "NAME", "PHASE", "PID", "MAC", "CONSOLE")
		for _, g := range m.guests {
			pid, console := "-", "-"
			if g.PID != 0 {
				pid = fmt.Sprintf("%d", g.PID)
			}
			if g.ConsolePort != 0 {
				console = fmt.Sprintf("%d", g.ConsolePort)
			}
			mac := g.MACAddress
			if mac == "" {
				mac = "-"
			}
			body += fmt.Sprintf("  %-18s %-10s %-8s %-20s %-8s\n", g.Name, g.Phase, pid, mac, console)
		}
	}

	body += "\nEvents:\n"
	if len(m.logs) == 0 {
		body += "  (waiting for events)\n"
	} else {
		for i, line := range m.logs {
			if i >= 10 {
				break
			}
			body += "  " + line + "\n"
		}
	}

	if m.err != nil {
		body += fmt.Sprintf("\nError: %v\n", m.err)
	}
	if m.streamEOF {
		body += "\nEvent stream closed.\n"
	}

	return header + body
}

func fetchGuestsCmd(api *client.Client, parent context.Context) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, 5*time.Second)
		defer cancel()
		guests, err := api.List(ctx)
		if err != nil {
			return errMsg{err: err}
		}
		return guestListMsg{guests: guests}
	}
}

func watchEventsCmd(api *client.Client, ctx context.Context, ch chan<- events.GuestEvent) tea.Cmd {
	return func() tea.Msg {
		go func() {
			defer close(ch)
			stream, err := api.WatchEvents(ctx)
			if err != nil {
				if ctx.Err() == nil {
					select {
					case ch <- events.GuestEvent{Type: "error", Message: err.Error(), Timestamp: time.Now().UTC()}:
					default:
					}
				}
				return
			}
			for ev := range stream {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
		}()
		return nil
	}
}

func waitEventCmd(ch <-chan events.GuestEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return eventsClosedMsg{}
		}
		return guestEventMsg{event: ev}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}
