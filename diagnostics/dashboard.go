package diagnostics

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"pokeball-mouse/ble"
)

// RefreshInterval is how often the dashboard redraws.
const RefreshInterval = 100 * time.Millisecond

// PacketMsg carries a notification into the dashboard program.
type PacketMsg struct {
	Packet ble.Packet
}

// StatusMsg replaces the dashboard's status line.
type StatusMsg string

type tickMsg time.Time

// Dashboard is the bubbletea model of the live byte comparator.
type Dashboard struct {
	title      string
	comparator Comparator
	hub        *Hub

	report  *Report
	packets int
	started time.Time
	now     time.Time
	status  string
}

// NewDashboard returns a model titled with the device address. hub may be
// nil; otherwise every report is also published on it.
func NewDashboard(title string, hub *Hub) *Dashboard {
	now := time.Now()
	return &Dashboard{title: title, hub: hub, started: now, now: now, status: "waiting for data..."}
}

// Send returns a packet handler that forwards packets into p.
func Send(p *tea.Program) ble.PacketHandler {
	return func(pkt ble.Packet) {
		p.Send(PacketMsg{Packet: pkt.Clone()})
	}
}

func tick() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init starts the refresh ticker.
func (d *Dashboard) Init() tea.Cmd {
	return tick()
}

// Update handles packets, ticks and keys.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case PacketMsg:
		d.packets++
		r := d.comparator.Observe(msg.Packet)
		d.report = &r
		d.status = ""
		if d.hub != nil {
			d.hub.Publish(r)
		}
	case StatusMsg:
		d.status = string(msg)
	case tickMsg:
		d.now = time.Time(msg)
		return d, tick()
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return d, tea.Quit
		case "r":
			d.comparator.ResetBaseline()
			d.status = "baseline reset"
		}
	}
	return d, nil
}

// Rate returns packets per second since the dashboard started.
func (d *Dashboard) Rate() float64 {
	elapsed := d.now.Sub(d.started).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(d.packets) / elapsed
}

// View renders the header and the latest report.
func (d *Dashboard) View() string {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Poke Ball Plus dashboard ===\n%s\n", d.title)
	fmt.Fprintf(&b, "packets: %d | runtime: %.1fs | rate: %.1f/s\n",
		d.packets, d.now.Sub(d.started).Seconds(), d.Rate())
	b.WriteString("q to exit | r to reset baseline\n\n")
	if d.status != "" {
		b.WriteString(d.status + "\n\n")
	}
	if d.report != nil {
		b.WriteString(Render(*d.report))
	}
	return b.String()
}
