// Package monitor renders a live terminal table of PLC tag values.
// It is optional; the gateway runs headless without it.
package monitor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"warstep/plcman"
)

const refreshInterval = 500 * time.Millisecond

// row is the rendered state of one published tag.
type row struct {
	plc       string
	tag       string
	typeName  string
	value     interface{}
	changedAt time.Time
}

// Monitor is the live terminal view. Feed it value changes through
// ApplyChanges; rendering happens on a fixed refresh tick so the
// callback never touches the UI thread.
type Monitor struct {
	app     *tview.Application
	table   *tview.Table
	status  *tview.TextView
	manager *plcman.Manager

	mu   sync.Mutex
	rows map[string]*row

	stopChan chan struct{}
	stopOnce sync.Once
	onQuit   func()
}

// New creates a monitor over the given manager.
func New(manager *plcman.Manager) *Monitor {
	m := &Monitor{
		app:      tview.NewApplication(),
		manager:  manager,
		rows:     make(map[string]*row),
		stopChan: make(chan struct{}),
	}
	m.setupUI()
	return m
}

// SetOnQuit sets the callback invoked when the user quits the view.
// Without one, quitting just stops the monitor.
func (m *Monitor) SetOnQuit(fn func()) {
	m.onQuit = fn
}

func (m *Monitor) setupUI() {
	m.table = tview.NewTable().
		SetBorders(false).
		SetSelectable(true, false).
		SetFixed(1, 0)
	m.table.SetBorder(true).SetTitle(" warstep ").SetTitleColor(tcell.ColorYellow)

	m.status = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(m.table, 0, 1, true).
		AddItem(m.status, 1, 0, false)

	m.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event == nil {
			return nil
		}
		switch {
		case event.Rune() == 'q', event.Rune() == 'Q',
			event.Key() == tcell.KeyEscape, event.Key() == tcell.KeyCtrlC:
			if m.onQuit != nil {
				m.onQuit()
			} else {
				m.Stop()
			}
			return nil
		}
		return event
	})

	m.app.SetRoot(flex, true)
}

// ApplyChanges records tag value changes for the next render. Wire it
// into the poll manager's value-change callback.
func (m *Monitor) ApplyChanges(changes []plcman.ValueChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range changes {
		key := c.PLCName + "." + c.PublishName()
		ts := c.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		m.rows[key] = &row{
			plc:       c.PLCName,
			tag:       c.PublishName(),
			typeName:  c.TypeName,
			value:     c.Value,
			changedAt: ts,
		}
	}
}

// Run seeds the table from the manager's current values and blocks in
// the UI loop until the monitor stops.
func (m *Monitor) Run() error {
	m.ApplyChanges(m.manager.GetAllCurrentValues())
	m.refresh()

	go m.refreshLoop()

	return m.app.Run()
}

// Stop halts the refresh loop and the UI.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.app.Stop()
}

func (m *Monitor) refreshLoop() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.app.QueueUpdateDraw(m.refresh)
		}
	}
}

// refresh rebuilds the table. Runs on the UI thread only.
func (m *Monitor) refresh() {
	m.mu.Lock()
	rows := make([]*row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r)
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].plc != rows[j].plc {
			return rows[i].plc < rows[j].plc
		}
		return rows[i].tag < rows[j].tag
	})

	m.table.Clear()
	headers := []string{"PLC", "Tag", "Type", "Value", "Age"}
	for i, h := range headers {
		m.table.SetCell(0, i, tview.NewTableCell(h).
			SetTextColor(tcell.ColorYellow).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	now := time.Now()
	for i, r := range rows {
		m.table.SetCell(i+1, 0, tview.NewTableCell(r.plc).SetExpansion(1))
		m.table.SetCell(i+1, 1, tview.NewTableCell(r.tag).SetExpansion(2))
		m.table.SetCell(i+1, 2, tview.NewTableCell(r.typeName).SetExpansion(1))
		m.table.SetCell(i+1, 3, tview.NewTableCell(formatValue(r.value)).SetExpansion(2))
		m.table.SetCell(i+1, 4, tview.NewTableCell(formatAge(now.Sub(r.changedAt))).SetExpansion(1))
	}

	m.status.SetText(m.statusLine(len(rows)))
}

// statusLine summarizes PLC connectivity for the bottom bar.
func (m *Monitor) statusLine(tagCount int) string {
	plcs := m.manager.ListPLCs()
	connected := 0
	for _, plc := range plcs {
		if plc.GetStatus() == plcman.StatusConnected {
			connected++
		}
	}
	return fmt.Sprintf(" %d/%d PLCs connected   %d tags   q to quit", connected, len(plcs), tagCount)
}

// formatValue renders a tag value for one table cell. Long values get
// truncated so a string tag cannot wreck the layout.
func formatValue(v interface{}) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > 32 {
		return s[:29] + "..."
	}
	return s
}

// formatAge renders the time since the last observed change.
func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Second {
		return "<1s"
	}
	return d.Round(time.Second).String()
}
