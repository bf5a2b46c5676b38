package cmd

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"

	"wheelforge/control"
	"wheelforge/stats"
	"wheelforge/util"
)

// monitorPollInterval is how often the TUI re-polls Control's stats
// command; Status itself only refreshes its persisted counters every
// five seconds (status.defaultDBPollInterval), so polling faster buys
// nothing.
const monitorPollInterval = 2 * time.Second

func newMonitorCmd() *cobra.Command {
	var controlAddr string

	c := &cobra.Command{
		Use:   "monitor",
		Short: "Live TUI dashboard of farm status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMonitor(controlAddr)
		},
	}
	c.Flags().StringVar(&controlAddr, "control-addr", "localhost:9003", "master's Control socket address")
	return c
}

// monitorUI is the tview dashboard, a three-pane layout: fleet/throughput
// header, build totals, scrolling event log. All writes from the poll loop
// go through QueueUpdateDraw; tcell input capture handles q/Ctrl+C.
type monitorUI struct {
	app        *tview.Application
	headerText *tview.TextView
	totalsText *tview.TextView
	eventsText *tview.TextView

	eventLines    []string
	maxEventLines int
}

func newMonitorUI(onQuit func()) *monitorUI {
	ui := &monitorUI{maxEventLines: 100}

	ui.app = tview.NewApplication()

	ui.headerText = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignLeft)
	ui.headerText.SetBorder(true).SetTitle(" wheelforge ").SetTitleAlign(tview.AlignLeft)
	ui.headerText.SetText("[yellow]Connecting...[white]")

	ui.totalsText = tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignLeft)
	ui.totalsText.SetBorder(true).SetTitle(" Build Totals ").SetTitleAlign(tview.AlignLeft)

	ui.eventsText = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetChangedFunc(func() { ui.app.Draw() })
	ui.eventsText.SetBorder(true).SetTitle(" Events ").SetTitleAlign(tview.AlignLeft)
	ui.eventsText.SetText("No events yet...")

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(ui.headerText, 3, 0, false).
		AddItem(ui.totalsText, 5, 0, false).
		AddItem(ui.eventsText, 0, 1, false)

	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			ui.app.Stop()
			go onQuit()
			return nil
		case tcell.KeyRune:
			if event.Rune() == 'q' || event.Rune() == 'Q' {
				ui.app.Stop()
				go onQuit()
				return nil
			}
		}
		return event
	})

	ui.app.SetRoot(layout, true).EnableMouse(true)
	return ui
}

func (ui *monitorUI) update(resp control.Response, connErr error) {
	if connErr != nil {
		ui.app.QueueUpdateDraw(func() {
			ui.headerText.SetText(fmt.Sprintf("[red]Disconnected:[white] %v", connErr))
		})
		ui.logEvent(fmt.Sprintf("[red]error:[white] %v", connErr))
		return
	}

	snap := resp.Stats.Snapshot
	header := fmt.Sprintf(
		"[green]Active:[white] %d  [yellow]Connected:[white] %d  [green]Rate:[white] %s/hr  [yellow]Load:[white] %.2f",
		snap.ActiveSlaves, snap.ConnectedSlaves, stats.FormatRate(snap.Rate), snap.Load,
	)

	db := resp.Stats.DB
	totals := fmt.Sprintf(
		"[green]Built:[white]  %6d   [red]Failed:[white] %6d   [yellow]Pending:[white] %6d\n"+
			"Packages: %d   Versions: %d   Files: %d   Disk: %s",
		snap.Built, snap.Failed, snap.Remaining,
		db.Packages, db.Versions, db.Files, util.FormatBytes(db.DiskBytes),
	)

	ui.app.QueueUpdateDraw(func() {
		ui.headerText.SetText(header)
		ui.totalsText.SetText(totals)
	})
}

func (ui *monitorUI) logEvent(msg string) {
	ts := time.Now().Format("15:04:05")
	ui.eventLines = append(ui.eventLines, fmt.Sprintf("[%s] %s", ts, msg))
	if len(ui.eventLines) > ui.maxEventLines {
		ui.eventLines = ui.eventLines[1:]
	}
	text := ""
	for _, l := range ui.eventLines {
		text += l + "\n"
	}
	ui.app.QueueUpdateDraw(func() {
		ui.eventsText.SetText(text)
		ui.eventsText.ScrollToEnd()
	})
}

// runMonitor polls addr's Control socket for a stats snapshot every
// monitorPollInterval and renders it in a tview dashboard until the
// operator quits with q or Ctrl+C.
func runMonitor(addr string) error {
	stop := make(chan struct{})
	var stopOnce bool
	quit := func() {
		if !stopOnce {
			stopOnce = true
			close(stop)
		}
	}

	ui := newMonitorUI(quit)

	go func() {
		ticker := time.NewTicker(monitorPollInterval)
		defer ticker.Stop()
		for {
			resp, err := control.Send(addr, control.Command{Kind: control.KindStats})
			ui.update(resp, err)
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()

	if err := ui.app.Run(); err != nil {
		return fmt.Errorf("monitor: tui: %w", err)
	}
	return nil
}
