// Package ui provides the read-only operator console.
package ui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/vamshivade/DEX-System/internal/metrics"
)

// App is the main TUI application.
type App struct {
	app    *tview.Application
	layout *tview.Flex

	// Views
	poolOverview   *PoolOverviewView
	alertFeed      *AlertFeedView
	jobFeed        *JobFeedView
	statsDashboard *StatsDashboardView
	priceMovers    *PriceMoversView

	tracker *metrics.Tracker
	refresh time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp creates a console that redraws from tracker every refresh.
func NewApp(tracker *metrics.Tracker, refresh time.Duration) *App {
	ctx, cancel := context.WithCancel(context.Background())
	if refresh <= 0 {
		refresh = 500 * time.Millisecond
	}

	app := &App{
		app:     tview.NewApplication(),
		tracker: tracker,
		refresh: refresh,
		ctx:     ctx,
		cancel:  cancel,
	}

	app.poolOverview = NewPoolOverviewView()
	app.alertFeed = NewAlertFeedView()
	app.jobFeed = NewJobFeedView()
	app.statsDashboard = NewStatsDashboardView()
	app.priceMovers = NewPriceMoversView()

	app.setupLayout()
	app.setupKeyboard()

	return app
}

// setupLayout creates the 5-panel layout.
func (a *App) setupLayout() {
	// Top row: Pools (left) | Alerts (right)
	topRow := tview.NewFlex().
		AddItem(a.poolOverview.Widget(), 0, 1, false).
		AddItem(a.alertFeed.Widget(), 0, 2, false)

	// Middle row: finished jobs (full width)
	middleRow := a.jobFeed.Widget()

	// Bottom row: Stats (left) | Price movers (right)
	bottomRow := tview.NewFlex().
		AddItem(a.statsDashboard.Widget(), 0, 1, false).
		AddItem(a.priceMovers.Widget(), 0, 1, false)

	a.layout = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(topRow, 0, 2, false).
		AddItem(middleRow, 0, 3, false).
		AddItem(bottomRow, 0, 2, false)

	a.app.SetRoot(a.layout, true)
}

// setupKeyboard configures keyboard shortcuts.
func (a *App) setupKeyboard() {
	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlC:
			a.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q', 'Q':
				a.Stop()
				return nil
			case 'r', 'R':
				a.redraw()
				return nil
			}
		}
		return event
	})
}

// Run starts the TUI application (blocking).
func (a *App) Run() error {
	go a.updateLoop()

	if err := a.app.Run(); err != nil {
		return fmt.Errorf("app run failed: %w", err)
	}
	return nil
}

// Stop gracefully stops the application.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}

// Done is closed once the console has been stopped.
func (a *App) Done() <-chan struct{} {
	return a.ctx.Done()
}

// updateLoop periodically refreshes views with metrics data.
func (a *App) updateLoop() {
	ticker := time.NewTicker(a.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.redraw()
		}
	}
}

// redraw pushes a fresh snapshot into every view.
func (a *App) redraw() {
	snapshot := a.tracker.Snapshot()

	a.app.QueueUpdateDraw(func() {
		a.poolOverview.Update(snapshot)
		a.alertFeed.Update(snapshot)
		a.jobFeed.Update(snapshot)
		a.statsDashboard.Update(snapshot)
		a.priceMovers.Update(snapshot)
	})
}
