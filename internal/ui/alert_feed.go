package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/vamshivade/DEX-System/internal/metrics"
	"github.com/vamshivade/DEX-System/internal/notify"
	"github.com/vamshivade/DEX-System/internal/store"
)

// AlertFeedView lists operator alerts, newest first.
type AlertFeedView struct {
	list     *tview.List
	maxItems int
}

// NewAlertFeedView creates a new alert feed view.
func NewAlertFeedView() *AlertFeedView {
	list := tview.NewList().
		ShowSecondaryText(true)

	list.SetTitle(" 🚨 Alerts ").SetBorder(true)
	list.SetMainTextColor(tcell.ColorWhite)

	return &AlertFeedView{
		list:     list,
		maxItems: 50,
	}
}

// Widget returns the tview primitive.
func (v *AlertFeedView) Widget() tview.Primitive {
	return v.list
}

// Update rebuilds the list from snapshot.
func (v *AlertFeedView) Update(snapshot metrics.Snapshot) {
	v.list.Clear()

	alerts := snapshot.RecentAlerts
	if len(alerts) == 0 {
		v.list.AddItem("No alerts", "", 0, nil)
		v.list.SetTitle(" 🚨 Alerts ")
		return
	}
	if len(alerts) > v.maxItems {
		alerts = alerts[:v.maxItems]
	}

	for _, a := range alerts {
		mainText, secondaryText := formatAlert(a)
		v.list.AddItem(mainText, secondaryText, 0, nil)
	}

	v.list.SetTitle(fmt.Sprintf(" 🚨 Alerts (%d) ", len(snapshot.RecentAlerts)))
}

// formatAlert renders an alert as a list item.
func formatAlert(a store.Alert) (string, string) {
	var icon string
	switch a.Severity {
	case notify.SeverityCritical:
		icon = "🔴"
	case notify.SeverityWarning:
		icon = "⚠️"
	default:
		icon = "ℹ️"
	}

	message := a.Message
	if len(message) > 120 {
		message = message[:117] + "..."
	}

	mainText := fmt.Sprintf("%s %s %s", a.SentAt.Format("15:04:05"), icon, a.Source)
	return mainText, message
}
