package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"

	"github.com/vamshivade/DEX-System/internal/metrics"
	"github.com/vamshivade/DEX-System/internal/store"
)

// StatsDashboardView displays engine health and execution counters.
type StatsDashboardView struct {
	textView *tview.TextView
}

// NewStatsDashboardView creates a new stats dashboard view.
func NewStatsDashboardView() *StatsDashboardView {
	textView := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(false)

	textView.SetTitle(" Stats Dashboard ").SetBorder(true)

	return &StatsDashboardView{
		textView: textView,
	}
}

// Widget returns the tview primitive.
func (v *StatsDashboardView) Widget() tview.Primitive {
	return v.textView
}

// Update refreshes the stats display.
func (v *StatsDashboardView) Update(snapshot metrics.Snapshot) {
	v.textView.Clear()

	text := fmt.Sprintf(`[yellow]Loops[-]
Uptime: %s
Bot tick: %s (%s)
Range tick: %s (%s)

[yellow]Execution[-]
In flight: %d wallets
Queued: %d jobs
Rate: %.2f jobs/min

[yellow]Outcomes[-]
Succeeded: [green]%d[-]
Failed: [red]%d[-]
Partial: [orange]%d[-]
Cancelled: %d

[yellow]Signals[-]
BUY: %d  SELL: %d  HOLD: %d
`,
		formatDuration(snapshot.Uptime),
		formatTimeAgo(snapshot.LastBotTick), snapshot.LastBotTickTook.Round(time.Millisecond),
		formatTimeAgo(snapshot.LastRangeTick), snapshot.LastRangeTickTook.Round(time.Millisecond),
		snapshot.InFlightWallets,
		snapshot.QueueDepth,
		snapshot.JobRate,
		snapshot.JobsByState[store.JobSucceeded],
		snapshot.JobsByState[store.JobFailedPermanently],
		snapshot.JobsByState[store.JobPartialFailure],
		snapshot.JobsByState[store.JobCancelled],
		snapshot.SignalsByDecision[store.DecisionBuy],
		snapshot.SignalsByDecision[store.DecisionSell],
		snapshot.SignalsByDecision[store.DecisionHold],
	)

	if len(snapshot.Prices) > 0 {
		text += "\n[yellow]Prices[-]\n"
		for _, q := range snapshot.Prices {
			text += fmt.Sprintf("%s: %s (%s)\n", q.Symbol, q.Price.StringFixed(4), formatTimeAgo(q.ObservedAt))
		}
	}

	fmt.Fprint(v.textView, text)
}

// formatDuration formats a duration in human-readable form.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%.0fm", d.Minutes())
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// formatTimeAgo formats a time as "X ago".
func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	elapsed := time.Since(t)

	if elapsed < time.Minute {
		return fmt.Sprintf("%.0fs ago", elapsed.Seconds())
	}
	if elapsed < time.Hour {
		return fmt.Sprintf("%.0fm ago", elapsed.Minutes())
	}
	if elapsed < 24*time.Hour {
		return fmt.Sprintf("%.0fh ago", elapsed.Hours())
	}
	return fmt.Sprintf("%.0fd ago", elapsed.Hours()/24)
}
