package ui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/vamshivade/DEX-System/internal/metrics"
	"github.com/vamshivade/DEX-System/internal/store"
)

var jobHeaders = []string{"Time", "Kind", "Wallet", "Side", "State", "Tries", "Reference"}

// JobFeedView shows the most recently finished swap jobs.
type JobFeedView struct {
	table   *tview.Table
	maxRows int
}

// NewJobFeedView creates a new job feed view.
func NewJobFeedView() *JobFeedView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Jobs ").SetBorder(true)
	setHeader(table, jobHeaders)

	return &JobFeedView{
		table:   table,
		maxRows: 100,
	}
}

// Widget returns the tview primitive.
func (v *JobFeedView) Widget() tview.Primitive {
	return v.table
}

// Update redraws the feed from snapshot.
func (v *JobFeedView) Update(snapshot metrics.Snapshot) {
	v.table.Clear()
	setHeader(v.table, jobHeaders)

	jobs := snapshot.RecentJobs
	if len(jobs) > v.maxRows {
		jobs = jobs[:v.maxRows]
	}

	for i, job := range jobs {
		side := string(job.Direction)
		if side == "" {
			side = "-"
		}
		ref := truncateID(job.Reference)
		if ref == "" {
			ref = "-"
		}

		cells := []string{
			job.At.Format("15:04:05"),
			string(job.Kind),
			truncateID(job.WalletID),
			side,
			string(job.State),
			fmt.Sprintf("%d", job.Attempts),
			ref,
		}
		for col, text := range cells {
			cell := tview.NewTableCell(text).SetAlign(tview.AlignLeft)
			if col == 4 {
				cell.SetTextColor(stateColor(job.State))
			}
			v.table.SetCell(i+1, col, cell)
		}
	}

	v.table.SetTitle(fmt.Sprintf(" Jobs (%d) ", len(snapshot.RecentJobs)))
}

func stateColor(s store.JobState) tcell.Color {
	switch s {
	case store.JobSucceeded:
		return tcell.ColorGreen
	case store.JobPartialFailure:
		return tcell.ColorOrange
	case store.JobFailedPermanently:
		return tcell.ColorRed
	case store.JobCancelled:
		return tcell.ColorGray
	default:
		return tcell.ColorWhite
	}
}
