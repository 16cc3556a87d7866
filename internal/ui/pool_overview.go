package ui

import (
	"fmt"
	"sort"

	"github.com/rivo/tview"

	"github.com/vamshivade/DEX-System/internal/metrics"
)

var poolHeaders = []string{"Pool", "Evals", "Price", "Decision", "Updated"}

// PoolOverviewView lists the pools bots are evaluating.
type PoolOverviewView struct {
	table *tview.Table
}

// NewPoolOverviewView creates a new pool overview view.
func NewPoolOverviewView() *PoolOverviewView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Pools ").SetBorder(true)
	setHeader(table, poolHeaders)

	return &PoolOverviewView{
		table: table,
	}
}

// Widget returns the tview primitive.
func (v *PoolOverviewView) Widget() tview.Primitive {
	return v.table
}

// Update refreshes the view with new metrics data.
func (v *PoolOverviewView) Update(snapshot metrics.Snapshot) {
	v.table.Clear()
	setHeader(v.table, poolHeaders)

	// most evaluated first
	pools := snapshot.SortedPools()
	sort.SliceStable(pools, func(i, j int) bool {
		return pools[i].Evaluations > pools[j].Evaluations
	})

	limit := 10
	if len(pools) < limit {
		limit = len(pools)
	}

	for i, pool := range pools[:limit] {
		cells := []string{
			truncateID(pool.Symbol),
			fmt.Sprintf("%d", pool.Evaluations),
			fmt.Sprintf("%.6g", pool.LastPrice),
			string(pool.LastDecision),
			formatTimeAgo(pool.LastUpdate),
		}
		for col, text := range cells {
			v.table.SetCell(i+1, col, tview.NewTableCell(text).
				SetAlign(tview.AlignLeft).
				SetExpansion(1))
		}
	}

	v.table.SetTitle(fmt.Sprintf(" Pools (%d active) ", len(snapshot.Pools)))
}

// setHeader writes the header row of a table.
func setHeader(table *tview.Table, headers []string) {
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetTextColor(tview.Styles.SecondaryTextColor).
			SetAlign(tview.AlignLeft).
			SetSelectable(false)
		table.SetCell(0, col, cell)
	}
}

// truncateID shortens an identifier or address for display.
func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + "..." + id[len(id)-4:]
}
