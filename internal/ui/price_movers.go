package ui

import (
	"fmt"
	"math"
	"sort"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/vamshivade/DEX-System/internal/metrics"
)

var moverHeaders = []string{"Pool", "Change", "Evals", "Price"}

// PriceMoversView ranks pools by price change over the tracked window.
type PriceMoversView struct {
	table *tview.Table
}

// NewPriceMoversView creates a new price movers view.
func NewPriceMoversView() *PriceMoversView {
	table := tview.NewTable().
		SetBorders(false).
		SetFixed(1, 0)

	table.SetTitle(" Price Movers ").SetBorder(true)
	setHeader(table, moverHeaders)

	return &PriceMoversView{
		table: table,
	}
}

// Widget returns the tview primitive.
func (v *PriceMoversView) Widget() tview.Primitive {
	return v.table
}

type mover struct {
	pool   *metrics.PoolActivity
	change float64
}

// windowChange is the percent change between the oldest and newest point.
func windowChange(p *metrics.PoolActivity) float64 {
	if len(p.PricePoints) < 2 {
		return 0
	}
	first := p.PricePoints[0].Price
	if first == 0 {
		return 0
	}
	last := p.PricePoints[len(p.PricePoints)-1].Price
	return (last - first) / first * 100
}

// Update refreshes the movers display.
func (v *PriceMoversView) Update(snapshot metrics.Snapshot) {
	v.table.Clear()
	setHeader(v.table, moverHeaders)

	movers := make([]mover, 0, len(snapshot.Pools))
	for _, p := range snapshot.Pools {
		movers = append(movers, mover{pool: p, change: windowChange(p)})
	}
	sort.Slice(movers, func(i, j int) bool {
		return math.Abs(movers[i].change) > math.Abs(movers[j].change)
	})

	limit := 10
	if len(movers) < limit {
		limit = len(movers)
	}

	if limit == 0 {
		v.table.SetCell(1, 0, tview.NewTableCell("No data yet...").
			SetAlign(tview.AlignCenter).
			SetExpansion(1))
		return
	}

	for i, m := range movers[:limit] {
		row := i + 1

		changeColor := tcell.ColorWhite
		if m.change > 0 {
			changeColor = tcell.ColorGreen
		} else if m.change < 0 {
			changeColor = tcell.ColorRed
		}

		v.table.SetCell(row, 0, tview.NewTableCell(truncateID(m.pool.Symbol)).SetAlign(tview.AlignLeft))
		v.table.SetCell(row, 1, tview.NewTableCell(fmt.Sprintf("%+.2f%%", m.change)).
			SetAlign(tview.AlignRight).
			SetTextColor(changeColor))
		v.table.SetCell(row, 2, tview.NewTableCell(fmt.Sprintf("%d", m.pool.Evaluations)).
			SetAlign(tview.AlignRight))
		v.table.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%.6g", m.pool.LastPrice)).
			SetAlign(tview.AlignRight))
	}
}
