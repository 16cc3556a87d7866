package signal

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vamshivade/DEX-System/internal/pricecache"
	"github.com/vamshivade/DEX-System/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testBot(mode store.TradeMode) store.Bot {
	return store.Bot{
		ID:          "bot-1",
		PoolID:      "pool-1",
		WalletID:    "w-1",
		Mode:        mode,
		Threshold:   d("0.02"),
		TradeAmount: d("1000000"),
	}
}

func TestDecisionTable(t *testing.T) {
	tests := []struct {
		name     string
		mode     store.TradeMode
		prev     string
		cur      string
		expected store.Decision
	}{
		{"inverse rise", store.ModeInverse, "100", "103", store.DecisionSell},
		{"reverse rise", store.ModeReverse, "100", "103", store.DecisionBuy},
		{"inverse small move", store.ModeInverse, "100", "101", store.DecisionHold},
		{"reverse small move", store.ModeReverse, "100", "101", store.DecisionHold},
		{"inverse fall", store.ModeInverse, "100", "97", store.DecisionBuy},
		{"reverse fall", store.ModeReverse, "100", "97", store.DecisionSell},
		{"inverse exactly +threshold", store.ModeInverse, "100", "102", store.DecisionSell},
		{"inverse exactly -threshold", store.ModeInverse, "100", "98", store.DecisionBuy},
		{"reverse exactly +threshold", store.ModeReverse, "100", "102", store.DecisionBuy},
		{"reverse exactly -threshold", store.ModeReverse, "100", "98", store.DecisionSell},
		{"just under threshold", store.ModeReverse, "100", "101.99", store.DecisionHold},
		{"unchanged", store.ModeInverse, "100", "100", store.DecisionHold},
	}

	e := NewEngine(100)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, trade := e.Decide(testBot(tt.mode), pricecache.Delta{Previous: d(tt.prev), Current: d(tt.cur)}, true)
			if intent.Decision != tt.expected {
				t.Errorf("Decision = %s, want %s", intent.Decision, tt.expected)
			}
			if trade != (tt.expected != store.DecisionHold) {
				t.Errorf("trade = %v for decision %s", trade, intent.Decision)
			}
		})
	}
}

func TestClassifyBoundarySweep(t *testing.T) {
	threshold := d("0.05")
	for bp := -1000; bp <= 1000; bp++ {
		change := decimal.New(int64(bp), -4)
		for _, mode := range []store.TradeMode{store.ModeInverse, store.ModeReverse} {
			got := Classify(mode, change, threshold)

			want := store.DecisionHold
			switch {
			case bp >= 500 && mode == store.ModeInverse, bp <= -500 && mode == store.ModeReverse:
				want = store.DecisionSell
			case bp <= -500 && mode == store.ModeInverse, bp >= 500 && mode == store.ModeReverse:
				want = store.DecisionBuy
			}
			if got != want {
				t.Fatalf("mode=%s change=%s: got %s, want %s", mode, change, got, want)
			}
		}
	}
}

func TestNoPreviousHolds(t *testing.T) {
	e := NewEngine(100)
	// a current price that would otherwise trigger must still HOLD
	intent, trade := e.Decide(testBot(store.ModeInverse), pricecache.Delta{Current: d("500")}, false)
	if trade || intent.Decision != store.DecisionHold {
		t.Errorf("Expected HOLD without previous price, got %s", intent.Decision)
	}

	intent, trade = e.Decide(testBot(store.ModeInverse), pricecache.Delta{Previous: decimal.Zero, Current: d("1")}, true)
	if trade || intent.Decision != store.DecisionHold {
		t.Errorf("Expected HOLD on zero previous price, got %s", intent.Decision)
	}
}

func TestIntentCarriesBotFields(t *testing.T) {
	e := NewEngine(150)
	bot := testBot(store.ModeInverse)
	intent, trade := e.Decide(bot, pricecache.Delta{Previous: d("100"), Current: d("103")}, true)
	if !trade {
		t.Fatal("expected a trade intent")
	}
	if intent.Direction != store.Sell || intent.WalletID != "w-1" || intent.PoolID != "pool-1" {
		t.Errorf("Unexpected intent: %+v", intent)
	}
	if intent.SlippageBps != 150 {
		t.Errorf("SlippageBps = %d, want engine default 150", intent.SlippageBps)
	}
	if !intent.Change.Equal(d("0.03")) {
		t.Errorf("Change = %s, want 0.03", intent.Change)
	}

	bot.SlippageBps = 30
	intent, _ = e.Decide(bot, pricecache.Delta{Previous: d("100"), Current: d("103")}, true)
	if intent.SlippageBps != 30 {
		t.Errorf("bot slippage override ignored: %d", intent.SlippageBps)
	}
}
