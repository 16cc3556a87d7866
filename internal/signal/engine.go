// Package signal turns a bot's price delta into a trade decision.
package signal

import (
	"github.com/shopspring/decimal"

	"github.com/vamshivade/DEX-System/internal/pricecache"
	"github.com/vamshivade/DEX-System/internal/store"
)

// Intent is a decision to trade for one bot.
type Intent struct {
	Decision    store.Decision
	Direction   store.Direction
	BotID       string
	WalletID    string
	PoolID      string
	Amount      decimal.Decimal
	SlippageBps int

	// Change is (current - previous) / previous
	Change decimal.Decimal
}

// Engine applies the per-mode decision table. It holds no state.
type Engine struct {
	defaultSlippageBps int
}

// NewEngine creates an Engine. defaultSlippageBps is used for bots that do
// not set their own.
func NewEngine(defaultSlippageBps int) *Engine {
	return &Engine{defaultSlippageBps: defaultSlippageBps}
}

// Decide evaluates bot against d. ok must be false when the cache had no
// previous price for the bot's symbol. It returns the intent and true when
// the decision is BUY or SELL; otherwise the intent carries HOLD and false.
func (e *Engine) Decide(bot store.Bot, d pricecache.Delta, ok bool) (Intent, bool) {
	intent := Intent{
		Decision: store.DecisionHold,
		BotID:    bot.ID,
		WalletID: bot.WalletID,
		PoolID:   bot.PoolID,
	}
	if !ok || d.Previous.IsZero() {
		return intent, false
	}

	intent.Change = d.Current.Sub(d.Previous).Div(d.Previous)
	intent.Decision = Classify(bot.Mode, intent.Change, bot.Threshold)

	switch intent.Decision {
	case store.DecisionBuy:
		intent.Direction = store.Buy
	case store.DecisionSell:
		intent.Direction = store.Sell
	default:
		return intent, false
	}

	intent.Amount = bot.TradeAmount
	intent.SlippageBps = bot.SlippageBps
	if intent.SlippageBps <= 0 {
		intent.SlippageBps = e.defaultSlippageBps
	}
	return intent, true
}

// Classify maps a fractional change to a decision. The threshold is a
// closed bound: a change of exactly +threshold or -threshold triggers.
//
//	mode     change >= +t   change <= -t   otherwise
//	inverse  SELL           BUY            HOLD
//	reverse  BUY            SELL           HOLD
func Classify(mode store.TradeMode, change, threshold decimal.Decimal) store.Decision {
	// a zero threshold would fire on an unchanged price
	if !threshold.IsPositive() {
		return store.DecisionHold
	}
	up := change.GreaterThanOrEqual(threshold)
	down := change.LessThanOrEqual(threshold.Neg())

	switch mode {
	case store.ModeInverse:
		if up {
			return store.DecisionSell
		}
		if down {
			return store.DecisionBuy
		}
	case store.ModeReverse:
		if up {
			return store.DecisionBuy
		}
		if down {
			return store.DecisionSell
		}
	}
	return store.DecisionHold
}
