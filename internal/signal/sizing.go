package signal

import "signal-core/internal/sentiment"

// Plan is a fully sized entry ready for persistence. All percentages
// follow the leverage multiplier model: tp% = leverage × tpMultiplier,
// clamped by leverage × tpCapMultiplier. Caps are ceilings only.
type Plan struct {
	UserID          string  `json:"user_id"`
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Strong          bool    `json:"strong"`
	EntryPrice      float64 `json:"entry_price"`
	Leverage        float64 `json:"leverage"`
	TradeAmount     float64 `json:"trade_amount"`
	PositionSize    float64 `json:"position_size"`
	TPPercent       float64 `json:"tp_percent"`
	SLPercent       float64 `json:"sl_percent"`
	TakeProfitPrice float64 `json:"take_profit_price"`
	StopLossPrice   float64 `json:"stop_loss_price"`
}

// BuildPlan sizes an entry from the user's balance and parameters.
// Multipliers are applied per call, never cached, since leverage may
// differ between users and sessions.
func BuildPlan(userID string, balance float64, sig Signal, p Params) Plan {
	leverage := p.Leverage
	if p.LeverageCap > 0 && leverage > p.LeverageCap {
		leverage = p.LeverageCap
	}

	tradeAmount := balance * p.BalancePercent / 100
	positionSize := tradeAmount * leverage

	tpPercent := clamp(leverage*p.TPMultiplier, leverage*p.TPCapMultiplier)
	slPercent := clamp(leverage*p.SLMultiplier, leverage*p.SLCapMultiplier)

	side := sig.Kind.Side()
	var tpPrice, slPrice float64
	if side == sentiment.DirectionLong {
		tpPrice = sig.Price * (1 + tpPercent/100)
		slPrice = sig.Price * (1 - slPercent/100)
	} else {
		tpPrice = sig.Price * (1 - tpPercent/100)
		slPrice = sig.Price * (1 + slPercent/100)
	}

	return Plan{
		UserID:          userID,
		Symbol:          sig.Symbol,
		Side:            string(side),
		Strong:          sig.Kind.Strong(),
		EntryPrice:      sig.Price,
		Leverage:        leverage,
		TradeAmount:     tradeAmount,
		PositionSize:    positionSize,
		TPPercent:       tpPercent,
		SLPercent:       slPercent,
		TakeProfitPrice: tpPrice,
		StopLossPrice:   slPrice,
	}
}

func clamp(v, ceiling float64) float64 {
	if ceiling > 0 && v > ceiling {
		return ceiling
	}
	return v
}
