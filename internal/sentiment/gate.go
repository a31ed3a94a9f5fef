// Package sentiment turns a market-wide fear/greed reading into a
// direction gate for incoming signals.
package sentiment

// Regime labels a band of the 0-100 fear/greed index.
type Regime string

const (
	RegimeExtremeFear  Regime = "extreme_fear"
	RegimeNeutral      Regime = "neutral"
	RegimeExtremeGreed Regime = "extreme_greed"
)

// Band thresholds for the fear/greed index.
const (
	fearCeiling  = 30
	greedFloor   = 80
	FallbackScore = 50
)

// Direction is a tradeable market direction.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Classify maps a fear/greed score to its regime.
func Classify(score float64) Regime {
	switch {
	case score < fearCeiling:
		return RegimeExtremeFear
	case score > greedFloor:
		return RegimeExtremeGreed
	default:
		return RegimeNeutral
	}
}

// AllowedDirections returns the entry directions the current regime
// permits. Extreme fear is contrarian-long only, extreme greed
// contrarian-short only, and the neutral band allows both.
func AllowedDirections(score float64) []Direction {
	switch Classify(score) {
	case RegimeExtremeFear:
		return []Direction{DirectionLong}
	case RegimeExtremeGreed:
		return []Direction{DirectionShort}
	default:
		return []Direction{DirectionLong, DirectionShort}
	}
}

// Allows reports whether the score permits entries in dir.
func Allows(score float64, dir Direction) bool {
	for _, d := range AllowedDirections(score) {
		if d == dir {
			return true
		}
	}
	return false
}
