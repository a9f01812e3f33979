package scoring

// limitKnot is one point on the piecewise-linear multiplier curve.
type limitKnot struct {
	score      int
	multiplier float64
}

// limitCurve maps composite score to a turnover multiplier. Monotone
// increasing; businesses below investment-grade scores earn much less
// headroom than the linear interpolation of the top end would give.
var limitCurve = []limitKnot{
	{score: 0, multiplier: 0.0},
	{score: 400, multiplier: 0.5},
	{score: 600, multiplier: 1.0},
	{score: 800, multiplier: 2.0},
	{score: 1000, multiplier: 3.0},
}

// RecommendLimit derives the recommended credit limit from the composite
// score and the business's declared monthly turnover. Deterministic,
// monotone increasing in score, never negative.
func RecommendLimit(score int, monthlyTurnover float64) float64 {
	if monthlyTurnover <= 0 {
		return 0
	}
	return monthlyTurnover * limitMultiplier(score)
}

func limitMultiplier(score int) float64 {
	score = clamp(score)
	for i := 1; i < len(limitCurve); i++ {
		lo, hi := limitCurve[i-1], limitCurve[i]
		if score <= hi.score {
			span := float64(hi.score - lo.score)
			frac := float64(score-lo.score) / span
			return lo.multiplier + frac*(hi.multiplier-lo.multiplier)
		}
	}
	return limitCurve[len(limitCurve)-1].multiplier
}
