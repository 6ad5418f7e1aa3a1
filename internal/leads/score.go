package leads

import "github.com/shopspring/decimal"

const (
	MinScore = 0
	MaxScore = 100

	hotThreshold  = 70
	warmThreshold = 40
)

type band struct {
	min    decimal.Decimal
	points int
}

var amountBands = []band{
	{decimal.NewFromInt(250000), 30},
	{decimal.NewFromInt(100000), 25},
	{decimal.NewFromInt(50000), 20},
	{decimal.NewFromInt(25000), 15},
	{decimal.NewFromInt(10000), 10},
}

var yearsBands = []band{
	{decimal.NewFromInt(5), 20},
	{decimal.NewFromInt(3), 15},
	{decimal.NewFromInt(2), 10},
	{decimal.NewFromInt(1), 5},
}

var turnoverBands = []band{
	{decimal.NewFromInt(1000000), 25},
	{decimal.NewFromInt(500000), 20},
	{decimal.NewFromInt(250000), 15},
	{decimal.NewFromInt(100000), 10},
}

var urgencyPoints = map[string]int{
	UrgencyUrgent:    25,
	UrgencyThisWeek:  20,
	UrgencyThisMonth: 10,
	UrgencyPlanning:  5,
}

// CalculateScore sums the amount, trading history, turnover and urgency
// bands and clamps the result to [MinScore, MaxScore].
func CalculateScore(fr FinanceRequest, bi BusinessInfo) int {
	score := 0
	score += bandPoints(amountBands, fr.Amount, 5)
	score += bandPoints(yearsBands, bi.YearsTrading, 0)
	score += bandPoints(turnoverBands, bi.AnnualTurnover, 5)
	score += urgencyPoints[fr.Urgency]

	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// bandPoints returns the points of the first band the value reaches, or
// floor when the value is positive but below every band.
func bandPoints(bands []band, value float64, floor int) int {
	v := decimal.NewFromFloat(value)
	if !v.IsPositive() {
		return 0
	}
	for _, b := range bands {
		if v.GreaterThanOrEqual(b.min) {
			return b.points
		}
	}
	return floor
}

func PriorityFor(score int) string {
	switch {
	case score >= hotThreshold:
		return PriorityHot
	case score >= warmThreshold:
		return PriorityWarm
	default:
		return PriorityCold
	}
}
