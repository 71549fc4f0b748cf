package risk

import "gitlab.ozon.dev/qwestard/console/internal/models"

// Assessment is the advisory fraud view of an order. The score comes from
// the persistence layer's own rules; nothing here infers risk locally.
type Assessment struct {
	Score  int              `json:"score"`
	Level  models.RiskLevel `json:"level"`
	Banned bool             `json:"banned"`
}

func Assess(o *models.Order) Assessment {
	return Assessment{
		Score:  o.FraudScore,
		Level:  models.RiskLevelFor(o.FraudScore),
		Banned: o.IsBanned,
	}
}

// NeedsReview flags orders an operator should look at before confirming.
func (a Assessment) NeedsReview() bool {
	return a.Banned || a.Level == models.RiskHigh
}
