package bandit

import "github.com/ignite/budget-optimizer/internal/domain"

// HistoricalPrior converts a historical success rate and its variance into
// Beta parameters by method of moments:
//
//	t = mean*(1-mean)/variance
//	alpha = mean*(t-1), beta = (1-mean)*(t-1)
//
// Both parameters are floored at 1 so an informed prior can never be more
// extreme than the data supports. Degenerate inputs (mean outside (0,1),
// variance too large for the mean) fall back to the uniform prior.
func HistoricalPrior(mean, variance float64) (alpha, beta float64) {
	if mean <= 0 || mean >= 1 || variance <= 0 {
		return domain.PriorAlpha, domain.PriorBeta
	}
	t := mean * (1 - mean) / variance
	if t <= 1 {
		return domain.PriorAlpha, domain.PriorBeta
	}
	alpha = mean * (t - 1)
	beta = (1 - mean) * (t - 1)
	if alpha < 1 {
		alpha = 1
	}
	if beta < 1 {
		beta = 1
	}
	return alpha, beta
}

// SeedPosterior returns a posterior initialized from historical
// performance instead of the uniform prior. Trials stay at zero: history
// shapes the belief but only live observations count toward the trial
// ledger.
func SeedPosterior(armID int64, mean, variance float64) *domain.ArmPosterior {
	p := domain.NewPosterior(armID)
	p.Alpha, p.Beta = HistoricalPrior(mean, variance)
	return p
}
