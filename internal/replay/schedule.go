package replay

// BetaSchedule linearly anneals the importance-weight exponent from
// Init to Final over Steps update steps, after which it stays at
// Final. The buffer itself never advances a schedule; callers compute
// the value and apply it through SetBeta.
type BetaSchedule struct {
	Init  float64
	Final float64
	Steps int64
}

// At returns the annealed beta for the given update step.
func (s BetaSchedule) At(step int64) float64 {
	if s.Steps <= 0 || step >= s.Steps {
		return s.Final
	}
	if step < 0 {
		step = 0
	}
	prog := float64(step) / float64(s.Steps)
	return prog*s.Final + (1-prog)*s.Init
}
