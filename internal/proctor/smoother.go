package proctor

// Smoother is a single-pole exponential moving average. It must be fed in
// frame order.
type Smoother struct {
	alpha float64
	value float64
}

// NewSmoother starts at zero with smoothing factor alpha.
func NewSmoother(alpha float64) *Smoother {
	return &Smoother{alpha: alpha}
}

// Update folds raw into the average and returns the new value.
func (s *Smoother) Update(raw float64) float64 {
	s.value = (1-s.alpha)*s.value + s.alpha*raw
	return s.value
}

// Value returns the current average.
func (s *Smoother) Value() float64 {
	return s.value
}
