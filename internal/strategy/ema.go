package strategy

// EMA advances an exponential moving average of the given period by one price.
// A nil previous value seeds the average with the price itself.
func EMA(period float64, price float64, previous *float64) float64 {
	if previous == nil {
		return price
	}
	alpha := 2 / (period + 1)
	// Same as alpha*price + (1-alpha)*prev, but exact when price == prev.
	return *previous + alpha*(price-*previous)
}

// Average is the running state of one EMA inside a single annotation pass.
type Average struct {
	Period float64
	value  float64
	seeded bool
}

func NewAverage(period int) *Average {
	return &Average{Period: float64(period)}
}

// Value reports the current average and whether any price was folded in yet.
func (a *Average) Value() (float64, bool) {
	return a.value, a.seeded
}

func (a *Average) Update(price float64) float64 {
	var prev *float64
	if a.seeded {
		prev = &a.value
	}
	a.value = EMA(a.Period, price, prev)
	a.seeded = true
	return a.value
}
