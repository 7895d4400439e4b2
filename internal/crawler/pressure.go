package crawler

// Pressure is a host load sample classification.
type Pressure int

// Pressure levels. Normal samples are never sent to the pool.
const (
	PressureNormal Pressure = iota
	PressureLow
	PressureHigh
)

// String implements fmt.Stringer.
func (p Pressure) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureHigh:
		return "high"
	default:
		return "normal"
	}
}
