package monitor

import "github.com/rewired-gh/sigwatch/internal/models"

// Admit decides whether a candidate is a meaningful change from the last
// emitted signal. The first signal is always admitted, a direction flip is
// always admitted, and a same-direction signal passes only when its tier is
// strictly stronger. Admit does not modify state.
func Admit(candidate models.Signal, state models.InstrumentState) bool {
	last := state.LastEmitted
	if last == nil {
		return true
	}
	if candidate.Direction != last.Direction {
		return true
	}
	return candidate.Strength > last.Strength
}
