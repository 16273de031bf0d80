package planner

import "nestwrite/internal/mutationerr"

// Limits bounds the size of a single mutation plan.
type Limits struct {
	// MaxWrites caps the number of plan steps. Zero means unlimited.
	MaxWrites int
}

// Check rejects plans that exceed the limits.
func (l Limits) Check(plan *Plan) error {
	if l.MaxWrites > 0 && plan.Len() > l.MaxWrites {
		return mutationerr.New(mutationerr.KindInvalidNestedOperation, "",
			"mutation needs %d steps, more than the limit of %d", plan.Len(), l.MaxWrites)
	}
	return nil
}
