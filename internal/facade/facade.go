// Package facade is the contract-only Go API other in-process callers use
// to interact with a trip's recalculation lifecycle: no HTTP surface, per
// the component's own scope (an HTTP façade is out of scope for this
// system).
package facade

import (
	"context"
	"fmt"
	"time"

	"github.com/routerisk/engine/internal/riskmodel"
	"github.com/routerisk/engine/internal/store"
)

// ErrInvalidPolicyMode is returned by PatchPolicy when the requested mode
// is not one of the three allowed strings.
var ErrInvalidPolicyMode = fmt.Errorf("facade: invalid policy mode")

// Facade wraps the store with the two operations external callers (an
// admin CLI, a future HTTP layer) are allowed to perform directly, instead
// of reaching into internal/store themselves.
type Facade struct {
	st *store.Store
}

// New builds a Facade over an already-initialized store.
func New(st *store.Store) *Facade {
	return &Facade{st: st}
}

// EnqueueRecalc forces an immediate recalculation of tripID regardless of
// its current next_calc_at, stamping the audit trail with who requested it.
func (f *Facade) EnqueueRecalc(ctx context.Context, tripID, by string) error {
	if by == "" {
		by = "facade"
	}
	if err := f.st.EnqueueRecalc(ctx, tripID, by, time.Now().UTC()); err != nil {
		return fmt.Errorf("facade: enqueue recalc: %w", err)
	}
	return nil
}

// PolicyPatch mirrors store.PolicyPatch, keeping the façade's contract
// independent of the store package's internal field set.
type PolicyPatch struct {
	PolicyMode        *string
	TripOWMDailyCap   *int
	TripRouteDailyCap *int
}

// PatchPolicy validates and applies a partial update to a trip's policy
// fields. An invalid policy mode string is rejected before anything is
// written.
func (f *Facade) PatchPolicy(ctx context.Context, tripID string, patch PolicyPatch) error {
	if patch.PolicyMode != nil && !riskmodel.ValidPolicyMode(*patch.PolicyMode) {
		return fmt.Errorf("%w: %q", ErrInvalidPolicyMode, *patch.PolicyMode)
	}

	if err := f.st.PatchPolicy(ctx, tripID, store.PolicyPatch{
		PolicyMode:        patch.PolicyMode,
		TripOWMDailyCap:   patch.TripOWMDailyCap,
		TripRouteDailyCap: patch.TripRouteDailyCap,
	}); err != nil {
		return fmt.Errorf("facade: patch policy: %w", err)
	}
	return nil
}
