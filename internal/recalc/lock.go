package recalc

import (
	"context"
	"fmt"

	"github.com/routerisk/engine/internal/obs"
)

// lockTrip acquires a session-level Postgres advisory lock keyed on tripID,
// holding a dedicated connection for the duration of one recalculation.
// The broker's at-least-once delivery can redeliver the same job while a
// prior attempt is still running; this serializes those attempts so two
// workers never race on the same trip's computed fields.
func (r *Recalculator) lockTrip(ctx context.Context, tripID string) (func(), error) {
	conn, err := r.st.DB().Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtext($1)::bigint)`, tripID); err != nil {
		conn.Close()
		return nil, fmt.Errorf("pg_advisory_lock: %w", err)
	}

	unlock := func() {
		if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1)::bigint)`, tripID); err != nil {
			r.log.Warn("recalc: advisory unlock failed", obs.Err(err))
		}
		conn.Close()
	}
	return unlock, nil
}
