package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/routerisk/engine/internal/geo"
)

// ErrTripNotFound is returned when a trip id has no matching row.
var ErrTripNotFound = errors.New("store: trip not found")

const tripColumns = `
	id, created_at, updated_at, deadline_at, last_calc_at, next_calc_at, waypoints,
	eta_at, route_distance_m, route_duration_s, route_geojson, buffer_minutes,
	risk_percent, status_symbol, suggestion, recommended_depart_at, rationale,
	customer_message, policy_mode, trip_owm_daily_cap, trip_route_daily_cap, calc_state`

func scanTrip(row interface{ Scan(...interface{}) error }) (*Trip, error) {
	var t Trip
	var waypointsRaw []byte
	var geoRaw sql.NullString

	err := row.Scan(
		&t.ID, &t.CreatedAt, &t.UpdatedAt, &t.DeadlineAt, &t.LastCalcAt, &t.NextCalcAt, &waypointsRaw,
		&t.ETAAt, &t.RouteDistanceM, &t.RouteDurationS, &geoRaw, &t.BufferMinutes,
		&t.RiskPercent, &t.StatusSymbol, &t.Suggestion, &t.RecommendedDepartAt, &t.Rationale,
		&t.CustomerMessage, &t.PolicyMode, &t.TripOWMDailyCap, &t.TripRouteDailyCap, &t.CalcState,
	)
	if err != nil {
		return nil, err
	}

	if len(waypointsRaw) > 0 {
		if err := json.Unmarshal(waypointsRaw, &t.Waypoints); err != nil {
			return nil, fmt.Errorf("store: unmarshal waypoints: %w", err)
		}
	}
	if geoRaw.Valid && geoRaw.String != "" {
		var ls geo.LineString
		if err := json.Unmarshal([]byte(geoRaw.String), &ls); err != nil {
			return nil, fmt.Errorf("store: unmarshal route_geojson: %w", err)
		}
		t.RouteGeoJSON = &ls
	}

	return &t, nil
}

// GetTrip loads a single trip by id.
func (s *Store) GetTrip(ctx context.Context, tripID string) (*Trip, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, tripID)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTripNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get trip: %w", err)
	}
	return t, nil
}

// CreateTrip inserts a new trip row, generating an id if none is given, and
// appends the "created" audit event.
func (s *Store) CreateTrip(ctx context.Context, t *Trip) (*Trip, error) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.PolicyMode == "" {
		t.PolicyMode = "balanced"
	}
	if t.CalcState == "" {
		t.CalcState = CalcIdle
	}
	waypointsJSON, err := json.Marshal(t.Waypoints)
	if err != nil {
		return nil, fmt.Errorf("store: marshal waypoints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trips (
			id, deadline_at, waypoints, policy_mode, trip_owm_daily_cap,
			trip_route_daily_cap, calc_state, next_calc_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.DeadlineAt, waypointsJSON, t.PolicyMode, t.TripOWMDailyCap,
		t.TripRouteDailyCap, t.CalcState, t.NextCalcAt,
	)
	if err != nil {
		return nil, fmt.Errorf("store: insert trip: %w", err)
	}

	if err := s.AppendEvent(ctx, t.ID, EventCreated, nil); err != nil {
		return nil, err
	}

	return s.GetTrip(ctx, t.ID)
}

// SelectDueTrips returns up to limit trips eligible for a scheduler scan:
// next_calc_at set and due, in a non-running/non-queued state, ordered by
// urgency.
func (s *Store) SelectDueTrips(ctx context.Context, now time.Time, limit int) ([]*Trip, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+tripColumns+` FROM trips
		WHERE next_calc_at IS NOT NULL AND next_calc_at <= $1
		AND calc_state IN ('idle', 'done', 'budget_limited', 'error')
		ORDER BY next_calc_at ASC
		LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: select due trips: %w", err)
	}
	defer rows.Close()

	var out []*Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan due trip: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// QueueForScan transitions a trip idle|done|budget_limited|error -> queued
// and advances next_calc_at by scanInterval as a collision guard, in a
// single transaction, then appends recalc_queued{by:"scheduler"}. Re-checks
// the state predicate under the row lock so two overlapping scanners cannot
// double-queue the same trip.
func (s *Store) QueueForScan(ctx context.Context, tripID string, now time.Time, scanInterval time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin queue-for-scan tx: %w", err)
	}
	defer tx.Rollback()

	var state CalcState
	err = tx.QueryRowContext(ctx, `
		SELECT calc_state FROM trips WHERE id = $1 FOR UPDATE`, tripID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrTripNotFound
	}
	if err != nil {
		return false, fmt.Errorf("store: lock trip for scan: %w", err)
	}

	switch state {
	case CalcIdle, CalcDone, CalcBudgetLimited, CalcError:
	default:
		return false, nil
	}

	next := now.Add(scanInterval)
	if _, err := tx.ExecContext(ctx, `
		UPDATE trips SET calc_state = $1, next_calc_at = $2, updated_at = now()
		WHERE id = $3`,
		CalcQueued, next, tripID,
	); err != nil {
		return false, fmt.Errorf("store: advance queued trip: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit queue-for-scan tx: %w", err)
	}

	if err := s.AppendEvent(ctx, tripID, EventRecalcQueued, map[string]interface{}{"by": "scheduler"}); err != nil {
		return true, err
	}
	return true, nil
}

// EnqueueRecalc is the façade-visible operation: force calc_state=queued,
// next_calc_at=now immediately, regardless of current state, and append
// recalc_queued{by}.
func (s *Store) EnqueueRecalc(ctx context.Context, tripID, by string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE trips SET calc_state = $1, next_calc_at = $2, updated_at = now() WHERE id = $3`,
		CalcQueued, now, tripID,
	)
	if err != nil {
		return fmt.Errorf("store: enqueue recalc: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: enqueue recalc rows affected: %w", err)
	}
	if n == 0 {
		return ErrTripNotFound
	}
	return s.AppendEvent(ctx, tripID, EventRecalcQueued, map[string]interface{}{"by": by})
}

// SetRunning transitions a trip to running, for the start of C6's protocol.
func (s *Store) SetRunning(ctx context.Context, tripID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE trips SET calc_state = $1, updated_at = now() WHERE id = $2`,
		CalcRunning, tripID,
	); err != nil {
		return fmt.Errorf("store: set running: %w", err)
	}
	return s.AppendEvent(ctx, tripID, EventRecalcRunning, nil)
}

// SetTerminalState transitions a trip to error or budget_limited without
// touching computed fields, used for the validation-failure and
// route-failure and budget-denied-route short-circuits in C6.
func (s *Store) SetTerminalState(ctx context.Context, tripID string, state CalcState, nextCalcAt, lastCalcAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE trips SET calc_state = $1, next_calc_at = $2, last_calc_at = COALESCE($3, last_calc_at), updated_at = now()
		WHERE id = $4`,
		state, nextCalcAt, lastCalcAt, tripID,
	)
	if err != nil {
		return fmt.Errorf("store: set terminal state: %w", err)
	}
	return nil
}

// ComputedUpdate carries every field the recalculator derives in one pass,
// per the step-10 single-transaction update.
type ComputedUpdate struct {
	ETAAt               time.Time
	RouteDistanceM      *int
	RouteDurationS      *int
	RouteGeoJSON        *geo.LineString
	BufferMinutes       int
	RiskPercent         int
	StatusSymbol        string
	Suggestion          string
	RecommendedDepartAt time.Time
	Rationale           string
	CustomerMessage     string
	CalcState           CalcState
	NextCalcAt          time.Time
	LastCalcAt          time.Time
}

// ApplyComputedUpdate performs the single-transaction Trip field update from
// step 10 of the recalculator's protocol, then appends the given terminal
// event (recalc_done) with its payload.
func (s *Store) ApplyComputedUpdate(ctx context.Context, tripID string, u ComputedUpdate, eventKind string, eventPayload map[string]interface{}) error {
	var geoJSON interface{}
	if u.RouteGeoJSON != nil {
		b, err := json.Marshal(u.RouteGeoJSON)
		if err != nil {
			return fmt.Errorf("store: marshal route_geojson: %w", err)
		}
		geoJSON = string(b)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin computed-update tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE trips SET
			eta_at = $1, route_distance_m = COALESCE($2, route_distance_m),
			route_duration_s = COALESCE($3, route_duration_s),
			route_geojson = COALESCE($4, route_geojson),
			buffer_minutes = $5, risk_percent = $6, status_symbol = $7,
			suggestion = $8, recommended_depart_at = $9, rationale = $10,
			customer_message = $11, calc_state = $12, next_calc_at = $13,
			last_calc_at = $14, updated_at = now()
		WHERE id = $15`,
		u.ETAAt, u.RouteDistanceM, u.RouteDurationS, geoJSON, u.BufferMinutes,
		u.RiskPercent, u.StatusSymbol, u.Suggestion, u.RecommendedDepartAt,
		u.Rationale, u.CustomerMessage, u.CalcState, u.NextCalcAt, u.LastCalcAt,
		tripID,
	)
	if err != nil {
		return fmt.Errorf("store: update computed fields: %w", err)
	}

	if eventPayload == nil {
		eventPayload = map[string]interface{}{}
	}
	body, err := json.Marshal(eventPayload)
	if err != nil {
		return fmt.Errorf("store: marshal computed-update event payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trip_updates (trip_id, kind, payload) VALUES ($1, $2, $3)`,
		tripID, eventKind, body,
	); err != nil {
		return fmt.Errorf("store: append computed-update event: %w", err)
	}

	return tx.Commit()
}

// PolicyPatch is the subset of policy fields patch-policy may update.
type PolicyPatch struct {
	PolicyMode        *string
	TripOWMDailyCap   *int
	TripRouteDailyCap *int
}

// PatchPolicy applies any subset of policy fields and appends
// policy_updated with the changed fields.
func (s *Store) PatchPolicy(ctx context.Context, tripID string, patch PolicyPatch) error {
	changed := map[string]interface{}{}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin patch-policy tx: %w", err)
	}
	defer tx.Rollback()

	if patch.PolicyMode != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE trips SET policy_mode = $1, updated_at = now() WHERE id = $2`, *patch.PolicyMode, tripID); err != nil {
			return fmt.Errorf("store: patch policy_mode: %w", err)
		}
		changed["policy_mode"] = *patch.PolicyMode
	}
	if patch.TripOWMDailyCap != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE trips SET trip_owm_daily_cap = $1, updated_at = now() WHERE id = $2`, *patch.TripOWMDailyCap, tripID); err != nil {
			return fmt.Errorf("store: patch trip_owm_daily_cap: %w", err)
		}
		changed["trip_owm_daily_cap"] = *patch.TripOWMDailyCap
	}
	if patch.TripRouteDailyCap != nil {
		if _, err := tx.ExecContext(ctx, `UPDATE trips SET trip_route_daily_cap = $1, updated_at = now() WHERE id = $2`, *patch.TripRouteDailyCap, tripID); err != nil {
			return fmt.Errorf("store: patch trip_route_daily_cap: %w", err)
		}
		changed["trip_route_daily_cap"] = *patch.TripRouteDailyCap
	}

	body, err := json.Marshal(changed)
	if err != nil {
		return fmt.Errorf("store: marshal policy-patch payload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trip_updates (trip_id, kind, payload) VALUES ($1, $2, $3)`,
		tripID, EventPolicyUpdated, body,
	); err != nil {
		return fmt.Errorf("store: append policy_updated event: %w", err)
	}

	return tx.Commit()
}
