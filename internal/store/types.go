package store

import (
	"time"

	"github.com/routerisk/engine/internal/geo"
)

// Waypoint is a single (lat, lon) stop on a trip's route.
type Waypoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CalcState is the trip's lifecycle field.
type CalcState string

const (
	CalcIdle          CalcState = "idle"
	CalcQueued        CalcState = "queued"
	CalcRunning       CalcState = "running"
	CalcDone          CalcState = "done"
	CalcBudgetLimited CalcState = "budget_limited"
	CalcError         CalcState = "error"
)

// Trip is the central persisted entity: identity, deadline, waypoints,
// policy, computed fields, and lifecycle state.
type Trip struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	DeadlineAt time.Time
	LastCalcAt *time.Time
	NextCalcAt *time.Time

	Waypoints []Waypoint

	ETAAt               *time.Time
	RouteDistanceM      *int
	RouteDurationS      *int
	RouteGeoJSON        *geo.LineString
	BufferMinutes       *int
	RiskPercent         *int
	StatusSymbol        *string
	Suggestion          *string
	RecommendedDepartAt *time.Time
	Rationale           *string
	CustomerMessage     *string

	PolicyMode        string
	TripOWMDailyCap   int
	TripRouteDailyCap int

	CalcState CalcState
}

// HasCachedRoute reports whether a route has already been computed for this
// trip's current waypoints; C6 uses this to decide whether to call the
// route client again (P7: route caching).
func (t *Trip) HasCachedRoute() bool {
	return t.RouteDurationS != nil && t.RouteGeoJSON != nil && !t.RouteGeoJSON.Empty()
}

// TripUpdate is one append-only audit event for a trip.
type TripUpdate struct {
	ID        int64
	TripID    string
	CreatedAt time.Time
	Kind      string
	Payload   map[string]interface{}
}

// Event kinds, as named in the schema's trip_updates.kind column.
const (
	EventCreated       = "created"
	EventRecalcQueued  = "recalc_queued"
	EventRecalcRunning = "recalc_running"
	EventRecalcDone    = "recalc_done"
	EventRecalcError   = "recalc_error"
	EventBudgetConsume = "budget_consume"
	EventBudgetDenied  = "budget_denied"
	EventPolicyUpdated = "policy_updated"
)
