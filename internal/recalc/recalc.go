// Package recalc implements the Recalculator (C6): the per-trip job
// handler that orchestrates the quota ledger, the route and forecast
// clients, and the risk model, driving a trip's state machine and
// persisting the result in one final transaction.
package recalc

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/routerisk/engine/internal/breaker"
	"github.com/routerisk/engine/internal/forecastclient"
	"github.com/routerisk/engine/internal/obs"
	"github.com/routerisk/engine/internal/quota"
	"github.com/routerisk/engine/internal/riskmodel"
	"github.com/routerisk/engine/internal/routeclient"
	"github.com/routerisk/engine/internal/store"
)

// Clients bundles the two external collaborators a recalculation consults.
type Clients struct {
	Route    *routeclient.Client
	Forecast *forecastclient.Client
}

// BreakerConfig configures the two circuit breakers guarding outbound
// calls, one per provider.
type BreakerConfig struct {
	Window           time.Duration
	Cooldown         time.Duration
	FailureThreshold float64
	MinSamples       int
}

// Recalculator drives one trip's recalculation from job dispatch through
// persisted result.
type Recalculator struct {
	st      *store.Store
	quota   *quota.Ledger
	clients Clients
	log     *zap.Logger

	routeBreaker    *breaker.CircuitBreaker
	forecastBreaker *breaker.CircuitBreaker
}

// New builds a Recalculator.
func New(st *store.Store, ledger *quota.Ledger, clients Clients, log *zap.Logger, bc BreakerConfig) *Recalculator {
	routeBreaker := breaker.New(quota.APIRoute, bc.Window, bc.Cooldown, bc.FailureThreshold, bc.MinSamples)
	forecastBreaker := breaker.New(quota.APIOWM, bc.Window, bc.Cooldown, bc.FailureThreshold, bc.MinSamples)
	routeBreaker.OnTransition(observeBreakerTransition)
	forecastBreaker.OnTransition(observeBreakerTransition)

	return &Recalculator{
		st:              st,
		quota:           ledger,
		clients:         clients,
		log:             log,
		routeBreaker:    routeBreaker,
		forecastBreaker: forecastBreaker,
	}
}

func observeBreakerTransition(provider string, s breaker.State) {
	var v float64
	switch s {
	case breaker.HalfOpen:
		v = 1
	case breaker.Open:
		v = 2
	}
	obs.CircuitBreakerState.WithLabelValues(provider).Set(v)
}

// Process runs the full recalculation protocol for one trip. It never
// returns an error for expected job outcomes (not-found, validation
// failure, budget denial, provider failure); those are all recorded on the
// trip itself. A non-nil error here means persistence itself failed.
func (r *Recalculator) Process(ctx context.Context, tripID string) error {
	ctx, span := obs.StartRecalcSpan(ctx, tripID)
	defer span.End()

	started := time.Now()
	defer func() { obs.RecalcDuration.Observe(time.Since(started).Seconds()) }()

	unlock, err := r.lockTrip(ctx, tripID)
	if err != nil {
		return fmt.Errorf("recalc: acquire trip lock: %w", err)
	}
	defer unlock()

	trip, err := r.st.GetTrip(ctx, tripID)
	if err != nil {
		if err == store.ErrTripNotFound {
			r.log.Warn("recalc: trip not found", obs.String("trip_id", tripID))
			obs.RecalcTotal.WithLabelValues("not_found").Inc()
			return nil
		}
		return fmt.Errorf("recalc: load trip: %w", err)
	}

	if err := r.st.SetRunning(ctx, tripID); err != nil {
		return fmt.Errorf("recalc: set running: %w", err)
	}

	now := time.Now().UTC()
	prevStatus := riskmodel.Status(derefString(trip.StatusSymbol, string(riskmodel.StatusYellow)))
	policy := riskmodel.PolicyMode(trip.PolicyMode)

	if len(trip.Waypoints) < 2 {
		nextAt := now.Add(riskmodel.NextInterval(policy, riskmodel.StatusYellow, false))
		if err := r.st.SetTerminalState(ctx, tripID, store.CalcError, &nextAt, &now); err != nil {
			return fmt.Errorf("recalc: persist validation failure: %w", err)
		}
		obs.RecalcTotal.WithLabelValues("error").Inc()
		return r.st.AppendEvent(ctx, tripID, store.EventRecalcError, map[string]interface{}{"stage": "validate"})
	}

	caps := quota.TripCaps{OWMDailyCap: trip.TripOWMDailyCap, RouteDailyCap: trip.TripRouteDailyCap}

	needRoute := !trip.HasCachedRoute()
	distanceM := trip.RouteDistanceM
	durationS := trip.RouteDurationS
	geometry := trip.RouteGeoJSON

	if needRoute {
		ok, reason, err := r.quota.Consume(ctx, tripID, quota.APIRoute, caps, 1)
		if err != nil {
			return fmt.Errorf("recalc: consume route quota: %w", err)
		}
		if !ok {
			return r.budgetDeniedRoute(ctx, tripID, now, policy, prevStatus, reason)
		}

		result, err := r.fetchRoute(ctx, trip)
		if err != nil {
			nextAt := now.Add(riskmodel.NextInterval(policy, prevStatus, false))
			if serr := r.st.SetTerminalState(ctx, tripID, store.CalcError, &nextAt, &now); serr != nil {
				return fmt.Errorf("recalc: persist route failure: %w", serr)
			}
			obs.RecalcTotal.WithLabelValues("error").Inc()
			return r.st.AppendEvent(ctx, tripID, store.EventRecalcError, map[string]interface{}{"stage": "route", "error": err.Error()})
		}

		distanceM = &result.DistanceM
		durationS = &result.DurationS
		geometry = &result.Geometry
	}

	eta := now.Add(time.Duration(*durationS) * time.Second)

	severity, weatherRecord, budgetLimited, err := r.resolveWeather(ctx, tripID, trip, caps, eta)
	if err != nil {
		return fmt.Errorf("recalc: resolve weather: %w", err)
	}

	assessment := riskmodel.Evaluate(trip.DeadlineAt, eta, severity)
	recommendedDepart := riskmodel.RecommendDepart(now, assessment.Status, assessment.BufferMinutes)
	message := customerMessage(assessment.Status, eta, trip.DeadlineAt, assessment.Why, assessment.Suggestion)

	nextAt := now.Add(riskmodel.NextInterval(policy, assessment.Status, budgetLimited))
	finalState := store.CalcDone
	if budgetLimited {
		finalState = store.CalcBudgetLimited
	}

	statusStr := string(assessment.Status)
	suggestionStr := assessment.Suggestion
	rationaleStr := assessment.Why
	messageStr := message

	update := store.ComputedUpdate{
		ETAAt:               eta,
		RouteDistanceM:      distanceM,
		RouteDurationS:      durationS,
		RouteGeoJSON:        geometry,
		BufferMinutes:       assessment.BufferMinutes,
		RiskPercent:         assessment.RiskPercent,
		StatusSymbol:        statusStr,
		Suggestion:          suggestionStr,
		RecommendedDepartAt: recommendedDepart,
		Rationale:           rationaleStr,
		CustomerMessage:     messageStr,
		CalcState:           finalState,
		NextCalcAt:          nextAt,
		LastCalcAt:          now,
	}

	payload := map[string]interface{}{
		"route": map[string]interface{}{
			"distance_m": derefInt(distanceM, 0),
			"duration_s": derefInt(durationS, 0),
		},
		"weather":        weatherRecord,
		"buffer_minutes": assessment.BufferMinutes,
		"computed_at":    now.Format(time.RFC3339),
		"why":            assessment.Why,
	}

	if err := r.st.ApplyComputedUpdate(ctx, tripID, update, store.EventRecalcDone, payload); err != nil {
		return fmt.Errorf("recalc: apply computed update: %w", err)
	}

	obs.SetSpanSuccess(ctx)
	obs.RecalcTotal.WithLabelValues(string(finalState)).Inc()
	return nil
}

func (r *Recalculator) budgetDeniedRoute(ctx context.Context, tripID string, now time.Time, policy riskmodel.PolicyMode, prevStatus riskmodel.Status, reason string) error {
	nextAt := now.Add(riskmodel.NextInterval(policy, prevStatus, true))
	if err := r.st.SetTerminalState(ctx, tripID, store.CalcBudgetLimited, &nextAt, &now); err != nil {
		return fmt.Errorf("recalc: persist budget-denied route: %w", err)
	}
	obs.QuotaDeniedTotal.WithLabelValues(quota.APIRoute, quota.KindGlobalDay).Inc()
	obs.RecalcTotal.WithLabelValues("budget_limited").Inc()
	return r.st.AppendEvent(ctx, tripID, store.EventBudgetDenied, map[string]interface{}{"api": "route", "reason": reason})
}

func (r *Recalculator) fetchRoute(ctx context.Context, trip *store.Trip) (*routeclient.Result, error) {
	if !r.routeBreaker.Allow() {
		return nil, fmt.Errorf("recalc: route circuit breaker open")
	}
	ctx, span := obs.StartProviderSpan(ctx, "route", "fetch_route")
	defer span.End()

	waypoints := make([]routeclient.Waypoint, len(trip.Waypoints))
	for i, w := range trip.Waypoints {
		waypoints[i] = routeclient.Waypoint{Lat: w.Lat, Lon: w.Lon}
	}

	start := time.Now()
	result, err := r.clients.Route.FetchRoute(ctx, waypoints)
	obs.ProviderCallDuration.WithLabelValues("route").Observe(time.Since(start).Seconds())
	r.routeBreaker.Record(err == nil)
	if err != nil {
		obs.RecordError(ctx, err)
		return nil, newRecalcError(trip.ID, "route", err)
	}
	obs.SetSpanSuccess(ctx)
	return result, nil
}

// resolveWeather implements steps 7-ish of the protocol: consume the owm
// budget, and on approval call the forecast client, degrading to severity 0
// on any failure without aborting the recalculation.
func (r *Recalculator) resolveWeather(ctx context.Context, tripID string, trip *store.Trip, caps quota.TripCaps, eta time.Time) (float64, forecastclient.Record, bool, error) {
	ok, reason, err := r.quota.Consume(ctx, tripID, quota.APIOWM, caps, 1)
	if err != nil {
		return 0, forecastclient.Record{}, false, fmt.Errorf("consume owm quota: %w", err)
	}
	if !ok {
		obs.QuotaDeniedTotal.WithLabelValues(quota.APIOWM, quota.KindGlobalDay).Inc()
		if err := r.st.AppendEvent(ctx, tripID, store.EventBudgetDenied, map[string]interface{}{"api": "owm", "reason": reason}); err != nil {
			return 0, forecastclient.Record{}, false, err
		}
		return 0, forecastclient.Record{Severity: 0, BudgetDenied: true, Reason: reason}, true, nil
	}

	lastWaypoint := trip.Waypoints[len(trip.Waypoints)-1]
	record, err := r.fetchForecast(ctx, lastWaypoint.Lat, lastWaypoint.Lon, eta)
	if err != nil {
		return 0, forecastclient.Record{Severity: 0, Error: err.Error()}, false, nil
	}
	return record.Severity, record, false, nil
}

func (r *Recalculator) fetchForecast(ctx context.Context, lat, lon float64, targetTime time.Time) (forecastclient.Record, error) {
	if !r.forecastBreaker.Allow() {
		return forecastclient.Record{}, fmt.Errorf("recalc: forecast circuit breaker open")
	}
	ctx, span := obs.StartProviderSpan(ctx, "owm", "fetch_forecast")
	defer span.End()

	start := time.Now()
	record, err := r.clients.Forecast.FetchForecast(ctx, lat, lon, targetTime)
	obs.ProviderCallDuration.WithLabelValues("owm").Observe(time.Since(start).Seconds())
	r.forecastBreaker.Record(err == nil)
	if err != nil {
		obs.RecordError(ctx, err)
		return forecastclient.Record{}, err
	}
	obs.SetSpanSuccess(ctx)
	return record, nil
}

func derefString(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

func derefInt(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}
