// Package quota implements the three-tier quota ledger: a global per-day
// counter, a global per-minute counter, and a per-trip per-day counter,
// each keyed per API, enforced with row-level locks in a fixed order so
// concurrent consumers cannot deadlock.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/routerisk/engine/internal/obs"
)

// API names the ledger understands.
const (
	APIRoute = "route"
	APIOWM   = "owm"
)

// Tier kinds, used in denial reason strings and metric labels.
const (
	KindGlobalDay    = "global_day"
	KindGlobalMinute = "global_minute"
	KindTripDay      = "trip_day"
)

// Limits supplies the configured caps the ledger checks against. Global
// limits are per-API; trip limits come from the trip row itself since
// policy-patch can override them per trip.
type Limits struct {
	GlobalDailyLimit func(api string) int
	PerMinuteLimit   func(api string) int
}

// TripCaps is the pair of per-trip daily caps read off the trip row.
type TripCaps struct {
	OWMDailyCap   int
	RouteDailyCap int
}

// AuditAppender appends a ledger event after a Consume decision. Implemented
// by the store package; kept as an interface here so quota has no direct
// dependency on store's concrete types.
type AuditAppender interface {
	AppendEvent(ctx context.Context, tripID, kind string, payload map[string]interface{}) error
}

// Ledger is the quota consumer. It owns no long-lived state beyond the DB
// handle and the configured limits.
type Ledger struct {
	db     *sql.DB
	limits Limits
	audit  AuditAppender
	clock  func() time.Time
}

// New builds a Ledger. clock defaults to time.Now; tests may override it to
// pin the minute bucket.
func New(db *sql.DB, limits Limits, audit AuditAppender) *Ledger {
	return &Ledger{db: db, limits: limits, audit: audit, clock: time.Now}
}

// SetClock overrides the ledger's time source, for deterministic tests.
func (l *Ledger) SetClock(clock func() time.Time) {
	l.clock = clock
}

func validateAPI(api string) error {
	switch api {
	case APIRoute, APIOWM:
		return nil
	default:
		return ErrUnknownAPI
	}
}

func tripColumn(api string) string {
	if api == APIOWM {
		return "owm_calls"
	}
	return "route_calls"
}

func tripCap(caps TripCaps, api string) int {
	if api == APIOWM {
		return caps.OWMDailyCap
	}
	return caps.RouteDailyCap
}

// Consume attempts to reserve amount units of api on behalf of tripID. It
// returns ok=true once all three counters have been durably incremented, or
// ok=false with a human-readable reason identifying the first tier that
// would have been exceeded. No counters are mutated on denial. An approved
// call then appends a budget_consume audit event; a denial appends nothing
// here (the caller records the denial).
func (l *Ledger) Consume(ctx context.Context, tripID, api string, caps TripCaps, amount int) (bool, string, error) {
	if err := validateAPI(api); err != nil {
		return false, "", err
	}
	if amount <= 0 {
		amount = 1
	}

	now := l.clock().UTC()
	day := now.Format("2006-01-02")
	minuteBucket := now.Truncate(time.Minute)

	if err := l.ensureRows(ctx, tripID, api, day, minuteBucket); err != nil {
		return false, "", &ConsumeError{TripID: tripID, API: api, Op: "ensure_rows", Err: err}
	}

	ok, reason, err := l.lockCheckIncrement(ctx, tripID, api, day, minuteBucket, caps, amount)
	if err != nil {
		return false, "", &ConsumeError{TripID: tripID, API: api, Op: "lock_check_increment", Err: err}
	}
	if ok {
		obs.QuotaConsumedTotal.WithLabelValues(api).Inc()
	}

	if ok && l.audit != nil {
		payload := map[string]interface{}{
			"api":       api,
			"amount":    amount,
			"allowed":   ok,
			"reason":    reason,
			"day":       day,
			"minute_at": minuteBucket.Format(time.RFC3339),
		}
		// Audit append runs in its own transaction per the protocol; a
		// failure here must not unwind an already-committed consume.
		if aerr := l.audit.AppendEvent(ctx, tripID, "budget_consume", payload); aerr != nil {
			return ok, reason, fmt.Errorf("quota: audit append failed after consume: %w", aerr)
		}
	}

	return ok, reason, nil
}

// ensureRows inserts the three counter rows with calls=0 if they do not
// already exist, in its own transaction (step 1 of the protocol).
func (l *Ledger) ensureRows(ctx context.Context, tripID, api, day string, minuteBucket time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ensure-rows tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_usage_daily (api_name, day, calls)
		VALUES ($1, $2, 0)
		ON CONFLICT (api_name, day) DO NOTHING`,
		api, day,
	); err != nil {
		return fmt.Errorf("ensure api_usage_daily: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO api_usage_minute (api_name, minute_bucket, calls)
		VALUES ($1, $2, 0)
		ON CONFLICT (api_name, minute_bucket) DO NOTHING`,
		api, minuteBucket,
	); err != nil {
		return fmt.Errorf("ensure api_usage_minute: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trip_api_usage_daily (trip_id, day, owm_calls, route_calls)
		VALUES ($1, $2, 0, 0)
		ON CONFLICT (trip_id, day) DO NOTHING`,
		tripID, day,
	); err != nil {
		return fmt.Errorf("ensure trip_api_usage_daily: %w", err)
	}

	return tx.Commit()
}

// lockCheckIncrement re-reads the three rows under SELECT ... FOR UPDATE in
// the fixed order global-day, global-minute, per-trip-day, checks each cap,
// and either increments all three or rolls back untouched (steps 2-4).
func (l *Ledger) lockCheckIncrement(ctx context.Context, tripID, api, day string, minuteBucket time.Time, caps TripCaps, amount int) (bool, string, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("begin lock tx: %w", err)
	}
	defer tx.Rollback()

	var globalDayCalls int
	if err := tx.QueryRowContext(ctx, `
		SELECT calls FROM api_usage_daily WHERE api_name = $1 AND day = $2 FOR UPDATE`,
		api, day,
	).Scan(&globalDayCalls); err != nil {
		return false, "", fmt.Errorf("lock api_usage_daily: %w", err)
	}

	globalDayLimit := l.limits.GlobalDailyLimit(api)
	if globalDayCalls+amount > globalDayLimit {
		return false, denyReason(api, KindGlobalDay, globalDayLimit, globalDayCalls, amount, minuteBucket), nil
	}

	var globalMinuteCalls int
	if err := tx.QueryRowContext(ctx, `
		SELECT calls FROM api_usage_minute WHERE api_name = $1 AND minute_bucket = $2 FOR UPDATE`,
		api, minuteBucket,
	).Scan(&globalMinuteCalls); err != nil {
		return false, "", fmt.Errorf("lock api_usage_minute: %w", err)
	}

	perMinuteLimit := l.limits.PerMinuteLimit(api)
	if globalMinuteCalls+amount > perMinuteLimit {
		return false, denyReason(api, KindGlobalMinute, perMinuteLimit, globalMinuteCalls, amount, minuteBucket), nil
	}

	var owmCalls, routeCalls int
	if err := tx.QueryRowContext(ctx, `
		SELECT owm_calls, route_calls FROM trip_api_usage_daily
		WHERE trip_id = $1 AND day = $2 FOR UPDATE`,
		tripID, day,
	).Scan(&owmCalls, &routeCalls); err != nil {
		return false, "", fmt.Errorf("lock trip_api_usage_daily: %w", err)
	}

	tripCalls := owmCalls
	if api == APIRoute {
		tripCalls = routeCalls
	}
	dailyCap := tripCap(caps, api)
	if tripCalls+amount > dailyCap {
		return false, denyReason(api, KindTripDay, dailyCap, tripCalls, amount, minuteBucket), nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_usage_daily SET calls = calls + $1 WHERE api_name = $2 AND day = $3`,
		amount, api, day,
	); err != nil {
		return false, "", fmt.Errorf("increment api_usage_daily: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE api_usage_minute SET calls = calls + $1 WHERE api_name = $2 AND minute_bucket = $3`,
		amount, api, minuteBucket,
	); err != nil {
		return false, "", fmt.Errorf("increment api_usage_minute: %w", err)
	}

	column := tripColumn(api)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE trip_api_usage_daily SET %s = %s + $1 WHERE trip_id = $2 AND day = $3`, column, column),
		amount, tripID, day,
	); err != nil {
		return false, "", fmt.Errorf("increment trip_api_usage_daily: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("commit lock tx: %w", err)
	}

	return true, "", nil
}

func denyReason(api, kind string, limit, used, requested int, minuteBucket time.Time) string {
	if kind == KindGlobalMinute {
		return fmt.Sprintf("%s/%s denied: used=%d limit=%d requested=%d bucket=%s",
			api, kind, used, limit, requested, minuteBucket.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s/%s denied: used=%d limit=%d requested=%d", api, kind, used, limit, requested)
}
