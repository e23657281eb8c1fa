package recalc

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/routerisk/engine/internal/forecastclient"
	"github.com/routerisk/engine/internal/quota"
	"github.com/routerisk/engine/internal/routeclient"
	"github.com/routerisk/engine/internal/store"
)

func testLimits() quota.Limits {
	return quota.Limits{
		GlobalDailyLimit: func(api string) int { return 1000 },
		PerMinuteLimit:   func(api string) int { return 100 },
	}
}

func testBreakerConfig() BreakerConfig {
	return BreakerConfig{Window: time.Minute, Cooldown: time.Second, FailureThreshold: 0.5, MinSamples: 5}
}

func tripRowColumns() []string {
	return []string{
		"id", "created_at", "updated_at", "deadline_at", "last_calc_at", "next_calc_at", "waypoints",
		"eta_at", "route_distance_m", "route_duration_s", "route_geojson", "buffer_minutes",
		"risk_percent", "status_symbol", "suggestion", "recommended_depart_at", "rationale",
		"customer_message", "policy_mode", "trip_owm_daily_cap", "trip_route_daily_cap", "calc_state",
	}
}

func cachedRouteRow(id string) []driver.Value {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	geoJSON := []byte(`{"type":"LineString","coordinates":[[1,2],[3,4]]}`)
	return []driver.Value{
		id, now, now, now.Add(2 * time.Hour), nil, now,
		[]byte(`[{"lat":1,"lon":2},{"lat":3,"lon":4}]`),
		nil, 10000, 1800, geoJSON, nil,
		nil, nil, nil, nil, nil,
		nil, "balanced", 200, 100, "idle",
	}
}

// expectOwmQuotaApproved wires the full three-transaction quota protocol
// for one approved owm consumption, matching quota.Ledger.Consume exactly.
func expectOwmQuotaApproved(mock sqlmock.Sqlmock) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO api_usage_minute").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO trip_api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT calls FROM api_usage_daily").WillReturnRows(sqlmock.NewRows([]string{"calls"}).AddRow(1))
	mock.ExpectQuery("SELECT calls FROM api_usage_minute").WillReturnRows(sqlmock.NewRows([]string{"calls"}).AddRow(1))
	mock.ExpectQuery("SELECT owm_calls, route_calls FROM trip_api_usage_daily").
		WillReturnRows(sqlmock.NewRows([]string{"owm_calls", "route_calls"}).AddRow(1, 0))
	mock.ExpectExec("UPDATE api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE api_usage_minute").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trip_api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trip_updates").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
}

func TestProcessTripNotFoundReturnsNilWithoutMutation(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs("trip-missing").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM trips WHERE id = \\$1").
		WithArgs("trip-missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs("trip-missing").WillReturnResult(sqlmock.NewResult(0, 0))

	st := store.New(db)
	ledger := quota.New(db, testLimits(), st)
	r := New(st, ledger, Clients{}, zap.NewNop(), testBreakerConfig())

	err = r.Process(context.Background(), "trip-missing")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessCachedRouteSkipsRouteQuotaAndCallsForecast(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	forecastServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		slotTime := time.Now().Add(30 * time.Minute).Unix()
		fmt.Fprintf(w, `{"list":[{"dt":%d,"main":{},"wind":{"speed":2},"clouds":{"all":10},"rain":{},"snow":{},"weather":[{"main":"Clear"}]}]}`, slotTime)
	}))
	defer forecastServer.Close()

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs("trip-1").WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows(tripRowColumns()).AddRow(cachedRouteRow("trip-1")...)
	mock.ExpectQuery("SELECT .* FROM trips WHERE id = \\$1").WithArgs("trip-1").WillReturnRows(rows)

	mock.ExpectExec("UPDATE trips SET calc_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trip_updates").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	expectOwmQuotaApproved(mock)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE trips SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO trip_updates").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs("trip-1").WillReturnResult(sqlmock.NewResult(0, 0))

	st := store.New(db)
	ledger := quota.New(db, testLimits(), st)
	clients := Clients{
		Route:    routeclient.New(routeclient.Config{}),
		Forecast: forecastclient.New(forecastServer.URL, "test-key", 5*time.Second),
	}
	r := New(st, ledger, clients, zap.NewNop(), testBreakerConfig())

	err = r.Process(context.Background(), "trip-1")
	require.NoError(t, err)
}

func TestProcessBudgetDeniedRouteShortCircuits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	row := []driver.Value{
		"trip-2", now, now, now.Add(2 * time.Hour), nil, now,
		[]byte(`[{"lat":1,"lon":2},{"lat":3,"lon":4}]`),
		nil, nil, nil, nil, nil,
		nil, nil, nil, nil, nil,
		nil, "balanced", 200, 100, "idle",
	}

	mock.ExpectExec("SELECT pg_advisory_lock").WithArgs("trip-2").WillReturnResult(sqlmock.NewResult(0, 0))

	rows := sqlmock.NewRows(tripRowColumns()).AddRow(row...)
	mock.ExpectQuery("SELECT .* FROM trips WHERE id = \\$1").WithArgs("trip-2").WillReturnRows(rows)

	mock.ExpectExec("UPDATE trips SET calc_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trip_updates").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO api_usage_minute").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO trip_api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT calls FROM api_usage_daily").WillReturnRows(sqlmock.NewRows([]string{"calls"}).AddRow(1000))
	mock.ExpectRollback()

	mock.ExpectExec("UPDATE trips SET calc_state").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO trip_updates").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectExec("SELECT pg_advisory_unlock").WithArgs("trip-2").WillReturnResult(sqlmock.NewResult(0, 0))

	st := store.New(db)
	ledger := quota.New(db, testLimits(), st)
	r := New(st, ledger, Clients{}, zap.NewNop(), testBreakerConfig())

	err = r.Process(context.Background(), "trip-2")
	require.NoError(t, err)
}
