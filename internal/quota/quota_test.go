package quota

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAudit struct {
	calls []map[string]interface{}
}

func (f *fakeAudit) AppendEvent(ctx context.Context, tripID, kind string, payload map[string]interface{}) error {
	f.calls = append(f.calls, payload)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testLimits() Limits {
	return Limits{
		GlobalDailyLimit: func(api string) int {
			if api == APIOWM {
				return 800
			}
			return 400
		},
		PerMinuteLimit: func(api string) int {
			if api == APIOWM {
				return 30
			}
			return 20
		},
	}
}

func TestConsumeApprovesAndIncrementsAllThreeCounters(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	minuteBucket := now.Truncate(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_usage_daily").
		WithArgs(APIRoute, "2026-03-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO api_usage_minute").
		WithArgs(APIRoute, minuteBucket).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO trip_api_usage_daily").
		WithArgs("trip-1", "2026-03-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT calls FROM api_usage_daily").
		WithArgs(APIRoute, "2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"calls"}).AddRow(5))
	mock.ExpectQuery("SELECT calls FROM api_usage_minute").
		WithArgs(APIRoute, minuteBucket).
		WillReturnRows(sqlmock.NewRows([]string{"calls"}).AddRow(2))
	mock.ExpectQuery("SELECT owm_calls, route_calls FROM trip_api_usage_daily").
		WithArgs("trip-1", "2026-03-01").
		WillReturnRows(sqlmock.NewRows([]string{"owm_calls", "route_calls"}).AddRow(0, 1))
	mock.ExpectExec("UPDATE api_usage_daily").
		WithArgs(1, APIRoute, "2026-03-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE api_usage_minute").
		WithArgs(1, APIRoute, minuteBucket).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE trip_api_usage_daily").
		WithArgs(1, "trip-1", "2026-03-01").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	audit := &fakeAudit{}
	ledger := New(db, testLimits(), audit)
	ledger.SetClock(fixedClock(now))

	ok, reason, err := ledger.Consume(context.Background(), "trip-1", APIRoute, TripCaps{RouteDailyCap: 50}, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, reason)
	require.Len(t, audit.calls, 1)
	assert.Equal(t, true, audit.calls[0]["allowed"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestConsumeDeniesOnTripDayCapWithoutMutating(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	minuteBucket := now.Truncate(time.Minute)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO api_usage_minute").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO trip_api_usage_daily").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT calls FROM api_usage_daily").
		WillReturnRows(sqlmock.NewRows([]string{"calls"}).AddRow(5))
	mock.ExpectQuery("SELECT calls FROM api_usage_minute").
		WillReturnRows(sqlmock.NewRows([]string{"calls"}).AddRow(2))
	mock.ExpectQuery("SELECT owm_calls, route_calls FROM trip_api_usage_daily").
		WillReturnRows(sqlmock.NewRows([]string{"owm_calls", "route_calls"}).AddRow(0, 10))
	mock.ExpectRollback()

	audit := &fakeAudit{}
	ledger := New(db, testLimits(), audit)
	ledger.SetClock(fixedClock(now))

	ok, reason, err := ledger.Consume(context.Background(), "trip-1", APIRoute, TripCaps{RouteDailyCap: 10}, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, reason, KindTripDay)
	assert.Contains(t, reason, "used=10 limit=10")
	require.Empty(t, audit.calls)
	require.NoError(t, mock.ExpectationsWereMet())
	_ = minuteBucket
}

func TestConsumeRejectsUnknownAPI(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ledger := New(db, testLimits(), nil)
	ok, reason, err := ledger.Consume(context.Background(), "trip-1", "weather", TripCaps{}, 1)
	assert.False(t, ok)
	assert.Empty(t, reason)
	assert.ErrorIs(t, err, ErrUnknownAPI)
}

func TestTripColumnAndCapSelection(t *testing.T) {
	assert.Equal(t, "owm_calls", tripColumn(APIOWM))
	assert.Equal(t, "route_calls", tripColumn(APIRoute))

	caps := TripCaps{OWMDailyCap: 7, RouteDailyCap: 9}
	assert.Equal(t, 7, tripCap(caps, APIOWM))
	assert.Equal(t, 9, tripCap(caps, APIRoute))
}

func TestDenyReasonIncludesBucketOnlyForMinuteTier(t *testing.T) {
	bucket := time.Date(2026, 3, 1, 10, 15, 0, 0, time.UTC)
	dayReason := denyReason(APIRoute, KindGlobalDay, 400, 400, 1, bucket)
	minuteReason := denyReason(APIRoute, KindGlobalMinute, 20, 20, 1, bucket)

	assert.NotContains(t, dayReason, "bucket=")
	assert.Contains(t, minuteReason, "bucket=")
}
