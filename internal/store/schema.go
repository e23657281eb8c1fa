package store

// schema is applied with CREATE TABLE IF NOT EXISTS on startup. Table names
// are stable across migrations: trips, trip_updates, trip_api_usage_daily,
// api_usage_daily, api_usage_minute.
const schema = `
CREATE TABLE IF NOT EXISTS trips (
	id UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	deadline_at TIMESTAMPTZ NOT NULL,
	last_calc_at TIMESTAMPTZ,
	next_calc_at TIMESTAMPTZ,
	waypoints JSONB NOT NULL,
	eta_at TIMESTAMPTZ,
	route_distance_m INTEGER,
	route_duration_s INTEGER,
	route_geojson JSONB,
	buffer_minutes INTEGER,
	risk_percent INTEGER,
	status_symbol TEXT,
	suggestion TEXT,
	recommended_depart_at TIMESTAMPTZ,
	rationale TEXT,
	customer_message TEXT,
	policy_mode TEXT NOT NULL DEFAULT 'balanced',
	trip_owm_daily_cap INTEGER NOT NULL DEFAULT 200,
	trip_route_daily_cap INTEGER NOT NULL DEFAULT 100,
	calc_state TEXT NOT NULL DEFAULT 'idle'
);

CREATE TABLE IF NOT EXISTS trip_updates (
	id BIGSERIAL PRIMARY KEY,
	trip_id UUID NOT NULL REFERENCES trips(id) ON DELETE CASCADE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	kind TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_trip_updates_trip ON trip_updates (trip_id, id);

CREATE TABLE IF NOT EXISTS trip_api_usage_daily (
	trip_id UUID NOT NULL,
	day DATE NOT NULL,
	owm_calls INTEGER NOT NULL DEFAULT 0,
	route_calls INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (trip_id, day)
);

CREATE TABLE IF NOT EXISTS api_usage_daily (
	api_name TEXT NOT NULL,
	day DATE NOT NULL,
	calls INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (api_name, day)
);

CREATE TABLE IF NOT EXISTS api_usage_minute (
	api_name TEXT NOT NULL,
	minute_bucket TIMESTAMPTZ NOT NULL,
	calls INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (api_name, minute_bucket)
);

CREATE INDEX IF NOT EXISTS idx_trips_due ON trips (next_calc_at) WHERE next_calc_at IS NOT NULL;
`

// InitSchema creates the core tables if they do not already exist. The
// façade and the recalculator both consume this single schema module rather
// than declaring it twice.
func (s *Store) InitSchema() error {
	_, err := s.db.Exec(schema)
	return err
}
