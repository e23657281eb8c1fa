package broker

import (
	"encoding/json"
	"time"
)

// Fixed job names dispatched on the broker.
const (
	JobScanDueTrips = "worker.tasks.scan_due_trips"
	JobRecalcTrip   = "worker.tasks.recalc_trip"
)

// Job is the envelope placed on a queue by the scheduler or the façade and
// consumed by a worker pool, dispatched by Name.
type Job struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Args       map[string]interface{} `json:"args,omitempty"`
	EnqueuedAt string                 `json:"enqueued_at"`
}

// NewJob builds a job envelope, stamping the current time.
func NewJob(id, name string, args map[string]interface{}) Job {
	return Job{
		ID:         id,
		Name:       name,
		Args:       args,
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// TripID is a convenience accessor for jobs carrying a trip_id argument.
func (j Job) TripID() string {
	if v, ok := j.Args["trip_id"].(string); ok {
		return v
	}
	return ""
}

func (j Job) Marshal() (string, error) {
	b, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func UnmarshalJob(s string) (Job, error) {
	var j Job
	err := json.Unmarshal([]byte(s), &j)
	return j, err
}
