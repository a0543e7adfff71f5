package models

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Lane names a sub-channel of the event queue. The lane name is also the
// "event" field of the webhook payload.
type Lane string

const (
	LaneNewJob       Lane = "new-job"
	LaneStatusUpdate Lane = "status-update"
)

// Lanes lists every lane the worker consumes.
var Lanes = []Lane{LaneNewJob, LaneStatusUpdate}

func (l Lane) String() string { return string(l) }

// Valid reports whether l is a known lane.
func (l Lane) Valid() bool {
	return l == LaneNewJob || l == LaneStatusUpdate
}

// ChangeEvent is emitted by the detector for a single job.
// NewStatus is only set on status-update events.
type ChangeEvent struct {
	Kind      Lane   `json:"kind"`
	JobID     int64  `json:"jobId"`
	NewStatus string `json:"newStatus,omitempty"`
}

func (e ChangeEvent) String() string {
	if e.Kind == LaneStatusUpdate {
		return fmt.Sprintf("%s(%d, %q)", e.Kind, e.JobID, e.NewStatus)
	}
	return fmt.Sprintf("%s(%d)", e.Kind, e.JobID)
}

// JobStatus is the slice of a job row the detector diffs on.
type JobStatus struct {
	ID     int64
	Status string
}

// Job is a full job row keyed by column name. Apart from id and status the
// columns are opaque and forwarded as-is.
type Job map[string]interface{}

// ID returns the row's id column as an int64.
func (j Job) ID() (int64, bool) {
	switch v := j["id"].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case uint32:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// Status returns the row's status column, "" when absent or NULL.
func (j Job) Status() string {
	s, _ := j["status"].(string)
	return s
}

// WebhookPayload is the JSON body posted to the webhook endpoint.
type WebhookPayload struct {
	Event string `json:"event"`
	Data  Job    `json:"data"`
}
