// Package changeset holds the detector's view of the job table: the last
// status seen per job id and the highest id ever observed.
package changeset

// Store is not safe for concurrent use. It is owned by a single detector
// and only touched from its poll loop.
type Store struct {
	highWatermark int64
	statuses      map[int64]string
}

// New creates an empty Store with a zero watermark.
func New() *Store {
	return &Store{statuses: make(map[int64]string)}
}

// Get returns the last status recorded for jobID. ok is false for ids the
// store has never seen, which is distinct from a recorded empty status.
func (s *Store) Get(jobID int64) (status string, ok bool) {
	status, ok = s.statuses[jobID]
	return status, ok
}

// Set records status as the last one seen for jobID.
func (s *Store) Set(jobID int64, status string) {
	s.statuses[jobID] = status
}

// HighWatermark returns the highest job id observed so far.
func (s *Store) HighWatermark() int64 {
	return s.highWatermark
}

// AdvanceWatermark moves the watermark to jobID if it is higher.
func (s *Store) AdvanceWatermark(jobID int64) {
	if jobID > s.highWatermark {
		s.highWatermark = jobID
	}
}

// Len returns the number of tracked jobs.
func (s *Store) Len() int {
	return len(s.statuses)
}

// Reset drops all state, as before a full rebuild.
func (s *Store) Reset() {
	s.highWatermark = 0
	s.statuses = make(map[int64]string)
}
