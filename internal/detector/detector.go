// Package detector polls the job table, diffs it against a changeset.Store
// and publishes new-job and status-update events.
//
// A status that changes more than once between two cycles is observed once,
// with its final value. A job that is inserted and then updated inside the
// same window is reported only as new-job, already carrying its latest status.
package detector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"job-leaderboard/internal/changeset"
	"job-leaderboard/internal/models"
)

// JobSource reads id/status pairs from the job table.
type JobSource interface {
	Statuses(ctx context.Context) ([]models.JobStatus, error)
	StatusesAfter(ctx context.Context, afterID int64) ([]models.JobStatus, error)
	StatusesUpTo(ctx context.Context, upToID int64) ([]models.JobStatus, error)
}

// Publisher hands change events to the event queue.
type Publisher interface {
	Enqueue(ctx context.Context, lane models.Lane, event models.ChangeEvent) error
}

// Config controls the poll loop.
type Config struct {
	Interval     time.Duration
	CycleTimeout time.Duration
	Clock        clock.Clock
}

// Detector owns its Store exclusively; nothing else may read or write it.
type Detector struct {
	source       JobSource
	publisher    Publisher
	store        *changeset.Store
	interval     time.Duration
	cycleTimeout time.Duration
	clock        clock.Clock
	nudge        chan struct{}
	logger       *logrus.Logger
}

// New creates a detector. Zero config values fall back to a 5s interval,
// no per-cycle timeout and the wall clock.
func New(source JobSource, publisher Publisher, store *changeset.Store, cfg Config, logger *logrus.Logger) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Detector{
		source:       source,
		publisher:    publisher,
		store:        store,
		interval:     cfg.Interval,
		cycleTimeout: cfg.CycleTimeout,
		clock:        cfg.Clock,
		nudge:        make(chan struct{}, 1),
		logger:       logger,
	}
}

// Initialize rebuilds the store from a full scan of the job table. It must
// complete before the first Poll, otherwise every existing row would be
// reported as new.
func (d *Detector) Initialize(ctx context.Context) error {
	ctx, cancel := d.cycleContext(ctx)
	defer cancel()

	jobs, err := d.source.Statuses(ctx)
	if err != nil {
		return fmt.Errorf("failed to load initial job state: %w", err)
	}

	d.store.Reset()
	for _, job := range jobs {
		d.store.Set(job.ID, job.Status)
		d.store.AdvanceWatermark(job.ID)
	}

	d.logger.Infof("Initial state loaded. Last Job ID: %d (%d jobs)", d.store.HighWatermark(), d.store.Len())
	return nil
}

// Poll runs a single detection cycle. Any query or enqueue error aborts the
// cycle. Events are published before the store is updated, so whatever was
// not published is detected again on the next cycle.
func (d *Detector) Poll(ctx context.Context) error {
	ctx, cancel := d.cycleContext(ctx)
	defer cancel()

	if err := d.detectNewJobs(ctx); err != nil {
		return err
	}
	return d.detectStatusChanges(ctx)
}

func (d *Detector) detectNewJobs(ctx context.Context) error {
	jobs, err := d.source.StatusesAfter(ctx, d.store.HighWatermark())
	if err != nil {
		return fmt.Errorf("failed to query new jobs: %w", err)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })

	for _, job := range jobs {
		d.logger.Infof("New job detected: ID %d", job.ID)
		event := models.ChangeEvent{Kind: models.LaneNewJob, JobID: job.ID}
		if err := d.publisher.Enqueue(ctx, models.LaneNewJob, event); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", event, err)
		}
		d.store.Set(job.ID, job.Status)
		d.store.AdvanceWatermark(job.ID)
	}
	return nil
}

func (d *Detector) detectStatusChanges(ctx context.Context) error {
	jobs, err := d.source.StatusesUpTo(ctx, d.store.HighWatermark())
	if err != nil {
		return fmt.Errorf("failed to query job statuses: %w", err)
	}

	for _, job := range jobs {
		oldStatus, known := d.store.Get(job.ID)
		if !known {
			// Inserted below the watermark after we passed it. Track it from
			// now on without reporting it.
			d.logger.Warnf("Job ID %d appeared below watermark %d, tracking without event", job.ID, d.store.HighWatermark())
			d.store.Set(job.ID, job.Status)
			continue
		}
		if oldStatus == job.Status {
			continue
		}

		d.logger.Infof("Job ID %d status changed from %s to %s", job.ID, oldStatus, job.Status)
		event := models.ChangeEvent{Kind: models.LaneStatusUpdate, JobID: job.ID, NewStatus: job.Status}
		if err := d.publisher.Enqueue(ctx, models.LaneStatusUpdate, event); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", event, err)
		}
		d.store.Set(job.ID, job.Status)
	}
	return nil
}

// Run polls until ctx is cancelled. The next cycle is only scheduled once
// the current one has returned, so cycles never overlap. Cycle errors are
// logged and never stop the loop.
func (d *Detector) Run(ctx context.Context) error {
	d.logger.Infof("Starting change detector (poll interval %s)", d.interval)

	for {
		if err := d.Poll(ctx); err != nil && ctx.Err() == nil {
			d.logger.Errorf("Error watching for job changes: %v", err)
		}

		select {
		case <-ctx.Done():
			d.logger.Info("Context cancelled, stopping change detector")
			return nil
		case <-d.clock.After(d.interval):
		case <-d.nudge:
			d.logger.Debug("Change detector nudged, polling early")
		}
	}
}

// Nudge asks for an early cycle. It never blocks; nudges that arrive while
// one is already pending are merged.
func (d *Detector) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

func (d *Detector) cycleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cycleTimeout > 0 {
		return context.WithTimeout(ctx, d.cycleTimeout)
	}
	return context.WithCancel(ctx)
}
