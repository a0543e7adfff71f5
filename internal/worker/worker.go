// Package worker turns queued change events into webhook calls carrying the
// job row as it is at delivery time.
package worker

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"job-leaderboard/internal/models"
	"job-leaderboard/internal/queue"
)

// Consumer is the consuming half of the event queue.
type Consumer interface {
	Consume(ctx context.Context, lane models.Lane, h queue.Handler) error
}

// JobFetcher re-reads a single job row.
type JobFetcher interface {
	Get(ctx context.Context, id int64) (models.Job, bool, error)
}

// Sender posts a payload to the webhook endpoint.
type Sender interface {
	Send(ctx context.Context, url string, payload models.WebhookPayload) error
}

// Worker holds no retry or dedupe state. A replayed delivery results in
// another webhook call.
type Worker struct {
	consumer   Consumer
	jobs       JobFetcher
	sender     Sender
	webhookURL string
	logger     *logrus.Logger
}

// New creates a Worker that posts to webhookURL. An empty URL drops events.
func New(consumer Consumer, jobs JobFetcher, sender Sender, webhookURL string, logger *logrus.Logger) *Worker {
	return &Worker{
		consumer:   consumer,
		jobs:       jobs,
		sender:     sender,
		webhookURL: webhookURL,
		logger:     logger,
	}
}

// Run consumes every lane until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.webhookURL == "" {
		w.logger.Warn("FRONTEND_WEBHOOK_URL is not defined. Events will be dropped.")
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range models.Lanes {
		lane := lane
		g.Go(func() error {
			return w.consumer.Consume(ctx, lane, w.Handle)
		})
	}
	w.logger.Info("Job worker initialized.")
	return g.Wait()
}

// Handle delivers one event. A nil return acknowledges it; an error sends it
// back to the queue for retry.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) error {
	log := w.logger.WithFields(logrus.Fields{
		"delivery": d.ID,
		"lane":     d.Lane,
		"job_id":   d.Event.JobID,
		"attempt":  d.Attempt,
	})
	log.Infof("Processing job %s of type %s", d.ID, d.Lane)

	if w.webhookURL == "" {
		// Retrying cannot fix missing configuration.
		log.Error("FRONTEND_WEBHOOK_URL is not defined. Cannot send webhook.")
		return nil
	}

	job, found, err := w.jobs.Get(ctx, d.Event.JobID)
	if err != nil {
		return fmt.Errorf("failed to fetch job %d: %w", d.Event.JobID, err)
	}
	if !found {
		log.Debug("Job no longer exists, skipping webhook")
		return nil
	}
	if id, ok := job.ID(); ok && id != d.Event.JobID {
		// Refetching returns the same wrong row.
		return queue.Permanent(fmt.Errorf("fetched row %d for job %d", id, d.Event.JobID))
	}
	log = log.WithField("status", job.Status())

	payload := models.WebhookPayload{Event: string(d.Lane), Data: job}
	log.Infof("Sending webhook to: %s", w.webhookURL)
	if err := w.sender.Send(ctx, w.webhookURL, payload); err != nil {
		log.Errorf("Failed to process job %s: %v", d.ID, err)
		return err
	}

	log.Infof("Webhook for job %d sent successfully.", d.Event.JobID)
	return nil
}
