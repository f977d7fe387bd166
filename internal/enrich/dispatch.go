package enrich

import (
	"context"
	"sync"
	"time"

	"github.com/Yates-Labs/spoilerguard/internal/logging"
	"github.com/Yates-Labs/spoilerguard/internal/media"
)

// Dispatcher starts an enrichment pass without waiting for it.
// Implementations never report failures to the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, unit media.MediaUnit)
}

// Job runs one enrichment pass.
type Job func(ctx context.Context, unit media.MediaUnit) error

// DetachedDispatcher runs jobs on goroutines detached from the caller's
// cancellation, bounded by Timeout. Failures are logged and dropped.
type DetachedDispatcher struct {
	job     Job
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDetachedDispatcher creates a dispatcher for job.
func NewDetachedDispatcher(job Job, timeout time.Duration) *DetachedDispatcher {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &DetachedDispatcher{job: job, timeout: timeout}
}

// Dispatch returns immediately. The job keeps request-scoped values from
// ctx (such as the logger) but not its deadline.
func (d *DetachedDispatcher) Dispatch(ctx context.Context, unit media.MediaUnit) {
	if d.job == nil {
		return
	}
	detached := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()

		log := logging.From(ctx)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Interface("panic", r).Str("unit", unit.Key()).Msg("enrichment panicked")
			}
		}()

		if err := d.job(ctx, unit); err != nil {
			log.Warn().Err(err).Str("unit", unit.Key()).Msg("enrichment failed")
		}
	}()
}

// Wait blocks until every dispatched job has finished.
func (d *DetachedDispatcher) Wait() {
	d.wg.Wait()
}
