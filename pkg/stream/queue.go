package stream

import (
	"context"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Queue decouples slow sink writes (Redis XAdd) from the aggregator
// and trader callbacks, which must not block. Enqueue never waits;
// when the buffer is full the job is dropped and counted.
type Queue struct {
	log     *logrus.Entry
	jobs    chan func(context.Context) error
	dropped int64
}

// NewQueue creates a queue with the given buffer depth. Run must be
// started before producers enqueue, or the buffer fills and drops.
func NewQueue(depth int, logger *logrus.Logger) *Queue {
	return &Queue{
		log:  logger.WithField("component", "publish-queue"),
		jobs: make(chan func(context.Context) error, depth),
	}
}

// Enqueue hands a job to the drain goroutine. Returns false when the
// buffer is full and the job was dropped.
func (q *Queue) Enqueue(job func(context.Context) error) bool {
	select {
	case q.jobs <- job:
		return true
	default:
		n := atomic.AddInt64(&q.dropped, 1)
		q.log.WithField("dropped", n).Warn("publish queue full, dropping")
		return false
	}
}

// Dropped returns how many jobs were discarded on a full buffer.
func (q *Queue) Dropped() int64 { return atomic.LoadInt64(&q.dropped) }

// Run drains jobs until ctx is canceled. Job errors are logged, never
// propagated: a dead sink must not stall the pipeline.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if err := job(ctx); err != nil {
				q.log.WithError(err).Warn("publish failed")
			}
		}
	}
}
