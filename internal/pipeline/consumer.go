package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/rohitvanga/docpipe/internal/queue"
)

// Consumer pulls jobs off the dispatcher queue and hands them to the
// orchestrator. Several consumers run concurrently; ordering is only
// guaranteed within a job, never across jobs.
type Consumer struct {
	dispatcher   *queue.Dispatcher
	orchestrator *Orchestrator
}

func NewConsumer(d *queue.Dispatcher, o *Orchestrator) *Consumer {
	return &Consumer{dispatcher: d, orchestrator: o}
}

// Run loops until the context is cancelled. Dequeue and processing errors are
// logged and the loop continues; one bad job must not stop the consumer.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, found, err := c.dispatcher.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("dequeue failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		if !found {
			continue
		}

		if err := c.orchestrator.Process(ctx, job.ID); err != nil {
			slog.Error("job processing failed", "error", err, "job_id", job.ID)
		}
	}
}
