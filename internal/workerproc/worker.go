package workerproc

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"contract-backend/internal/analyses"
	"contract-backend/internal/queue"
	"contract-backend/internal/shared/metrics"
	"contract-backend/internal/shared/telemetry"
)

const (
	defaultConcurrency     = 2
	defaultShutdownTimeout = 30 * time.Second
	receiveBackoff         = time.Second
)

// Worker pulls analysis jobs from a queue and runs at most Concurrency of them at once.
type Worker struct {
	Source          queue.Source
	Processor       analyses.Processor
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Run consumes until ctx is cancelled, then waits up to ShutdownTimeout for
// in-flight jobs. Jobs keep running on a context detached from ctx so a
// shutdown does not abort them halfway.
func (w *Worker) Run(ctx context.Context) error {
	if w.Source == nil || w.Processor == nil {
		return errors.New("worker not configured")
	}
	concurrency := w.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}
	shutdownTimeout := w.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}

	sem := semaphore.NewWeighted(int64(concurrency))
	jobCtx := context.WithoutCancel(ctx)
	var wg sync.WaitGroup

	telemetry.Info("worker.started", map[string]any{"concurrency": concurrency})

poll:
	for ctx.Err() == nil {
		deliveries, err := w.Source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			telemetry.Warn("worker.receive_failed", map[string]any{"error": err})
			select {
			case <-ctx.Done():
			case <-time.After(receiveBackoff):
			}
			continue
		}
		for _, d := range deliveries {
			if err := sem.Acquire(ctx, 1); err != nil {
				// Unacknowledged deliveries are redelivered by the backend.
				break poll
			}
			metrics.IncQueueReceived()
			wg.Add(1)
			go func(d queue.Delivery) {
				defer wg.Done()
				defer sem.Release(1)
				w.Handle(jobCtx, d)
			}(d)
		}
	}

	telemetry.Info("worker.draining", map[string]any{"timeout_ms": shutdownTimeout.Milliseconds()})
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(shutdownTimeout):
		telemetry.Warn("worker.shutdown_timeout", nil)
		return errors.New("shutdown timeout with jobs in flight")
	}
}

// Handle processes one delivery and acknowledges it unless processing failed
// in a way a retry could fix. It reports whether the delivery was acknowledged.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) bool {
	msg, err := Decode(d.Body)
	if err != nil {
		var poison *PoisonError
		errors.As(err, &poison)
		fields := deliveryFields(d, msg.AnalysisID, poison.RequestID)
		fields["reason"] = poison.Reason
		fields["body_len"] = poison.Body.Len
		if poison.Body.SHA256 != "" {
			fields["body_sha256"] = poison.Body.SHA256
		}
		fields["error"] = err.Error()
		telemetry.Error("worker.analysis.unrecoverable", fields)
		if w.ack(ctx, d, "", "") {
			metrics.IncQueueDeletedUnrecoverable()
			return true
		}
		return false
	}

	telemetry.Info("worker.analysis.received", deliveryFields(d, msg.AnalysisID, msg.RequestID))
	if err := process(ctx, w.Processor, msg); err != nil {
		fields := deliveryFields(d, msg.AnalysisID, msg.RequestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.analysis.failed", fields)
		return false
	}
	if !w.ack(ctx, d, msg.AnalysisID, msg.RequestID) {
		return false
	}
	telemetry.Info("worker.analysis.completed", deliveryFields(d, msg.AnalysisID, msg.RequestID))
	return true
}

func (w *Worker) ack(ctx context.Context, d queue.Delivery, analysisID, requestID string) bool {
	if err := w.Source.Ack(ctx, d); err != nil {
		fields := deliveryFields(d, analysisID, requestID)
		fields["error"] = err.Error()
		telemetry.Error("worker.analysis.ack_failed", fields)
		return false
	}
	return true
}

func deliveryFields(d queue.Delivery, analysisID, requestID string) map[string]any {
	fields := map[string]any{
		"analysis_id":   analysisID,
		"message_id":    d.MessageID,
		"receive_count": d.ReceiveCount,
	}
	if requestID != "" {
		fields["request_id"] = requestID
	}
	return fields
}
