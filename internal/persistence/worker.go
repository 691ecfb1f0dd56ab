package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"HedgeVault/internal/core"
	"HedgeVault/internal/observability"
)

// BatchWriter stores one batch atomically.
type BatchWriter interface {
	Write(ctx context.Context, b *Batch) error
}

// Worker drains the engine's persist channel and batch-writes to Postgres.
// The engine sends with a blocking send, so a slow worker stalls commits
// rather than losing them.
type Worker struct {
	writer       BatchWriter
	input        <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
	logger       zerolog.Logger

	// Backoff bounds between failed flushes.
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewWorker(
	writer BatchWriter,
	input <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *Worker {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushTimeout <= 0 {
		flushTimeout = 50 * time.Millisecond
	}
	return &Worker{
		writer:       writer,
		input:        input,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
		logger:       logger,
		minBackoff:   100 * time.Millisecond,
		maxBackoff:   30 * time.Second,
	}
}

// Run batches outputs and flushes when the batch is full or the flush
// timeout expires. It returns when ctx is cancelled or the input closes,
// after flushing what it holds.
func (w *Worker) Run(ctx context.Context) error {
	batch := NewBatch()
	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.flushFinal(batch)
			return ctx.Err()

		case out, ok := <-w.input:
			if !ok {
				w.flushFinal(batch)
				return nil
			}
			batch.Add(out)
			if batch.Len() >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch.Reset()
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if batch.Len() > 0 {
				w.flushWithRetry(ctx, batch)
				batch.Reset()
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

func (w *Worker) flushFinal(b *Batch) {
	if b.Len() == 0 {
		return
	}
	if err := w.flush(context.Background(), b); err != nil {
		w.logger.Error().Err(err).
			Int64("last_sequence", b.LastSequence()).
			Msg("final flush failed")
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// On shutdown it makes one last attempt without the cancelled context.
func (w *Worker) flushWithRetry(ctx context.Context, b *Batch) {
	backoff := w.minBackoff
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", b.Len()).
				Msg("persistence retry")
			if w.metrics != nil {
				w.metrics.PersistRetry.Inc()
			}
			select {
			case <-ctx.Done():
				w.flushFinal(b)
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, w.maxBackoff)
		}

		err := w.flush(ctx, b)
		if err == nil {
			if attempt > 0 {
				w.logger.Info().Int("retries", attempt).Msg("persistence flush recovered")
			}
			return
		}
		w.logger.Error().Err(err).Int64("last_sequence", b.LastSequence()).Msg("persistence flush failed")
	}
}

func (w *Worker) flush(ctx context.Context, b *Batch) error {
	start := time.Now()
	if err := w.writer.Write(ctx, b); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write").Inc()
		}
		return err
	}
	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(b.Len()))
		w.metrics.PersistTxWritten.Add(float64(b.Len()))
		w.metrics.PersistLastSequence.Set(float64(b.LastSequence()))
	}
	return nil
}
