package embedding

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"forge/internal/logging"
)

const (
	defaultBatchSize   = 128
	defaultMaxInFlight = 4
	maxAttempts        = 5
	backoffBase        = 2 * time.Second
	backoffCap         = 60 * time.Second
)

// Batcher embeds large text sets as bounded concurrent batches, retrying
// rate-limit and 5xx failures with exponential backoff and failing fast
// on everything else.
type Batcher struct {
	engine      Engine
	batchSize   int
	maxInFlight int
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewBatcher wraps an engine with batching and retry policy.
func NewBatcher(engine Engine, batchSize, maxInFlight int) *Batcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if maxInFlight <= 0 {
		maxInFlight = defaultMaxInFlight
	}
	return &Batcher{
		engine:      engine,
		batchSize:   batchSize,
		maxInFlight: maxInFlight,
		sleep:       sleepCtx,
	}
}

// EmbedAll embeds every text, preserving order. Batches are dispatched
// concurrently up to the in-flight limit; each batch retries
// independently.
func (b *Batcher) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	timer := logging.StartTimer(logging.CategoryEmbedding, fmt.Sprintf("EmbedAll %d texts", len(texts)))
	defer timer.Stop()

	out := make([][]float32, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.maxInFlight)

	for start := 0; start < len(texts); start += b.batchSize {
		start := start
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}

		g.Go(func() error {
			vectors, err := b.embedWithRetry(gctx, texts[start:end])
			if err != nil {
				return fmt.Errorf("batch [%d:%d]: %w", start, end, err)
			}
			copy(out[start:end], vectors)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// embedWithRetry runs one batch with exponential backoff on retryable
// failures.
func (b *Batcher) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		vectors, err := b.engine.EmbedBatch(ctx, batch)
		if err == nil {
			if len(vectors) != len(batch) {
				return nil, fmt.Errorf("engine returned %d vectors for %d texts", len(vectors), len(batch))
			}
			return vectors, nil
		}
		lastErr = err

		if !IsRetryable(err) {
			return nil, err
		}
		if attempt == maxAttempts {
			break
		}

		wait := backoffBase << uint(attempt-1)
		if wait > backoffCap {
			wait = backoffCap
		}
		logging.EmbeddingWarn("embed attempt %d/%d failed (%v), retrying in %v", attempt, maxAttempts, err, wait)
		if err := b.sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("embedding failed after %d attempts: %w", maxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
