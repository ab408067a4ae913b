package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// MockEngine is a test double with pluggable behavior.
type MockEngine struct {
	mu             sync.Mutex
	EmbedBatchFunc func(ctx context.Context, texts []string) ([][]float32, error)
	calls          int
}

func (m *MockEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (m *MockEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return m.EmbedBatchFunc(ctx, texts)
}

func (m *MockEngine) Dimensions() int { return 3 }
func (m *MockEngine) Name() string    { return "mock" }

func (m *MockEngine) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// labelVector encodes a "t<N>" label as a vector carrying its index, so
// ordering across batches is observable.
func labelVector(label string) []float32 {
	var n int
	fmt.Sscanf(label, "t%d", &n)
	return []float32{float32(n), 0, 0}
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

func TestEmbedAllPreservesOrderAcrossBatches(t *testing.T) {
	engine := &MockEngine{
		EmbedBatchFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			out := make([][]float32, len(texts))
			for i, text := range texts {
				out[i] = labelVector(text)
			}
			return out, nil
		},
	}

	b := NewBatcher(engine, 4, 2)
	b.sleep = noSleep

	texts := make([]string, 13)
	for i := range texts {
		texts[i] = fmt.Sprintf("t%d", i)
	}

	vectors, err := b.EmbedAll(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedAll failed: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if int(v[0]) != i {
			t.Errorf("vector %d out of order: encodes %d", i, int(v[0]))
		}
	}
	if engine.Calls() != 4 {
		t.Errorf("13 texts at batch size 4 made %d calls, want 4", engine.Calls())
	}
}

func TestEmbedAllRetriesRateLimits(t *testing.T) {
	var failures int
	var mu sync.Mutex
	engine := &MockEngine{
		EmbedBatchFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			mu.Lock()
			defer mu.Unlock()
			if failures < 2 {
				failures++
				return nil, &RateLimitError{Err: errors.New("quota exceeded")}
			}
			out := make([][]float32, len(texts))
			for i := range texts {
				out[i] = []float32{1, 2, 3}
			}
			return out, nil
		},
	}

	b := NewBatcher(engine, 8, 1)
	b.sleep = noSleep

	vectors, err := b.EmbedAll(context.Background(), []string{"a", "b"})
	if err != nil {
		t.Fatalf("EmbedAll failed after retries: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("got %d vectors, want 2", len(vectors))
	}
	if engine.Calls() != 3 {
		t.Errorf("made %d calls, want 3 (two rate-limited, one success)", engine.Calls())
	}
}

func TestEmbedAllFailsFastOnNonRetryable(t *testing.T) {
	engine := &MockEngine{
		EmbedBatchFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, errors.New("400 invalid input")
		},
	}

	b := NewBatcher(engine, 8, 1)
	b.sleep = noSleep

	_, err := b.EmbedAll(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if engine.Calls() != 1 {
		t.Errorf("non-retryable error was retried: %d calls", engine.Calls())
	}
}

func TestEmbedAllExhaustsRetries(t *testing.T) {
	engine := &MockEngine{
		EmbedBatchFunc: func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, &ServerError{StatusCode: 503, Err: errors.New("unavailable")}
		},
	}

	b := NewBatcher(engine, 8, 1)
	b.sleep = noSleep

	_, err := b.EmbedAll(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("expected exhaustion failure")
	}
	if engine.Calls() != maxAttempts {
		t.Errorf("made %d calls, want %d", engine.Calls(), maxAttempts)
	}
}

func TestIsRetryableClassification(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&RateLimitError{Err: errors.New("x")}, true},
		{&ServerError{StatusCode: 500, Err: errors.New("x")}, true},
		{errors.New("googleapi: Error 429: RESOURCE_EXHAUSTED"), true},
		{errors.New("model is overloaded"), true},
		{errors.New("400 bad request"), false},
		{errors.New("invalid api key"), false},
	}
	for _, tc := range cases {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{1, 0})
	if err != nil || sim < 0.999 {
		t.Errorf("identical vectors: sim=%v err=%v", sim, err)
	}

	sim, err = CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	if err != nil || sim > 0.001 {
		t.Errorf("orthogonal vectors: sim=%v err=%v", sim, err)
	}

	if _, err := CosineSimilarity([]float32{1}, []float32{1, 2}); err == nil {
		t.Error("dimension mismatch should error")
	}

	sim, err = CosineSimilarity([]float32{0, 0}, []float32{1, 2})
	if err != nil || sim != 0 {
		t.Errorf("zero vector: sim=%v err=%v", sim, err)
	}
}
