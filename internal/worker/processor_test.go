package worker

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"virtual-staging/internal/config"
	"virtual-staging/internal/models"
	"virtual-staging/internal/queue"
)

func TestBackoffWithJitter(t *testing.T) {
	rand.Seed(1)
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	for _, tiny := range []time.Duration{0, time.Nanosecond, 3 * time.Nanosecond} {
		if got := backoffWithJitter(tiny, max, 2); got < 0 || got > max {
			t.Fatalf("backoff(%s) out of range: %s", tiny, got)
		}
	}
}

type fakeReconciler struct {
	mu      sync.Mutex
	jobs    map[string]models.StagingJob
	expired []string
	swept   int
}

func (f *fakeReconciler) Refresh(_ context.Context, id string) (models.StagingJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.StagingJob{}, models.ErrNotFound
	}
	return job, nil
}

func (f *fakeReconciler) Expire(_ context.Context, id, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := f.jobs[id]
	if job.Status != models.StatusProcessing {
		return false, nil
	}
	job.Status = models.StatusFailed
	f.jobs[id] = job
	f.expired = append(f.expired, id)
	return true, nil
}

func (f *fakeReconciler) ExpireStale(context.Context, time.Time, int, string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swept++
	return nil, nil
}

func newTestProcessor(t *testing.T, rec *fakeReconciler, now time.Time) (*Processor, *queue.RedisQueue) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	q := queue.NewRedisQueueWithClient(client, time.Minute, "reconcile:dlq")

	cfg := config.Config{
		StaleJobTimeout:    30 * time.Minute,
		BackoffInitial:     5 * time.Second,
		BackoffMax:         time.Minute,
		ScheduledBatchSize: 10,
		WorkerPollInterval: 10 * time.Millisecond,
	}
	p := NewProcessor(cfg, q, rec, zerolog.Nop())
	p.now = func() time.Time { return now }
	return p, q
}

func TestStepReschedulesProcessingJob(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	rec := &fakeReconciler{jobs: map[string]models.StagingJob{
		"job-1": {ID: "job-1", Status: models.StatusProcessing, CreatedAt: now.Add(-time.Minute)},
	}}
	p, q := newTestProcessor(t, rec, now)

	if err := q.Schedule(ctx, "job-1", 0, now.Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	p.housekeeping(ctx)
	handled, err := p.Step(ctx)
	if err != nil || !handled {
		t.Fatalf("step: handled=%v err=%v", handled, err)
	}
	if attempts, _ := q.Attempts(ctx, "job-1"); attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
	if depth, _ := q.InFlightDepth(ctx); depth != 0 {
		t.Fatalf("lease should be released, inflight = %d", depth)
	}
	if n, _ := q.PromoteScheduled(ctx, now.Add(2*time.Minute), 10); n != 1 {
		t.Fatalf("expected the check to be rescheduled, promoted %d", n)
	}
	if rec.swept != 1 {
		t.Fatalf("stale sweep runs = %d, want 1", rec.swept)
	}
}

func TestStepAcksSettledAndMissingJobs(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	rec := &fakeReconciler{jobs: map[string]models.StagingJob{
		"done": {ID: "done", Status: models.StatusCompleted, CreatedAt: now},
	}}
	p, q := newTestProcessor(t, rec, now)

	for _, id := range []string{"done", "gone"} {
		if err := q.Schedule(ctx, id, 2, now.Add(-time.Second)); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	p.housekeeping(ctx)
	for i := 0; i < 2; i++ {
		if _, err := p.Step(ctx); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	for _, id := range []string{"done", "gone"} {
		if attempts, _ := q.Attempts(ctx, id); attempts != 0 {
			t.Fatalf("%s attempt record should be cleared, got %d", id, attempts)
		}
	}
	if depth, _ := q.InFlightDepth(ctx); depth != 0 {
		t.Fatalf("inflight = %d, want 0", depth)
	}
}

func TestStepExpiresJobsPastTimeout(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	rec := &fakeReconciler{jobs: map[string]models.StagingJob{
		"old": {ID: "old", Status: models.StatusProcessing, CreatedAt: now.Add(-time.Hour)},
	}}
	p, q := newTestProcessor(t, rec, now)

	if err := q.Schedule(ctx, "old", 4, now.Add(-time.Second)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	p.housekeeping(ctx)
	if _, err := p.Step(ctx); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(rec.expired) != 1 || rec.jobs["old"].Status != models.StatusFailed {
		t.Fatalf("expected the job to be expired: %+v", rec.jobs["old"])
	}
	dlq, _ := q.DLQPeek(ctx, 10)
	if len(dlq) != 1 || dlq[0] != "old" {
		t.Fatalf("dlq = %v, want [old]", dlq)
	}
	if n, _ := q.PromoteScheduled(ctx, now.Add(time.Hour), 10); n != 0 {
		t.Fatalf("expired job must not be rescheduled")
	}
}

func TestStepOnEmptyQueue(t *testing.T) {
	p, _ := newTestProcessor(t, &fakeReconciler{jobs: map[string]models.StagingJob{}}, time.Now())
	handled, err := p.Step(context.Background())
	if err != nil || handled {
		t.Fatalf("empty queue: handled=%v err=%v", handled, err)
	}
}
