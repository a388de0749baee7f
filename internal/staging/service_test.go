package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"virtual-staging/internal/models"
	"virtual-staging/internal/provider"
	"virtual-staging/internal/store/memory"
)

type stubSync struct {
	id         string
	configured bool
	mu         sync.Mutex
	result     provider.SyncResult
	calls      int
}

func (s *stubSync) ID() string                          { return s.id }
func (s *stubSync) Capabilities() provider.Capabilities { return provider.Capabilities{Sync: true} }
func (s *stubSync) BaselineDuration() time.Duration     { return 10 * time.Second }
func (s *stubSync) CheckHealth(context.Context) provider.Health {
	return provider.Health{Configured: s.configured, Healthy: true}
}

func (s *stubSync) StageImageSync(_ context.Context, req provider.StageRequest) (provider.SyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(req.Image) == 0 {
		return provider.SyncResult{}, errors.New("empty image")
	}
	return s.result, nil
}

func (s *stubSync) setResult(r provider.SyncResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = r
}

func (s *stubSync) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubAsync struct {
	mu          sync.Mutex
	prediction  provider.Prediction
	webhookURL  string
	statusCalls int
	statusErr   error
}

func (a *stubAsync) ID() string                          { return "async" }
func (a *stubAsync) Capabilities() provider.Capabilities { return provider.Capabilities{Async: true} }
func (a *stubAsync) BaselineDuration() time.Duration     { return 45 * time.Second }
func (a *stubAsync) CheckHealth(context.Context) provider.Health {
	return provider.Health{Configured: true, Healthy: true}
}

func (a *stubAsync) StageImageAsync(_ context.Context, _ provider.StageRequest, webhookURL string) (provider.AsyncHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.webhookURL = webhookURL
	return provider.AsyncHandle{PredictionID: "pred-1"}, nil
}

func (a *stubAsync) PredictionStatus(_ context.Context, externalID string) (provider.Prediction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCalls++
	if a.statusErr != nil {
		return provider.Prediction{}, a.statusErr
	}
	p := a.prediction
	p.ID = externalID
	return p, nil
}

// objectStore doubles as uploader and fetcher so uploaded originals can be fetched back.
type objectStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	failStaged  bool
	uploadCount int
}

func newObjectStore() *objectStore {
	return &objectStore{objects: make(map[string][]byte)}
}

func (o *objectStore) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.failStaged && strings.HasPrefix(key, "staged/") {
		return "", errors.New("bucket unavailable")
	}
	o.uploadCount++
	ref := "mem://" + key
	o.objects[ref] = append([]byte(nil), body...)
	return ref, nil
}

func (o *objectStore) Fetch(_ context.Context, url string) ([]byte, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.objects[url]
	if !ok {
		return nil, "", fmt.Errorf("object %s not found", url)
	}
	return data, http.DetectContentType(data), nil
}

func (o *objectStore) put(url string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[url] = data
}

type recordingScheduler struct {
	mu        sync.Mutex
	ids       []string
	cancelled []string
}

func (r *recordingScheduler) Schedule(_ context.Context, jobID string, _ int, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, jobID)
	return nil
}

func (r *recordingScheduler) Cancel(_ context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, jobID)
	return nil
}

// barrierSync holds every call until parties calls are in flight, so the
// submissions behind them have all passed the balance check.
type barrierSync struct {
	stubSync
	arrived sync.WaitGroup
}

func newBarrierSync(t *testing.T, parties int) *barrierSync {
	b := &barrierSync{stubSync: stubSync{id: "sync", configured: true, result: successResult(t)}}
	b.arrived.Add(parties)
	return b
}

func (b *barrierSync) StageImageSync(ctx context.Context, req provider.StageRequest) (provider.SyncResult, error) {
	b.arrived.Done()
	b.arrived.Wait()
	return b.stubSync.StageImageSync(ctx, req)
}

type denyThrottle struct{}

func (denyThrottle) AllowPoll(context.Context, string) (bool, error) { return false, nil }

type harness struct {
	svc       *Service
	store     *memory.Store
	objects   *objectStore
	scheduler *recordingScheduler
}

func newHarness(t *testing.T, adapters ...provider.Adapter) *harness {
	t.Helper()
	order := make([]string, 0, len(adapters))
	for _, a := range adapters {
		order = append(order, a.ID())
	}
	st := memory.New()
	objects := newObjectStore()
	sched := &recordingScheduler{}
	svc := NewService(Deps{
		Store:     st,
		Router:    provider.NewRouter(order, zerolog.Nop(), adapters...),
		Uploader:  objects,
		Fetcher:   objects,
		Scheduler: sched,
		Logger:    zerolog.Nop(),
	}, Options{
		JobCreditCost:   1,
		RemixCreditCost: 1,
		FreeRemixLimit:  2,
		PublicBaseURL:   "https://staging.example.com",
		MaxImageEdge:    2048,
	})
	return &harness{svc: svc, store: st, objects: objects, scheduler: sched}
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 16, 12))
	for x := 0; x < 16; x++ {
		for y := 0; y < 12; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 10), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func successResult(t *testing.T) provider.SyncResult {
	return provider.SyncResult{Success: true, ImageData: pngBytes(t), MIMEType: "image/png"}
}

func TestSubmitSyncSuccessCompletesAndCharges(t *testing.T) {
	ctx := context.Background()
	adapter := &stubSync{id: "sync", configured: true, result: successResult(t)}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 5)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "living-room", Style: "modern"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job := res.Job
	if job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
	if job.CreditsUsed != 1 {
		t.Fatalf("credits_used = %d, want 1", job.CreditsUsed)
	}
	if job.StagedImageURL == nil || !strings.HasPrefix(*job.StagedImageURL, "mem://staged/owner-1/") {
		t.Fatalf("unexpected staged url: %v", job.StagedImageURL)
	}
	if !strings.HasPrefix(job.OriginalImageURL, "mem://originals/owner-1/") {
		t.Fatalf("unexpected original url: %s", job.OriginalImageURL)
	}
	if job.Error != nil {
		t.Fatalf("completed job must not carry an error: %s", *job.Error)
	}
	if got := h.store.Balance("owner-1"); got != 4 {
		t.Fatalf("balance = %d, want 4", got)
	}
	notes := h.store.Notifications()
	if len(notes) != 1 || notes[0].Type != "staging_completed" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
	if !strings.Contains(notes[0].Message, "Living Room") {
		t.Fatalf("notification should name the room: %q", notes[0].Message)
	}
	if res.PollURL != "" {
		t.Fatalf("sync jobs need no poll url, got %q", res.PollURL)
	}
}

func TestSubmitRejectsUnknownEnumsBeforeMutation(t *testing.T) {
	ctx := context.Background()
	adapter := &stubSync{id: "sync", configured: true, result: successResult(t)}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 5)

	_, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "garage", Style: "modern"})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "room_type" {
		t.Fatalf("expected room_type validation error, got %v", err)
	}
	_, err = h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bedroom", Style: "baroque"})
	if !errors.As(err, &verr) || verr.Field != "style" {
		t.Fatalf("expected style validation error, got %v", err)
	}
	if adapter.callCount() != 0 || h.objects.uploadCount != 0 {
		t.Fatalf("nothing should be dispatched or uploaded")
	}
	if got := h.store.Balance("owner-1"); got != 5 {
		t.Fatalf("balance changed to %d", got)
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	ctx := context.Background()
	adapter := &stubSync{id: "sync", configured: true, result: successResult(t)}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 0)

	_, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "kitchen", Style: "industrial"})
	var cerr *InsufficientCreditsError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected InsufficientCreditsError, got %v", err)
	}
	if cerr.Required != 1 || cerr.Available != 0 {
		t.Fatalf("unexpected amounts: %+v", cerr)
	}
	if adapter.callCount() != 0 {
		t.Fatalf("adapter must not be called without credits")
	}
}

func TestSubmitVendorFailureLeavesCreditsUntouched(t *testing.T) {
	ctx := context.Background()
	adapter := &stubSync{id: "sync", configured: true, result: provider.SyncResult{Error: "NSFW content detected"}}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bedroom", Style: "coastal"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Job.Status)
	}
	if res.Job.Error == nil || *res.Job.Error != "NSFW content detected" {
		t.Fatalf("error = %v", res.Job.Error)
	}
	if res.Job.CreditsUsed != 0 || res.Job.StagedImageURL != nil {
		t.Fatalf("failed job must not carry credits or image: %+v", res.Job)
	}
	if got := h.store.Balance("owner-1"); got != 3 {
		t.Fatalf("balance = %d, want 3", got)
	}
	notes := h.store.Notifications()
	if len(notes) != 1 || notes[0].Type != "staging_failed" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
}

func TestSubmitNoProviderAvailable(t *testing.T) {
	ctx := context.Background()
	adapter := &stubSync{id: "sync", configured: false}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)

	_, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bedroom", Style: "modern"})
	if !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if h.objects.uploadCount != 0 {
		t.Fatalf("no original should be stored without a provider")
	}
}

func TestSubmitStorageFailureReturnsImageInline(t *testing.T) {
	ctx := context.Background()
	adapter := &stubSync{id: "sync", configured: true, result: successResult(t)}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)
	h.objects.put("https://photos.example.com/room.png", pngBytes(t))
	h.objects.failStaged = true

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", ImageURL: "https://photos.example.com/room.png", RoomType: "bedroom", Style: "modern"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", res.Job.Status)
	}
	if res.Job.StagedImageURL == nil || !strings.HasPrefix(*res.Job.StagedImageURL, "data:image/png;base64,") {
		t.Fatalf("expected inline data uri, got %v", res.Job.StagedImageURL)
	}
}

func TestSubmitSourceFetchFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	adapter := &stubSync{id: "sync", configured: true, result: successResult(t)}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", ImageURL: "https://photos.example.com/missing.png", RoomType: "bedroom", Style: "modern"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != models.StatusFailed || res.Job.Error == nil || !strings.HasPrefix(*res.Job.Error, "fetch source image") {
		t.Fatalf("expected failed job with fetch error, got %+v", res.Job)
	}
	if adapter.callCount() != 0 {
		t.Fatalf("adapter must not run without a source image")
	}
}

func TestSubmitAsyncStaysProcessingUntilWebhook(t *testing.T) {
	ctx := context.Background()
	adapter := &stubAsync{}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "living-room", Style: "scandinavian"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Job.Status != models.StatusProcessing {
		t.Fatalf("status = %s, want processing", res.Job.Status)
	}
	if res.PollURL != "/jobs/"+res.Job.ID {
		t.Fatalf("poll url = %q", res.PollURL)
	}
	if res.Job.ExternalID == nil || *res.Job.ExternalID != "pred-1" {
		t.Fatalf("external id = %v", res.Job.ExternalID)
	}
	if adapter.webhookURL != "https://staging.example.com/webhooks/async" {
		t.Fatalf("webhook url = %q", adapter.webhookURL)
	}
	if got := h.store.Balance("owner-1"); got != 3 {
		t.Fatalf("async submission must not charge yet, balance = %d", got)
	}
	if len(h.scheduler.ids) != 1 || h.scheduler.ids[0] != res.Job.ID {
		t.Fatalf("expected reconcile check scheduled, got %v", h.scheduler.ids)
	}
}

func TestWebhookDuplicateDeliveryChargesOnce(t *testing.T) {
	ctx := context.Background()
	adapter := &stubAsync{}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)
	h.objects.put("https://vendor.example.com/out.png", pngBytes(t))

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "living-room", Style: "modern"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	pred := provider.Prediction{ID: "pred-1", Status: provider.PredictionSucceeded, Output: []string{"https://vendor.example.com/out.png"}}
	for i := 0; i < 2; i++ {
		if err := h.svc.HandleWebhook(ctx, "async", pred); err != nil {
			t.Fatalf("webhook %d: %v", i, err)
		}
	}

	job, err := h.store.GetJob(ctx, "owner-1", res.Job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Status != models.StatusCompleted || job.StagedImageURL == nil {
		t.Fatalf("expected completed job, got %+v", job)
	}
	if got := h.store.Balance("owner-1"); got != 2 {
		t.Fatalf("balance = %d, want exactly one deduction", got)
	}
	if n := len(h.store.Notifications()); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
	if n := len(h.store.Transactions()); n != 1 {
		t.Fatalf("ledger rows = %d, want 1", n)
	}
	if c := h.scheduler.cancelled; len(c) != 1 || c[0] != res.Job.ID {
		t.Fatalf("reconcile check should be dropped once, got %v", c)
	}
}

func TestOverlappingSubmitsOnlyRecordChargesTheLedgerTook(t *testing.T) {
	ctx := context.Background()
	adapter := newBarrierSync(t, 2)
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 1)
	img := pngBytes(t)

	var wg sync.WaitGroup
	jobs := make([]models.StagingJob, 2)
	for i := range jobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: img, RoomType: "bedroom", Style: "modern"})
			if err != nil {
				t.Errorf("submit %d: %v", i, err)
				return
			}
			jobs[i] = res.Job
		}(i)
	}
	wg.Wait()

	charged := 0
	for _, returned := range jobs {
		stored, err := h.store.GetJob(ctx, "owner-1", returned.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if stored.Status != models.StatusCompleted {
			t.Fatalf("job %s status = %s, want completed", stored.ID, stored.Status)
		}
		if stored.CreditsUsed != returned.CreditsUsed {
			t.Fatalf("returned credits_used %d differs from stored %d", returned.CreditsUsed, stored.CreditsUsed)
		}
		charged += stored.CreditsUsed
	}
	if charged != 1 {
		t.Fatalf("sum of credits_used = %d, want 1", charged)
	}
	if got := h.store.Balance("owner-1"); got != 0 {
		t.Fatalf("balance = %d, want 0", got)
	}
	if n := len(h.store.Transactions()); n != charged {
		t.Fatalf("ledger rows = %d, want %d", n, charged)
	}
}

func TestWebhookUnknownPredictionIsAcknowledged(t *testing.T) {
	h := newHarness(t, &stubAsync{})
	err := h.svc.HandleWebhook(context.Background(), "async", provider.Prediction{ID: "someone-else", Status: provider.PredictionSucceeded})
	if err != nil {
		t.Fatalf("expected nil for unknown prediction, got %v", err)
	}
}

func TestWebhookFailureAndIntermediateStatus(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &stubAsync{})
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bathroom", Style: "luxury"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := h.svc.HandleWebhook(ctx, "async", provider.Prediction{ID: "pred-1", Status: provider.PredictionProcessing}); err != nil {
		t.Fatalf("intermediate webhook: %v", err)
	}
	job, _ := h.store.GetJob(ctx, "owner-1", res.Job.ID)
	if job.Status != models.StatusProcessing {
		t.Fatalf("intermediate status must be ignored, got %s", job.Status)
	}

	if err := h.svc.HandleWebhook(ctx, "async", provider.Prediction{ID: "pred-1", Status: provider.PredictionFailed, Error: "model crashed"}); err != nil {
		t.Fatalf("failure webhook: %v", err)
	}
	job, _ = h.store.GetJob(ctx, "owner-1", res.Job.ID)
	if job.Status != models.StatusFailed || job.Error == nil || *job.Error != "model crashed" {
		t.Fatalf("expected failed job, got %+v", job)
	}
	if got := h.store.Balance("owner-1"); got != 3 {
		t.Fatalf("balance = %d, want 3", got)
	}

	// A late success must not resurrect the job.
	_ = h.svc.HandleWebhook(ctx, "async", provider.Prediction{ID: "pred-1", Status: provider.PredictionSucceeded, Output: []string{"x"}})
	job, _ = h.store.GetJob(ctx, "owner-1", res.Job.ID)
	if job.Status != models.StatusFailed || job.StagedImageURL != nil {
		t.Fatalf("terminal job changed: %+v", job)
	}
}

func TestStatusPollFinalizesAndWebhookBecomesNoop(t *testing.T) {
	ctx := context.Background()
	adapter := &stubAsync{prediction: provider.Prediction{Status: provider.PredictionSucceeded, Output: []string{"https://vendor.example.com/out.png"}}}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)
	h.objects.put("https://vendor.example.com/out.png", pngBytes(t))

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bedroom", Style: "bohemian"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, err := h.svc.Status(ctx, "owner-1", res.Job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != models.StatusCompleted || view.ProgressStep != models.StepCompleted || view.StagedImageURL == nil {
		t.Fatalf("expected completed view, got %+v", view)
	}

	pred := provider.Prediction{ID: "pred-1", Status: provider.PredictionSucceeded, Output: []string{"https://vendor.example.com/out.png"}}
	if err := h.svc.HandleWebhook(ctx, "async", pred); err != nil {
		t.Fatalf("webhook: %v", err)
	}
	if got := h.store.Balance("owner-1"); got != 2 {
		t.Fatalf("balance = %d, want 2", got)
	}
	if n := len(h.store.Notifications()); n != 1 {
		t.Fatalf("notifications = %d, want 1", n)
	}
	if c := h.scheduler.cancelled; len(c) != 1 || c[0] != res.Job.ID {
		t.Fatalf("poll completion should drop the reconcile check, got %v", c)
	}
}

func TestStatusPollVendorErrorKeepsStoredState(t *testing.T) {
	ctx := context.Background()
	adapter := &stubAsync{statusErr: errors.New("vendor 502")}
	h := newHarness(t, adapter)
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bedroom", Style: "modern"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, err := h.svc.Status(ctx, "owner-1", res.Job.ID)
	if err != nil {
		t.Fatalf("status should absorb vendor errors: %v", err)
	}
	if view.Status != models.StatusProcessing || adapter.statusCalls != 1 {
		t.Fatalf("status=%s calls=%d, want processing after one vendor call", view.Status, adapter.statusCalls)
	}
	if got := h.store.Balance("owner-1"); got != 3 {
		t.Fatalf("balance = %d, want 3", got)
	}
}

func TestStatusPollRespectsThrottle(t *testing.T) {
	ctx := context.Background()
	adapter := &stubAsync{prediction: provider.Prediction{Status: provider.PredictionSucceeded}}
	h := newHarness(t, adapter)
	h.svc.throttle = denyThrottle{}
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bedroom", Style: "modern"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	view, err := h.svc.Status(ctx, "owner-1", res.Job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Status != models.StatusProcessing || adapter.statusCalls != 0 {
		t.Fatalf("throttled poll must not query vendor: status=%s calls=%d", view.Status, adapter.statusCalls)
	}
	if view.ProgressStep != models.StepPreprocessing && view.ProgressStep != models.StepGenerating {
		t.Fatalf("unexpected progress step %s", view.ProgressStep)
	}
}

func TestStatusHidesOtherOwnersJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &stubSync{id: "sync", configured: true, result: successResult(t)})
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "bedroom", Style: "modern"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.svc.Status(ctx, "owner-2", res.Job.ID); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestExpireStaleFailsWithoutCharging(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &stubAsync{})
	h.store.SetBalance("owner-1", 3)

	res, err := h.svc.Submit(ctx, SubmitRequest{OwnerID: "owner-1", Image: pngBytes(t), RoomType: "outdoor", Style: "farmhouse"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	expired, err := h.svc.ExpireStale(ctx, time.Now().Add(time.Minute), 10, "generation timed out")
	if err != nil {
		t.Fatalf("expire stale: %v", err)
	}
	if len(expired) != 1 || expired[0] != res.Job.ID {
		t.Fatalf("expired = %v", expired)
	}
	job, _ := h.store.GetJob(ctx, "owner-1", res.Job.ID)
	if job.Status != models.StatusFailed || *job.Error != "generation timed out" {
		t.Fatalf("expected timed out job, got %+v", job)
	}
	if applied, _ := h.svc.Expire(ctx, res.Job.ID, "again"); applied {
		t.Fatalf("expiring a terminal job must be a no-op")
	}
	if got := h.store.Balance("owner-1"); got != 3 {
		t.Fatalf("balance = %d, want 3", got)
	}
}
