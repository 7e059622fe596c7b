package retry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/haivu-dev/beacon/internal/core/domain"
	"github.com/haivu-dev/beacon/internal/destination"
	redisclient "github.com/haivu-dev/beacon/internal/infra/redis"
	"github.com/haivu-dev/beacon/internal/infra/storage"
	"github.com/haivu-dev/beacon/internal/infra/storage/memory"
)

var testFields = []string{"client_id", "event_name"}

// fakeDestination scripts SendEvents responses for worker tests.
type fakeDestination struct {
	respond func(events []domain.Event) ([]domain.ValidationOutcome, error)
	calls   int
	lastDry bool
}

func (d *fakeDestination) Type() string            { return "fake" }
func (d *fakeDestination) Config() json.RawMessage { return json.RawMessage(`{}`) }
func (d *fakeDestination) Fields() []string        { return testFields }

func (d *fakeDestination) SendEvents(
	ctx context.Context,
	events []domain.Event,
	opts destination.SendOptions,
) ([]domain.ValidationOutcome, error) {
	d.calls++
	d.lastDry = opts.DryRun
	return d.respond(events)
}

func allValid(events []domain.Event) ([]domain.ValidationOutcome, error) {
	outcomes := make([]domain.ValidationOutcome, len(events))
	for i, e := range events {
		outcomes[i] = domain.Valid(i, e)
	}
	return outcomes, nil
}

func allFailed(kind domain.ErrorKind) func([]domain.Event) ([]domain.ValidationOutcome, error) {
	return func(events []domain.Event) ([]domain.ValidationOutcome, error) {
		outcomes := make([]domain.ValidationOutcome, len(events))
		for i, e := range events {
			outcomes[i] = domain.Invalid(i, e, &domain.EventError{Kind: kind, Detail: "scripted"})
		}
		return outcomes, nil
	}
}

func testWorker(t *testing.T, fake *fakeDestination) (*Worker, *memory.RetryRepo) {
	t.Helper()
	repo := memory.NewRetryRepo()
	reg := destination.NewRegistry()
	reg.Register("fake", func(cfg json.RawMessage) (destination.Destination, error) {
		return fake, nil
	})
	w := NewWorker(WorkerConfig{}, repo, reg, DefaultBackoff(), nil)
	return w, repo
}

func enqueueDue(t *testing.T, repo *memory.RetryRepo, rows [][]any) *domain.RetryRecord {
	t.Helper()
	data, err := json.Marshal(domain.RetryPayload{Fields: testFields, Rows: rows})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	rec := domain.NewRetryRecord("conn-1", "fake", json.RawMessage(`{}`), data, time.Now().Add(-time.Minute))
	if err := repo.Enqueue(context.Background(), rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return rec
}

// =============================================================================
// Sweep resolution policies
// =============================================================================

func TestSweepDeliveredRecordResolved(t *testing.T) {
	fake := &fakeDestination{respond: allValid}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}, {"c2", "refund"}})
	w.Sweep(context.Background())

	if fake.calls != 1 {
		t.Errorf("expected 1 send, got %d", fake.calls)
	}
	if fake.lastDry {
		t.Error("retry resend must not be a dry run")
	}
	if _, err := repo.Get(context.Background(), rec.UUID); err != storage.ErrNotFound {
		t.Errorf("expected delivered record purged, got %v", err)
	}
}

func TestSweepAllRetriableReschedules(t *testing.T) {
	fake := &fakeDestination{respond: allFailed(domain.KindServerError)}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}})
	w.Sweep(context.Background())

	got, err := repo.Get(context.Background(), rec.UUID)
	if err != nil {
		t.Fatalf("expected record kept: %v", err)
	}
	if got.RetryNum != 1 {
		t.Errorf("expected retry_num 1, got %d", got.RetryNum)
	}
	if !got.NextRun.After(time.Now()) {
		t.Errorf("expected future next_run, got %v", got.NextRun)
	}
	// Payload is never rewritten in place.
	if string(got.Data) != string(rec.Data) {
		t.Error("reschedule must not touch the payload")
	}
}

func TestSweepAllRejectedResolves(t *testing.T) {
	fake := &fakeDestination{respond: allFailed(domain.KindSendRejected)}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}})
	w.Sweep(context.Background())

	if _, err := repo.Get(context.Background(), rec.UUID); err != storage.ErrNotFound {
		t.Errorf("expected rejected record purged, got %v", err)
	}
	pending, err := repo.CountPending(context.Background())
	if err != nil {
		t.Fatalf("CountPending failed: %v", err)
	}
	if pending != 0 {
		t.Errorf("expected no successor for rejected batch, got %d pending", pending)
	}
}

func TestSweepPartialDeliverySupersedes(t *testing.T) {
	// First event delivers, second still owed, third definitively refused.
	fake := &fakeDestination{
		respond: func(events []domain.Event) ([]domain.ValidationOutcome, error) {
			return []domain.ValidationOutcome{
				domain.Valid(0, events[0]),
				domain.Invalid(1, events[1], &domain.EventError{Kind: domain.KindServerError, Detail: "503"}),
				domain.Invalid(2, events[2], &domain.EventError{Kind: domain.KindSendRejected, Detail: "403"}),
			}, nil
		},
	}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{
		{"c1", "purchase"},
		{"c2", "refund"},
		{"c3", "signup"},
	})
	w.Sweep(context.Background())

	if _, err := repo.Get(context.Background(), rec.UUID); err != storage.ErrNotFound {
		t.Fatalf("expected superseded record purged, got %v", err)
	}

	// Exactly one successor holding only the still-owed event.
	later := time.Now().Add(24 * time.Hour)
	due, err := repo.DueRecords(context.Background(), later)
	if err != nil {
		t.Fatalf("DueRecords failed: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("expected 1 successor record, got %d", len(due))
	}
	succ := due[0]
	if succ.UUID == rec.UUID {
		t.Error("successor must be a fresh record")
	}
	if succ.RetryNum != 0 {
		t.Errorf("expected fresh attempt budget, got retry_num %d", succ.RetryNum)
	}
	if succ.ConnectionID != rec.ConnectionID || succ.DestinationType != rec.DestinationType {
		t.Errorf("successor lost provenance: %+v", succ)
	}

	payload, err := domain.DecodeRetryPayload(succ.Data)
	if err != nil {
		t.Fatalf("decode successor payload: %v", err)
	}
	if len(payload.Rows) != 1 {
		t.Fatalf("expected 1 remaining row, got %d", len(payload.Rows))
	}
	if payload.Rows[0][0] != "c2" || payload.Rows[0][1] != "refund" {
		t.Errorf("wrong event in remainder: %v", payload.Rows[0])
	}
}

func TestSweepExhaustedRecordDropped(t *testing.T) {
	fake := &fakeDestination{respond: allValid}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}})
	// Burn through the attempt budget while keeping the record due.
	past := time.Now().Add(-time.Minute)
	for i := 0; i < DefaultBackoff().MaxAttempts; i++ {
		if err := repo.Reschedule(context.Background(), rec.UUID, past); err != nil {
			t.Fatalf("Reschedule failed: %v", err)
		}
	}

	w.Sweep(context.Background())

	if fake.calls != 0 {
		t.Errorf("exhausted record must not be sent, got %d calls", fake.calls)
	}
	if _, err := repo.Get(context.Background(), rec.UUID); err != storage.ErrNotFound {
		t.Errorf("expected exhausted record purged, got %v", err)
	}
}

// =============================================================================
// Sweep failure handling
// =============================================================================

func TestSweepFatalBatchErrorDropsRecord(t *testing.T) {
	fake := &fakeDestination{
		respond: func([]domain.Event) ([]domain.ValidationOutcome, error) {
			return nil, &domain.EventError{Kind: domain.KindDecodeFault, Detail: "missing index"}
		},
	}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}})
	w.Sweep(context.Background())

	if _, err := repo.Get(context.Background(), rec.UUID); err != storage.ErrNotFound {
		t.Errorf("expected record dropped after fatal response, got %v", err)
	}
}

func TestSweepBatchErrorReschedules(t *testing.T) {
	fake := &fakeDestination{
		respond: func([]domain.Event) ([]domain.ValidationOutcome, error) {
			return nil, errors.New("gateway exploded")
		},
	}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}})
	w.Sweep(context.Background())

	got, err := repo.Get(context.Background(), rec.UUID)
	if err != nil {
		t.Fatalf("expected record kept: %v", err)
	}
	if got.RetryNum != 1 {
		t.Errorf("expected retry_num 1, got %d", got.RetryNum)
	}
}

func TestSweepUnknownDestinationDropped(t *testing.T) {
	fake := &fakeDestination{respond: allValid}
	w, repo := testWorker(t, fake)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}})
	rec2 := domain.NewRetryRecord("conn-1", "vanished", nil, rec.Data, time.Now().Add(-time.Minute))
	if err := repo.Enqueue(context.Background(), rec2); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	w.Sweep(context.Background())

	if _, err := repo.Get(context.Background(), rec2.UUID); err != storage.ErrNotFound {
		t.Errorf("expected unbuildable record purged, got %v", err)
	}
	// The healthy record still went out.
	if fake.calls != 1 {
		t.Errorf("expected healthy record sent once, got %d", fake.calls)
	}
}

func TestSweepUndecodablePayloadDropped(t *testing.T) {
	fake := &fakeDestination{respond: allValid}
	w, repo := testWorker(t, fake)

	rec := domain.NewRetryRecord("conn-1", "fake", nil, json.RawMessage(`{"fields":`), time.Now().Add(-time.Minute))
	if err := repo.Enqueue(context.Background(), rec); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	w.Sweep(context.Background())

	if fake.calls != 0 {
		t.Errorf("undecodable record must not be sent, got %d calls", fake.calls)
	}
	if _, err := repo.Get(context.Background(), rec.UUID); err != storage.ErrNotFound {
		t.Errorf("expected record purged, got %v", err)
	}
}

// =============================================================================
// Coordination
// =============================================================================

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	locks, err := redisclient.NewClient(redisclient.Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer locks.Close()

	fake := &fakeDestination{respond: allValid}
	repo := memory.NewRetryRepo()
	reg := destination.NewRegistry()
	reg.Register("fake", func(json.RawMessage) (destination.Destination, error) { return fake, nil })
	w := NewWorker(WorkerConfig{}, repo, reg, DefaultBackoff(), locks)

	rec := enqueueDue(t, repo, [][]any{{"c1", "purchase"}})

	ctx := context.Background()
	held, err := locks.AcquireLock(ctx, sweepLock, time.Minute)
	if err != nil || !held {
		t.Fatalf("pre-acquire failed: ok=%v err=%v", held, err)
	}

	w.Sweep(ctx)
	if fake.calls != 0 {
		t.Errorf("sweep ran while another replica held the lock, %d calls", fake.calls)
	}

	if err := locks.ReleaseLock(ctx, sweepLock); err != nil {
		t.Fatalf("ReleaseLock failed: %v", err)
	}

	w.Sweep(ctx)
	if fake.calls != 1 {
		t.Errorf("expected sweep after release, got %d calls", fake.calls)
	}
	if _, err := repo.Get(ctx, rec.UUID); err != storage.ErrNotFound {
		t.Errorf("expected delivered record purged, got %v", err)
	}

	// The sweep released its own lock on the way out.
	held, err = locks.AcquireLock(ctx, sweepLock, time.Minute)
	if err != nil || !held {
		t.Errorf("expected sweep lock free after sweep: ok=%v err=%v", held, err)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	fake := &fakeDestination{respond: allValid}
	w, _ := testWorker(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}
