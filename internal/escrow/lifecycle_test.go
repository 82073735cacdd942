package escrow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, store Store, id string, want Status) *Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		record, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if record.Status == want {
			return record
		}
		time.Sleep(2 * time.Millisecond)
	}
	record, _ := store.Get(context.Background(), id)
	t.Fatalf("timed out waiting for %s, record: %+v", want, record)
	return nil
}

func TestConfirmReturnHappyPath(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRecord("esc-1", "agr-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	ctrl := NewController(store, ControllerConfig{ReleaseDelay: 5 * time.Millisecond})
	defer ctrl.Close()

	if err := ctrl.ConfirmReturn(ctx, "esc-1"); err != nil {
		t.Fatalf("confirm return: %v", err)
	}

	// immediately visible processing state, not yet terminal
	record, _ := store.Get(ctx, "esc-1")
	if record.Status != StatusReturningDeposit {
		t.Fatalf("expected returning_deposit right after confirm, got %s", record.Status)
	}

	final := waitForStatus(t, store, "esc-1", StatusDepositReturned)
	if final.ContractRef == "" {
		t.Fatalf("expected a contract ref on the returned record")
	}
}

func TestConfirmReturnFromPendingReturn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestRecord("esc-1", "agr-1"))
	_ = store.TransitionStatus(ctx, "esc-1", StatusPendingReturn, StatusActive)

	ctrl := NewController(store, ControllerConfig{})
	defer ctrl.Close()

	if err := ctrl.ConfirmReturn(ctx, "esc-1"); err != nil {
		t.Fatalf("confirm return from pending: %v", err)
	}
	waitForStatus(t, store, "esc-1", StatusDepositReturned)
}

func TestConfirmReturnDuplicateRunsOneSettlement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestRecord("esc-1", "agr-1"))

	var releases int32
	ctrl := NewController(store, ControllerConfig{
		ReleaseDelay: 20 * time.Millisecond,
		Releaser: ReleaserFunc(func(context.Context, *Record) (string, error) {
			atomic.AddInt32(&releases, 1)
			return "12296", nil
		}),
	})
	defer ctrl.Close()

	if err := ctrl.ConfirmReturn(ctx, "esc-1"); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if err := ctrl.ConfirmReturn(ctx, "esc-1"); !errors.Is(err, ErrReturnInProgress) {
		t.Fatalf("expected ErrReturnInProgress got %v", err)
	}

	final := waitForStatus(t, store, "esc-1", StatusDepositReturned)
	if got := atomic.LoadInt32(&releases); got != 1 {
		t.Fatalf("expected exactly one settlement, got %d", got)
	}
	if final.ContractRef != "12296" {
		t.Fatalf("unexpected contract ref %q", final.ContractRef)
	}

	if err := ctrl.ConfirmReturn(ctx, "esc-1"); !errors.Is(err, ErrAlreadyReturned) {
		t.Fatalf("expected ErrAlreadyReturned on terminal record got %v", err)
	}
}

// flakyGetStore fails a configurable number of reads, emulating a transient
// database outage.
type flakyGetStore struct {
	Store
	failures int32
}

func (f *flakyGetStore) Get(ctx context.Context, id string) (*Record, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, fmt.Errorf("connection reset")
	}
	return f.Store.Get(ctx, id)
}

func TestConfirmReturnReadFailureLeavesRecordConfirmable(t *testing.T) {
	mem := NewMemoryStore()
	ctx := context.Background()
	_ = mem.Create(ctx, newTestRecord("esc-1", "agr-1"))

	store := &flakyGetStore{Store: mem, failures: 1}
	ctrl := NewController(store, ControllerConfig{})
	defer ctrl.Close()

	if err := ctrl.ConfirmReturn(ctx, "esc-1"); err == nil {
		t.Fatalf("expected the transient read failure to surface")
	}

	record, _ := mem.Get(ctx, "esc-1")
	if record.Status != StatusActive {
		t.Fatalf("failed confirm must not move the record, got %s", record.Status)
	}

	if err := ctrl.ConfirmReturn(ctx, "esc-1"); err != nil {
		t.Fatalf("re-confirm after outage: %v", err)
	}
	waitForStatus(t, mem, "esc-1", StatusDepositReturned)
}

func TestConfirmReturnUnknownRecord(t *testing.T) {
	ctrl := NewController(NewMemoryStore(), ControllerConfig{})
	defer ctrl.Close()
	if err := ctrl.ConfirmReturn(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestSettlementFailureRevertsToPendingReturn(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestRecord("esc-1", "agr-1"))

	var sunk atomic.Bool
	ctrl := NewController(store, ControllerConfig{
		Releaser: ReleaserFunc(func(context.Context, *Record) (string, error) {
			return "", fmt.Errorf("node unreachable")
		}),
		Retry: RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		FailureSink: func(record *Record, err error) {
			sunk.Store(true)
		},
	})
	defer ctrl.Close()

	if err := ctrl.ConfirmReturn(ctx, "esc-1"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	final := waitForStatus(t, store, "esc-1", StatusPendingReturn)
	if final.LastError == "" {
		t.Fatalf("expected LastError to carry the settlement failure")
	}
	if final.ContractRef != "" {
		t.Fatalf("failed settlement must not assign a contract ref")
	}
	if !sunk.Load() {
		t.Fatalf("expected failure sink to be notified")
	}

	// owner can confirm again after the revert
	if err := ctrl.ConfirmReturn(ctx, "esc-1"); err != nil {
		t.Fatalf("re-confirm after revert: %v", err)
	}
}

func TestNoDirectActiveToReturned(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestRecord("esc-1", "agr-1"))

	if err := store.SetReleased(ctx, "esc-1", "12296"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("active record must not release directly, got %v", err)
	}
}

func TestSweepOverdueFlagsEndedRentals(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	overdue := newTestRecord("esc-1", "agr-1")
	overdue.Agreement.EndDate = "2025-10-20"
	_ = store.Create(ctx, overdue)

	current := newTestRecord("esc-2", "agr-2")
	current.Agreement.EndDate = "2025-11-30"
	_ = store.Create(ctx, current)

	settling := newTestRecord("esc-3", "agr-3")
	settling.Agreement.EndDate = "2025-10-01"
	_ = store.Create(ctx, settling)
	_ = store.TransitionStatus(ctx, "esc-3", StatusPendingReturn, StatusActive)
	_ = store.TransitionStatus(ctx, "esc-3", StatusReturningDeposit, StatusPendingReturn)

	ctrl := NewController(store, ControllerConfig{})
	defer ctrl.Close()
	ctrl.SetNowFunc(func() time.Time {
		return time.Date(2025, 10, 26, 9, 0, 0, 0, time.UTC)
	})

	flagged, err := ctrl.SweepOverdue(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if flagged != 1 {
		t.Fatalf("expected 1 flagged record got %d", flagged)
	}

	got, _ := store.Get(ctx, "esc-1")
	if got.Status != StatusPendingReturn {
		t.Fatalf("expected overdue rental flagged, got %s", got.Status)
	}
	got, _ = store.Get(ctx, "esc-2")
	if got.Status != StatusActive {
		t.Fatalf("current rental must stay active, got %s", got.Status)
	}
	got, _ = store.Get(ctx, "esc-3")
	if got.Status != StatusReturningDeposit {
		t.Fatalf("sweep must never touch records past active, got %s", got.Status)
	}
}
