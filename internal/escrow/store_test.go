package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/furqan-qadri/BlokRentals/internal/quote"
)

func newTestRecord(id, agreementID string) *Record {
	return &Record{
		ID: id,
		Agreement: RentalAgreement{
			ID:            agreementID,
			ItemID:        1,
			ItemName:      "Professional DSLR Camera",
			RenterAccount: "renter-acct",
			OwnerAccount:  "owner-acct",
			StartDate:     "2025-10-26",
			EndDate:       "2025-10-28",
			Quote:         quote.Calculate(45, 500, "2025-10-26", "2025-10-28"),
		},
		LockedAmount: 590,
		Status:       StatusActive,
	}
}

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	record := newTestRecord("esc-1", "agr-1")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if record.CreatedAt.IsZero() || record.UpdatedAt.IsZero() {
		t.Fatalf("expected timestamps to be assigned")
	}

	got, err := store.Get(ctx, "esc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LockedAmount != 590 || got.Status != StatusActive {
		t.Fatalf("unexpected record: %+v", got)
	}

	// mutating the returned clone must not touch the stored record
	got.Status = StatusDepositReturned
	again, _ := store.Get(ctx, "esc-1")
	if again.Status != StatusActive {
		t.Fatalf("store handed out a live reference")
	}
}

func TestMemoryStoreOneRecordPerAgreement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, newTestRecord("esc-1", "agr-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := store.Create(ctx, newTestRecord("esc-2", "agr-1"))
	if !errors.Is(err, ErrAgreementExists) {
		t.Fatalf("expected ErrAgreementExists got %v", err)
	}
}

func TestMemoryStoreListOrderIsStable(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ids := []string{"esc-a", "esc-b", "esc-c"}
	for i, id := range ids {
		if err := store.Create(ctx, newTestRecord(id, "agr-"+id)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = store.TransitionStatus(ctx, "esc-b", StatusPendingReturn, StatusActive)
	}()

	records, err := store.List(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for i, record := range records {
		if record.ID != ids[i] {
			t.Fatalf("expected creation order %v got %s at %d", ids, record.ID, i)
		}
	}
	<-done
}

func TestMemoryStoreTransitionCompareAndSet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRecord("esc-1", "agr-1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := store.TransitionStatus(ctx, "esc-1", StatusReturningDeposit, StatusActive, StatusPendingReturn); err != nil {
		t.Fatalf("transition: %v", err)
	}

	// losing racer sees a conflict, not a second transition
	err := store.TransitionStatus(ctx, "esc-1", StatusReturningDeposit, StatusActive, StatusPendingReturn)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict got %v", err)
	}

	if err := store.SetReleased(ctx, "esc-1", "12296"); err != nil {
		t.Fatalf("set released: %v", err)
	}
	got, _ := store.Get(ctx, "esc-1")
	if got.Status != StatusDepositReturned || got.ContractRef != "12296" {
		t.Fatalf("unexpected record after release: %+v", got)
	}

	// terminal records never move again
	if err := store.TransitionStatus(ctx, "esc-1", StatusPendingReturn, StatusDepositReturned); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected terminal record to be immovable, got %v", err)
	}
}

func TestTransitionStatusNeverMovesBackwards(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestRecord("esc-1", "agr-1"))
	_ = store.TransitionStatus(ctx, "esc-1", StatusReturningDeposit, StatusActive)

	err := store.TransitionStatus(ctx, "esc-1", StatusActive, StatusReturningDeposit)
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected backward transition to conflict, got %v", err)
	}

	if got := eligibleFrom(StatusActive, []Status{StatusReturningDeposit, StatusDepositReturned}); len(got) != 0 {
		t.Fatalf("expected no eligible origins for a backward move, got %v", got)
	}
	if got := eligibleFrom(StatusReturningDeposit, []Status{StatusActive, StatusPendingReturn}); len(got) != 2 {
		t.Fatalf("expected forward origins to survive, got %v", got)
	}
}

func TestMemoryStoreSetReturnFailed(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if err := store.Create(ctx, newTestRecord("esc-1", "agr-1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.TransitionStatus(ctx, "esc-1", StatusReturningDeposit, StatusActive); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := store.SetReturnFailed(ctx, "esc-1", "node unreachable"); err != nil {
		t.Fatalf("set return failed: %v", err)
	}
	got, _ := store.Get(ctx, "esc-1")
	if got.Status != StatusPendingReturn || got.LastError != "node unreachable" {
		t.Fatalf("unexpected record after revert: %+v", got)
	}
	if got.ContractRef != "" {
		t.Fatalf("revert must not assign a contract ref")
	}
}

func TestMemoryStoreListFilter(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Create(ctx, newTestRecord("esc-1", "agr-1"))
	_ = store.Create(ctx, newTestRecord("esc-2", "agr-2"))
	_ = store.TransitionStatus(ctx, "esc-2", StatusPendingReturn, StatusActive)

	pending, err := store.List(ctx, ListFilter{Status: StatusPendingReturn})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "esc-2" {
		t.Fatalf("unexpected filtered list: %+v", pending)
	}
}

func TestStatusRankMonotonic(t *testing.T) {
	order := []Status{StatusActive, StatusPendingReturn, StatusReturningDeposit, StatusDepositReturned}
	for i := 1; i < len(order); i++ {
		if order[i].rank() < order[i-1].rank() {
			t.Fatalf("%s ranks below %s", order[i], order[i-1])
		}
	}
	if Status("bogus").Valid() {
		t.Fatalf("bogus status must not validate")
	}
	if !StatusDepositReturned.Terminal() || StatusReturningDeposit.Terminal() {
		t.Fatalf("terminal classification wrong")
	}
}

func TestMemoryStoreNowFuncOverride(t *testing.T) {
	store := NewMemoryStore()
	fixed := time.Date(2025, 10, 26, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })

	record := newTestRecord("esc-1", "agr-1")
	if err := store.Create(context.Background(), record); err != nil {
		t.Fatalf("create: %v", err)
	}
	if !record.CreatedAt.Equal(fixed) {
		t.Fatalf("expected fixed timestamp got %v", record.CreatedAt)
	}
}
