package checkout

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/furqan-qadri/BlokRentals/internal/escrow"
	"github.com/furqan-qadri/BlokRentals/internal/wallet"
)

var (
	ErrInvalidAmount       = errors.New("amount to lock must be strictly positive")
	ErrIncompleteSelection = errors.New("rental period is incomplete")
	ErrAttemptInFlight     = errors.New("a locking attempt for this agreement is already in flight")
	ErrSettlementTimeout   = errors.New("transaction confirmation timed out")
)

// Stage is where a locking attempt currently stands.
type Stage string

const (
	StageIdle              Stage = "idle"
	StageConnecting        Stage = "connecting"
	StageAwaitingSignature Stage = "awaiting_signature"
	StageSubmitted         Stage = "submitted"
	StageConfirmWait       Stage = "confirm_wait"
	StageVerified          Stage = "verified"
	StageFailed            Stage = "failed"
)

// AttemptStatus is the coarse outcome callers display.
type AttemptStatus string

const (
	AttemptVerifying AttemptStatus = "verifying"
	AttemptVerified  AttemptStatus = "verified"
	AttemptFailed    AttemptStatus = "failed"
)

// Attempt is one snapshot of a locking attempt. It is ephemeral: a retry
// supersedes it entirely.
type Attempt struct {
	Stage         Stage         `json:"stage"`
	Status        AttemptStatus `json:"status"`
	SubmittedHash string        `json:"submittedHash,omitempty"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`
	EscrowID      string        `json:"escrowId,omitempty"`
}

// Terminal reports whether the attempt has concluded.
func (a Attempt) Terminal() bool {
	return a.Status == AttemptVerified || a.Status == AttemptFailed
}

// Config tunes the orchestrator for the escrow contract it locks against.
type Config struct {
	Contract    wallet.ContractAddress
	ReceiveName string
	// ConfirmWait is the settlement window: the fixed wait for agents that
	// cannot poll finality, and the polling ceiling for agents that can.
	ConfirmWait time.Duration
}

// Orchestrator drives one deposit-locking operation per confirmation:
// connect, resolve the signing account, submit the value-locking call, await
// confirmation, and create the escrow record on success. Attempts are
// serialized per agreement.
type Orchestrator struct {
	provider wallet.Provider
	store    escrow.Store
	cfg      Config
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(provider wallet.Provider, store escrow.Store, cfg Config) *Orchestrator {
	if cfg.ReceiveName == "" {
		cfg.ReceiveName = "escrow.deposit"
	}
	return &Orchestrator{
		provider: provider,
		store:    store,
		cfg:      cfg,
		sleep:    sleepCtx,
		inFlight: make(map[string]struct{}),
	}
}

// SetSleepFunc overrides the confirmation wait, for deterministic tests.
func (o *Orchestrator) SetSleepFunc(sleep func(ctx context.Context, d time.Duration) error) {
	if sleep == nil {
		sleep = sleepCtx
	}
	o.sleep = sleep
}

// BeginLock starts one locking attempt and streams its stage snapshots. The
// channel closes after the terminal snapshot. A second call for the same
// agreement while one is in flight fails with ErrAttemptInFlight.
func (o *Orchestrator) BeginLock(ctx context.Context, agreement escrow.RentalAgreement) (<-chan Attempt, error) {
	if agreement.Quote.Days == 0 {
		return nil, ErrIncompleteSelection
	}
	if agreement.Quote.TotalCost <= 0 {
		return nil, ErrInvalidAmount
	}
	if agreement.ID == "" {
		return nil, fmt.Errorf("agreement id is required")
	}

	o.mu.Lock()
	if _, busy := o.inFlight[agreement.ID]; busy {
		o.mu.Unlock()
		return nil, ErrAttemptInFlight
	}
	o.inFlight[agreement.ID] = struct{}{}
	o.mu.Unlock()

	updates := make(chan Attempt, 8)
	go o.run(ctx, agreement, updates)
	return updates, nil
}

// RetryLock re-runs the full protocol from the connect step. No state from
// the failed attempt is reused.
func (o *Orchestrator) RetryLock(ctx context.Context, agreement escrow.RentalAgreement) (<-chan Attempt, error) {
	return o.BeginLock(ctx, agreement)
}

func (o *Orchestrator) run(ctx context.Context, agreement escrow.RentalAgreement, updates chan<- Attempt) {
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, agreement.ID)
		o.mu.Unlock()
		close(updates)
	}()

	emit := func(a Attempt) {
		updates <- a
	}
	fail := func(hash string, err error) {
		log.Printf("lock attempt for agreement %s failed: %v", agreement.ID, err)
		emit(Attempt{Stage: StageFailed, Status: AttemptFailed, SubmittedHash: hash, ErrorMessage: err.Error()})
	}

	emit(Attempt{Stage: StageConnecting, Status: AttemptVerifying})
	if o.provider == nil {
		fail("", wallet.ErrAgentUnavailable)
		return
	}
	conn, err := o.provider.Connect(ctx)
	if err != nil {
		if !errors.Is(err, wallet.ErrAgentUnavailable) {
			err = fmt.Errorf("%w: %v", wallet.ErrAgentUnavailable, err)
		}
		fail("", err)
		return
	}

	account, err := wallet.ResolveAccount(ctx, o.provider, conn)
	if err != nil {
		fail("", err)
		return
	}

	emit(Attempt{Stage: StageAwaitingSignature, Status: AttemptVerifying})
	amount := agreement.Quote.TotalCost
	hash, err := wallet.Submit(ctx, o.provider, account, o.cfg.Contract, o.cfg.ReceiveName, amount)
	if err != nil {
		if !errors.Is(err, wallet.ErrUnsupportedAgent) && !errors.Is(err, wallet.ErrSubmissionRejected) {
			err = fmt.Errorf("%w: %v", wallet.ErrSubmissionRejected, err)
		}
		fail("", err)
		return
	}
	emit(Attempt{Stage: StageSubmitted, Status: AttemptVerifying, SubmittedHash: hash})

	emit(Attempt{Stage: StageConfirmWait, Status: AttemptVerifying, SubmittedHash: hash})
	if err := o.awaitConfirmation(ctx, hash); err != nil {
		fail(hash, err)
		return
	}

	record := &escrow.Record{
		ID:           uuid.NewString(),
		Agreement:    agreement,
		LockedAmount: amount,
		Status:       escrow.StatusActive,
	}
	if err := o.store.Create(ctx, record); err != nil {
		fail(hash, fmt.Errorf("record escrow: %w", err))
		return
	}

	log.Printf("deposit locked for agreement %s: escrow %s, tx %s", agreement.ID, record.ID, hash)
	emit(Attempt{Stage: StageVerified, Status: AttemptVerified, SubmittedHash: hash, EscrowID: record.ID})
}

// awaitConfirmation polls real transaction status when the agent supports
// it, bounded by the confirmation window; otherwise it waits the fixed
// window, matching agents that offer no status API.
func (o *Orchestrator) awaitConfirmation(ctx context.Context, hash string) error {
	if waiter, ok := o.provider.(wallet.ReceiptWaiter); ok {
		waitCtx := ctx
		if o.cfg.ConfirmWait > 0 {
			var cancel context.CancelFunc
			waitCtx, cancel = context.WithTimeout(ctx, o.cfg.ConfirmWait)
			defer cancel()
		}
		if err := waiter.WaitForReceipt(waitCtx, hash); err != nil {
			return fmt.Errorf("%w: %v", ErrSettlementTimeout, err)
		}
		return nil
	}
	return o.sleep(ctx, o.cfg.ConfirmWait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
