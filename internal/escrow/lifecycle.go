package escrow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrReturnInProgress = errors.New("deposit return already in progress")
	ErrAlreadyReturned  = errors.New("deposit already returned")
)

// Releaser performs the settlement that hands a locked deposit back and
// yields the release contract reference.
type Releaser interface {
	Release(ctx context.Context, record *Record) (string, error)
}

// ReleaserFunc adapts a function to the Releaser interface.
type ReleaserFunc func(ctx context.Context, record *Record) (string, error)

func (f ReleaserFunc) Release(ctx context.Context, record *Record) (string, error) {
	return f(ctx, record)
}

// RetryPolicy bounds how settlement submissions are retried before the
// record is reverted to PendingReturn.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
}

// ControllerConfig tunes the lifecycle controller. The zero value gets a
// reference-generating releaser, no delay, and a single settlement attempt.
type ControllerConfig struct {
	Releaser     Releaser
	ReleaseDelay time.Duration
	Retry        RetryPolicy
	// FailureSink is invoked when a settlement exhausts its retries and the
	// record is reverted.
	FailureSink func(record *Record, err error)
}

// Controller applies the only legal transitions to escrow records and owns
// the asynchronous settlement that follows an owner's return confirmation.
type Controller struct {
	store       Store
	releaser    Releaser
	delay       time.Duration
	retry       RetryPolicy
	failureSink func(record *Record, err error)
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(store Store, cfg ControllerConfig) *Controller {
	releaser := cfg.Releaser
	if releaser == nil {
		releaser = ReleaserFunc(func(context.Context, *Record) (string, error) {
			return uuid.NewString(), nil
		})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:       store,
		releaser:    releaser,
		delay:       cfg.ReleaseDelay,
		retry:       cfg.Retry,
		failureSink: cfg.FailureSink,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetFailureSink configures the hook invoked after a settlement is reverted.
// Wire it before serving traffic.
func (c *Controller) SetFailureSink(sink func(record *Record, err error)) {
	c.failureSink = sink
}

// SetNowFunc overrides the time source used by the overdue sweep.
func (c *Controller) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	c.now = now
}

// ConfirmReturn accepts the owner's confirmation that the item came back and
// starts exactly one settlement. Records already settling or settled are
// rejected, not queued. The record is read before the transition: a failed
// read leaves the record untouched, never parked in ReturningDeposit with no
// settlement running.
func (c *Controller) ConfirmReturn(ctx context.Context, id string) error {
	record, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}

	err = c.store.TransitionStatus(ctx, id, StatusReturningDeposit, StatusActive, StatusPendingReturn)
	if errors.Is(err, ErrStatusConflict) {
		return c.classifyConflict(ctx, id)
	}
	if err != nil {
		return err
	}
	record.Status = StatusReturningDeposit

	c.wg.Add(1)
	go c.settle(record)
	return nil
}

func (c *Controller) classifyConflict(ctx context.Context, id string) error {
	record, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == StatusDepositReturned {
		return ErrAlreadyReturned
	}
	return ErrReturnInProgress
}

// settle waits out the settlement delay, runs the releaser with the retry
// budget, and finalises or reverts the record. It runs on the controller's
// root context: only process teardown interrupts it.
func (c *Controller) settle(record *Record) {
	defer c.wg.Done()

	if err := c.wait(c.delay); err != nil {
		c.revert(record, err)
		return
	}

	contractRef, err := c.releaseWithRetry(record)
	if err != nil {
		c.revert(record, err)
		return
	}

	if err := c.store.SetReleased(context.Background(), record.ID, contractRef); err != nil {
		log.Printf("escrow %s: finalise release: %v", record.ID, err)
		return
	}
	log.Printf("escrow %s: deposit returned, contract ref %s", record.ID, contractRef)
}

func (c *Controller) releaseWithRetry(record *Record) (string, error) {
	attempts := c.retry.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := c.retry.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		contractRef, err := c.releaser.Release(c.ctx, record)
		if err == nil {
			return contractRef, nil
		}
		lastErr = err
		if i == attempts {
			break
		}

		sleep := backoff
		if c.retry.MaxBackoff > 0 && sleep > c.retry.MaxBackoff {
			sleep = c.retry.MaxBackoff
		}
		if err := c.wait(sleep); err != nil {
			return "", err
		}
		if c.retry.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(c.retry.BackoffMultiplier)
		}
	}
	return "", fmt.Errorf("settlement failed after %d attempts: %w", attempts, lastErr)
}

func (c *Controller) revert(record *Record, cause error) {
	if err := c.store.SetReturnFailed(context.Background(), record.ID, cause.Error()); err != nil {
		log.Printf("escrow %s: revert after failed settlement: %v", record.ID, err)
		return
	}
	log.Printf("escrow %s: settlement failed, reverted to pending return: %v", record.ID, cause)
	if c.failureSink != nil {
		c.failureSink(record, cause)
	}
}

func (c *Controller) wait(d time.Duration) error {
	if d <= 0 {
		return c.ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// SweepOverdue flags active records whose rental period has ended so they
// show up as pending returns. Returns how many records were flagged.
func (c *Controller) SweepOverdue(ctx context.Context) (int, error) {
	records, err := c.store.List(ctx, ListFilter{Status: StatusActive})
	if err != nil {
		return 0, err
	}

	flagged := 0
	now := c.now()
	for _, record := range records {
		end, err := time.Parse("2006-01-02", record.Agreement.EndDate)
		if err != nil || now.Before(end) {
			continue
		}
		if err := c.store.TransitionStatus(ctx, record.ID, StatusPendingReturn, StatusActive); err != nil {
			continue
		}
		flagged++
	}
	return flagged, nil
}

// Close stops new settlement waits and blocks until in-flight settlements
// have finished or reverted.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}
