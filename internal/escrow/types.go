package escrow

import (
	"time"

	"github.com/furqan-qadri/BlokRentals/internal/quote"
)

// Status is the release lifecycle state of a locked deposit.
type Status string

const (
	StatusActive           Status = "active"
	StatusPendingReturn    Status = "pending_return"
	StatusReturningDeposit Status = "returning_deposit"
	StatusDepositReturned  Status = "deposit_returned"
)

// Valid reports whether the status is one of the supported lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusPendingReturn, StatusReturningDeposit, StatusDepositReturned:
		return true
	default:
		return false
	}
}

// rank orders the lifecycle so transitions stay monotonic. Active and
// PendingReturn share a rank: both are eligible for the owner's confirm
// action.
func (s Status) rank() int {
	switch s {
	case StatusActive, StatusPendingReturn:
		return 0
	case StatusReturningDeposit:
		return 1
	case StatusDepositReturned:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further action may be taken on the record.
func (s Status) Terminal() bool {
	return s == StatusDepositReturned
}

// RentalAgreement records the parties' intent for a single rental. It is
// immutable once an escrow record has been created from it; changing dates
// requires a new agreement.
type RentalAgreement struct {
	ID            string      `json:"id"`
	ItemID        int         `json:"itemId"`
	ItemName      string      `json:"itemName,omitempty"`
	RenterAccount string      `json:"renterAccount"`
	OwnerAccount  string      `json:"ownerAccount"`
	StartDate     string      `json:"startDate"`
	EndDate       string      `json:"endDate"`
	Quote         quote.Quote `json:"quote"`
}

// Record is the stored state of a single rental's locked deposit.
type Record struct {
	ID           string          `json:"id"`
	Agreement    RentalAgreement `json:"agreement"`
	LockedAmount int64           `json:"lockedAmount"`
	Status       Status          `json:"status"`
	ContractRef  string          `json:"contractRef,omitempty"`
	LastError    string          `json:"lastError,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// AgreementRef is the identifier of the agreement this record settles.
func (r *Record) AgreementRef() string {
	return r.Agreement.ID
}

// Clone returns a copy callers can mutate without touching the stored
// instance.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	return &clone
}
