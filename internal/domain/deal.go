package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// DealStatus represents the lifecycle of an escrow deal.
type DealStatus int

const (
	StatusCreated DealStatus = iota
	StatusFunded
	StatusSettled
	StatusDisputed
	StatusTimedOut
	StatusCancelled
)

var statusNames = [...]string{
	StatusCreated:   "CREATED",
	StatusFunded:    "FUNDED",
	StatusSettled:   "SETTLED",
	StatusDisputed:  "DISPUTED",
	StatusTimedOut:  "TIMED_OUT",
	StatusCancelled: "CANCELLED",
}

func (s DealStatus) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
	return statusNames[s]
}

// ParseDealStatus is the inverse of String.
func ParseDealStatus(s string) (DealStatus, error) {
	for i, name := range statusNames {
		if name == s {
			return DealStatus(i), nil
		}
	}
	return 0, fmt.Errorf("unknown deal status %q", s)
}

// IsTerminal reports whether no further transition can leave this status.
func (s DealStatus) IsTerminal() bool {
	return s == StatusSettled || s == StatusTimedOut || s == StatusCancelled
}

// Transition names, used in state errors and logs.
const (
	TransitionFund         = "fund"
	TransitionCancel       = "cancel"
	TransitionDispute      = "dispute"
	TransitionSettle       = "settle"
	TransitionSettleSwap   = "settle_with_hook"
	TransitionClaimTimeout = "claim_timeout"
)

// MaxSplit is the upper bound for YieldSplitCounterparty (percent).
const MaxSplit = 100

// Deal is a single escrow agreement between a depositor and a counterparty.
type Deal struct {
	ID                     uint64
	Depositor              common.Address
	Counterparty           common.Address
	Principal              *uint256.Int
	YieldSplitCounterparty uint8 // percent of yield for the counterparty
	Status                 DealStatus
	TimeoutDuration        time.Duration
	TermsCommitment        common.Hash
	CreatedAt              time.Time
	FundedAt               *time.Time
	DisputedAt             *time.Time
	ClosedAt               *time.Time // set on the terminal transition
}

// Clone returns a deep copy safe to hand outside the ledger.
func (d Deal) Clone() Deal {
	c := d
	if d.Principal != nil {
		c.Principal = new(uint256.Int).Set(d.Principal)
	}
	c.FundedAt = cloneTime(d.FundedAt)
	c.DisputedAt = cloneTime(d.DisputedAt)
	c.ClosedAt = cloneTime(d.ClosedAt)
	return c
}

// IsParty reports whether addr is the depositor or the counterparty.
func (d Deal) IsParty(addr common.Address) bool {
	return addr == d.Depositor || addr == d.Counterparty
}

// TimeoutAt returns when a disputed deal may be claimed back, or the zero
// time if the deal was never disputed.
func (d Deal) TimeoutAt() time.Time {
	if d.DisputedAt == nil {
		return time.Time{}
	}
	return d.DisputedAt.Add(d.TimeoutDuration)
}

// Custody returns the per-deal custody account under the given escrow.
func (d Deal) Custody(escrow common.Address) common.Address {
	return CustodyAccount(escrow, d.ID)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
