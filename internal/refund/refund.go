// Package refund computes tiered cancellation refund splits.
//
// The engine is a pure read-model: it produces a Calculation value and
// never mutates state. The booking lifecycle applies the result and
// writes the corresponding ledger entries atomically with the CANCELLED
// transition.
//
// Fixed rules regardless of tier:
//   - security deposit: always 100% back to the customer
//   - service fee: never refunded, stays with the platform
//   - cleaning fee: never refunded, already released to the realtor at
//     payment time
package refund

import (
	"time"

	"github.com/stayza/stayza/internal/money"
)

// Tier maps a minimum hours-until-check-in to a room-fee split.
// Splits are basis points and must sum to 10000.
type Tier struct {
	Name        string
	MinHours    float64
	CustomerBps int64
	RealtorBps  int64
	PlatformBps int64
}

// TierNone is reported once the check-in time has passed; cancellation
// is no longer possible.
const TierNone = "NONE"

// Breakdown is the frozen fee breakdown the split is computed from.
type Breakdown struct {
	RoomFee         money.Amount
	CleaningFee     money.Amount
	SecurityDeposit money.Amount
	ServiceFee      money.Amount
}

// Calculation is the tier decision plus per-category amounts.
type Calculation struct {
	Tier              string       `json:"tier"`
	HoursUntilCheckIn float64      `json:"hoursUntilCheckIn"`
	CanCancel         bool         `json:"canCancel"`
	Warning           string       `json:"warning,omitempty"`

	CustomerRoomRefund money.Amount `json:"customerRoomRefund"`
	RealtorRoomShare   money.Amount `json:"realtorRoomShare"`
	PlatformRoomShare  money.Amount `json:"platformRoomShare"`
	DepositRefund      money.Amount `json:"depositRefund"`
	ServiceFeeRetained money.Amount `json:"serviceFeeRetained"`
	CleaningFeeKept    money.Amount `json:"cleaningFeeKept"`

	CustomerTotal money.Amount `json:"customerTotal"`
	RealtorTotal  money.Amount `json:"realtorTotal"`
	PlatformTotal money.Amount `json:"platformTotal"`
}

// Engine evaluates cancellation refunds against a configured tier table.
type Engine struct {
	tiers []Tier // ordered most generous (highest MinHours) first
}

// NewEngine creates a refund engine. Tiers must be ordered highest
// MinHours first and end with a MinHours of 0.
func NewEngine(tiers []Tier) *Engine {
	return &Engine{tiers: tiers}
}

// Compute evaluates the refund for cancelling at cancelAt a stay that
// checks in at checkIn.
func (e *Engine) Compute(b Breakdown, checkIn, cancelAt time.Time) Calculation {
	hours := checkIn.Sub(cancelAt).Hours()

	calc := Calculation{
		HoursUntilCheckIn:  hours,
		ServiceFeeRetained: b.ServiceFee,
		CleaningFeeKept:    b.CleaningFee,
	}

	if hours <= 0 {
		calc.Tier = TierNone
		calc.Warning = "check-in time has passed; the booking can no longer be cancelled"
		return calc
	}

	tier := e.tiers[len(e.tiers)-1]
	for _, t := range e.tiers {
		if hours >= t.MinHours {
			tier = t
			break
		}
	}

	calc.Tier = tier.Name
	calc.CanCancel = true

	calc.CustomerRoomRefund = b.RoomFee.Bps(tier.CustomerBps)
	calc.RealtorRoomShare = b.RoomFee.Bps(tier.RealtorBps)
	// Platform takes the rounding remainder so the three shares always
	// sum to exactly the room fee and the ledger cannot overdraw.
	calc.PlatformRoomShare = b.RoomFee - calc.CustomerRoomRefund - calc.RealtorRoomShare

	calc.DepositRefund = b.SecurityDeposit

	calc.CustomerTotal = calc.CustomerRoomRefund + calc.DepositRefund
	calc.RealtorTotal = calc.RealtorRoomShare + calc.CleaningFeeKept
	calc.PlatformTotal = calc.PlatformRoomShare + calc.ServiceFeeRetained

	if calc.CustomerRoomRefund == 0 {
		calc.Warning = "cancelling now forfeits the entire room fee; only the security deposit is returned"
	}

	return calc
}
