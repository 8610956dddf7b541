// Package quote computes the frozen fee breakdown and commission
// snapshot for a booking.
//
// Compute is a pure function: the same inputs always produce the same
// quote, so it serves both live previews and the frozen persistence at
// booking creation. Each fee component is rounded to 2 decimals
// independently rather than derived by subtraction, which keeps the
// total identity exact:
//
//	totalPayable = roomFee + cleaningFee + serviceFee + securityDeposit
//
// The platform fee is never charged to the guest; it is deducted from
// the realtor's room-fee share at release time using the commission
// snapshot frozen here.
package quote

import (
	"errors"

	"github.com/stayza/stayza/internal/money"
)

var (
	ErrInvalidNights = errors.New("nights must be positive")
	ErrInvalidPrice  = errors.New("nightly price must be positive")
)

// Tier reduces the platform commission once a realtor's trailing-month
// confirmed room-fee volume reaches MinVolume.
type Tier struct {
	MinVolume    money.Amount
	ReductionBps int64
}

// Rates carries the fee/commission configuration the calculator applies.
// Tiers must be ordered highest MinVolume first.
type Rates struct {
	PlatformServiceFeeBps int64
	ProcessingFeeBps      map[string]int64 // by processing mode
	DefaultProcessingBps  int64
	BaseCommissionBps     int64
	MinCommissionBps      int64
	Tiers                 []Tier
}

// Input is everything the calculator needs about the stay and realtor.
type Input struct {
	NightlyPrice    money.Amount
	Nights          int64
	CleaningFee     money.Amount
	SecurityDeposit money.Amount
	TrailingVolume  money.Amount // realtor's trailing calendar-month confirmed room-fee volume
	ProcessingMode  string       // gateway processing mode, e.g. "card", "bank"
}

// Snapshot is the commission rate frozen onto the booking. Later changes
// to global rate configuration never alter it.
type Snapshot struct {
	BaseRateBps        int64        `json:"baseRateBps"`
	VolumeReductionBps int64        `json:"volumeReductionBps"`
	EffectiveRateBps   int64        `json:"effectiveRateBps"`
	TrailingVolume     money.Amount `json:"trailingVolume"`
}

// Quote is the frozen fee breakdown.
type Quote struct {
	RoomFee            money.Amount `json:"roomFee"`
	CleaningFee        money.Amount `json:"cleaningFee"`
	SecurityDeposit    money.Amount `json:"securityDeposit"`
	PlatformServiceFee money.Amount `json:"platformServiceFee"`
	ProcessingFee      money.Amount `json:"processingFee"`
	ServiceFee         money.Amount `json:"serviceFee"`
	PlatformFee        money.Amount `json:"platformFee"`
	TotalPayable       money.Amount `json:"totalPayable"`
	Commission         Snapshot     `json:"commission"`
}

// RealtorRoomShare is the realtor's cut of the room fee once released:
// the room fee minus the frozen platform fee.
func (q Quote) RealtorRoomShare() money.Amount {
	return q.RoomFee - q.PlatformFee
}

// Compute calculates a quote. No side effects.
func Compute(in Input, r Rates) (Quote, error) {
	if in.Nights <= 0 {
		return Quote{}, ErrInvalidNights
	}
	if in.NightlyPrice <= 0 {
		return Quote{}, ErrInvalidPrice
	}

	roomFee := in.NightlyPrice.Mul(in.Nights)

	processingBps, ok := r.ProcessingFeeBps[in.ProcessingMode]
	if !ok {
		processingBps = r.DefaultProcessingBps
	}

	// Service fee base is room fee plus cleaning fee; the two components
	// are rounded separately and summed, so their decomposition is exact.
	feeBase := roomFee + in.CleaningFee
	platformComponent := feeBase.Bps(r.PlatformServiceFeeBps)
	processingComponent := feeBase.Bps(processingBps)
	serviceFee := platformComponent + processingComponent

	snap := commission(in.TrailingVolume, r)
	platformFee := roomFee.Bps(snap.EffectiveRateBps)

	return Quote{
		RoomFee:            roomFee,
		CleaningFee:        in.CleaningFee,
		SecurityDeposit:    in.SecurityDeposit,
		PlatformServiceFee: platformComponent,
		ProcessingFee:      processingComponent,
		ServiceFee:         serviceFee,
		PlatformFee:        platformFee,
		TotalPayable:       roomFee + in.CleaningFee + serviceFee + in.SecurityDeposit,
		Commission:         snap,
	}, nil
}

// commission looks up the volume tier and applies the floor.
func commission(volume money.Amount, r Rates) Snapshot {
	var reduction int64
	for _, t := range r.Tiers {
		if volume >= t.MinVolume {
			reduction = t.ReductionBps
			break
		}
	}

	effective := r.BaseCommissionBps - reduction
	if effective < r.MinCommissionBps {
		effective = r.MinCommissionBps
	}
	if effective < 0 {
		effective = 0
	}

	return Snapshot{
		BaseRateBps:        r.BaseCommissionBps,
		VolumeReductionBps: reduction,
		EffectiveRateBps:   effective,
		TrailingVolume:     volume,
	}
}
