// Package window provides the dispute-window read-model.
//
// A window is anchored to a trigger event (check-in confirmation for the
// guest window, checkout for the realtor window), has a fixed deadline
// set once and never recomputed, and can be opened exactly once before
// the deadline. Expiry is a pure time comparison; acting on an expiry is
// the caller's job and must be guarded by its own transactional state
// check.
package window

import "time"

// Descriptor is the persisted shape of a dispute window.
type Descriptor struct {
	Deadline time.Time
	Opened   bool
}

// Status is the window state at a given instant.
type Status struct {
	Deadline time.Time `json:"deadline"`
	Expired  bool      `json:"expired"`
	Opened   bool      `json:"opened"`
	CanOpen  bool      `json:"canOpen"`
}

// At evaluates the window at the given instant.
func (d Descriptor) At(now time.Time) Status {
	expired := !now.Before(d.Deadline)
	return Status{
		Deadline: d.Deadline,
		Expired:  expired,
		Opened:   d.Opened,
		CanOpen:  !d.Opened && !expired,
	}
}

// Open anchors a window: deadline = trigger + duration.
func Open(trigger time.Time, duration time.Duration) Descriptor {
	return Descriptor{Deadline: trigger.Add(duration)}
}
