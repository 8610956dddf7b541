// Package property stores the slice of listing data the booking engine
// reads: pricing, deposit, and the owning realtor. Listing management
// proper (descriptions, photos, availability calendars) lives in a
// separate system; this catalog only mirrors what a quote needs.
package property

import (
	"context"

	"github.com/stayza/stayza/internal/booking"
)

// ErrNotFound aliases the booking sentinel so handler error mapping
// sees one unknown-property error no matter which store produced it.
var ErrNotFound = booking.ErrPropertyNotFound

// Store reads and writes catalog entries. Every Store also satisfies
// booking.PropertySource.
type Store interface {
	Property(ctx context.Context, id string) (*booking.Property, error)
	Upsert(ctx context.Context, p *booking.Property) error
	List(ctx context.Context, limit int) ([]*booking.Property, error)
}
