// Package directory is the read-only view of customers and bookings kept
// by the agency's hosted entity store.
package directory

import (
	"context"
	"sort"
	"time"
)

// BookingStatus mirrors the booking lifecycle of the entity store.
type BookingStatus string

const (
	StatusPendingPayment BookingStatus = "pending_payment"
	StatusPaid           BookingStatus = "paid"
	StatusPendingIssue   BookingStatus = "pending_issue"
	StatusIssued         BookingStatus = "issued"
	StatusCompleted      BookingStatus = "completed"
	StatusCancelled      BookingStatus = "cancelled"
	StatusRefunded       BookingStatus = "refunded"
)

// Active reports whether the booking is still in flight.
func (s BookingStatus) Active() bool {
	switch s {
	case StatusPendingPayment, StatusPaid, StatusPendingIssue, StatusIssued:
		return true
	}
	return false
}

// ProviderActionable reports whether a provider can still act on the
// booking (change, cancel, reissue).
func (s BookingStatus) ProviderActionable() bool {
	switch s {
	case StatusPaid, StatusPendingIssue, StatusIssued:
		return true
	}
	return false
}

// Customer is a registered account holder.
type Customer struct {
	ID    string `json:"id" yaml:"id"`
	Phone string `json:"phone" yaml:"phone"`
	Name  string `json:"full_name" yaml:"name"`
}

// Provider is the agency partner that issued a booking.
type Provider struct {
	Name  string `json:"name" yaml:"name"`
	Phone string `json:"phone" yaml:"phone"`
	Email string `json:"email" yaml:"email"`
}

// Booking is one reservation as seen by the conversation core.
type Booking struct {
	Ref          string        `json:"booking_ref" yaml:"ref"`
	CustomerID   string        `json:"customer_id" yaml:"customer_id"`
	FromCity     string        `json:"from_city" yaml:"from"`
	ToCity       string        `json:"to_city" yaml:"to"`
	Status       BookingStatus `json:"status" yaml:"status"`
	TicketNumber string        `json:"ticket_number" yaml:"ticket"`
	Provider     Provider      `json:"provider" yaml:"provider"`
	DepartureAt  time.Time     `json:"departure_at" yaml:"departure_at"`
	CreatedAt    time.Time     `json:"created_date" yaml:"created_at"`
}

// Route renders "FROM → TO" for replies and handoffs.
func (b Booking) Route() string {
	if b.FromCity == "" && b.ToCity == "" {
		return ""
	}
	return b.FromCity + " → " + b.ToCity
}

// Profile is everything the core needs to know about a phone number.
type Profile struct {
	Customer *Customer
	Bookings []Booking
}

// Registered reports whether the phone belongs to an account holder.
func (p Profile) Registered() bool {
	return p.Customer != nil
}

// HasPriorBookings reports whether the customer booked before.
func (p Profile) HasPriorBookings() bool {
	return len(p.Bookings) > 0
}

// LatestActive returns the most recent active booking, if any.
func (p Profile) LatestActive() (Booking, bool) {
	return LatestActive(p.Bookings)
}

// Latest returns the most recently created booking, if any.
func (p Profile) Latest() (Booking, bool) {
	if len(p.Bookings) == 0 {
		return Booking{}, false
	}
	sorted := sortedByCreated(p.Bookings)
	return sorted[0], true
}

// Find returns the booking with ref.
func (p Profile) Find(ref string) (Booking, bool) {
	for _, b := range p.Bookings {
		if b.Ref == ref {
			return b, true
		}
	}
	return Booking{}, false
}

// LatestActive picks the newest booking whose status is still active.
func LatestActive(bookings []Booking) (Booking, bool) {
	for _, b := range sortedByCreated(bookings) {
		if b.Status.Active() {
			return b, true
		}
	}
	return Booking{}, false
}

func sortedByCreated(bookings []Booking) []Booking {
	out := make([]Booking, len(bookings))
	copy(out, bookings)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Directory looks up a phone number. An unknown phone yields an empty
// Profile and a nil error.
type Directory interface {
	Lookup(ctx context.Context, phone string) (Profile, error)
}
