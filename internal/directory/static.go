package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/wolfman30/flightdesk-ai/internal/messaging"
)

type fixtureFile struct {
	Customers []Customer `yaml:"customers"`
	Bookings  []Booking  `yaml:"bookings"`
}

// Static serves profiles from an in-memory fixture set. It backs local
// development and tests where the hosted entity store is unreachable.
type Static struct {
	mu        sync.RWMutex
	customers map[string]Customer
	bookings  map[string][]Booking
}

func NewStatic(customers []Customer, bookings []Booking) *Static {
	s := &Static{}
	s.replace(customers, bookings)
	return s
}

// LoadStatic reads a YAML fixture file with top-level customers and
// bookings lists.
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("directory: read fixtures: %w", err)
	}
	return ParseStatic(data)
}

func ParseStatic(data []byte) (*Static, error) {
	var f fixtureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("directory: parse fixtures: %w", err)
	}
	return NewStatic(f.Customers, f.Bookings), nil
}

func (s *Static) replace(customers []Customer, bookings []Booking) {
	byPhone := make(map[string]Customer, len(customers))
	for _, c := range customers {
		c.Phone = messaging.NormalizeE164(c.Phone)
		if c.Phone == "" {
			continue
		}
		byPhone[c.Phone] = c
	}
	byCustomer := make(map[string][]Booking)
	for _, b := range bookings {
		byCustomer[b.CustomerID] = append(byCustomer[b.CustomerID], b)
	}
	s.mu.Lock()
	s.customers = byPhone
	s.bookings = byCustomer
	s.mu.Unlock()
}

// Upsert adds or replaces a customer and its bookings.
func (s *Static) Upsert(c Customer, bookings ...Booking) {
	c.Phone = messaging.NormalizeE164(c.Phone)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[c.Phone] = c
	if len(bookings) > 0 {
		s.bookings[c.ID] = append([]Booking(nil), bookings...)
	}
}

func (s *Static) Lookup(_ context.Context, phone string) (Profile, error) {
	phone = messaging.NormalizeE164(phone)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[phone]
	if !ok {
		return Profile{}, nil
	}
	return Profile{
		Customer: &c,
		Bookings: append([]Booking(nil), s.bookings[c.ID]...),
	}, nil
}
