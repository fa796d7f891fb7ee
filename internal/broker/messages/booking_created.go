package messages

import "time"

// BookingCreated is published by the intake service after the booking has
// been made durable. Consumers register a shipment for it.
type BookingCreated struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Weight      string `json:"weight"`
	Date        string `json:"date"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`

	SubmittedAt time.Time `json:"submitted_at"`
}
