package models

// BookingRecord is a single accepted quote request. The booking log is
// append-only: records carry no identifier, are never updated and never
// deleted.
type BookingRecord struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	Weight      string `json:"weight"`
	Date        string `json:"date"`
	Name        string `json:"name"`
	Phone       string `json:"phone"`
}
