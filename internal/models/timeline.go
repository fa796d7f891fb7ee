package models

import "time"

// TimelineEvent is one checkpoint on a shipment timeline. Completed
// entries carry the recorded time and location; pending entries are
// placeholders for the remaining progression.
type TimelineEvent struct {
	Status    string     `json:"status"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Location  string     `json:"location,omitempty"`
	Completed bool       `json:"completed"`
}

// Timeline always lists the full checkpoint progression: a contiguous
// completed=true prefix followed by completed=false placeholders.
// CurrentStatus equals the last completed checkpoint.
type Timeline struct {
	TrackingNumber    string          `json:"trackingNumber"`
	CurrentStatus     string          `json:"currentStatus"`
	EstimatedDelivery string          `json:"estimatedDelivery"`
	Events            []TimelineEvent `json:"events"`
}
