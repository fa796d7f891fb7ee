package messages

import "time"

// ShipmentAdvanced is published by the progress worker once per check.
// Either Checkpoint carries the next stage the shipment reached, or Error
// explains why the check failed.
type ShipmentAdvanced struct {
	ShipmentID     uint64 `json:"shipment_id"`
	TrackingNumber string `json:"tracking_number"`

	CheckedAt time.Time `json:"checked_at"`

	Checkpoint string    `json:"checkpoint,omitempty"`
	EventTime  time.Time `json:"event_time,omitzero"`
	Location   string    `json:"location,omitempty"`

	NextCheckAt time.Time `json:"next_check_at"`

	Error *string `json:"error,omitempty"`
}
