package models

import "time"

// Canonical checkpoint labels. A shipment only ever moves to the next
// label in CheckpointOrder; skipping or reordering is rejected by storage.
const (
	CheckpointOrderConfirmed = "Order Confirmed"
	CheckpointPickedUp       = "Picked Up"
	CheckpointInTransit      = "In Transit"
	CheckpointOutForDelivery = "Out for Delivery"
	CheckpointDelivered      = "Delivered"
)

var CheckpointOrder = []string{
	CheckpointOrderConfirmed,
	CheckpointPickedUp,
	CheckpointInTransit,
	CheckpointOutForDelivery,
	CheckpointDelivered,
}

// CheckpointIndex returns the position of label in the canonical
// progression, or -1 for an unknown label.
func CheckpointIndex(label string) int {
	for i, c := range CheckpointOrder {
		if c == label {
			return i
		}
	}
	return -1
}

// NextCheckpoint returns the checkpoint that follows label. ok is false
// for the terminal checkpoint and for unknown labels.
func NextCheckpoint(label string) (next string, ok bool) {
	i := CheckpointIndex(label)
	if i < 0 || i+1 >= len(CheckpointOrder) {
		return "", false
	}
	return CheckpointOrder[i+1], true
}

type Shipment struct {
	ID                uint64
	TrackingNumber    string
	Origin            string
	Destination       string
	Status            string // last completed checkpoint label
	CheckpointIdx     int32  // index of Status in CheckpointOrder
	EstimatedDelivery time.Time
	LastCheckedAt     *time.Time
	NextCheckAt       time.Time
	CheckFailCount    int32
	LastError         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (s *Shipment) Delivered() bool {
	return s.Status == CheckpointDelivered
}

type ShipmentEvent struct {
	ID         uint64
	ShipmentID uint64
	Checkpoint string
	EventTime  time.Time
	Location   string
	CreatedAt  time.Time
}
