package models

import "time"

// TrackEvent — одна точка трека. После записи не меняется и не удаляется.
type TrackEvent struct {
	ID uint64

	// EventID is the feed-assigned idempotency key; replays of the same
	// ping carry the same EventID and collapse into one row.
	EventID string

	WaybillNo  string
	DispatchID *string
	VehicleID  *string

	Location GeoPoint

	Speed     *float64
	Direction *float64
	Accuracy  *float64

	// Timestamp is when the ping was produced; CreatedAt is when it was
	// ingested. Ordering per waybill is by Timestamp.
	Timestamp time.Time
	CreatedAt time.Time
}

type TrackEventInput struct {
	EventID    string
	WaybillNo  string
	DispatchID *string
	VehicleID  *string
	Location   GeoPoint
	Speed      *float64
	Direction  *float64
	Accuracy   *float64
	Timestamp  time.Time
}

// TimeRange ограничивает выборку по timestamp события. Нулевое значение
// границы означает "не ограничено".
type TimeRange struct {
	From time.Time
	To   time.Time
}
