package messages

import "time"

// TrackReported — сырой пинг из транспортного фида (топик track.reported).
// EventID присваивает фид; по нему повторные доставки схлопываются.
type TrackReported struct {
	EventID    string  `json:"event_id,omitempty"`
	WaybillNo  string  `json:"waybill_no"`
	DispatchID *string `json:"dispatch_id,omitempty"`
	VehicleID  *string `json:"vehicle_id,omitempty"`

	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`

	Speed     *float64 `json:"speed,omitempty"`
	Direction *float64 `json:"direction,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
