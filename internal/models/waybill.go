package models

import "time"

// Статусы жизненного цикла накладной.
const (
	WaybillStatusCreated        = "CREATED"
	WaybillStatusPickedUp       = "PICKED_UP"
	WaybillStatusInTransit      = "IN_TRANSIT"
	WaybillStatusOutForDelivery = "OUT_FOR_DELIVERY"
	WaybillStatusDelivered      = "DELIVERED"
	WaybillStatusException      = "EXCEPTION"
)

type GeoPoint struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

type Address struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Contact string `json:"contact"`
	Phone   string `json:"phone"`
}

type Waybill struct {
	WaybillNo  string
	DispatchID string
	OrderID    *string

	Status string

	Origin      Address
	Destination Address

	CurrentLocation *GeoPoint
	// LocationAt is the event timestamp of the track event CurrentLocation
	// was taken from. It never moves backwards.
	LocationAt *time.Time

	EstimatedArrival *time.Time
	ActualArrival    *time.Time

	// Version is bumped on every status mutation (optimistic concurrency).
	Version int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

type WaybillInit struct {
	WaybillNo        string
	DispatchID       string
	OrderID          *string
	Origin           Address
	Destination      Address
	EstimatedArrival *time.Time
}

func (w *Waybill) Terminal() bool {
	return w.Status == WaybillStatusDelivered
}
