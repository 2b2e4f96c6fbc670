package messages

import "time"

// WaybillOverdue — рекомендательный сигнал (топик waybill.overdue):
// estimated_arrival прошёл, накладная не в терминальном статусе.
// Состояние накладной этот сигнал не меняет.
type WaybillOverdue struct {
	WaybillNo        string    `json:"waybill_no"`
	DispatchID       string    `json:"dispatch_id"`
	Status           string    `json:"status"`
	EstimatedArrival time.Time `json:"estimated_arrival"`
	DetectedAt       time.Time `json:"detected_at"`
}
