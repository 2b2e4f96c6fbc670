package waybills

import "github.com/ghtransport/waytrack/internal/models"

// Разрешённые переходы статусов. Жизненный цикл только вперёд;
// EXCEPTION доступен из любого нетерминального статуса, возврат из
// EXCEPTION — только в IN_TRANSIT (повторная попытка доставки).
// DELIVERED терминален.
var transitions = map[string][]string{
	models.WaybillStatusCreated:        {models.WaybillStatusPickedUp, models.WaybillStatusException},
	models.WaybillStatusPickedUp:       {models.WaybillStatusInTransit, models.WaybillStatusException},
	models.WaybillStatusInTransit:      {models.WaybillStatusOutForDelivery, models.WaybillStatusDelivered, models.WaybillStatusException},
	models.WaybillStatusOutForDelivery: {models.WaybillStatusDelivered, models.WaybillStatusException},
	models.WaybillStatusDelivered:      {},
	models.WaybillStatusException:      {models.WaybillStatusInTransit},
}

func knownStatus(s string) bool {
	_, ok := transitions[s]
	return ok
}

func canTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
