package idgen

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Бизнес-номера: префикс + дата + порядковый номер (8 знаков с нулями).
// Счётчик стартует со случайного значения, чтобы номера из разных
// процессов не совпадали.
var seq atomic.Uint64

func init() {
	seq.Store(uint64(rand.Int63n(10_000_000)))
}

func bizCode(prefix string) string {
	n := seq.Add(1) % 100_000_000
	return fmt.Sprintf("%s%s%08d", prefix, time.Now().UTC().Format("20060102"), n)
}

func NewWaybillNo() string {
	return bizCode("WB")
}

// NewEventID выдаёт идемпотентный ключ для точки трека.
func NewEventID() string {
	return uuid.NewString()
}
