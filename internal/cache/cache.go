package cache

import (
	"context"
	"time"
)

// BytesCache — кэш "как есть" байтов. Best-effort: промах или ошибка
// кэша никогда не фатальны для вызывающего кода.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}
