package waybills

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/ghtransport/waytrack/internal/cache"
	"github.com/ghtransport/waytrack/internal/idgen"
	"github.com/ghtransport/waytrack/internal/models"
)

type Repository interface {
	CreateWaybill(ctx context.Context, init models.WaybillInit, now time.Time) (*models.Waybill, error)
	GetWaybill(ctx context.Context, waybillNo string) (*models.Waybill, error)
	UpdateWaybillStatus(ctx context.Context, waybillNo, newStatus string, at time.Time, expectedVersion int64, setActualArrival bool) (*models.Waybill, error)
	ApplyWaybillLocation(ctx context.Context, waybillNo string, loc models.GeoPoint, at time.Time) (bool, error)
	ListWaybillsByDispatch(ctx context.Context, dispatchID string, limit, offset int) ([]*models.Waybill, error)
	ListWaybillsByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.Waybill, error)
	ListWaybillsByStatus(ctx context.Context, status string, limit, offset int) ([]*models.Waybill, error)
}

// Паузы между повторами CAS-апдейта статуса.
var retryBackoff = []time.Duration{
	5 * time.Millisecond,
	15 * time.Millisecond,
	40 * time.Millisecond,
	100 * time.Millisecond,
}

type Service struct {
	repo       Repository
	cache      cache.BytesCache
	currentTTL time.Duration
	maxRetries int
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
}

func New(repo Repository, c cache.BytesCache, currentTTL time.Duration, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &Service{
		repo:       repo,
		cache:      c,
		currentTTL: currentTTL,
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Create регистрирует накладную. Пустой waybillNo генерируется
// (формат WB + дата + номер). Дубликат номера — ErrConflict.
func (s *Service) Create(ctx context.Context, init models.WaybillInit) (*models.Waybill, error) {
	if init.DispatchID == "" {
		return nil, errors.Wrap(models.ErrValidation, "dispatchId is required")
	}
	if init.WaybillNo == "" {
		init.WaybillNo = idgen.NewWaybillNo()
	}

	w, err := s.repo.CreateWaybill(ctx, init, s.now())
	if err != nil {
		return nil, err
	}
	s.cacheCurrent(ctx, w)
	return w, nil
}

func (s *Service) Get(ctx context.Context, waybillNo string) (*models.Waybill, error) {
	if waybillNo == "" {
		return nil, errors.Wrap(models.ErrValidation, "waybillNo is required")
	}

	if s.cacheEnabled() {
		if b, ok, err := s.cache.Get(ctx, currentKey(waybillNo)); err == nil && ok {
			var w models.Waybill
			if json.Unmarshal(b, &w) == nil {
				return &w, nil
			}
		}
	}

	w, err := s.repo.GetWaybill(ctx, waybillNo)
	if err != nil {
		return nil, err
	}
	s.cacheCurrent(ctx, w)
	return w, nil
}

// TransitionStatus меняет статус по машине состояний. Проигранная гонка
// по version перечитывается и повторяется ограниченное число раз.
func (s *Service) TransitionStatus(ctx context.Context, waybillNo, newStatus string, at time.Time) (*models.Waybill, error) {
	if waybillNo == "" {
		return nil, errors.Wrap(models.ErrValidation, "waybillNo is required")
	}
	if !knownStatus(newStatus) {
		return nil, errors.Wrapf(models.ErrValidation, "unknown status %q", newStatus)
	}
	if at.IsZero() {
		at = s.now()
	}

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		w, err := s.repo.GetWaybill(ctx, waybillNo)
		if err != nil {
			return nil, err
		}
		if w.Terminal() {
			return nil, errors.Wrapf(models.ErrTerminalState, "waybill %s is %s", waybillNo, w.Status)
		}
		if !canTransition(w.Status, newStatus) {
			return nil, errors.Wrapf(models.ErrInvalidTransition, "%s -> %s", w.Status, newStatus)
		}

		setArrival := newStatus == models.WaybillStatusDelivered
		updated, err := s.repo.UpdateWaybillStatus(ctx, waybillNo, newStatus, at, w.Version, setArrival)
		if err == nil {
			// Del, а не Set: параллельный ApplyLocation мог уже изменить
			// позицию, и снимок из этой горутины её бы затёр до конца TTL.
			s.invalidateCurrent(ctx, waybillNo)
			return updated, nil
		}
		if !errors.Is(err, models.ErrWriteConflict) {
			return nil, err
		}

		slog.Debug("status transition lost version race, retrying",
			"waybill_no", waybillNo, "attempt", attempt+1)
		if err := s.sleep(ctx, retryBackoff[min(attempt, len(retryBackoff)-1)]); err != nil {
			return nil, err
		}
	}

	return nil, errors.Wrapf(models.ErrConcurrencyExhausted, "waybill %s after %d attempts", waybillNo, s.maxRetries)
}

// ApplyLocation применяет точку трека к текущей позиции. false без
// ошибки означает, что точка устарела и проигнорирована.
func (s *Service) ApplyLocation(ctx context.Context, waybillNo string, loc models.GeoPoint, at time.Time) (bool, error) {
	if waybillNo == "" {
		return false, errors.Wrap(models.ErrValidation, "waybillNo is required")
	}
	if at.IsZero() {
		return false, errors.Wrap(models.ErrValidation, "timestamp is required")
	}
	if loc.Lng < -180 || loc.Lng > 180 {
		return false, errors.Wrapf(models.ErrRange, "lng %v", loc.Lng)
	}
	if loc.Lat < -90 || loc.Lat > 90 {
		return false, errors.Wrapf(models.ErrRange, "lat %v", loc.Lat)
	}

	applied, err := s.repo.ApplyWaybillLocation(ctx, waybillNo, loc, at)
	if err != nil {
		return false, err
	}
	if !applied {
		slog.Debug("stale location ignored", "waybill_no", waybillNo, "ts", at)
		return false, nil
	}

	// Кэшированное текущее состояние устарело; проще инвалидировать,
	// чем собирать его из частичного апдейта.
	s.invalidateCurrent(ctx, waybillNo)
	return true, nil
}

func (s *Service) ListByDispatch(ctx context.Context, dispatchID string, limit, offset int) ([]*models.Waybill, error) {
	if dispatchID == "" {
		return nil, errors.Wrap(models.ErrValidation, "dispatchId is required")
	}
	return s.repo.ListWaybillsByDispatch(ctx, dispatchID, limit, offset)
}

func (s *Service) ListByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.Waybill, error) {
	if orderID == "" {
		return nil, errors.Wrap(models.ErrValidation, "orderId is required")
	}
	return s.repo.ListWaybillsByOrder(ctx, orderID, limit, offset)
}

func (s *Service) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*models.Waybill, error) {
	if !knownStatus(status) {
		return nil, errors.Wrapf(models.ErrValidation, "unknown status %q", status)
	}
	return s.repo.ListWaybillsByStatus(ctx, status, limit, offset)
}

func (s *Service) cacheEnabled() bool {
	return s.cache != nil && s.currentTTL > 0
}

func (s *Service) cacheCurrent(ctx context.Context, w *models.Waybill) {
	if !s.cacheEnabled() || w == nil {
		return
	}
	b, err := json.Marshal(w)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, currentKey(w.WaybillNo), b, s.currentTTL)
}

func (s *Service) invalidateCurrent(ctx context.Context, waybillNo string) {
	if s.cacheEnabled() {
		_ = s.cache.Del(ctx, currentKey(waybillNo))
	}
}

func currentKey(waybillNo string) string {
	return fmt.Sprintf("waybill:%s:current", waybillNo)
}
