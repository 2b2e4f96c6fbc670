package tracks

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/ghtransport/waytrack/internal/idgen"
	"github.com/ghtransport/waytrack/internal/models"
)

type Repository interface {
	AppendTrackEvent(ctx context.Context, in models.TrackEventInput, createdAt time.Time) (uint64, error)
	ListTrackByWaybill(ctx context.Context, waybillNo string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error)
	ListTrackByVehicle(ctx context.Context, vehicleID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error)
	ListTrackByDispatch(ctx context.Context, dispatchID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error)
}

type Service struct {
	repo Repository
	now  func() time.Time
}

func New(repo Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Append валидирует и durable-дописывает точку трека. Повтор одного
// event_id возвращает id уже записанной точки (идемпотентность фида).
func (s *Service) Append(ctx context.Context, in models.TrackEventInput) (uint64, error) {
	if in.WaybillNo == "" {
		return 0, errors.Wrap(models.ErrValidation, "waybillNo is required")
	}
	if in.Timestamp.IsZero() {
		return 0, errors.Wrap(models.ErrValidation, "timestamp is required")
	}
	if err := validatePoint(in.Location); err != nil {
		return 0, err
	}
	if in.EventID == "" {
		in.EventID = idgen.NewEventID()
	}

	return s.repo.AppendTrackEvent(ctx, in, s.now())
}

func (s *Service) QueryByWaybill(ctx context.Context, waybillNo string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	if waybillNo == "" {
		return nil, errors.Wrap(models.ErrValidation, "waybillNo is required")
	}
	return s.repo.ListTrackByWaybill(ctx, waybillNo, tr, limit, offset)
}

func (s *Service) QueryByVehicle(ctx context.Context, vehicleID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	if vehicleID == "" {
		return nil, errors.Wrap(models.ErrValidation, "vehicleId is required")
	}
	return s.repo.ListTrackByVehicle(ctx, vehicleID, tr, limit, offset)
}

func (s *Service) QueryByDispatch(ctx context.Context, dispatchID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	if dispatchID == "" {
		return nil, errors.Wrap(models.ErrValidation, "dispatchId is required")
	}
	return s.repo.ListTrackByDispatch(ctx, dispatchID, tr, limit, offset)
}

func validatePoint(p models.GeoPoint) error {
	if p.Lng < -180 || p.Lng > 180 {
		return errors.Wrapf(models.ErrRange, "lng %v", p.Lng)
	}
	if p.Lat < -90 || p.Lat > 90 {
		return errors.Wrapf(models.ErrRange, "lat %v", p.Lat)
	}
	return nil
}
