package pgstore

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/ghtransport/waytrack/internal/models"
)

// AppendTrackEvent пишет точку трека. Повтор event_id не создаёт вторую
// строку и возвращает id уже записанной.
func (s *Storage) AppendTrackEvent(ctx context.Context, in models.TrackEventInput, createdAt time.Time) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO transport_track (
  event_id, waybill_no, dispatch_id, vehicle_id,
  lng, lat, speed, direction, accuracy,
  ts, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (event_id) DO NOTHING
RETURNING id
`, in.EventID, in.WaybillNo, in.DispatchID, in.VehicleID,
		in.Location.Lng, in.Location.Lat, in.Speed, in.Direction, in.Accuracy,
		in.Timestamp.UTC(), createdAt.UTC()).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrap(err, "insert track event")
	}

	// Duplicate delivery: the row is already there.
	err = s.db.QueryRow(ctx, `SELECT id FROM transport_track WHERE event_id = $1`, in.EventID).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "select existing track event")
	}
	return id, nil
}

func (s *Storage) ListTrackByWaybill(ctx context.Context, waybillNo string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	return s.listTrack(ctx, `waybill_no = $1`, waybillNo, tr, limit, offset)
}

func (s *Storage) ListTrackByVehicle(ctx context.Context, vehicleID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	return s.listTrack(ctx, `vehicle_id = $1`, vehicleID, tr, limit, offset)
}

func (s *Storage) ListTrackByDispatch(ctx context.Context, dispatchID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	return s.listTrack(ctx, `dispatch_id = $1`, dispatchID, tr, limit, offset)
}

func (s *Storage) listTrack(ctx context.Context, where string, key string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}

	from := tr.From.UTC()
	to := tr.To.UTC()
	if tr.To.IsZero() {
		// Открытая правая граница.
		to = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, event_id, waybill_no, dispatch_id, vehicle_id,
  lng, lat, speed, direction, accuracy,
  ts, created_at
FROM transport_track
WHERE `+where+`
  AND ts >= $2 AND ts <= $3
ORDER BY ts ASC, id ASC
LIMIT $4 OFFSET $5
`, key, from, to, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select track events")
	}
	defer rows.Close()

	var out []*models.TrackEvent
	for rows.Next() {
		var e models.TrackEvent
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.WaybillNo, &e.DispatchID, &e.VehicleID,
			&e.Location.Lng, &e.Location.Lat, &e.Speed, &e.Direction, &e.Accuracy,
			&e.Timestamp, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan track event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
