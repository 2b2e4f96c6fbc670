package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/ghtransport/waytrack/internal/models"
)

const pgUniqueViolation = "23505"

const waybillColumns = `
  waybill_no, dispatch_id, order_id, status,
  origin, destination,
  current_lng, current_lat, location_at,
  estimated_arrival, actual_arrival,
  version, created_at, updated_at`

func (s *Storage) CreateWaybill(ctx context.Context, init models.WaybillInit, now time.Time) (*models.Waybill, error) {
	origin, err := json.Marshal(init.Origin)
	if err != nil {
		return nil, errors.Wrap(err, "marshal origin")
	}
	destination, err := json.Marshal(init.Destination)
	if err != nil {
		return nil, errors.Wrap(err, "marshal destination")
	}

	now = now.UTC()
	_, err = s.db.Exec(ctx, `
INSERT INTO waybills (
  waybill_no, dispatch_id, order_id, status,
  origin, destination,
  estimated_arrival,
  version, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,0,$8,$8)
`, init.WaybillNo, init.DispatchID, init.OrderID, models.WaybillStatusCreated,
		origin, destination, init.EstimatedArrival, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return nil, errors.Wrapf(models.ErrConflict, "waybill %s", init.WaybillNo)
		}
		return nil, errors.Wrap(err, "insert waybill")
	}

	return s.GetWaybill(ctx, init.WaybillNo)
}

func (s *Storage) GetWaybill(ctx context.Context, waybillNo string) (*models.Waybill, error) {
	row := s.db.QueryRow(ctx, `SELECT`+waybillColumns+` FROM waybills WHERE waybill_no = $1`, waybillNo)
	w, err := scanWaybill(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "waybill %s", waybillNo)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select waybill")
	}
	return w, nil
}

// UpdateWaybillStatus — CAS по version. Ноль затронутых строк при живой
// накладной означает проигранную гонку (ErrWriteConflict).
func (s *Storage) UpdateWaybillStatus(ctx context.Context, waybillNo, newStatus string, at time.Time, expectedVersion int64, setActualArrival bool) (*models.Waybill, error) {
	var arrival *time.Time
	if setActualArrival {
		t := at.UTC()
		arrival = &t
	}

	row := s.db.QueryRow(ctx, `
UPDATE waybills
SET
  status = $2,
  actual_arrival = COALESCE(actual_arrival, $3),
  version = version + 1,
  updated_at = now()
WHERE waybill_no = $1 AND version = $4
RETURNING`+waybillColumns+`
`, waybillNo, newStatus, arrival, expectedVersion)
	w, err := scanWaybill(row)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(err, "update waybill status")
	}

	if _, err := s.GetWaybill(ctx, waybillNo); err != nil {
		return nil, err
	}
	return nil, errors.Wrapf(models.ErrWriteConflict, "waybill %s version %d", waybillNo, expectedVersion)
}

// ApplyWaybillLocation обновляет текущую позицию, только если метка
// времени строго новее сохранённой. Один UPDATE, без блокировок: гонки
// между параллельными применениями разруливает сам Postgres.
func (s *Storage) ApplyWaybillLocation(ctx context.Context, waybillNo string, loc models.GeoPoint, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE waybills
SET
  current_lng = $2,
  current_lat = $3,
  location_at = $4,
  updated_at = now()
WHERE waybill_no = $1
  AND (location_at IS NULL OR location_at < $4)
`, waybillNo, loc.Lng, loc.Lat, at.UTC())
	if err != nil {
		return false, errors.Wrap(err, "apply waybill location")
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Либо точка устарела, либо накладной нет — различаем.
	if _, err := s.GetWaybill(ctx, waybillNo); err != nil {
		return false, err
	}
	return false, nil
}

func (s *Storage) ListWaybillsByDispatch(ctx context.Context, dispatchID string, limit, offset int) ([]*models.Waybill, error) {
	return s.listWaybills(ctx, `dispatch_id = $1`, dispatchID, limit, offset)
}

func (s *Storage) ListWaybillsByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.Waybill, error) {
	return s.listWaybills(ctx, `order_id = $1`, orderID, limit, offset)
}

func (s *Storage) ListWaybillsByStatus(ctx context.Context, status string, limit, offset int) ([]*models.Waybill, error) {
	return s.listWaybills(ctx, `status = $1`, status, limit, offset)
}

// ListOverdueWaybills — накладные с просроченным estimated_arrival,
// которые ещё не доставлены и не в EXCEPTION.
func (s *Storage) ListOverdueWaybills(ctx context.Context, now time.Time, limit int) ([]*models.Waybill, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT`+waybillColumns+`
FROM waybills
WHERE estimated_arrival IS NOT NULL
  AND estimated_arrival <= $1
  AND status NOT IN ($2, $3)
ORDER BY estimated_arrival ASC
LIMIT $4
`, now.UTC(), models.WaybillStatusDelivered, models.WaybillStatusException, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select overdue waybills")
	}
	defer rows.Close()
	return collectWaybills(rows)
}

func (s *Storage) listWaybills(ctx context.Context, where string, key string, limit, offset int) ([]*models.Waybill, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT`+waybillColumns+`
FROM waybills
WHERE `+where+`
ORDER BY created_at DESC, waybill_no
LIMIT $2 OFFSET $3
`, key, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select waybills")
	}
	defer rows.Close()
	return collectWaybills(rows)
}

func collectWaybills(rows pgx.Rows) ([]*models.Waybill, error) {
	var out []*models.Waybill
	for rows.Next() {
		w, err := scanWaybill(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan waybill")
		}
		out = append(out, w)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanWaybill(row pgx.Row) (*models.Waybill, error) {
	var w models.Waybill
	var origin, destination []byte
	var lng, lat *float64
	if err := row.Scan(
		&w.WaybillNo, &w.DispatchID, &w.OrderID, &w.Status,
		&origin, &destination,
		&lng, &lat, &w.LocationAt,
		&w.EstimatedArrival, &w.ActualArrival,
		&w.Version, &w.CreatedAt, &w.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(origin, &w.Origin); err != nil {
		return nil, errors.Wrap(err, "unmarshal origin")
	}
	if err := json.Unmarshal(destination, &w.Destination); err != nil {
		return nil, errors.Wrap(err, "unmarshal destination")
	}
	if lng != nil && lat != nil {
		w.CurrentLocation = &models.GeoPoint{Lng: *lng, Lat: *lat}
	}
	return &w, nil
}
