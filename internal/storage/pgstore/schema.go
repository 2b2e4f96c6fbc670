package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS transport_track (
  id BIGSERIAL PRIMARY KEY,
  event_id TEXT NOT NULL,
  waybill_no TEXT NOT NULL,
  dispatch_id TEXT NULL,
  vehicle_id TEXT NULL,
  lng DOUBLE PRECISION NOT NULL,
  lat DOUBLE PRECISION NOT NULL,
  speed DOUBLE PRECISION NULL,
  direction DOUBLE PRECISION NULL,
  accuracy DOUBLE PRECISION NULL,
  ts TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		// Повторная доставка того же пинга схлопывается в одну строку.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_transport_track_event_id ON transport_track(event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transport_track_waybill_ts ON transport_track(waybill_no, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_transport_track_dispatch ON transport_track(dispatch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_transport_track_vehicle_ts ON transport_track(vehicle_id, ts DESC)`,
		`
CREATE TABLE IF NOT EXISTS waybills (
  waybill_no TEXT PRIMARY KEY,
  dispatch_id TEXT NOT NULL,
  order_id TEXT NULL,
  status TEXT NOT NULL,
  origin JSONB NOT NULL,
  destination JSONB NOT NULL,
  current_lng DOUBLE PRECISION NULL,
  current_lat DOUBLE PRECISION NULL,
  location_at TIMESTAMPTZ NULL,
  estimated_arrival TIMESTAMPTZ NULL,
  actual_arrival TIMESTAMPTZ NULL,
  version BIGINT NOT NULL DEFAULT 0,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_waybills_dispatch ON waybills(dispatch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_waybills_order ON waybills(order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_waybills_status ON waybills(status)`,
		`CREATE INDEX IF NOT EXISTS idx_waybills_estimated_arrival ON waybills(estimated_arrival)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
