package reconciler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ghtransport/waytrack/internal/broker/messages"
	"github.com/ghtransport/waytrack/internal/models"
)

type TrackStore interface {
	Append(ctx context.Context, in models.TrackEventInput) (uint64, error)
}

type WaybillStore interface {
	ApplyLocation(ctx context.Context, waybillNo string, loc models.GeoPoint, at time.Time) (bool, error)
}

type OverdueLister interface {
	ListOverdueWaybills(ctx context.Context, now time.Time, limit int) ([]*models.Waybill, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Reconciler связывает трек-лог с текущим состоянием накладных:
// каждый принятый пинг дописывается в лог и применяется к накладной
// по правилу "новейшая метка времени выигрывает". Отдельным циклом
// замечает просроченные накладные и шлёт рекомендательный сигнал.
type Reconciler struct {
	tracks   TrackStore
	waybills WaybillStore
	overdue  OverdueLister
	producer Producer
	rl       RateLimiter

	topic string

	sweepInterval time.Duration
	batchSize     int
	signalWindow  time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastSweepUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalEvents         atomic.Int64
	totalApplied        atomic.Int64
	totalStale          atomic.Int64
	totalUnknown        atomic.Int64
	totalOverdue        atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(tracks TrackStore, waybills WaybillStore, overdue OverdueLister, producer Producer, rl RateLimiter, topic string) *Reconciler {
	return &Reconciler{
		tracks:        tracks,
		waybills:      waybills,
		overdue:       overdue,
		producer:      producer,
		rl:            rl,
		topic:         topic,
		sweepInterval: 30 * time.Second,
		batchSize:     200,
		signalWindow:  time.Hour,
		triggerCh:     make(chan struct{}, 1),

		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Reconciler) WithSettings(sweepInterval time.Duration, batchSize int, signalWindow time.Duration) *Reconciler {
	if sweepInterval > 0 {
		r.sweepInterval = sweepInterval
	}
	if batchSize > 0 {
		r.batchSize = batchSize
	}
	if signalWindow > 0 {
		r.signalWindow = signalWindow
	}
	return r
}

// HandleTrackReported обрабатывает один пинг из фида. Ошибка означает
// "не коммитить, доставить повторно"; кривые сообщения и пинги по
// неизвестным накладным не блокируют партицию — логируются и пропускаются.
func (r *Reconciler) HandleTrackReported(ctx context.Context, msg messages.TrackReported) error {
	r.totalEvents.Add(1)

	in := models.TrackEventInput{
		EventID:    msg.EventID,
		WaybillNo:  msg.WaybillNo,
		DispatchID: msg.DispatchID,
		VehicleID:  msg.VehicleID,
		Location:   models.GeoPoint{Lng: msg.Lng, Lat: msg.Lat},
		Speed:      msg.Speed,
		Direction:  msg.Direction,
		Accuracy:   msg.Accuracy,
		Timestamp:  msg.Timestamp,
	}

	if _, err := r.tracks.Append(ctx, in); err != nil {
		if errors.Is(err, models.ErrValidation) || errors.Is(err, models.ErrRange) {
			r.totalErrors.Add(1)
			r.noteError(err)
			slog.Error("dropping malformed track event", "waybill_no", msg.WaybillNo, "error", err.Error())
			return nil
		}
		r.noteError(err)
		return err
	}

	applied, err := r.waybills.ApplyLocation(ctx, msg.WaybillNo, in.Location, msg.Timestamp)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			// Точка в логе остаётся; накладную ещё не завели.
			r.totalUnknown.Add(1)
			slog.Warn("track event for unknown waybill", "waybill_no", msg.WaybillNo)
			return nil
		}
		r.noteError(err)
		return err
	}
	if applied {
		r.totalApplied.Add(1)
	} else {
		r.totalStale.Add(1)
	}
	return nil
}

// Trigger forces an immediate overdue sweep (best-effort, non-blocking).
func (r *Reconciler) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastSweepAt   *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalEvents   int64      `json:"totalEvents"`
	TotalApplied  int64      `json:"totalApplied"`
	TotalStale    int64      `json:"totalStale"`
	TotalUnknown  int64      `json:"totalUnknown"`
	TotalOverdue  int64      `json:"totalOverdue"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (r *Reconciler) Stats() Stats {
	st := Stats{
		StartedAt:    time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalEvents:  r.totalEvents.Load(),
		TotalApplied: r.totalApplied.Load(),
		TotalStale:   r.totalStale.Load(),
		TotalUnknown: r.totalUnknown.Load(),
		TotalOverdue: r.totalOverdue.Load(),
		TotalErrors:  r.totalErrors.Load(),
	}
	if n := r.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

// Run гоняет overdue-сметку по таймеру до отмены контекста.
func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.sweepOnce(ctx)
		case <-r.triggerCh:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	r.lastSweepUnixNano.Store(now.UnixNano())

	items, err := r.overdue.ListOverdueWaybills(ctx, now, r.batchSize)
	if err != nil {
		r.totalErrors.Add(1)
		r.noteError(err)
		slog.Error("list overdue waybills", "error", err.Error())
		return
	}

	for _, w := range items {
		if w.EstimatedArrival == nil {
			continue
		}

		if r.rl != nil {
			allowed, _, err := r.rl.Allow(ctx, "overdue:"+w.WaybillNo, 1, r.signalWindow)
			if err != nil || !allowed {
				continue
			}
		}

		if r.producer != nil {
			msg := messages.WaybillOverdue{
				WaybillNo:        w.WaybillNo,
				DispatchID:       w.DispatchID,
				Status:           w.Status,
				EstimatedArrival: w.EstimatedArrival.UTC(),
				DetectedAt:       now,
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := r.producer.Publish(ctx, r.topic, []byte(w.WaybillNo), b); err != nil {
				r.totalErrors.Add(1)
				r.noteError(err)
				slog.Error("publish overdue signal", "waybill_no", w.WaybillNo, "error", err.Error())
				continue
			}
		}
		r.totalOverdue.Add(1)
		slog.Warn("waybill overdue", "waybill_no", w.WaybillNo, "status", w.Status,
			"estimated_arrival", w.EstimatedArrival.UTC())
	}
}

func (r *Reconciler) noteError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}
