package reconciler

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ghtransport/waytrack/internal/broker/messages"
	"github.com/ghtransport/waytrack/internal/models"
)

type fakeTracks struct {
	mu      sync.Mutex
	events  []models.TrackEventInput
	nextErr error
}

func (f *fakeTracks) Append(ctx context.Context, in models.TrackEventInput) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nextErr != nil {
		err := f.nextErr
		return 0, err
	}
	f.events = append(f.events, in)
	return uint64(len(f.events)), nil
}

// fakeWaybills повторяет семантику хранилища: строго более новая метка
// времени выигрывает, атомарно относительно конкурентных вызовов.
type fakeWaybills struct {
	mu    sync.Mutex
	known map[string]bool
	loc   map[string]models.GeoPoint
	locAt map[string]time.Time
}

func newFakeWaybills(nos ...string) *fakeWaybills {
	f := &fakeWaybills{
		known: map[string]bool{},
		loc:   map[string]models.GeoPoint{},
		locAt: map[string]time.Time{},
	}
	for _, n := range nos {
		f.known[n] = true
	}
	return f
}

func (f *fakeWaybills) ApplyLocation(ctx context.Context, waybillNo string, loc models.GeoPoint, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[waybillNo] {
		return false, errors.Wrapf(models.ErrNotFound, "waybill %s", waybillNo)
	}
	if prev, ok := f.locAt[waybillNo]; ok && !prev.Before(at) {
		return false, nil
	}
	f.loc[waybillNo] = loc
	f.locAt[waybillNo] = at
	return true, nil
}

type fakeOverdue struct {
	out []*models.Waybill
	err error
}

func (f *fakeOverdue) ListOverdueWaybills(ctx context.Context, now time.Time, limit int) ([]*models.Waybill, error) {
	return f.out, f.err
}

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	values [][]byte
	ch     chan struct{}
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	f.mu.Lock()
	f.topics = append(f.topics, topic)
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	f.mu.Unlock()
	if f.ch != nil {
		select {
		case f.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

type fakeRL struct {
	mu   sync.Mutex
	seen map[string]int64
}

func (f *fakeRL) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]int64{}
	}
	f.seen[key]++
	return f.seen[key] <= limit, f.seen[key], nil
}

func ping(no string, lng, lat float64, ts int64) messages.TrackReported {
	return messages.TrackReported{
		WaybillNo: no,
		Lng:       lng,
		Lat:       lat,
		Timestamp: time.Unix(ts, 0).UTC(),
	}
}

func TestHandleTrackReported_AppendsAndApplies(t *testing.T) {
	tr := &fakeTracks{}
	wb := newFakeWaybills("WB-001")
	r := New(tr, wb, &fakeOverdue{}, &fakeProducer{}, nil, "waybill.overdue")

	require.NoError(t, r.HandleTrackReported(context.Background(), ping("WB-001", 121.47, 31.23, 100)))
	require.Len(t, tr.events, 1)
	require.Equal(t, models.GeoPoint{Lng: 121.47, Lat: 31.23}, wb.loc["WB-001"])

	st := r.Stats()
	require.Equal(t, int64(1), st.TotalEvents)
	require.Equal(t, int64(1), st.TotalApplied)
}

func TestHandleTrackReported_StaleCounted(t *testing.T) {
	wb := newFakeWaybills("WB-001")
	r := New(&fakeTracks{}, wb, &fakeOverdue{}, &fakeProducer{}, nil, "t")
	ctx := context.Background()

	require.NoError(t, r.HandleTrackReported(ctx, ping("WB-001", 121.47, 31.23, 100)))
	require.NoError(t, r.HandleTrackReported(ctx, ping("WB-001", 121.50, 31.25, 90)))

	require.Equal(t, models.GeoPoint{Lng: 121.47, Lat: 31.23}, wb.loc["WB-001"])
	st := r.Stats()
	require.Equal(t, int64(1), st.TotalApplied)
	require.Equal(t, int64(1), st.TotalStale)
}

func TestHandleTrackReported_UnknownWaybillSkipped(t *testing.T) {
	tr := &fakeTracks{}
	r := New(tr, newFakeWaybills(), &fakeOverdue{}, &fakeProducer{}, nil, "t")

	// Пинг не падает: точка остаётся в логе, накладной ещё нет.
	require.NoError(t, r.HandleTrackReported(context.Background(), ping("WB-404", 1, 2, 100)))
	require.Len(t, tr.events, 1)
	require.Equal(t, int64(1), r.Stats().TotalUnknown)
}

func TestHandleTrackReported_MalformedDropped(t *testing.T) {
	tr := &fakeTracks{nextErr: errors.Wrap(models.ErrRange, "lng 200")}
	r := New(tr, newFakeWaybills(), &fakeOverdue{}, &fakeProducer{}, nil, "t")

	require.NoError(t, r.HandleTrackReported(context.Background(), ping("WB-001", 200, 0, 100)))
	require.Equal(t, int64(1), r.Stats().TotalErrors)
}

func TestHandleTrackReported_StorageErrorRetriable(t *testing.T) {
	tr := &fakeTracks{nextErr: errors.New("pg down")}
	r := New(tr, newFakeWaybills(), &fakeOverdue{}, &fakeProducer{}, nil, "t")

	// Ошибка хранилища должна всплыть, чтобы сообщение не закоммитилось.
	require.Error(t, r.HandleTrackReported(context.Background(), ping("WB-001", 1, 2, 100)))
}

func TestHandleTrackReported_PermutationConvergence(t *testing.T) {
	base := []messages.TrackReported{
		ping("WB-001", 10, 10, 100),
		ping("WB-001", 20, 20, 300),
		ping("WB-001", 30, 30, 200),
		ping("WB-001", 40, 40, 250),
		ping("WB-001", 50, 50, 150),
	}
	want := models.GeoPoint{Lng: 20, Lat: 20} // ts=300

	for i := 0; i < 20; i++ {
		msgs := append([]messages.TrackReported{}, base...)
		rand.Shuffle(len(msgs), func(a, b int) { msgs[a], msgs[b] = msgs[b], msgs[a] })

		wb := newFakeWaybills("WB-001")
		r := New(&fakeTracks{}, wb, &fakeOverdue{}, &fakeProducer{}, nil, "t")
		for _, m := range msgs {
			require.NoError(t, r.HandleTrackReported(context.Background(), m))
		}
		require.Equal(t, want, wb.loc["WB-001"])
		require.Equal(t, time.Unix(300, 0).UTC(), wb.locAt["WB-001"])
	}
}

func TestHandleTrackReported_ConcurrentReverseOrder(t *testing.T) {
	wb := newFakeWaybills("WB-001")
	r := New(&fakeTracks{}, wb, &fakeOverdue{}, &fakeProducer{}, nil, "t")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		ts := int64(1000 + i)
		go func() {
			defer wg.Done()
			_ = r.HandleTrackReported(context.Background(), ping("WB-001", 2, 2, ts+1000))
		}()
		go func() {
			defer wg.Done()
			_ = r.HandleTrackReported(context.Background(), ping("WB-001", 1, 1, ts))
		}()
	}
	wg.Wait()

	require.Equal(t, models.GeoPoint{Lng: 2, Lat: 2}, wb.loc["WB-001"])
	require.Equal(t, time.Unix(2049, 0).UTC(), wb.locAt["WB-001"])
}

func overdueWaybill(no string) *models.Waybill {
	eta := time.Now().UTC().Add(-time.Hour)
	return &models.Waybill{
		WaybillNo:        no,
		DispatchID:       "DSP-1",
		Status:           models.WaybillStatusInTransit,
		EstimatedArrival: &eta,
	}
}

func TestSweepOnce_PublishesOverdueSignal(t *testing.T) {
	p := &fakeProducer{}
	r := New(&fakeTracks{}, newFakeWaybills(), &fakeOverdue{out: []*models.Waybill{overdueWaybill("WB-001")}}, p, &fakeRL{}, "waybill.overdue")

	r.sweepOnce(context.Background())

	require.Equal(t, []string{"waybill.overdue"}, p.topics)
	require.Equal(t, []string{"WB-001"}, p.keys)
	require.Contains(t, string(p.values[0]), `"waybill_no":"WB-001"`)
	require.Equal(t, int64(1), r.Stats().TotalOverdue)
}

func TestSweepOnce_RateLimitSuppressesRepeat(t *testing.T) {
	p := &fakeProducer{}
	ov := &fakeOverdue{out: []*models.Waybill{overdueWaybill("WB-001")}}
	r := New(&fakeTracks{}, newFakeWaybills(), ov, p, &fakeRL{}, "waybill.overdue")

	r.sweepOnce(context.Background())
	r.sweepOnce(context.Background())

	require.Len(t, p.topics, 1)
}

func TestSweepOnce_NoProducerStillCounts(t *testing.T) {
	ov := &fakeOverdue{out: []*models.Waybill{overdueWaybill("WB-001")}}
	r := New(&fakeTracks{}, newFakeWaybills(), ov, nil, nil, "waybill.overdue")

	// Без продюсера просрочка только логируется и считается.
	r.sweepOnce(context.Background())

	require.Equal(t, int64(1), r.Stats().TotalOverdue)
	require.Zero(t, r.Stats().TotalErrors)
}

func TestRun_TriggerForcesSweep(t *testing.T) {
	p := &fakeProducer{ch: make(chan struct{}, 1)}
	r := New(&fakeTracks{}, newFakeWaybills(), &fakeOverdue{out: []*models.Waybill{overdueWaybill("WB-001")}}, p, nil, "waybill.overdue").
		WithSettings(time.Hour, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	r.Trigger()
	select {
	case <-p.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("sweep did not run after Trigger")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
