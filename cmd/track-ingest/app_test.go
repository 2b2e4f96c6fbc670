package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/ghtransport/waytrack/config"
	"github.com/ghtransport/waytrack/internal/cache"
	"github.com/ghtransport/waytrack/internal/models"
	"github.com/ghtransport/waytrack/internal/services/reconciler"
)

type fakeStorage struct {
	mu        sync.Mutex
	appended  []models.TrackEventInput
	applied   []string
	appliedAt []time.Time
}

func (f *fakeStorage) AppendTrackEvent(ctx context.Context, in models.TrackEventInput, createdAt time.Time) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, in)
	return uint64(len(f.appended)), nil
}
func (f *fakeStorage) ListTrackByWaybill(ctx context.Context, waybillNo string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	return nil, nil
}
func (f *fakeStorage) ListTrackByVehicle(ctx context.Context, vehicleID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	return nil, nil
}
func (f *fakeStorage) ListTrackByDispatch(ctx context.Context, dispatchID string, tr models.TimeRange, limit, offset int) ([]*models.TrackEvent, error) {
	return nil, nil
}
func (f *fakeStorage) CreateWaybill(ctx context.Context, init models.WaybillInit, now time.Time) (*models.Waybill, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeStorage) GetWaybill(ctx context.Context, waybillNo string) (*models.Waybill, error) {
	return nil, errors.Wrap(models.ErrNotFound, waybillNo)
}
func (f *fakeStorage) UpdateWaybillStatus(ctx context.Context, waybillNo, newStatus string, at time.Time, expectedVersion int64, setActualArrival bool) (*models.Waybill, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeStorage) ApplyWaybillLocation(ctx context.Context, waybillNo string, loc models.GeoPoint, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, waybillNo)
	f.appliedAt = append(f.appliedAt, at)
	return true, nil
}
func (f *fakeStorage) ListWaybillsByDispatch(ctx context.Context, dispatchID string, limit, offset int) ([]*models.Waybill, error) {
	return nil, nil
}
func (f *fakeStorage) ListWaybillsByOrder(ctx context.Context, orderID string, limit, offset int) ([]*models.Waybill, error) {
	return nil, nil
}
func (f *fakeStorage) ListWaybillsByStatus(ctx context.Context, status string, limit, offset int) ([]*models.Waybill, error) {
	return nil, nil
}
func (f *fakeStorage) ListOverdueWaybills(ctx context.Context, now time.Time, limit int) ([]*models.Waybill, error) {
	return nil, nil
}

type noopProducer struct{}

func (noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

type fakeFeed struct {
	msgs [][]byte
	err  error
}

func (f *fakeFeed) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for _, m := range f.msgs {
		if err := handler(nil, m); err != nil {
			return err
		}
	}
	if f.err != nil {
		return f.err
	}
	<-ctx.Done()
	return ctx.Err()
}
func (f *fakeFeed) Close() error { return nil }

func testFactories(st *fakeStorage, feed feedConsumer, closed *bool) ingestFactories {
	return ingestFactories{
		newStorage: func(cfg *config.Config) (storage, func(), error) {
			return st, func() { *closed = true }, nil
		},
		newCache:       func(cfg *config.Config) cache.BytesCache { return nil },
		newRateLimiter: func(cfg *config.Config) reconciler.RateLimiter { return nil },
		newProducer:    func(cfg *config.Config) reconciler.Producer { return noopProducer{} },
		newConsumer:    func(cfg *config.Config, topic, group string) feedConsumer { return feed },
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Waytrack: config.WaytrackConfig{
			IngestHTTPAddr:       "127.0.0.1:0",
			SweepIntervalSeconds: 3600,
		},
	}
}

func TestRunTrackIngest_ContextCanceled(t *testing.T) {
	closed := false
	f := testFactories(&fakeStorage{}, &fakeFeed{}, &closed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunTrackIngest(ctx, testConfig(), f)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, closed)
}

func TestRunTrackIngest_FeedMessageFlowsToStorage(t *testing.T) {
	st := &fakeStorage{}
	closed := false
	feed := &fakeFeed{
		msgs: [][]byte{
			[]byte(`{"waybill_no":"WB-001","lng":121.47,"lat":31.23,"timestamp":"2024-05-01T10:00:00Z"}`),
			[]byte(`not json at all`), // пропускается, не роняет воркер
		},
		err: errors.New("feed closed"),
	}
	f := testFactories(st, feed, &closed)

	err := RunTrackIngest(context.Background(), testConfig(), f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "feed closed")

	require.Len(t, st.appended, 1)
	require.Equal(t, "WB-001", st.appended[0].WaybillNo)
	require.NotEmpty(t, st.appended[0].EventID)
	require.Equal(t, []string{"WB-001"}, st.applied)
}

func TestDefaultIngestFactories_NonNil(t *testing.T) {
	f := defaultIngestFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newCache(cfg))
	require.NotNil(t, f.newRateLimiter(cfg))
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newConsumer(cfg, "track.reported", "g"))
}
