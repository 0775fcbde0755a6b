package cache

import (
	"context"
	"errors"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/lite"
	"nightguard/guard/pkg/repo"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type fakeSource struct {
	mu    sync.Mutex
	gate  chan struct{}
	err   error
	calls map[string]int
	since map[defs.EventType]time.Time

	current     defs.NightscoutData
	todays      []defs.BloodSugar
	yesterdays  []defs.BloodSugar
	changeTimes map[defs.EventType]time.Time
	device      defs.DeviceStatusData
	target      *defs.TemporaryTargetData
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		calls:       map[string]int{},
		since:       map[defs.EventType]time.Time{},
		changeTimes: map[defs.EventType]time.Time{},
	}
}

func (f *fakeSource) enter(ctx context.Context, name string) error {
	f.mu.Lock()
	f.calls[name]++
	gate, err := f.gate, f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeSource) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeSource) ReadCurrentData(ctx context.Context, _ defs.Units) (defs.NightscoutData, error) {
	if err := f.enter(ctx, "current"); err != nil {
		return defs.NewNightscoutData(), err
	}
	return f.current, nil
}

func (f *fakeSource) ReadTodaysChartData(ctx context.Context, _ []defs.BloodSugar, _ time.Time) ([]defs.BloodSugar, error) {
	if err := f.enter(ctx, "todays"); err != nil {
		return nil, err
	}
	return f.todays, nil
}

func (f *fakeSource) ReadYesterdaysChartData(ctx context.Context, _ time.Time) ([]defs.BloodSugar, error) {
	if err := f.enter(ctx, "yesterdays"); err != nil {
		return nil, err
	}
	return f.yesterdays, nil
}

func (f *fakeSource) ReadDeviceStatus(ctx context.Context) (defs.DeviceStatusData, error) {
	if err := f.enter(ctx, "devicestatus"); err != nil {
		return defs.DeviceStatusData{}, err
	}
	return f.device, nil
}

func (f *fakeSource) ReadLastTreatmentEventTimestamp(ctx context.Context, eventType defs.EventType, since time.Time) (time.Time, error) {
	if err := f.enter(ctx, string(eventType)); err != nil {
		return time.Time{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since[eventType] = since
	return f.changeTimes[eventType], nil
}

func (f *fakeSource) ReadLastTemporaryTarget(ctx context.Context, _ time.Time) (*defs.TemporaryTargetData, error) {
	if err := f.enter(ctx, "temptarget"); err != nil {
		return nil, err
	}
	return f.target, nil
}

type staticPrefs defs.Preferences

func (p staticPrefs) Preferences() defs.Preferences {
	return defs.Preferences(p)
}

type recorder[T any] struct {
	mu      sync.Mutex
	results []*defs.RequestResult[T]
}

func (r *recorder[T]) handle(res *defs.RequestResult[T]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func (r *recorder[T]) all() []*defs.RequestResult[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*defs.RequestResult[T]{}, r.results...)
}

type CacheTestSuite struct {
	suite.Suite
	now    time.Time
	store  *lite.Store
	repo   *repo.Repository
	source *fakeSource
}

func TestCacheTestSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}

func (suite *CacheTestSuite) SetupTest() {
	store, err := lite.New(filepath.Join(suite.T().TempDir(), "cache.db"), zap.New(nil))
	suite.Require().NoError(err)
	suite.store = store
	suite.repo = repo.New(store, zap.New(nil))
	suite.source = newFakeSource()
	suite.now = time.Date(2022, time.May, 8, 12, 0, 0, 0, time.UTC)
}

func (suite *CacheTestSuite) TearDownTest() {
	suite.store.Close()
}

func (suite *CacheTestSuite) newCache() *Cache {
	return New(context.Background(), Config{
		Source:      suite.source,
		Repository:  suite.repo,
		Preferences: staticPrefs(defs.DefaultPreferences()),
		Location:    time.UTC,
		Logger:      zap.New(nil),
		Now:         func() time.Time { return suite.now },
	})
}

func (suite *CacheTestSuite) at(d time.Duration) int64 {
	return suite.now.Add(d).UnixMilli()
}

func (suite *CacheTestSuite) TestColdStartHydratesFromRepository() {
	ctx := context.Background()
	todays := []defs.BloodSugar{{Value: 120, Timestamp: suite.at(-10 * time.Minute)}}
	suite.Require().NoError(suite.repo.StoreTodaysBgData(ctx, todays))
	suite.Require().NoError(suite.repo.StoreCurrentNightscoutData(ctx, defs.NightscoutData{Sgv: "120", Time: suite.at(-10 * time.Minute)}))
	suite.Require().NoError(suite.repo.StoreYesterdaysDayOfTheYear(ctx, 127))

	c := suite.newCache()
	defer c.Close()

	assert.False(suite.T(), c.IsEmpty())
	assert.Equal(suite.T(), todays, c.TodaysBgData())
	assert.Empty(suite.T(), c.YesterdaysBgData())
	assert.Equal(suite.T(), "120", c.CurrentNightscoutData().Sgv)
	assert.Equal(suite.T(), 127, c.yesterdaysDayOfTheYear)
}

func (suite *CacheTestSuite) TestLoadCurrentNightscoutDataFresh() {
	fresh := defs.NightscoutData{Sgv: "99", Time: suite.at(-2 * time.Minute)}
	suite.Require().NoError(suite.repo.StoreCurrentNightscoutData(context.Background(), fresh))

	c := suite.newCache()
	defer c.Close()

	rec := &recorder[defs.NightscoutData]{}
	nd := c.LoadCurrentNightscoutData(false, rec.handle)
	c.Wait()

	assert.Equal(suite.T(), fresh, nd)
	assert.Equal(suite.T(), []*defs.RequestResult[defs.NightscoutData]{nil}, rec.all(), "no request should be necessary")
	assert.Equal(suite.T(), 0, suite.source.callCount("current"))
}

func (suite *CacheTestSuite) TestLoadCurrentNightscoutDataEveryMinute() {
	suite.Require().NoError(suite.repo.StoreCurrentNightscoutData(context.Background(),
		defs.NightscoutData{Sgv: "99", Time: suite.at(-2 * time.Minute)}))
	suite.source.current = defs.NightscoutData{Sgv: "101", Time: suite.at(0)}

	prefs := defs.DefaultPreferences()
	prefs.CheckBGEveryMinute = true
	c := New(context.Background(), Config{
		Source:      suite.source,
		Repository:  suite.repo,
		Preferences: staticPrefs(prefs),
		Location:    time.UTC,
		Logger:      zap.New(nil),
		Now:         func() time.Time { return suite.now },
	})
	defer c.Close()

	c.LoadCurrentNightscoutData(false, nil)
	c.Wait()

	assert.Equal(suite.T(), 1, suite.source.callCount("current"))
	assert.Equal(suite.T(), "101", c.CurrentNightscoutData().Sgv)
}

func (suite *CacheTestSuite) TestLoadCurrentNightscoutDataStale() {
	stale := defs.NightscoutData{Sgv: "99", Time: suite.at(-10 * time.Minute)}
	suite.Require().NoError(suite.repo.StoreCurrentNightscoutData(context.Background(), stale))
	suite.source.current = defs.NightscoutData{Sgv: "105", Time: suite.at(-1 * time.Minute)}

	c := suite.newCache()
	defer c.Close()

	rec := &recorder[defs.NightscoutData]{}
	nd := c.LoadCurrentNightscoutData(false, rec.handle)
	assert.Equal(suite.T(), stale, nd, "cached value is returned right away")
	c.Wait()

	results := rec.all()
	suite.Require().Len(results, 1)
	suite.Require().NotNil(results[0])
	assert.NoError(suite.T(), results[0].Err)
	assert.Equal(suite.T(), "105", results[0].Data.Sgv)
	assert.Equal(suite.T(), "105", c.CurrentNightscoutData().Sgv)
	assert.Equal(suite.T(), "105", suite.repo.CurrentNightscoutData(context.Background()).Sgv)
}

func (suite *CacheTestSuite) TestLoadCurrentNightscoutDataForced() {
	suite.Require().NoError(suite.repo.StoreCurrentNightscoutData(context.Background(),
		defs.NightscoutData{Sgv: "99", Time: suite.at(-30 * time.Second)}))
	suite.source.current = defs.NightscoutData{Sgv: "100", Time: suite.at(0)}

	c := suite.newCache()
	defer c.Close()

	c.LoadCurrentNightscoutData(true, nil)
	c.Wait()
	assert.Equal(suite.T(), 1, suite.source.callCount("current"))
	assert.Equal(suite.T(), "100", c.CurrentNightscoutData().Sgv)
}

func (suite *CacheTestSuite) TestLoadTodaysDataCoalescesRequests() {
	suite.source.gate = make(chan struct{})
	suite.source.todays = []defs.BloodSugar{{Value: 130, Timestamp: suite.at(-1 * time.Minute)}}

	c := suite.newCache()
	defer c.Close()

	first := &recorder[[]defs.BloodSugar]{}
	second := &recorder[[]defs.BloodSugar]{}

	assert.Empty(suite.T(), c.LoadTodaysData(first.handle))
	assert.True(suite.T(), c.HasTodaysBgDataPendingRequests())
	assert.Empty(suite.T(), c.LoadTodaysData(second.handle))

	close(suite.source.gate)
	c.Wait()

	assert.False(suite.T(), c.HasTodaysBgDataPendingRequests())
	assert.Equal(suite.T(), 1, suite.source.callCount("todays"), "second load should join the running request")
	for _, rec := range []*recorder[[]defs.BloodSugar]{first, second} {
		results := rec.all()
		suite.Require().Len(results, 1)
		suite.Require().NotNil(results[0])
		assert.Equal(suite.T(), suite.source.todays, results[0].Data)
	}

	assert.Equal(suite.T(), suite.source.todays, c.TodaysBgData())
	assert.Equal(suite.T(), suite.source.todays, suite.repo.TodaysBgData(context.Background()))
	assert.True(suite.T(), c.ValuesChanged())
	assert.False(suite.T(), c.ValuesChanged(), "values changed is reported once")
}

func (suite *CacheTestSuite) TestLoadTodaysDataUpToDate() {
	ctx := context.Background()
	newest := suite.at(-3 * time.Minute)
	suite.Require().NoError(suite.repo.StoreTodaysBgData(ctx, []defs.BloodSugar{
		{Value: 90, Timestamp: suite.now.Add(-13 * time.Hour).UnixMilli()},
		{Value: 100, Timestamp: newest},
	}))
	suite.Require().NoError(suite.repo.StoreCurrentNightscoutData(ctx, defs.NightscoutData{Sgv: "100", Time: newest}))

	c := suite.newCache()
	defer c.Close()

	rec := &recorder[[]defs.BloodSugar]{}
	bss := c.LoadTodaysData(rec.handle)
	c.Wait()

	assert.Equal(suite.T(), []defs.BloodSugar{{Value: 100, Timestamp: newest}}, bss, "values from yesterday are dropped")
	assert.Equal(suite.T(), []*defs.RequestResult[[]defs.BloodSugar]{nil}, rec.all())
	assert.Equal(suite.T(), 0, suite.source.callCount("todays"))
}

func (suite *CacheTestSuite) TestLoadTodaysDataCurrentIsNewer() {
	ctx := context.Background()
	suite.Require().NoError(suite.repo.StoreTodaysBgData(ctx, []defs.BloodSugar{{Value: 100, Timestamp: suite.at(-4 * time.Minute)}}))
	suite.Require().NoError(suite.repo.StoreCurrentNightscoutData(ctx, defs.NightscoutData{Sgv: "104", Time: suite.at(-1 * time.Minute)}))

	c := suite.newCache()
	defer c.Close()

	c.LoadTodaysData(nil)
	c.Wait()
	assert.Equal(suite.T(), 1, suite.source.callCount("todays"))
}

func (suite *CacheTestSuite) TestLoadTodaysDataError() {
	suite.source.err = errors.New("connection refused")

	c := suite.newCache()
	defer c.Close()

	rec := &recorder[[]defs.BloodSugar]{}
	c.LoadTodaysData(rec.handle)
	c.Wait()

	results := rec.all()
	suite.Require().Len(results, 1)
	suite.Require().NotNil(results[0])
	assert.EqualError(suite.T(), results[0].Err, "connection refused")
	assert.Empty(suite.T(), c.TodaysBgData())
	assert.False(suite.T(), c.ValuesChanged())
}

func (suite *CacheTestSuite) TestLoadYesterdaysDataShiftsToToday() {
	yesterday := suite.now.AddDate(0, 0, -1)
	suite.source.yesterdays = []defs.BloodSugar{
		{Value: 110, Timestamp: yesterday.UnixMilli()},
		{Value: 140, Timestamp: yesterday.Add(5 * time.Minute).UnixMilli(), IsMeteredBloodGlucoseValue: true},
	}

	c := suite.newCache()
	defer c.Close()

	rec := &recorder[[]defs.BloodSugar]{}
	c.LoadYesterdaysData(rec.handle)
	c.Wait()

	want := []defs.BloodSugar{
		{Value: 110, Timestamp: suite.at(0)},
		{Value: 140, Timestamp: suite.at(5 * time.Minute), IsMeteredBloodGlucoseValue: true},
	}
	results := rec.all()
	suite.Require().Len(results, 1)
	suite.Require().NotNil(results[0])
	assert.Equal(suite.T(), want, results[0].Data)
	assert.Equal(suite.T(), want, c.YesterdaysBgData())
	assert.Equal(suite.T(), 127, suite.repo.YesterdaysDayOfTheYear(context.Background()))

	second := &recorder[[]defs.BloodSugar]{}
	assert.Equal(suite.T(), want, c.LoadYesterdaysData(second.handle))
	c.Wait()
	assert.Equal(suite.T(), []*defs.RequestResult[[]defs.BloodSugar]{nil}, second.all())
	assert.Equal(suite.T(), 1, suite.source.callCount("yesterdays"))
}

func (suite *CacheTestSuite) TestLoadYesterdaysDataOutdated() {
	ctx := context.Background()
	suite.Require().NoError(suite.repo.StoreYesterdaysBgData(ctx, []defs.BloodSugar{{Value: 100, Timestamp: suite.at(-1 * time.Hour)}}))
	suite.Require().NoError(suite.repo.StoreYesterdaysDayOfTheYear(ctx, 126))

	c := suite.newCache()
	defer c.Close()

	c.LoadYesterdaysData(nil)
	c.Wait()
	assert.Equal(suite.T(), 1, suite.source.callCount("yesterdays"), "values from the day before yesterday are refetched")
}

func (suite *CacheTestSuite) TestChangeTimes() {
	cannula := time.Date(2022, time.May, 6, 19, 12, 0, 0, time.UTC)
	suite.source.changeTimes[defs.CannulaChange] = cannula

	c := suite.newCache()
	defer c.Close()

	assert.True(suite.T(), c.CannulaChangeTime().IsZero(), "nothing stored yet")
	assert.True(suite.T(), c.SensorChangeTime().IsZero())
	assert.True(suite.T(), c.PumpBatteryChangeTime().IsZero())
	c.Wait()

	assert.Equal(suite.T(), suite.now.AddDate(0, 0, -5), suite.source.since[defs.CannulaChange])
	assert.Equal(suite.T(), suite.now.AddDate(0, 0, -14), suite.source.since[defs.SensorStart])
	assert.Equal(suite.T(), suite.now.AddDate(0, 0, -40), suite.source.since[defs.PumpBatteryChange])

	assert.True(suite.T(), cannula.Equal(c.CannulaChangeTime()))
	assert.True(suite.T(), c.SensorChangeTime().IsZero(), "zero times are not stored")
	c.Wait()
}

func (suite *CacheTestSuite) TestDeviceStatusData() {
	suite.source.device = defs.DeviceStatusData{ReservoirUnits: 95, PumpBatteryPercent: 40}

	c := suite.newCache()
	defer c.Close()

	rec := &recorder[defs.DeviceStatusData]{}
	assert.Equal(suite.T(), defs.DeviceStatusData{}, c.DeviceStatusData(rec.handle))
	c.Wait()

	results := rec.all()
	suite.Require().Len(results, 1)
	assert.Equal(suite.T(), suite.source.device, results[0].Data)
	assert.Equal(suite.T(), suite.source.device, c.DeviceStatusData(nil))
	c.Wait()
}

func (suite *CacheTestSuite) TestTemporaryTargetDataStoresAbsentTarget() {
	c := suite.newCache()
	defer c.Close()

	rec := &recorder[defs.TemporaryTargetData]{}
	c.TemporaryTargetData(rec.handle)
	c.Wait()

	results := rec.all()
	suite.Require().Len(results, 1)
	suite.Require().NotNil(results[0])
	assert.Equal(suite.T(), suite.now, results[0].Data.LastUpdate)
	assert.False(suite.T(), results[0].Data.IsActive(suite.now))

	second := &recorder[defs.TemporaryTargetData]{}
	c.TemporaryTargetData(second.handle)
	c.Wait()
	assert.Equal(suite.T(), []*defs.RequestResult[defs.TemporaryTargetData]{nil}, second.all())
	assert.Equal(suite.T(), 1, suite.source.callCount("temptarget"))
}

func (suite *CacheTestSuite) TestTemporaryTargetDataRefetchesAfterReload() {
	suite.source.target = &defs.TemporaryTargetData{TargetTop: 140, TargetBottom: 120, ActiveUntil: suite.now.Add(time.Hour)}

	c := suite.newCache()
	defer c.Close()

	c.TemporaryTargetData(nil)
	c.Wait()

	suite.now = suite.now.Add(defs.TemporaryTargetReload + time.Second)
	tt := c.TemporaryTargetData(nil)
	c.Wait()

	assert.Equal(suite.T(), 140.0, tt.TargetTop)
	assert.Equal(suite.T(), 2, suite.source.callCount("temptarget"))
}

func (suite *CacheTestSuite) TestReset() {
	ctx := context.Background()
	suite.Require().NoError(suite.repo.StoreTodaysBgData(ctx, []defs.BloodSugar{{Value: 100, Timestamp: suite.at(-1 * time.Minute)}}))
	suite.Require().NoError(suite.repo.StoreYesterdaysDayOfTheYear(ctx, 127))

	c := suite.newCache()
	defer c.Close()
	suite.Require().False(c.IsEmpty())

	suite.source.gate = make(chan struct{})
	rec := &recorder[defs.NightscoutData]{}
	c.LoadCurrentNightscoutData(true, rec.handle)

	other := newFakeSource()
	assert.NoError(suite.T(), c.Reset(ctx, other))
	c.Wait()

	assert.True(suite.T(), c.IsEmpty())
	assert.Equal(suite.T(), defs.NewNightscoutData(), c.CurrentNightscoutData())
	assert.Empty(suite.T(), suite.repo.TodaysBgData(ctx))
	assert.Equal(suite.T(), 0, suite.repo.YesterdaysDayOfTheYear(ctx))

	results := rec.all()
	suite.Require().Len(results, 1)
	assert.ErrorIs(suite.T(), results[0].Err, context.Canceled, "requests in flight are cancelled")

	c.LoadTodaysData(nil)
	c.Wait()
	assert.Equal(suite.T(), 1, other.callCount("todays"), "the new source is used after a reset")
}

func (suite *CacheTestSuite) TestLoadAfterResetUsesNewSource() {
	suite.source.gate = make(chan struct{})
	defer close(suite.source.gate)

	c := suite.newCache()
	defer c.Close()

	stale := &recorder[[]defs.BloodSugar]{}
	c.LoadTodaysData(stale.handle)
	suite.Require().True(c.HasTodaysBgDataPendingRequests())

	fresh := newFakeSource()
	fresh.todays = []defs.BloodSugar{{Value: 150, Timestamp: suite.at(-1 * time.Minute)}}
	suite.Require().NoError(c.Reset(context.Background(), fresh))
	assert.False(suite.T(), c.HasTodaysBgDataPendingRequests(), "cancelled requests are not pending")

	rec := &recorder[[]defs.BloodSugar]{}
	c.LoadTodaysData(rec.handle)
	c.Wait()

	assert.Equal(suite.T(), 1, fresh.callCount("todays"))
	results := rec.all()
	suite.Require().Len(results, 1)
	suite.Require().NotNil(results[0])
	assert.NoError(suite.T(), results[0].Err)
	assert.Equal(suite.T(), fresh.todays, results[0].Data)
	assert.Equal(suite.T(), fresh.todays, c.TodaysBgData())

	suite.Require().Len(stale.all(), 1)
	assert.ErrorIs(suite.T(), stale.all()[0].Err, context.Canceled)
}

func (suite *CacheTestSuite) TestTemporaryTargetDataCoalescesRequests() {
	suite.source.gate = make(chan struct{})
	suite.source.target = &defs.TemporaryTargetData{TargetTop: 140, TargetBottom: 120, ActiveUntil: suite.now.Add(time.Hour)}

	c := suite.newCache()
	defer c.Close()

	first := &recorder[defs.TemporaryTargetData]{}
	second := &recorder[defs.TemporaryTargetData]{}
	c.TemporaryTargetData(first.handle)
	c.TemporaryTargetData(second.handle)

	close(suite.source.gate)
	c.Wait()

	assert.Equal(suite.T(), 1, suite.source.callCount("temptarget"), "second call should join the running request")
	for _, rec := range []*recorder[defs.TemporaryTargetData]{first, second} {
		results := rec.all()
		suite.Require().Len(results, 1)
		suite.Require().NotNil(results[0])
		assert.Equal(suite.T(), 140.0, results[0].Data.TargetTop)
		assert.Equal(suite.T(), suite.now, results[0].Data.LastUpdate)
	}
	assert.Equal(suite.T(), 140.0, suite.repo.TemporaryTargetData(context.Background()).TargetTop)
}

func (suite *CacheTestSuite) TestNotConfigured() {
	c := New(context.Background(), Config{
		Repository: suite.repo,
		Location:   time.UTC,
		Logger:     zap.New(nil),
		Now:        func() time.Time { return suite.now },
	})
	defer c.Close()

	todays := &recorder[[]defs.BloodSugar]{}
	c.LoadTodaysData(todays.handle)
	device := &recorder[defs.DeviceStatusData]{}
	c.DeviceStatusData(device.handle)
	c.Wait()

	suite.Require().Len(todays.all(), 1)
	assert.ErrorIs(suite.T(), todays.all()[0].Err, ErrNotConfigured)
	suite.Require().Len(device.all(), 1)
	assert.ErrorIs(suite.T(), device.all()[0].Err, ErrNotConfigured)
}

func (suite *CacheTestSuite) TestUpdateCurrentNightscoutData() {
	c := suite.newCache()
	defer c.Close()

	nd := defs.NightscoutData{Sgv: "142", Time: suite.at(0)}
	assert.NoError(suite.T(), c.UpdateCurrentNightscoutData(context.Background(), nd))
	assert.Equal(suite.T(), nd, c.CurrentNightscoutData())
	assert.Equal(suite.T(), nd, suite.repo.CurrentNightscoutData(context.Background()))
}

func (suite *CacheTestSuite) TestDays() {
	loc := time.FixedZone("CEST", 2*60*60)
	t := time.Date(2022, time.May, 7, 23, 30, 0, 0, time.UTC)

	assert.Equal(suite.T(), time.Date(2022, time.May, 8, 0, 0, 0, 0, loc), StartOfDay(t, loc))
	assert.Equal(suite.T(), 127, YesterdaysDayOfTheYear(t, loc))
	assert.Equal(suite.T(), 126, YesterdaysDayOfTheYear(t, time.UTC))
}
