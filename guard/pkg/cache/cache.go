// Package cache fronts the Nightscout backend and keeps the number of round
// trips to a minimum. Values are served from memory or the repository, and
// refreshed in the background when they are stale.
package cache

import (
	"context"
	"errors"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/nightscout"
	"nightguard/guard/pkg/repo"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNotConfigured is delivered to handlers while no backend is set.
var ErrNotConfigured = errors.New("no nightscout backend configured")

// PreferencesProvider hands out the current user preferences.
type PreferencesProvider interface {
	Preferences() defs.Preferences
}

type Config struct {
	Source      nightscout.Source
	Repository  *repo.Repository
	Preferences PreferencesProvider
	Location    *time.Location
	Logger      *zap.Logger
	Now         func() time.Time
}

type Cache struct {
	Logger *zap.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	source nightscout.Source
	repo   *repo.Repository
	prefs  PreferencesProvider
	loc    *time.Location
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc

	todaysBgData           []defs.BloodSugar
	yesterdaysBgData       []defs.BloodSugar
	yesterdaysDayOfTheYear int // 0 when unknown.
	currentNightscoutData  defs.NightscoutData
	newDataReceived        bool

	todaysBgDataTasks          taskList[[]defs.BloodSugar]
	yesterdaysBgDataTasks      taskList[[]defs.BloodSugar]
	currentNightscoutDataTasks taskList[defs.NightscoutData]
	temporaryTargetDataTasks   taskList[defs.TemporaryTargetData]
}

// New creates the cache and hydrates it from the repository.
func New(ctx context.Context, cfg Config) *Cache {
	c := &Cache{
		Logger: cfg.Logger,
		source: cfg.Source,
		repo:   cfg.Repository,
		prefs:  cfg.Preferences,
		loc:    cfg.Location,
		now:    cfg.Now,
	}
	if c.loc == nil {
		c.loc = time.Local
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.todaysBgData = c.repo.TodaysBgData(ctx)
	c.yesterdaysBgData = c.repo.YesterdaysBgData(ctx)
	c.yesterdaysDayOfTheYear = c.repo.YesterdaysDayOfTheYear(ctx)
	c.currentNightscoutData = c.repo.CurrentNightscoutData(ctx)

	c.Logger.Debug("hydrated cache from repository",
		zap.Int("todays values", len(c.todaysBgData)),
		zap.Int("yesterdays values", len(c.yesterdaysBgData)),
		zap.Int("yesterdays day", c.yesterdaysDayOfTheYear),
		zap.String("current sgv", c.currentNightscoutData.Sgv),
	)
	return c
}

// Reset drops everything cached, in memory and in the repository, and
// cancels the requests in flight. The given source replaces the current one.
func (c *Cache) Reset(ctx context.Context, source nightscout.Source) error {
	c.mu.Lock()
	c.cancelLocked()
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.source = source
	c.todaysBgData = []defs.BloodSugar{}
	c.yesterdaysBgData = []defs.BloodSugar{}
	c.yesterdaysDayOfTheYear = 0
	c.currentNightscoutData = defs.NewNightscoutData()
	c.newDataReceived = false
	c.mu.Unlock()

	c.Logger.Debug("resetting cache")
	return c.repo.ClearAll(ctx)
}

// Close cancels the requests in flight and waits for them to return.
func (c *Cache) Close() {
	c.mu.Lock()
	c.cancelLocked()
	c.mu.Unlock()
	c.wg.Wait()
}

// Wait blocks until every background request has returned.
func (c *Cache) Wait() {
	c.wg.Wait()
}

func (c *Cache) cancelLocked() {
	c.cancel()
	c.todaysBgDataTasks.cancelAll()
	c.yesterdaysBgDataTasks.cancelAll()
	c.currentNightscoutDataTasks.cancelAll()
	c.temporaryTargetDataTasks.cancelAll()
}

func (c *Cache) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.todaysBgData) == 0 && len(c.yesterdaysBgData) == 0
}

func (c *Cache) HasTodaysBgDataPendingRequests() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.todaysBgDataTasks.hasPending()
}

func (c *Cache) HasYesterdaysBgDataPendingRequests() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.yesterdaysBgDataTasks.hasPending()
}

func (c *Cache) HasCurrentNightscoutDataPendingRequests() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentNightscoutDataTasks.hasPending()
}

// UpdateCurrentNightscoutData replaces the current reading, e.g. with one
// received by a background refresh outside the cache.
func (c *Cache) UpdateCurrentNightscoutData(ctx context.Context, nd defs.NightscoutData) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentNightscoutData = nd
	return c.repo.StoreCurrentNightscoutData(ctx, nd)
}

func (c *Cache) CurrentNightscoutData() defs.NightscoutData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentNightscoutData
}

func (c *Cache) TodaysBgData() []defs.BloodSugar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]defs.BloodSugar{}, c.todaysBgData...)
}

func (c *Cache) YesterdaysBgData() []defs.BloodSugar {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]defs.BloodSugar{}, c.yesterdaysBgData...)
}

// ValuesChanged reports true once after new chart data arrived.
func (c *Cache) ValuesChanged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.newDataReceived {
		c.newDataReceived = false
		return true
	}
	return false
}

func (c *Cache) preferences() defs.Preferences {
	if c.prefs == nil {
		return defs.DefaultPreferences()
	}
	return c.prefs.Preferences()
}

// start issues fetch for the endpoint tracked by tl, unless a request for it
// is already running, in which case handler joins that request. apply runs
// under the lock with the fetched data and returns what handlers receive.
// Must be called with the cache lock held.
func start[T any](c *Cache, tl *taskList[T], handler Handler[T], fetch func(ctx context.Context, source nightscout.Source) (T, error), apply func(data T) T) {
	tl.prune()
	if t := tl.current(); t != nil {
		c.Logger.Debug("joining running request")
		t.attach(handler)
		return
	}

	source := c.source
	ctx, cancel := context.WithTimeout(c.ctx, defs.RequestTimeout)
	t := newTask(cancel, handler)
	tl.tasks = append(tl.tasks, t)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		var data T
		err := ErrNotConfigured
		if source != nil {
			data, err = fetch(ctx, source)
		}

		c.mu.Lock()
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err == nil {
			data = apply(data)
		}
		handlers := t.finish()
		c.mu.Unlock()

		if err != nil {
			c.Logger.Debug("backend request failed", zap.Error(err))
		}
		deliver(handlers, &defs.RequestResult[T]{Data: data, Err: err})
	}()
}

// background runs fn detached from any handler bookkeeping. fn receives a
// context that is cancelled on Reset or Close. It reports false when there is
// no backend to ask.
func (c *Cache) background(fn func(ctx context.Context, source nightscout.Source) error) bool {
	c.mu.Lock()
	source := c.source
	ctx, cancel := context.WithTimeout(c.ctx, defs.RequestTimeout)
	c.mu.Unlock()

	if source == nil {
		cancel()
		return false
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := fn(ctx, source); err != nil {
			c.Logger.Debug("background request failed", zap.Error(err))
		}
	}()
	return true
}

// LoadCurrentNightscoutData reloads the current reading from the repository
// and refreshes it when forced or when it is older than the configured
// check interval.
func (c *Cache) LoadCurrentNightscoutData(forceRefresh bool, handler Handler[defs.NightscoutData]) defs.NightscoutData {
	prefs := c.preferences()

	c.mu.Lock()
	c.currentNightscoutData = c.repo.CurrentNightscoutData(c.ctx)
	current := c.currentNightscoutData

	if !forceRefresh && !current.IsOlderThanYMinutes(c.now(), prefs.CheckBGEveryMinute) {
		c.mu.Unlock()
		if handler != nil {
			handler(nil)
		}
		return current
	}

	start(c, &c.currentNightscoutDataTasks, handler,
		func(ctx context.Context, source nightscout.Source) (defs.NightscoutData, error) {
			return source.ReadCurrentData(ctx, prefs.Units)
		},
		func(nd defs.NightscoutData) defs.NightscoutData {
			c.currentNightscoutData = nd
			if err := c.repo.StoreCurrentNightscoutData(c.ctx, nd); err != nil {
				c.Logger.Debug("unable to store current data", zap.Error(err))
			}
			return nd
		},
	)
	c.mu.Unlock()

	return current
}

// LoadTodaysData returns today's values and refreshes them when there are
// none, when the current reading is stale, or when the current reading is
// newer than the newest value.
func (c *Cache) LoadTodaysData(handler Handler[[]defs.BloodSugar]) []defs.BloodSugar {
	now := c.now()
	startOfDay := StartOfDay(now, c.loc)

	c.mu.Lock()
	c.todaysBgData = removeYesterdaysEntries(c.todaysBgData, startOfDay)
	todays := append([]defs.BloodSugar{}, c.todaysBgData...)

	if len(todays) > 0 &&
		!c.currentNightscoutData.IsOlderThan5Minutes(now) &&
		!c.currentFetchedInBackground(todays) {
		c.mu.Unlock()
		if handler != nil {
			handler(nil)
		}
		return todays
	}

	start(c, &c.todaysBgDataTasks, handler,
		func(ctx context.Context, source nightscout.Source) ([]defs.BloodSugar, error) {
			return source.ReadTodaysChartData(ctx, todays, startOfDay)
		},
		func(bss []defs.BloodSugar) []defs.BloodSugar {
			c.newDataReceived = true
			c.todaysBgData = bss
			if err := c.repo.StoreTodaysBgData(c.ctx, bss); err != nil {
				c.Logger.Debug("unable to store todays data", zap.Error(err))
			}
			return append([]defs.BloodSugar{}, bss...)
		},
	)
	c.mu.Unlock()

	return todays
}

// currentFetchedInBackground reports whether the current reading is newer
// than the newest of today's values, which happens when the reading was
// refreshed on its own.
func (c *Cache) currentFetchedInBackground(todays []defs.BloodSugar) bool {
	var newest int64
	if n := len(todays); n > 0 {
		newest = todays[n-1].Timestamp
	}
	return c.currentNightscoutData.Time > newest
}

// LoadYesterdaysData returns yesterday's values shifted to today and
// refreshes them when there are none or they belong to another day.
func (c *Cache) LoadYesterdaysData(handler Handler[[]defs.BloodSugar]) []defs.BloodSugar {
	now := c.now()
	startOfDay := StartOfDay(now, c.loc)
	yesterday := YesterdaysDayOfTheYear(now, c.loc)

	c.mu.Lock()
	if len(c.yesterdaysBgData) == 0 {
		c.yesterdaysBgData = c.repo.YesterdaysBgData(c.ctx)
		c.yesterdaysDayOfTheYear = c.repo.YesterdaysDayOfTheYear(c.ctx)
	}
	yesterdays := append([]defs.BloodSugar{}, c.yesterdaysBgData...)

	if len(yesterdays) > 0 && c.yesterdaysDayOfTheYear == yesterday {
		c.mu.Unlock()
		if handler != nil {
			handler(nil)
		}
		return yesterdays
	}

	start(c, &c.yesterdaysBgDataTasks, handler,
		func(ctx context.Context, source nightscout.Source) ([]defs.BloodSugar, error) {
			return source.ReadYesterdaysChartData(ctx, startOfDay)
		},
		func(bss []defs.BloodSugar) []defs.BloodSugar {
			c.newDataReceived = true
			c.yesterdaysBgData = transformToCurrentDay(bss)
			c.yesterdaysDayOfTheYear = yesterday
			if err := c.repo.StoreYesterdaysBgData(c.ctx, c.yesterdaysBgData); err != nil {
				c.Logger.Debug("unable to store yesterdays data", zap.Error(err))
			}
			if err := c.repo.StoreYesterdaysDayOfTheYear(c.ctx, yesterday); err != nil {
				c.Logger.Debug("unable to store yesterdays day", zap.Error(err))
			}
			return append([]defs.BloodSugar{}, c.yesterdaysBgData...)
		},
	)
	c.mu.Unlock()

	return yesterdays
}

// CannulaChangeTime returns the stored time and refreshes it in the
// background.
func (c *Cache) CannulaChangeTime() time.Time {
	return c.changeTime(defs.CannulaChange, defs.CannulaLookbackDays)
}

func (c *Cache) SensorChangeTime() time.Time {
	return c.changeTime(defs.SensorStart, defs.SensorLookbackDays)
}

func (c *Cache) PumpBatteryChangeTime() time.Time {
	return c.changeTime(defs.PumpBatteryChange, defs.BatteryLookbackDays)
}

func (c *Cache) changeTime(eventType defs.EventType, daysBack int) time.Time {
	since := c.now().AddDate(0, 0, -daysBack)

	c.background(func(ctx context.Context, source nightscout.Source) error {
		t, err := source.ReadLastTreatmentEventTimestamp(ctx, eventType, since)
		if err != nil {
			return err
		}
		if t.IsZero() || ctx.Err() != nil {
			return ctx.Err()
		}
		return c.repo.StoreChangeTime(ctx, eventType, t)
	})

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	return c.repo.ChangeTime(ctx, eventType)
}

// DeviceStatusData returns the stored status and refreshes it in the
// background; handler receives the refreshed status.
func (c *Cache) DeviceStatusData(handler Handler[defs.DeviceStatusData]) defs.DeviceStatusData {
	started := c.background(func(ctx context.Context, source nightscout.Source) error {
		dsd, err := source.ReadDeviceStatus(ctx)
		if err == nil && ctx.Err() == nil {
			err = c.repo.StoreDeviceStatusData(ctx, dsd)
		}
		if handler != nil {
			handler(&defs.RequestResult[defs.DeviceStatusData]{Data: dsd, Err: err})
		}
		return err
	})
	if !started && handler != nil {
		handler(&defs.RequestResult[defs.DeviceStatusData]{Err: ErrNotConfigured})
	}

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()
	return c.repo.DeviceStatusData(ctx)
}

// TemporaryTargetData returns the stored target. It is refetched when it was
// fetched more than five minutes ago; an absent target is stored as an empty
// one so the next calls do not refetch either. Calls made while a fetch runs
// join it.
func (c *Cache) TemporaryTargetData(handler Handler[defs.TemporaryTargetData]) defs.TemporaryTargetData {
	now := c.now()

	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	tt := c.repo.TemporaryTargetData(ctx)
	if tt.IsUpToDate(now) {
		if handler != nil {
			handler(nil)
		}
		return tt
	}

	since := now.AddDate(0, 0, -defs.TemporaryTargetLookback)
	c.mu.Lock()
	start(c, &c.temporaryTargetDataTasks, handler,
		func(ctx context.Context, source nightscout.Source) (defs.TemporaryTargetData, error) {
			fetched, err := source.ReadLastTemporaryTarget(ctx, since)
			if err != nil {
				return defs.TemporaryTargetData{}, err
			}
			if fetched == nil {
				fetched = &defs.TemporaryTargetData{}
			}
			fetched.LastUpdate = now
			return *fetched, nil
		},
		func(fetched defs.TemporaryTargetData) defs.TemporaryTargetData {
			if err := c.repo.StoreTemporaryTargetData(c.ctx, fetched); err != nil {
				c.Logger.Debug("unable to store temporary target", zap.Error(err))
			}
			return fetched
		},
	)
	c.mu.Unlock()

	return tt
}
