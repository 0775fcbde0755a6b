package guard

import (
	"nightguard/guard/defs"
	"nightguard/guard/pkg/cache"
	"time"

	"go.uber.org/zap"
)

type RefresherCache interface {
	LoadCurrentNightscoutData(forceRefresh bool, handler cache.Handler[defs.NightscoutData]) defs.NightscoutData
	LoadTodaysData(handler cache.Handler[[]defs.BloodSugar]) []defs.BloodSugar
	LoadYesterdaysData(handler cache.Handler[[]defs.BloodSugar]) []defs.BloodSugar
	CannulaChangeTime() time.Time
	SensorChangeTime() time.Time
	PumpBatteryChangeTime() time.Time
	DeviceStatusData(handler cache.Handler[defs.DeviceStatusData]) defs.DeviceStatusData
	TemporaryTargetData(handler cache.Handler[defs.TemporaryTargetData]) defs.TemporaryTargetData
}

// Refresher keeps the cache warm so that requests can be answered without
// waiting on nightscout. Only stale values cause a round trip.
type Refresher struct {
	Cache RefresherCache
	Prefs cache.PreferencesProvider

	Logger *zap.Logger
}

func (r *Refresher) Refresh() {
	prefs := r.Prefs.Preferences()
	if !prefs.IsConfigured() {
		r.Logger.Debug("skipping refresh, no nightscout url set")
		return
	}

	r.Cache.LoadCurrentNightscoutData(false, logFailure[defs.NightscoutData](r.Logger, "current"))
	r.Cache.LoadTodaysData(logFailure[[]defs.BloodSugar](r.Logger, "today"))
	if prefs.ShowYesterdaysBgs {
		r.Cache.LoadYesterdaysData(logFailure[[]defs.BloodSugar](r.Logger, "yesterday"))
	}

	if prefs.ShowCareAndLoopData {
		r.Cache.CannulaChangeTime()
		r.Cache.SensorChangeTime()
		r.Cache.PumpBatteryChangeTime()
		r.Cache.DeviceStatusData(logFailure[defs.DeviceStatusData](r.Logger, "device status"))
		r.Cache.TemporaryTargetData(logFailure[defs.TemporaryTargetData](r.Logger, "temporary target"))
	}
}

func logFailure[T any](logger *zap.Logger, what string) cache.Handler[T] {
	return func(res *defs.RequestResult[T]) {
		if res != nil && res.Err != nil {
			logger.Warn("unable to refresh", zap.String("data", what), zap.Error(res.Err))
		}
	}
}
