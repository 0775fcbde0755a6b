package repo

import (
	"context"
	"fmt"
	"nightguard/guard/defs"
	"time"

	"go.uber.org/zap"
)

// Keys of the cached items. Preferences live under their own key and are not
// touched by ClearAll.
const (
	CurrentNightscoutDataKey  = "currentNightscoutData"
	TodaysBgDataKey           = "todaysBgData"
	YesterdaysBgDataKey       = "yesterdaysBgData"
	YesterdaysDayOfTheYearKey = "yesterdaysDayOfTheYear"
	CannulaChangeTimeKey      = "cannulaChangeTime"
	SensorChangeTimeKey       = "sensorChangeTime"
	BatteryChangeTimeKey      = "batteryChangeTime"
	DeviceStatusDataKey       = "deviceStatusData"
	TemporaryTargetDataKey    = "temporaryTargetData"
	PreferencesKey            = "preferences"
)

var dataKeys = []string{
	CurrentNightscoutDataKey,
	TodaysBgDataKey,
	YesterdaysBgDataKey,
	YesterdaysDayOfTheYearKey,
	CannulaChangeTimeKey,
	SensorChangeTimeKey,
	BatteryChangeTimeKey,
	DeviceStatusDataKey,
	TemporaryTargetDataKey,
}

// KeyValueStore is implemented by the storage backends. Get reports false
// when the key is absent.
type KeyValueStore interface {
	Get(ctx context.Context, key string, v interface{}) (bool, error)
	Put(ctx context.Context, key string, v interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

type Repository struct {
	Store  KeyValueStore
	Logger *zap.Logger
}

func New(store KeyValueStore, logger *zap.Logger) *Repository {
	return &Repository{Store: store, Logger: logger}
}

func (r *Repository) load(ctx context.Context, key string, v interface{}) bool {
	found, err := r.Store.Get(ctx, key, v)
	if err != nil {
		r.Logger.Debug("unable to load from repository", zap.String("key", key), zap.Error(err))
		return false
	}
	return found
}

func (r *Repository) store(ctx context.Context, key string, v interface{}) error {
	if err := r.Store.Put(ctx, key, v); err != nil {
		return fmt.Errorf("unable to store %s: %w", key, err)
	}
	return nil
}

// CurrentNightscoutData falls back to the placeholder reading when nothing
// could be loaded.
func (r *Repository) CurrentNightscoutData(ctx context.Context) defs.NightscoutData {
	nd := defs.NewNightscoutData()
	if !r.load(ctx, CurrentNightscoutDataKey, &nd) {
		return defs.NewNightscoutData()
	}
	return nd
}

func (r *Repository) StoreCurrentNightscoutData(ctx context.Context, nd defs.NightscoutData) error {
	return r.store(ctx, CurrentNightscoutDataKey, nd)
}

func (r *Repository) TodaysBgData(ctx context.Context) []defs.BloodSugar {
	return r.bloodSugars(ctx, TodaysBgDataKey)
}

func (r *Repository) StoreTodaysBgData(ctx context.Context, bss []defs.BloodSugar) error {
	return r.store(ctx, TodaysBgDataKey, bloodSugarDoc{Values: bss})
}

func (r *Repository) YesterdaysBgData(ctx context.Context) []defs.BloodSugar {
	return r.bloodSugars(ctx, YesterdaysBgDataKey)
}

func (r *Repository) StoreYesterdaysBgData(ctx context.Context, bss []defs.BloodSugar) error {
	return r.store(ctx, YesterdaysBgDataKey, bloodSugarDoc{Values: bss})
}

// YesterdaysDayOfTheYear returns 0 when unknown.
func (r *Repository) YesterdaysDayOfTheYear(ctx context.Context) int {
	var doc intDoc
	r.load(ctx, YesterdaysDayOfTheYearKey, &doc)
	return doc.Value
}

func (r *Repository) StoreYesterdaysDayOfTheYear(ctx context.Context, day int) error {
	return r.store(ctx, YesterdaysDayOfTheYearKey, intDoc{Value: day})
}

func (r *Repository) ChangeTime(ctx context.Context, eventType defs.EventType) time.Time {
	var doc timeDoc
	r.load(ctx, changeTimeKey(eventType), &doc)
	return doc.Value
}

func (r *Repository) StoreChangeTime(ctx context.Context, eventType defs.EventType, t time.Time) error {
	return r.store(ctx, changeTimeKey(eventType), timeDoc{Value: t})
}

func (r *Repository) DeviceStatusData(ctx context.Context) defs.DeviceStatusData {
	var dsd defs.DeviceStatusData
	r.load(ctx, DeviceStatusDataKey, &dsd)
	return dsd
}

func (r *Repository) StoreDeviceStatusData(ctx context.Context, dsd defs.DeviceStatusData) error {
	return r.store(ctx, DeviceStatusDataKey, dsd)
}

func (r *Repository) TemporaryTargetData(ctx context.Context) defs.TemporaryTargetData {
	var tt defs.TemporaryTargetData
	r.load(ctx, TemporaryTargetDataKey, &tt)
	return tt
}

func (r *Repository) StoreTemporaryTargetData(ctx context.Context, tt defs.TemporaryTargetData) error {
	return r.store(ctx, TemporaryTargetDataKey, tt)
}

// ClearAll removes every cached item. Preferences are kept.
func (r *Repository) ClearAll(ctx context.Context) error {
	r.Logger.Debug("clearing repository", zap.Strings("keys", dataKeys))
	if err := r.Store.Delete(ctx, dataKeys...); err != nil {
		return fmt.Errorf("unable to clear repository: %w", err)
	}
	return nil
}

func (r *Repository) bloodSugars(ctx context.Context, key string) []defs.BloodSugar {
	var doc bloodSugarDoc
	if !r.load(ctx, key, &doc) || doc.Values == nil {
		return []defs.BloodSugar{}
	}
	return doc.Values
}

func changeTimeKey(eventType defs.EventType) string {
	switch eventType {
	case defs.CannulaChange:
		return CannulaChangeTimeKey
	case defs.SensorStart:
		return SensorChangeTimeKey
	case defs.PumpBatteryChange:
		return BatteryChangeTimeKey
	default:
		return "changeTime:" + string(eventType)
	}
}

// Scalars and slices are wrapped so every backend stores a document.

type bloodSugarDoc struct {
	Values []defs.BloodSugar `json:"values" bson:"values"`
}

type intDoc struct {
	Value int `json:"value" bson:"value"`
}

type timeDoc struct {
	Value time.Time `json:"value" bson:"value"`
}
