package defs

import (
	"strconv"
	"time"
)

const (
	MgdlPerMmol = 18.0182
	OneDay      = 24 * time.Hour
)

// Placeholders shown until a reading arrives.
const (
	PlaceholderSgv     = "---"
	PlaceholderDelta   = "---"
	PlaceholderArrow   = "-"
	PlaceholderBattery = "---"
)

type Units string

const (
	Mgdl Units = "mg/dL"
	Mmol Units = "mmol/L"
)

func (u Units) String() string {
	return string(u)
}

// Format renders a mg/dL value in the given units.
func (u Units) Format(mgdl float64) string {
	if u == Mmol {
		return strconv.FormatFloat(mgdl/MgdlPerMmol, 'f', 1, 64)
	}
	return strconv.FormatFloat(mgdl, 'f', 0, 64)
}

// NightscoutData is the most recent reading together with the pump state
// reported alongside it.
type NightscoutData struct {
	Sgv           string  `json:"sgv" bson:"sgv"`
	BgDeltaString string  `json:"bgdeltaString" bson:"bgdeltaString"`
	BgDeltaArrow  string  `json:"bgdeltaArrow" bson:"bgdeltaArrow"`
	BgDelta       float32 `json:"bgdelta" bson:"bgdelta"` // mg/dL
	Time          int64   `json:"time" bson:"time"`       // Unix millis.
	Battery       string  `json:"battery" bson:"battery"`
	IOB           string  `json:"iob" bson:"iob"`
	COB           string  `json:"cob" bson:"cob"`
}

func NewNightscoutData() NightscoutData {
	return NightscoutData{
		Sgv:           PlaceholderSgv,
		BgDeltaString: PlaceholderDelta,
		BgDeltaArrow:  PlaceholderArrow,
		Battery:       PlaceholderBattery,
	}
}

func (nd *NightscoutData) GetTime() time.Time {
	return time.UnixMilli(nd.Time)
}

func (nd *NightscoutData) HourAndMinutes(loc *time.Location) string {
	if nd.Time == 0 {
		return "??:??"
	}
	return time.Unix(nd.Time/1000, 0).In(loc).Format("15:04")
}

// TimeString mirrors the Nightscout age label: 30 seconds are added before
// truncating to minutes, so 0-30s reads "0min" and 31-90s reads "1min".
func (nd *NightscoutData) TimeString(now time.Time) string {
	if nd.Time == 0 {
		return "-min"
	}
	current := now.UnixMilli() + 30*1000
	difference := (current - nd.Time) / 60000
	if difference > 59 {
		return ">1Hr"
	}
	return strconv.FormatInt(difference, 10) + "min"
}

func (nd *NightscoutData) IsOlderThanXMinutes(now time.Time, minutes int) bool {
	lastUpdate := time.Unix(0, nd.Time*int64(time.Millisecond))
	interval := int64(now.Sub(lastUpdate) / time.Second)
	return interval > int64(minutes*60)
}

func (nd *NightscoutData) IsOlderThan1Minute(now time.Time) bool {
	return nd.IsOlderThanXMinutes(now, 1)
}

func (nd *NightscoutData) IsOlderThan5Minutes(now time.Time) bool {
	return nd.IsOlderThanXMinutes(now, 5)
}

// IsOlderThanYMinutes uses the one minute window when the user asked for
// every-minute checks, five minutes otherwise.
func (nd *NightscoutData) IsOlderThanYMinutes(now time.Time, checkEveryMinute bool) bool {
	if checkEveryMinute {
		return nd.IsOlderThan1Minute(now)
	}
	return nd.IsOlderThan5Minutes(now)
}

type BloodSugar struct {
	Value                      float64 `json:"value" bson:"value"`         // mg/dL
	Timestamp                  int64   `json:"timestamp" bson:"timestamp"` // Unix millis.
	IsMeteredBloodGlucoseValue bool    `json:"isMeteredBloodGlucoseValue" bson:"isMeteredBloodGlucoseValue"`
}

func (bs *BloodSugar) GetTime() time.Time {
	return time.UnixMilli(bs.Timestamp)
}

type DeviceStatusData struct {
	ActivePumpProfile             string    `json:"activePumpProfile" bson:"activePumpProfile"`
	ReservoirUnits                float64   `json:"reservoirUnits" bson:"reservoirUnits"`
	TemporaryBasalRate            string    `json:"temporaryBasalRate" bson:"temporaryBasalRate"`
	TemporaryBasalRateActiveUntil time.Time `json:"temporaryBasalRateActiveUntil" bson:"temporaryBasalRateActiveUntil"`
	PumpBatteryPercent            int       `json:"pumpBatteryPercent" bson:"pumpBatteryPercent"`
	LastUpdate                    time.Time `json:"lastUpdate" bson:"lastUpdate"`
}

// TemporaryTargetReload is how long a fetched temporary target stays fresh.
const TemporaryTargetReload = 5 * time.Minute

type TemporaryTargetData struct {
	TargetTop    float64   `json:"targetTop" bson:"targetTop"`
	TargetBottom float64   `json:"targetBottom" bson:"targetBottom"`
	ActiveUntil  time.Time `json:"activeUntil" bson:"activeUntil"`
	LastUpdate   time.Time `json:"lastUpdate" bson:"lastUpdate"`
}

func (tt *TemporaryTargetData) IsUpToDate(now time.Time) bool {
	return !tt.LastUpdate.IsZero() && now.Sub(tt.LastUpdate) < TemporaryTargetReload
}

func (tt *TemporaryTargetData) IsActive(now time.Time) bool {
	return now.Before(tt.ActiveUntil)
}

type EventType string

const (
	CannulaChange     EventType = "Site Change"
	SensorStart       EventType = "Sensor Start"
	PumpBatteryChange EventType = "Pump Battery Change"
	TemporaryTarget   EventType = "Temporary Target"
)

// RequestResult is handed to result handlers once a backend request is done.
type RequestResult[T any] struct {
	Data T
	Err  error
}
