package nightscout

import (
	"bytes"
	"encoding/json"
	"fmt"
	"nightguard/guard/defs"
	"sort"
	"strconv"
	"strings"
	"time"
)

// flexString accepts both JSON strings and numbers; Nightscout is not
// consistent about which one it sends for delta, IOB and COB.
type flexString string

func (fs *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*fs = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*fs = flexString(s)
		return nil
	}
	*fs = flexString(b)
	return nil
}

func (fs flexString) float() (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(string(fs)), 64)
	return f, err == nil
}

type pebbleResponse struct {
	Bgs []pebbleBg `json:"bgs"`
}

type pebbleBg struct {
	Sgv       flexString `json:"sgv"`
	Trend     int        `json:"trend"`
	Direction string     `json:"direction"`
	Datetime  int64      `json:"datetime"`
	BgDelta   flexString `json:"bgdelta"`
	Battery   flexString `json:"battery"`
	IOB       flexString `json:"iob"`
	COB       flexString `json:"cob"`
}

type entry struct {
	Type string  `json:"type"`
	Sgv  float64 `json:"sgv"`
	Mbg  float64 `json:"mbg"`
	Date int64   `json:"date"`
}

type serverStatus struct {
	Status   string `json:"status"`
	Name     string `json:"name"`
	Version  string `json:"version"`
	Settings struct {
		Units string `json:"units"`
	} `json:"settings"`
}

type enacted struct {
	Rate      *float64 `json:"rate"`
	Duration  float64  `json:"duration"`
	Timestamp string   `json:"timestamp"`
}

type deviceStatus struct {
	CreatedAt string `json:"created_at"`
	Pump      *struct {
		Reservoir *float64 `json:"reservoir"`
		Battery   *struct {
			Percent *int `json:"percent"`
		} `json:"battery"`
		Extended *struct {
			ActiveProfile string `json:"ActiveProfile"`
		} `json:"extended"`
	} `json:"pump"`
	OpenAPS *struct {
		Enacted *enacted `json:"enacted"`
	} `json:"openaps"`
	Loop *struct {
		Enacted *enacted `json:"enacted"`
	} `json:"loop"`
}

type treatment struct {
	EventType    string  `json:"eventType"`
	CreatedAt    string  `json:"created_at"`
	Mills        int64   `json:"mills"`
	Duration     float64 `json:"duration"`
	TargetTop    float64 `json:"targetTop"`
	TargetBottom float64 `json:"targetBottom"`
}

func (t *treatment) time() time.Time {
	if t.Mills > 0 {
		return time.UnixMilli(t.Mills)
	}
	return parseTimestamp(t.CreatedAt)
}

func parseTimestamp(s string) time.Time {
	parsed, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

var arrows = map[string]string{
	"DoubleUp":          "⇈",
	"SingleUp":          "↑",
	"FortyFiveUp":       "↗",
	"Flat":              "→",
	"FortyFiveDown":     "↘",
	"SingleDown":        "↓",
	"DoubleDown":        "⇊",
	"NOT COMPUTABLE":    "?",
	"RATE OUT OF RANGE": "⚠",
}

var numericArrows = map[int]string{
	1: "⇈",
	2: "↑",
	3: "↗",
	4: "→",
	5: "↘",
	6: "↓",
	7: "⇊",
}

// TrendArrow maps a Nightscout direction, or the numeric trend as fallback,
// to an arrow.
func TrendArrow(direction string, trend int) string {
	if arrow, ok := arrows[direction]; ok {
		return arrow
	}
	if arrow, ok := numericArrows[trend]; ok {
		return arrow
	}
	return defs.PlaceholderArrow
}

func parseUnits(s string) defs.Units {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(s)), "mmol") {
		return defs.Mmol
	}
	return defs.Mgdl
}

// formatDelta renders a signed delta in display units.
func formatDelta(delta float64, units defs.Units) string {
	if units == defs.Mmol {
		return fmt.Sprintf("%+.1f", delta)
	}
	return fmt.Sprintf("%+.0f", delta)
}

func transformPebble(bg pebbleBg, units defs.Units) defs.NightscoutData {
	nd := defs.NewNightscoutData()
	nd.Time = bg.Datetime
	nd.BgDeltaArrow = TrendArrow(bg.Direction, bg.Trend)

	if sgv := strings.TrimSpace(string(bg.Sgv)); sgv != "" {
		nd.Sgv = sgv
	}

	if delta, ok := bg.BgDelta.float(); ok {
		nd.BgDeltaString = formatDelta(delta, units)
		if units == defs.Mmol {
			delta *= defs.MgdlPerMmol
		}
		nd.BgDelta = float32(delta)
	}

	if battery := strings.TrimSpace(string(bg.Battery)); battery != "" {
		nd.Battery = battery + "%"
	}
	if iob, ok := bg.IOB.float(); ok {
		nd.IOB = strconv.FormatFloat(iob, 'f', 1, 64) + "U"
	}
	if cob, ok := bg.COB.float(); ok {
		nd.COB = strconv.FormatFloat(cob, 'f', 0, 64) + "g"
	}

	return nd
}

func transformEntries(entries []entry) []defs.BloodSugar {
	bss := make([]defs.BloodSugar, 0, len(entries))
	for _, e := range entries {
		bs := defs.BloodSugar{Value: e.Sgv, Timestamp: e.Date}
		if e.Type == "mbg" {
			bs.Value = e.Mbg
			bs.IsMeteredBloodGlucoseValue = true
		}
		if bs.Value <= 0 || bs.Timestamp == 0 {
			continue
		}
		bss = append(bss, bs)
	}

	sort.Slice(bss, func(i, j int) bool {
		return bss[i].Timestamp < bss[j].Timestamp
	})
	return bss
}

// mergeBloodSugars combines two series, dedups by timestamp (newer wins) and
// keeps only values after cutoff.
func mergeBloodSugars(old, fresh []defs.BloodSugar, cutoff int64) []defs.BloodSugar {
	byTime := make(map[int64]defs.BloodSugar, len(old)+len(fresh))
	for _, bs := range old {
		byTime[bs.Timestamp] = bs
	}
	for _, bs := range fresh {
		byTime[bs.Timestamp] = bs
	}

	merged := make([]defs.BloodSugar, 0, len(byTime))
	for ts, bs := range byTime {
		if ts > cutoff {
			merged = append(merged, bs)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp < merged[j].Timestamp
	})
	return merged
}

func firstEnacted(ds deviceStatus) *enacted {
	if ds.OpenAPS != nil && ds.OpenAPS.Enacted != nil {
		return ds.OpenAPS.Enacted
	}
	if ds.Loop != nil && ds.Loop.Enacted != nil {
		return ds.Loop.Enacted
	}
	return nil
}

// transformDeviceStatus takes pump data and the temp basal from the newest
// status that carries them.
func transformDeviceStatus(statuses []deviceStatus) defs.DeviceStatusData {
	var dsd defs.DeviceStatusData
	var havePump, haveBasal bool

	for _, ds := range statuses {
		if !havePump && ds.Pump != nil {
			havePump = true
			if ds.Pump.Reservoir != nil {
				dsd.ReservoirUnits = *ds.Pump.Reservoir
			}
			if ds.Pump.Battery != nil && ds.Pump.Battery.Percent != nil {
				dsd.PumpBatteryPercent = *ds.Pump.Battery.Percent
			}
			if ds.Pump.Extended != nil {
				dsd.ActivePumpProfile = ds.Pump.Extended.ActiveProfile
			}
			dsd.LastUpdate = parseTimestamp(ds.CreatedAt)
		}

		if en := firstEnacted(ds); !haveBasal && en != nil && en.Rate != nil {
			haveBasal = true
			dsd.TemporaryBasalRate = strconv.FormatFloat(*en.Rate, 'f', 2, 64) + "U"
			if start := parseTimestamp(en.Timestamp); !start.IsZero() {
				dsd.TemporaryBasalRateActiveUntil = start.Add(time.Duration(en.Duration * float64(time.Minute)))
			}
		}

		if havePump && haveBasal {
			break
		}
	}

	return dsd
}
