package desc

import (
	"fmt"
	"math"
	"nightguard/guard/defs"
	"strings"
	"time"
)

const (
	widgetValues = 3
	placeholder  = "--- --- ---"
	timeFormat   = "15:04"
)

type BgEntry struct {
	Age       string `json:"age"`
	Value     string `json:"value"`
	Delta     string `json:"delta"`
	Arrow     string `json:"arrow"`
	Timestamp int64  `json:"timestamp"`
}

// WidgetEntry is the compact view of the last readings.
type WidgetEntry struct {
	Date         time.Time `json:"date"`
	Time         string    `json:"time"`
	Values       []BgEntry `json:"values"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	IOB          string    `json:"iob,omitempty"`
	COB          string    `json:"cob,omitempty"`
	Battery      string    `json:"battery,omitempty"`
}

type Descriptor struct {
	Units defs.Units
	Loc   *time.Location
}

func New(units defs.Units, loc *time.Location) *Descriptor {
	return &Descriptor{Units: units, Loc: loc}
}

func (d *Descriptor) Wrap(desc string) string {
	return "```" + desc + "```"
}

// WidgetEntry builds the entry from today's values, newest first. The
// newest value is labelled with its age, the others with how much older
// they are than the newest.
func (d *Descriptor) WidgetEntry(now time.Time, current defs.NightscoutData, todays []defs.BloodSugar, err error) WidgetEntry {
	entry := WidgetEntry{
		Date:    now,
		Time:    current.HourAndMinutes(d.Loc),
		IOB:     current.IOB,
		COB:     current.COB,
		Battery: current.Battery,
		Values:  []BgEntry{},
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}

	sensor := make([]defs.BloodSugar, 0, len(todays))
	for _, bs := range todays {
		if !bs.IsMeteredBloodGlucoseValue {
			sensor = append(sensor, bs)
		}
	}

	var first int64
	for i := len(sensor) - 1; i >= 0 && len(entry.Values) < widgetValues; i-- {
		bs := sensor[i]
		be := BgEntry{
			Value:     d.Units.Format(bs.Value),
			Delta:     "?",
			Arrow:     defs.PlaceholderArrow,
			Timestamp: bs.Timestamp,
		}

		if len(entry.Values) == 0 {
			first = bs.Timestamp
			be.Age = fmt.Sprintf("%dm", ageInMinutes(now.UnixMilli()-bs.Timestamp))
		} else {
			be.Age = fmt.Sprintf("+%dm", ageInMinutes(first-bs.Timestamp))
		}

		if i > 0 {
			prev := sensor[i-1]
			delta := bs.Value - prev.Value
			be.Delta = formatDelta(delta, d.Units)
			if minutes := float64(bs.Timestamp-prev.Timestamp) / 60000; minutes > 0 {
				be.Arrow = arrowForRate(delta / minutes)
			}
		}
		if bs.Timestamp == current.Time && current.BgDeltaArrow != "" {
			be.Arrow = current.BgDeltaArrow
		}

		entry.Values = append(entry.Values, be)
	}

	return entry
}

// Lines renders the entry as text, one reading per line.
func (e WidgetEntry) Lines() []string {
	if len(e.Values) == 0 {
		return []string{placeholder}
	}
	lines := make([]string, len(e.Values))
	for i, v := range e.Values {
		lines[i] = fmt.Sprintf("%s %s %s %s", v.Age, v.Value, v.Delta, v.Arrow)
	}
	return lines
}

func (e WidgetEntry) String() string {
	s := strings.Join(e.Lines(), "\n")
	if e.ErrorMessage != "" {
		s += "\n" + e.ErrorMessage
	}
	return s
}

// SnoozedForMinutes returns the whole minutes left until until, never less
// than zero.
func SnoozedForMinutes(until, now time.Time) int {
	minutes := int(until.Sub(now) / time.Minute)
	if minutes < 0 {
		return 0
	}
	return minutes
}

func ageInMinutes(millis int64) int64 {
	if millis < 0 {
		return 0
	}
	return millis / 60000
}

func formatDelta(mgdl float64, units defs.Units) string {
	if units == defs.Mmol {
		return fmt.Sprintf("%+.1f", mgdl/defs.MgdlPerMmol)
	}
	return fmt.Sprintf("%+.0f", mgdl)
}

// arrowForRate maps a rate of change in mg/dL per minute to the CGM trend
// arrows.
func arrowForRate(rate float64) string {
	switch abs := math.Abs(rate); {
	case abs < 1:
		return "→"
	case abs < 2:
		if rate > 0 {
			return "↗"
		}
		return "↘"
	case abs < 3:
		if rate > 0 {
			return "↑"
		}
		return "↓"
	default:
		if rate > 0 {
			return "⇈"
		}
		return "⇊"
	}
}
