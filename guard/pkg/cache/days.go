package cache

import (
	"nightguard/guard/defs"
	"time"
)

// StartOfDay returns midnight of t's day in loc.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// YesterdaysDayOfTheYear is the ordinal day of the day before t in loc.
func YesterdaysDayOfTheYear(t time.Time, loc *time.Location) int {
	return t.In(loc).AddDate(0, 0, -1).YearDay()
}

// removeYesterdaysEntries keeps the values strictly after the start of today.
func removeYesterdaysEntries(bss []defs.BloodSugar, startOfDay time.Time) []defs.BloodSugar {
	cutoff := startOfDay.UnixMilli()
	todays := make([]defs.BloodSugar, 0, len(bss))
	for _, bs := range bss {
		if bs.Timestamp > cutoff {
			todays = append(todays, bs)
		}
	}
	return todays
}

// transformToCurrentDay shifts yesterday's values forward one day so both
// days share an x-axis.
func transformToCurrentDay(bss []defs.BloodSugar) []defs.BloodSugar {
	shifted := make([]defs.BloodSugar, len(bss))
	for i, bs := range bss {
		shifted[i] = defs.BloodSugar{
			Value:                      bs.Value,
			Timestamp:                  bs.Timestamp + defs.OneDay.Milliseconds(),
			IsMeteredBloodGlucoseValue: bs.IsMeteredBloodGlucoseValue,
		}
	}
	return shifted
}
