package stats

import (
	"nightguard/guard/defs"

	"github.com/montanaflynn/stats"
)

type RangeAnalysis struct {
	BelowRange float64 `json:"belowRange"`
	InRange    float64 `json:"inRange"`
	AboveRange float64 `json:"aboveRange"`
}

// TimeSpentInRange returns the share of readings below, within and above
// [lower, upper], all in mg/dL. Meter readings are left out.
func TimeSpentInRange(bss []defs.BloodSugar, lower, upper float64) RangeAnalysis {
	below, above, total := 0.0, 0.0, 0.0
	for _, bs := range bss {
		if bs.IsMeteredBloodGlucoseValue {
			continue
		}
		total++
		switch {
		case bs.Value <= lower:
			below++
		case bs.Value >= upper:
			above++
		}
	}
	if total == 0 {
		return RangeAnalysis{}
	}
	in := total - below - above

	return RangeAnalysis{
		BelowRange: below / total,
		InRange:    in / total,
		AboveRange: above / total,
	}
}

type SummaryStatistics struct {
	Average   float64 `json:"average"`
	Deviation float64 `json:"deviation"`
	// GMI is the glucose management indicator, an A1c estimate in percent.
	GMI float64 `json:"gmi"`
}

func GlucoseSummary(bss []defs.BloodSugar) SummaryStatistics {
	values := make([]float64, 0, len(bss))
	for _, bs := range bss {
		if !bs.IsMeteredBloodGlucoseValue {
			values = append(values, bs.Value)
		}
	}
	if len(values) == 0 {
		return SummaryStatistics{}
	}

	avg, _ := stats.Mean(values)
	dev, _ := stats.StandardDeviation(values)
	return SummaryStatistics{
		Average:   avg,
		Deviation: dev,
		GMI:       3.31 + 0.02392*avg,
	}
}

type Description struct {
	Count   int               `json:"count"`
	Range   RangeAnalysis     `json:"range"`
	Summary SummaryStatistics `json:"summary"`
}

// Describe bundles range and summary statistics for the given readings.
func Describe(bss []defs.BloodSugar, cfg defs.GlucoseConfig) Description {
	cfg = cfg.OrDefault()
	count := 0
	for _, bs := range bss {
		if !bs.IsMeteredBloodGlucoseValue {
			count++
		}
	}
	return Description{
		Count:   count,
		Range:   TimeSpentInRange(bss, cfg.Low, cfg.High),
		Summary: GlucoseSummary(bss),
	}
}
