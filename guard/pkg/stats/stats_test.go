package stats

import (
	"math/rand"
	"nightguard/guard/defs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
)

type StatsTestSuite struct {
	suite.Suite
}

func TestStatsTestSuite(t *testing.T) {
	suite.Run(t, new(StatsTestSuite))
}

func (suite *StatsTestSuite) TestTimeSpentInRange() {
	bss := genReadings([]metaReadings{
		{size: 15, min: 40, max: 70},
		{size: 60, min: 71, max: 179},
		{size: 25, min: 180, max: 350},
	}...)
	bss = append(bss, defs.BloodSugar{Value: 30, Timestamp: 1, IsMeteredBloodGlucoseValue: true})
	ra := TimeSpentInRange(bss, 70, 180)

	assert.Equal(suite.T(), 15.0/100, ra.BelowRange, "below range should match")
	assert.Equal(suite.T(), 60.0/100, ra.InRange, "in range should match")
	assert.Equal(suite.T(), 25.0/100, ra.AboveRange, "above range should match")
}

func (suite *StatsTestSuite) TestTimeSpentInRangeEmpty() {
	assert.Equal(suite.T(), RangeAnalysis{}, TimeSpentInRange(nil, 70, 180))
}

func (suite *StatsTestSuite) TestSummaryStatistics() {
	bss := genReadings([]metaReadings{
		{size: 100, min: 120, max: 120},
	}...)
	ss := GlucoseSummary(bss)

	assert.Equal(suite.T(), float64(120), ss.Average, "averages do not equal")
	assert.Equal(suite.T(), float64(0), ss.Deviation, "deviations do not equal")
	assert.InDelta(suite.T(), 6.18, ss.GMI, 0.01)
}

func (suite *StatsTestSuite) TestDescribe() {
	bss := genReadings([]metaReadings{
		{size: 10, min: 100, max: 100},
	}...)
	d := Describe(bss, defs.GlucoseConfig{})

	assert.Equal(suite.T(), 10, d.Count)
	assert.Equal(suite.T(), 1.0, d.Range.InRange)
	assert.Equal(suite.T(), 100.0, d.Summary.Average)
}

type metaReadings struct {
	size int
	min  float64
	max  float64
}

func genReadings(mrs ...metaReadings) []defs.BloodSugar {
	now := time.Now()
	bss := make([]defs.BloodSugar, 0)

	count := 0
	for _, mr := range mrs {
		for i := 0; i < mr.size; i++ {
			bss = append(bss, defs.BloodSugar{
				Value:     mr.min + rand.Float64()*(mr.max-mr.min),
				Timestamp: now.Add(time.Duration(count*5) * time.Minute).UnixMilli(),
			})
			count++
		}
	}

	return bss
}
