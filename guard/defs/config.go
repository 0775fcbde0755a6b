package defs

import (
	"time"

	"go.uber.org/zap"
)

const DefaultDB = "nightguard"

// Intervals.
const (
	RefresherInterval = 1 * time.Minute
	UpdaterInterval   = 1 * time.Minute
	TimeoutInterval   = 2 * time.Second
	RequestTimeout    = 30 * time.Second
)

// Lookback windows for treatment events, in days.
const (
	CannulaLookbackDays     = 5
	SensorLookbackDays      = 14
	BatteryLookbackDays     = 40
	TemporaryTargetLookback = 1
)

type Config struct {
	Nightscout NightscoutConfig `yaml:"nightscout"`
	Storage    StorageConfig    `yaml:"storage"`
	HTTP       HTTPConfig       `yaml:"http"`
	Discord    DiscordConfig    `yaml:"discord"`
	Glucose    GlucoseConfig    `yaml:"glucose"`
	Timezone   string           `yaml:"timezone"`
	Logger     *zap.Logger      `yaml:"-"`
}

type NightscoutConfig struct {
	URI       string `yaml:"uri"`
	APISecret string `yaml:"apiSecret"`
}

type StorageConfig struct {
	// Driver is "sqlite" or "mongo".
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	Mongo  MongoConfig `yaml:"mongo"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type DiscordConfig struct {
	Token string `yaml:"token"`
	Guild string `yaml:"guild"`
}

// GlucoseConfig holds the range used for statistics, in mg/dL.
type GlucoseConfig struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

func (c GlucoseConfig) OrDefault() GlucoseConfig {
	if c.Low == 0 {
		c.Low = 70
	}
	if c.High == 0 {
		c.High = 180
	}
	return c
}
