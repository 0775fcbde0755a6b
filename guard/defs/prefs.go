package defs

// MaxNightscoutURIs bounds the bookmark history of backend URIs.
const MaxNightscoutURIs = 5

// DimScreenOptions are the allowed idle timeouts in minutes; 0 means never.
var DimScreenOptions = []int{0, 1, 2, 3, 4, 5, 10, 15}

type Preferences struct {
	BaseURI             string   `json:"baseUri" bson:"baseUri"`
	Units               Units    `json:"units" bson:"units"`
	ManuallySetUnits    bool     `json:"manuallySetUnits" bson:"manuallySetUnits"`
	CheckBGEveryMinute  bool     `json:"checkBGEveryMinute" bson:"checkBGEveryMinute"`
	ShowStats           bool     `json:"showStats" bson:"showStats"`
	ShowCareAndLoopData bool     `json:"showCareAndLoopData" bson:"showCareAndLoopData"`
	ShowYesterdaysBgs   bool     `json:"showYesterdaysBgs" bson:"showYesterdaysBgs"`
	KeepScreenActive    bool     `json:"keepScreenActive" bson:"keepScreenActive"`
	DimScreenWhenIdle   int      `json:"dimScreenWhenIdle" bson:"dimScreenWhenIdle"`
	ShowBGOnAppBadge    bool     `json:"showBGOnAppBadge" bson:"showBGOnAppBadge"`
	NightscoutURIs      []string `json:"nightscoutUris" bson:"nightscoutUris"`
}

func DefaultPreferences() Preferences {
	return Preferences{
		Units:               Mgdl,
		ShowStats:           true,
		ShowCareAndLoopData: true,
		ShowYesterdaysBgs:   true,
		KeepScreenActive:    true,
		NightscoutURIs:      []string{},
	}
}

func (p Preferences) IsConfigured() bool {
	return p.BaseURI != ""
}

// Clone copies the preferences without sharing the URI history.
func (p Preferences) Clone() Preferences {
	c := p
	c.NightscoutURIs = append([]string{}, p.NightscoutURIs...)
	return c
}
