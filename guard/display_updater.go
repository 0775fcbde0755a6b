package guard

import (
	"errors"
	"fmt"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/cache"
	"nightguard/guard/pkg/desc"
	"nightguard/guard/pkg/discgo"
	"nightguard/guard/pkg/stats"
	"strings"
	"time"

	"go.uber.org/zap"
)

var errNoReading = errors.New("no reading cached yet")

type DisplayCache interface {
	CurrentNightscoutData() defs.NightscoutData
	TodaysBgData() []defs.BloodSugar
}

type DisplayUpdater struct {
	Display discgo.Messager
	Cache   DisplayCache
	Prefs   cache.PreferencesProvider
	Glucose defs.GlucoseConfig

	Logger   *zap.Logger
	Location *time.Location
	Now      func() time.Time
}

func (u DisplayUpdater) Update() error {
	current := u.Cache.CurrentNightscoutData()
	if current.Time == 0 {
		return errNoReading
	}
	title := current.GetTime().In(u.Location).Format(discgo.TimeFormat)

	prevMsg, err := u.Display.GetMainMessage()
	if err != nil {
		u.Logger.Debug("unable to get main message", zap.Error(err))
	}
	if prevMsg != nil && len(prevMsg.Embeds) > 0 && prevMsg.Embeds[0].Title == title {
		u.Logger.Debug("skipping display update, up to date", zap.String("date", title))
		return nil
	}

	now := time.Now()
	if u.Now != nil {
		now = u.Now()
	}
	prefs := u.Prefs.Preferences()
	todays := u.Cache.TodaysBgData()
	d := desc.New(prefs.Units, u.Location)
	entry := d.WidgetEntry(now, current, todays, nil)

	embed := defs.EmbedData{
		Title:       title,
		Description: d.Wrap(entry.String()),
		Fields: inlineFields(
			"Current", fmt.Sprintf("%s %s", current.Sgv, prefs.Units),
			"Delta", fmt.Sprintf("%s %s", current.BgDeltaString, current.BgDeltaArrow),
			"Age", current.TimeString(now),
			"IOB", current.IOB,
			"COB", current.COB,
			"Battery", current.Battery,
		),
	}

	if prefs.ShowStats && len(todays) > 0 {
		sd := stats.Describe(todays, u.Glucose)
		embed.Fields = append(embed.Fields,
			defs.EmbedField{Name: "In Range", Value: fmt.Sprintf("%.1f%%", sd.Range.InRange*100), Inline: true},
			defs.EmbedField{Name: "Average", Value: prefs.Units.Format(sd.Summary.Average), Inline: true},
			defs.EmbedField{Name: "GMI", Value: fmt.Sprintf("%.1f%%", sd.Summary.GMI), Inline: true},
		)
	}

	u.Logger.Debug("updating display", zap.String("date", title), zap.String("sgv", current.Sgv))
	return u.Display.UpdateMainMessage(defs.MessageData{Embeds: []defs.EmbedData{embed}})
}

// inlineFields pairs up names and values, leaving out empty values since
// discord rejects them. Readings without loop data carry no IOB or COB.
func inlineFields(pairs ...string) []defs.EmbedField {
	fields := make([]defs.EmbedField, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			continue
		}
		fields = append(fields, defs.EmbedField{Name: pairs[i], Value: pairs[i+1], Inline: true})
	}
	return fields
}
