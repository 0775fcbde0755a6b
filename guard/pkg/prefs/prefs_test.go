package prefs

import (
	"context"
	"nightguard/guard/defs"
	"nightguard/guard/pkg/lite"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
)

type PrefsTestSuite struct {
	suite.Suite
	kv *lite.Store
}

func TestPrefsTestSuite(t *testing.T) {
	suite.Run(t, new(PrefsTestSuite))
}

func (suite *PrefsTestSuite) SetupTest() {
	kv, err := lite.New(filepath.Join(suite.T().TempDir(), "prefs.db"), zap.New(nil))
	suite.Require().NoError(err)
	suite.kv = kv
}

func (suite *PrefsTestSuite) TearDownTest() {
	suite.kv.Close()
}

func (suite *PrefsTestSuite) TestLoadDefaults() {
	s, err := Load(context.Background(), suite.kv, zap.New(nil))
	suite.Require().NoError(err)
	assert.Equal(suite.T(), defs.DefaultPreferences(), s.Preferences())
	assert.False(suite.T(), s.Preferences().IsConfigured())
}

func (suite *PrefsTestSuite) TestUpdatePersists() {
	ctx := context.Background()
	s, err := Load(ctx, suite.kv, zap.New(nil))
	suite.Require().NoError(err)

	p, err := s.Update(ctx, func(p *defs.Preferences) {
		p.BaseURI = "https://ns.example.com"
		p.Units = defs.Mmol
		p.DimScreenWhenIdle = 10
	})
	assert.NoError(suite.T(), err)
	assert.Equal(suite.T(), defs.Mmol, p.Units)

	reloaded, err := Load(ctx, suite.kv, zap.New(nil))
	suite.Require().NoError(err)
	assert.Equal(suite.T(), "https://ns.example.com", reloaded.Preferences().BaseURI)
	assert.Equal(suite.T(), 10, reloaded.Preferences().DimScreenWhenIdle)
}

func (suite *PrefsTestSuite) TestUpdateRejectsInvalid() {
	ctx := context.Background()
	s, err := Load(ctx, suite.kv, zap.New(nil))
	suite.Require().NoError(err)

	p, err := s.Update(ctx, func(p *defs.Preferences) { p.DimScreenWhenIdle = 7 })
	assert.Error(suite.T(), err)
	assert.Equal(suite.T(), 0, p.DimScreenWhenIdle)

	_, err = s.Update(ctx, func(p *defs.Preferences) { p.Units = "mg" })
	assert.Error(suite.T(), err)
	assert.Equal(suite.T(), defs.Mgdl, s.Preferences().Units)
}

func (suite *PrefsTestSuite) TestPreferencesAreCopies() {
	ctx := context.Background()
	s, err := Load(ctx, suite.kv, zap.New(nil))
	suite.Require().NoError(err)
	_, err = s.Update(ctx, func(p *defs.Preferences) { p.NightscoutURIs = []string{"https://a.example.com"} })
	suite.Require().NoError(err)

	p := s.Preferences()
	p.NightscoutURIs[0] = "https://changed.example.com"
	assert.Equal(suite.T(), "https://a.example.com", s.Preferences().NightscoutURIs[0])
}

func (suite *PrefsTestSuite) TestAddProtocolPartIfMissing() {
	cases := map[string]string{
		"night.fritz.box":             "https://night.fritz.box",
		"192.168.0.2:1337":            "https://192.168.0.2:1337",
		"http://night.fritz.box":      "http://night.fritz.box",
		"https://ns.example.com/?t=1": "https://ns.example.com/?t=1",
		"nightscout":                  "nightscout",
	}
	for in, want := range cases {
		assert.Equal(suite.T(), want, AddProtocolPartIfMissing(in), in)
	}
}

func (suite *PrefsTestSuite) TestAddURIToHistory() {
	uris := []string{}
	uris = AddURIToHistory(uris, "")
	assert.Empty(suite.T(), uris, "empty uris are ignored")

	for _, u := range []string{"a", "b", "c", "d", "e", "f"} {
		uris = AddURIToHistory(uris, u)
	}
	assert.Equal(suite.T(), []string{"f", "e", "d", "c", "b"}, uris)

	assert.Equal(suite.T(), uris, AddURIToHistory(uris, "d"), "known uris keep their position")
}

func (suite *PrefsTestSuite) TestValidDimScreenOption() {
	for _, m := range defs.DimScreenOptions {
		assert.True(suite.T(), ValidDimScreenOption(m))
	}
	assert.False(suite.T(), ValidDimScreenOption(6))
	assert.False(suite.T(), ValidDimScreenOption(-1))
}
