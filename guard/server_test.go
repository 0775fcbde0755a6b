package guard

import (
	"context"
	"nightguard/guard/defs"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/h2non/gock.v1"
)

func TestNewStore(t *testing.T) {
	ctx := context.Background()

	kv, closeStore, err := newStore(ctx, defs.StorageConfig{Path: filepath.Join(t.TempDir(), "kv.db")}, zap.NewExample())
	require.NoError(t, err)
	defer closeStore(ctx)

	require.NoError(t, kv.Put(ctx, "key", "value"))
	var v string
	found, err := kv.Get(ctx, "key", &v)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "value", v)

	_, _, err = newStore(ctx, defs.StorageConfig{Driver: "etcd"}, zap.NewExample())
	assert.Error(t, err)
}

func TestExecuteTask(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runs := 0
	ExecuteTask(ctx, time.Millisecond, func() {
		runs++
		if runs == 3 {
			cancel()
		}
	})
	assert.Equal(t, 3, runs)
}

func TestNewServer(t *testing.T) {
	defer gock.Off()
	gock.New(testURL).
		Get("/api/v1/status.json").
		Reply(200).
		BodyString(`{"settings":{"units":"mmol"}}`)

	config := defs.Config{
		Nightscout: defs.NightscoutConfig{URI: testURL},
		Storage:    defs.StorageConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "nightguard.db")},
		Timezone:   "UTC",
		Logger:     zap.NewExample(),
	}

	s, err := New(config)
	require.NoError(t, err)
	defer s.Close()

	p := s.Settings.Preferences()
	assert.Equal(t, testURL, p.BaseURI)
	assert.Equal(t, defs.Mmol, p.Units)
	assert.Equal(t, defaultAddr, s.Addr)
	assert.Nil(t, s.Discord)
}
