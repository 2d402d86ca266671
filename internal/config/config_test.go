package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
log_level: debug
sensor:
  scale_factor: 2
gateway:
  station_mac: "24:f5:aa:66:10:6e"
  window_timeout: 30s
  endpoints:
    - mac: "c8:df:84:34:ad:c0"
      equipment_id: MT01
training:
  table_size: 200
  seed: 42
prediction:
  policy: any
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.Sensor.ScaleFactor)
	assert.Equal(t, 342, cfg.Sensor.WindowPackets)
	assert.Equal(t, 30*time.Second, cfg.Gateway.WindowTimeout)
	require.Len(t, cfg.Gateway.Endpoints, 1)
	assert.Equal(t, "MT01", cfg.Gateway.Endpoints[0].EquipmentID)
	assert.Equal(t, 200, cfg.Training.TableSize)
	assert.Equal(t, uint64(42), cfg.Training.Seed)
	assert.Equal(t, 5, cfg.Training.Repetitions)
	assert.Equal(t, "any", cfg.Prediction.Policy)
	assert.Equal(t, 1024, cfg.Features.FFTSize)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{"features": {"sample_rate": 500, "fft_size": 512}, "models": {"dir": "/tmp/models"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 500.0, cfg.Features.SampleRate)
	assert.Equal(t, 512, cfg.Features.FFTSize)
	assert.Equal(t, "/tmp/models", cfg.Models.Dir)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"empty":     "   ",
		"policy":    "prediction:\n  policy: majority\n",
		"fraction":  "training:\n  train_fraction: 1.5\n",
		"nu":        "training:\n  coarse_nu: [0.1, 1.2]\n",
		"serial":    "ingest:\n  serial:\n    enabled: true\n",
		"kafka":     "ingest:\n  kafka:\n    enabled: true\n    topic: raw\n",
		"raw dump":  "gateway:\n  raw_dump:\n    format: xml\n",
		"top peaks": "features:\n  fft_size: 4\n  top_n: 3\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", content))
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Training.Seed = 7
	cfg.Inventory.Equipments = []EquipmentSpec{{ID: "MT01", Name: "motor", InTraining: true}}
	dir := t.TempDir()
	for _, name := range []string{"config.yaml", "config.json"} {
		path := filepath.Join(dir, name)
		require.NoError(t, Save(path, cfg))
		loaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, uint64(7), loaded.Training.Seed, name)
		assert.Equal(t, cfg.Inventory.Equipments, loaded.Inventory.Equipments, name)
	}
}

func TestManagerReload(t *testing.T) {
	path := writeFile(t, "config.yaml", "log_level: info\n")
	m, err := NewManager(path)
	require.NoError(t, err)
	assert.Equal(t, "info", m.Get().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o644))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	needs, err := m.NeedsReload()
	require.NoError(t, err)
	assert.True(t, needs)
	cfg, err := m.Reload()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "warn", m.Get().LogLevel)

	static := NewStaticManager(nil)
	assert.Equal(t, "", static.Path())
	needs, err = static.NeedsReload()
	require.NoError(t, err)
	assert.False(t, needs)
}
