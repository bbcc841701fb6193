package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, "localhost", c.Host)
	assert.Equal(t, 54664, c.Port)
	assert.Equal(t, "Block_IQDemodulator_0", c.DemodulatorBlock)
	assert.Equal(t, int64(100000), c.SampleRate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spectran.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 192.168.1.40
port: 70000
sample_rate_index: 5
center_freq: 433920000
handshake_timeout: 2s
output:
  type: udp
  destinations:
    - host: 127.0.0.1
      port: 9000
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.40", c.Host)
	assert.Equal(t, 65535, c.Port)
	assert.Equal(t, int64(2000000), c.SampleRate())
	assert.Equal(t, int64(433920000), c.CenterFreq)
	assert.Equal(t, 2*time.Second, c.HandshakeTimeout)
	assert.Equal(t, []OutputDestination{{Host: "127.0.0.1", Port: 9000}}, c.Output.Destinations)
	assert.Equal(t, "Block_IQDemodulator_0", c.DemodulatorBlock)
	assert.Equal(t, "float32", c.Format)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "host: [unterminated"},
		{"empty host", "host: ' '"},
		{"empty block", "demodulator_block: ''"},
		{"rate index", "sample_rate_index: 11"},
		{"negative rate index", "sample_rate_index: -1"},
		{"format", "format: int16"},
		{"negative frequency", "center_freq: -5"},
		{"output type", "output: {type: pipe}"},
		{"file without path", "output: {type: file}"},
		{"udp without destinations", "output: {type: udp}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "spectran.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestPortClamp(t *testing.T) {
	c := Default()
	c.Port = 0
	require.NoError(t, c.Validate())
	assert.Equal(t, 1, c.Port)

	c.Port = 1 << 20
	require.NoError(t, c.Validate())
	assert.Equal(t, 65535, c.Port)
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spectran.yaml")

	c := Default()
	c.CenterFreq = 145500000
	c.SampleRateIndex = 3
	require.NoError(t, c.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSampleRateLabel(t *testing.T) {
	tests := []struct {
		hz   int64
		want string
	}{
		{100000, "100 kHz"},
		{250000, "250 kHz"},
		{1000000, "1 MHz"},
		{1500000, "1.5 MHz"},
		{10000000, "10 MHz"},
		{500, "500 Hz"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SampleRateLabel(tt.hz))
	}
	assert.Len(t, SampleRates, 11)
}
