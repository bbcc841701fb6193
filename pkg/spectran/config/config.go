package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

const (
	DefaultHost             = "localhost"
	DefaultPort             = 54664
	DefaultDemodulatorBlock = "Block_IQDemodulator_0"
	DefaultSampleRateIndex  = 0
	DefaultFormat           = "float32"
	DefaultHandshakeTimeout = 5 * time.Second
)

// SampleRates are the IQ rates the analyzer's demodulator accepts, in Hz.
var SampleRates = []int64{
	100000,
	250000,
	500000,
	1000000,
	1500000,
	2000000,
	3000000,
	4000000,
	5000000,
	6000000,
	10000000,
}

// SampleRateLabel formats a table entry the way the analyzer UI lists it.
func SampleRateLabel(hz int64) string {
	switch {
	case hz >= 1000000 && hz%100000 == 0:
		return strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%.1f", float64(hz)/1e6), "0"), ".") + " MHz"
	case hz >= 1000:
		return fmt.Sprintf("%d kHz", hz/1000)
	default:
		return fmt.Sprintf("%d Hz", hz)
	}
}

type Config struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	SampleRateIndex  int           `yaml:"sample_rate_index"`
	DemodulatorBlock string        `yaml:"demodulator_block"`
	CenterFreq       int64         `yaml:"center_freq"`
	Format           string        `yaml:"format"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	Output           Output        `yaml:"output"`
	InfluxDB         struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
	Simulator Simulator `yaml:"simulator"`
}

type Output struct {
	// Type is one of "none", "file" or "udp".
	Type         string              `yaml:"type"`
	Path         string              `yaml:"path,omitempty"`
	Destinations []OutputDestination `yaml:"destinations,omitempty"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Simulator struct {
	Listen          string  `yaml:"listen"`
	CenterFreq      int64   `yaml:"center_freq"`
	FrequencyStep   int64   `yaml:"frequency_step"`
	ToneOffset      int     `yaml:"tone_offset"`
	ToneAmplitude   float32 `yaml:"tone_amplitude"`
	BlockSize       int     `yaml:"block_size"`
	PlaybackFile    string  `yaml:"playback_file"`
	PlaybackReadLen int     `yaml:"playback_read_len"`
}

func Default() *Config {
	c := &Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		SampleRateIndex:  DefaultSampleRateIndex,
		DemodulatorBlock: DefaultDemodulatorBlock,
		Format:           DefaultFormat,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Output:           Output{Type: "none"},
		Simulator: Simulator{
			Listen:          fmt.Sprintf(":%d", DefaultPort),
			CenterFreq:      100000000,
			ToneOffset:      10000,
			ToneAmplitude:   0.5,
			BlockSize:       16384,
			PlaybackReadLen: 262144,
		},
	}
	return c
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()

	contents, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}
	if err := yaml.Unmarshal(contents, c); err != nil {
		return nil, errors.Wrap(err, "error unmarshaling yaml file")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Save replaces path atomically.
func (c *Config) Save(path string) error {
	encoded, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(encoded); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Validate clamps the port into range and rejects settings no device accepts.
func (c *Config) Validate() error {
	if c.Port < 1 {
		c.Port = 1
	} else if c.Port > 65535 {
		c.Port = 65535
	}

	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		return errors.New("host must not be empty")
	}
	c.DemodulatorBlock = strings.TrimSpace(c.DemodulatorBlock)
	if c.DemodulatorBlock == "" {
		return errors.New("demodulator_block must not be empty")
	}
	if c.SampleRateIndex < 0 || c.SampleRateIndex >= len(SampleRates) {
		return errors.Errorf("sample_rate_index %d out of range 0-%d", c.SampleRateIndex, len(SampleRates)-1)
	}
	if c.CenterFreq < 0 {
		return errors.Errorf("center_freq %d must not be negative", c.CenterFreq)
	}
	switch c.Format {
	case "float32", "int8":
	default:
		return errors.Errorf("unknown format %q", c.Format)
	}
	switch c.Output.Type {
	case "", "none":
	case "file":
		if c.Output.Path == "" {
			return errors.New("file output needs a path")
		}
	case "udp":
		if len(c.Output.Destinations) == 0 {
			return errors.New("udp output needs at least one destination")
		}
	default:
		return errors.Errorf("unknown output type %q", c.Output.Type)
	}
	return nil
}

// SampleRate is the table entry SampleRateIndex selects.
func (c *Config) SampleRate() int64 {
	return SampleRates[c.SampleRateIndex]
}
