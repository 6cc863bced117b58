package hda_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/hda"
	"github.com/gen2brain/hda/hdatest"
)

const testConfigYAML = `
command_timeout: 20ms
reset_timeout: 1s
poll_interval: 10us
num_buffers: 8
buffer_size: 1000
rate: 44100
channels: 1
volume: 200
log_level: debug
`

func TestParseConfig(t *testing.T) {
	config, err := hda.ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, 20*time.Millisecond, config.CommandTimeout)
	assert.Equal(t, time.Second, config.ResetTimeout)
	assert.Equal(t, 10*time.Microsecond, config.PollInterval)
	assert.Equal(t, uint32(8), config.NumBuffers)
	assert.Equal(t, uint32(1000), config.BufferSize)
	assert.Equal(t, uint32(44100), config.Rate)
	assert.Equal(t, uint32(1), config.Channels)
	assert.Equal(t, uint8(200), config.Volume)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Nil(t, config.Logger)

	_, err = hda.ParseConfig([]byte("num_buffers: [1, 2]"))
	assert.Error(t, err)

	_, err = hda.ParseConfig([]byte("command_timeout: soon"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hda.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigYAML), 0o644))

	config, err := hda.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(8), config.NumBuffers)

	_, err = hda.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigApplied(t *testing.T) {
	config, err := hda.ParseConfig([]byte(testConfigYAML))
	require.NoError(t, err)
	config.LogLevel = "error"

	ctrl := hdatest.New()
	ctrl.AddCodec(hdatest.NewDefaultCodec(0))

	dev, err := hda.Open(ctrl, config)
	require.NoError(t, err)
	defer dev.Close()

	s := dev.Stream()
	assert.Equal(t, uint32(8), s.NumBuffers())
	assert.Equal(t, uint32(1024), s.BufferSize(), "Buffer size should be rounded up to 128 bytes")

	out := dev.Output()
	assert.Equal(t, uint32(hda.Rate44100), out.Rate)
	assert.Equal(t, uint32(1), out.Channels)
	assert.Equal(t, uint8(200), out.Volume)

	dac, _ := ctrl.Node(0, hdatest.DefaultDAC)
	assert.Equal(t, hda.FormatBits(hda.Rate44100, 1), dac.Format)

	assert.NotNil(t, dev.Logger())
	assert.NotNil(t, dev.Metrics())
	assert.Equal(t, "error", dev.Logger().GetLevel().String())
}

func TestConfigDefaults(t *testing.T) {
	ctrl := hdatest.New()
	ctrl.AddCodec(hdatest.NewDefaultCodec(0))

	dev, err := hda.Open(ctrl, nil)
	require.NoError(t, err)
	defer dev.Close()

	assert.Equal(t, uint32(4), dev.Stream().NumBuffers())
	assert.Equal(t, uint32(0x10000), dev.Stream().BufferSize())
	assert.Equal(t, uint32(hda.Rate48000), dev.Output().Rate)
	assert.Equal(t, uint32(2), dev.Output().Channels)
	assert.Equal(t, uint8(255), dev.Output().Volume)
}

func TestConfigInvalidLogLevel(t *testing.T) {
	_, err := hda.Open(hdatest.New(), &hda.Config{LogLevel: "loud"})
	assert.Error(t, err)
}
