package hda_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gen2brain/hda"
	"github.com/gen2brain/hda/hdatest"
)

func lastVerb(t *testing.T, ctrl *hdatest.Controller) uint32 {
	t.Helper()

	verbs := ctrl.Verbs()
	require.NotEmpty(t, verbs)

	_, _, payload := hda.DecodeVerb(verbs[len(verbs)-1])

	return payload
}

func TestSetVolume(t *testing.T) {
	const both = hda.AMP_SET_OUTPUT | hda.AMP_SET_LEFT | hda.AMP_SET_RIGHT

	ctrl, dev := openDefault(t, nil)

	tests := []struct {
		level uint8
		gain  uint32
	}{
		{0, hda.AMP_SET_MUTE},
		{255, hdatest.DefaultAmpSteps},
		{128, 64}, // round(128 * 127 / 255)
		{1, 0},
		{2, 1},
	}

	for _, tt := range tests {
		require.NoError(t, dev.SetVolume(tt.level))
		assert.Equal(t, uint32(hda.VERB_SET_AMP_GAIN_MUTE)|both|tt.gain, lastVerb(t, ctrl), "Volume %d", tt.level)
		assert.Equal(t, tt.level, dev.Volume())

		dac, ok := ctrl.Node(0, hdatest.DefaultDAC)
		require.True(t, ok)
		assert.Equal(t, [2]uint32{tt.gain, tt.gain}, dac.AmpOut)
	}
}

func TestSetVolumeCeiling(t *testing.T) {
	codec := hdatest.NewCodec(0, 0x10ec0888)
	codec.AddFunctionGroup(1, hda.GROUP_AUDIO).
		AddWidget(2, hda.WIDGET_OUTPUT, hda.WIDGET_CAP_STEREO|hda.WIDGET_CAP_AMP_OVRD).
		SetParam(hda.PARAM_OUT_AMP_CAP, hdatest.AmpCaps(0x57))

	ctrl := hdatest.New()
	ctrl.AddCodec(codec)

	dev, err := hda.Open(ctrl, testConfig())
	require.NoError(t, err)
	defer dev.Close()

	require.NoError(t, dev.SetVolume(128))
	assert.Equal(t, uint32(44), lastVerb(t, ctrl)&hda.AMP_SET_GAIN_MASK, "round(128 * 87 / 255)")

	require.NoError(t, dev.SetVolume(255))
	assert.Equal(t, uint32(0x57), lastVerb(t, ctrl)&hda.AMP_SET_GAIN_MASK)
}

func TestSetSampleRate(t *testing.T) {
	ctrl, dev := openDefault(t, nil)
	base := hda.StreamBase(dev.Stream().Index())

	tests := []struct {
		rate uint32
		want uint32
	}{
		{44100, hda.Rate44100},
		{48000, hda.Rate48000},
		{96000, hda.Rate48000},
		{0, hda.Rate48000},
	}

	for _, tt := range tests {
		got, err := dev.SetSampleRate(tt.rate)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.want, dev.Output().Rate)

		format := hda.FormatBits(tt.want, 2)
		dac, _ := ctrl.Node(0, hdatest.DefaultDAC)
		assert.Equal(t, format, dac.Format, "Converter format for %d", tt.rate)
		assert.Equal(t, format, ctrl.Read16(base+hda.REG_SD_FMT), "Stream format for %d", tt.rate)
	}

	_, err := dev.SetSampleRate(44100)
	require.NoError(t, err)
	dac, _ := ctrl.Node(0, hdatest.DefaultDAC)
	assert.NotZero(t, dac.Format&hda.SR_44_KHZ)
}

func TestSetSampleRateWhileRunning(t *testing.T) {
	ctrl, dev := openDefault(t, nil)
	s := dev.Stream()
	base := hda.StreamBase(s.Index())

	require.NoError(t, s.Start())

	rate, err := dev.SetSampleRate(44100)
	require.NoError(t, err)
	assert.Equal(t, uint32(hda.Rate44100), rate)

	assert.Zero(t, ctrl.FormatWritesWhileRunning(), "The format should be written with the engine stopped")
	assert.Equal(t, hda.FormatBits(hda.Rate44100, 2), ctrl.Read16(base+hda.REG_SD_FMT))
	assert.True(t, s.Running())
	assert.NotZero(t, ctrl.Read8(base+hda.REG_SD_CTLL)&hda.SDCTL_RUN, "The engine should be restarted")

	require.True(t, ctrl.CompleteBuffer(), "Playback should continue after the change")
}

func TestSetChannelCount(t *testing.T) {
	ctrl, dev := openDefault(t, nil)

	tests := []struct {
		n    uint32
		want uint32
	}{
		{1, 1},
		{2, 2},
		{0, 2},
		{6, 2},
	}

	for _, tt := range tests {
		got, err := dev.SetChannelCount(tt.n)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.want, dev.Output().Channels)

		dac, _ := ctrl.Node(0, hdatest.DefaultDAC)
		assert.Equal(t, uint16(tt.want-1), dac.Format&hda.FMT_CHANS_MASK)
	}
}

func TestControlTimeout(t *testing.T) {
	var completed []uint32

	config := testConfig()
	config.OnBufferComplete = func(s *hda.Stream, buffer uint32) {
		completed = append(completed, buffer)
	}

	ctrl, dev := openDefault(t, config)
	s := dev.Stream()
	require.NoError(t, s.Start())

	ctrl.CompleteBuffer()
	require.True(t, dev.HandleInterrupt())

	ctrl.SetHoldResponses(true)

	assert.ErrorIs(t, dev.SetVolume(10), hda.ErrCodecTimeout)

	// The endpoint is updated before the verb; a failed verb leaves it changed.
	rate, err := dev.SetSampleRate(44100)
	assert.ErrorIs(t, err, hda.ErrCodecTimeout)
	assert.Equal(t, uint32(hda.Rate44100), rate)
	assert.Equal(t, uint32(hda.Rate44100), dev.Output().Rate)

	channels, err := dev.SetChannelCount(1)
	assert.ErrorIs(t, err, hda.ErrCodecTimeout)
	assert.Equal(t, uint32(1), channels)

	ctrl.CompleteBuffer()
	require.True(t, dev.HandleInterrupt(), "Playback should go on while the codec does not answer")
	assert.True(t, s.Running())
	assert.Equal(t, []uint32{0, 1}, completed)
	assert.Equal(t, hda.StateReady, dev.State())

	ctrl.SetHoldResponses(false)
	ctrl.ReleaseResponses()

	require.NoError(t, dev.SetVolume(255))
	dac, _ := ctrl.Node(0, hdatest.DefaultDAC)
	assert.Equal(t, uint32(hdatest.DefaultAmpSteps), dac.AmpOut[0])
}
