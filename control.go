package hda

import (
	"github.com/sirupsen/logrus"
)

// SetVolume sets the output amplifier of the selected converter. Level 0 mutes,
// 1..255 is scaled linearly onto the amplifier's gain steps.
func (d *Device) SetVolume(level uint8) error {
	d.cmdMu.Lock()
	defer d.unlockCmd()

	out, err := d.updateOutput(func(o *Output) { o.Volume = level })
	if err != nil {
		return err
	}

	return d.applyVolume(out)
}

// Volume returns the last volume level set.
func (d *Device) Volume() uint8 {
	return d.Output().Volume
}

// SetSampleRate selects the output sample rate. Only 44100 and 48000 Hz are supported;
// any other rate selects 48000. It returns the rate in effect.
//
// The endpoint keeps the new rate even when the format verb fails.
func (d *Device) SetSampleRate(hz uint32) (uint32, error) {
	rate := coerceRate(hz)

	d.cmdMu.Lock()
	defer d.unlockCmd()

	out, err := d.updateOutput(func(o *Output) { o.Rate = rate })
	if err != nil {
		return rate, err
	}

	return rate, d.applyFormat(out)
}

// SetChannelCount selects mono or stereo output; any other count selects stereo.
// It returns the channel count in effect.
//
// The endpoint keeps the new count even when the format verb fails.
func (d *Device) SetChannelCount(n uint32) (uint32, error) {
	channels := coerceChannels(n)

	d.cmdMu.Lock()
	defer d.unlockCmd()

	out, err := d.updateOutput(func(o *Output) { o.Channels = channels })
	if err != nil {
		return channels, err
	}

	return channels, d.applyFormat(out)
}

// configureOutput routes the stream to the selected converter and programs its
// format and initial volume. The caller holds cmdMu.
func (d *Device) configureOutput() error {
	out := d.Output()

	if err := d.setVerb(out.Codec, out.Node, VERB_SET_STREAM_CHANNEL, OutputStreamTag<<4); err != nil {
		return err
	}

	if err := d.applyFormat(out); err != nil {
		return err
	}

	return d.applyVolume(out)
}

// updateOutput applies fn to the endpoint and returns a copy of the result.
func (d *Device) updateOutput(fn func(o *Output)) (Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return Output{}, ErrClosed
	}

	if d.output == nil {
		return Output{}, ErrNoOutputWidget
	}

	fn(d.output)

	return *d.output, nil
}

// applyFormat issues the converter format verb and mirrors the format word into the
// stream descriptor. The caller holds cmdMu.
func (d *Device) applyFormat(out Output) error {
	format := FormatBits(out.Rate, out.Channels)

	d.log.WithFields(logrus.Fields{
		"rate":     out.Rate,
		"channels": out.Channels,
	}).Debug("Setting stream format")

	if err := d.setVerb(out.Codec, out.Node, VERB_SET_FORMAT, uint32(format)); err != nil {
		return err
	}

	d.mu.Lock()
	if s := d.stream; s != nil && !d.closed {
		s.setFormat(format)
	}
	d.mu.Unlock()

	return nil
}

// applyVolume issues the amplifier gain/mute verb. The caller holds cmdMu.
func (d *Device) applyVolume(out Output) error {
	payload := volumePayload(out.Volume, out.AmpGain)

	d.log.WithFields(logrus.Fields{
		"volume":  out.Volume,
		"payload": payload,
	}).Debug("Setting volume")

	return d.setVerb(out.Codec, out.Node, VERB_SET_AMP_GAIN_MUTE, payload)
}

// volumePayload returns the set-amplifier operand for both channels of the output amp.
// The gain is level*ceiling/255 rounded to nearest.
func volumePayload(level uint8, ceiling uint32) uint32 {
	payload := uint32(AMP_SET_OUTPUT | AMP_SET_LEFT | AMP_SET_RIGHT)
	if level == 0 {
		return payload | AMP_SET_MUTE
	}

	gain := (uint32(level)*ceiling + 127) / 255

	return payload | gain&AMP_SET_GAIN_MASK
}

func coerceRate(hz uint32) uint32 {
	if hz == Rate44100 {
		return Rate44100
	}

	return Rate48000
}

func coerceChannels(n uint32) uint32 {
	if n == 1 || n == 2 {
		return n
	}

	return 2
}
