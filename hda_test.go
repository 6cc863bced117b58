package hda_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gen2brain/hda"
)

func TestEncodeVerb(t *testing.T) {
	verb := hda.EncodeVerb(2, 0x14, uint32(hda.VERB_SET_PIN_CONTROL)|hda.PIN_CTL_ENABLE_OUTPUT)
	assert.Equal(t, uint32(0x21470740), verb)

	codec, node, payload := hda.DecodeVerb(verb)
	assert.Equal(t, uint8(2), codec)
	assert.Equal(t, uint8(0x14), node)
	assert.Equal(t, uint32(0x70740), payload)

	// Payload bits above 20 never leak into the node field.
	assert.Equal(t, uint32(0x00100000|0xfffff), hda.EncodeVerb(0, 1, 0xffffffff))
}

func TestFormatBits(t *testing.T) {
	assert.Equal(t, uint16(0x0011), hda.FormatBits(hda.Rate48000, 2))
	assert.Equal(t, uint16(0x4011), hda.FormatBits(hda.Rate44100, 2))
	assert.Equal(t, uint16(0x0010), hda.FormatBits(hda.Rate48000, 1))
	assert.Equal(t, uint16(0x4010), hda.FormatBits(hda.Rate44100, 1))
}

func TestStreamBase(t *testing.T) {
	assert.Equal(t, uint32(0x80), hda.StreamBase(0))
	assert.Equal(t, uint32(0x100), hda.StreamBase(4))
	assert.Equal(t, uint32(0x160), hda.StreamBase(7))
}

func TestWidgetTypeString(t *testing.T) {
	assert.Equal(t, "Output", hda.WIDGET_OUTPUT.String())
	assert.Equal(t, "Pin Complex", hda.WIDGET_PIN.String())
	assert.Equal(t, "Reserved", hda.WidgetType(0x9).String())
}
